package chi

import (
	"time"

	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	tokensuc "github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

// ErrorCode is a machine-readable error code.
type ErrorCode string

// Error codes.
const (
	ErrorCodeBadRequest       ErrorCode = "bad_request"
	ErrorCodeUnauthorized     ErrorCode = "unauthorized"
	ErrorCodeValidationFailed ErrorCode = "validation_failed"
	ErrorCodeIdentityRequired ErrorCode = "identity_required"
	ErrorCodeBudgetExhausted  ErrorCode = "budget_exhausted"
	ErrorCodeProviderError    ErrorCode = "llm_provider_error"
	ErrorCodeInternalError    ErrorCode = "internal_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// TokenStateResponse is the wire form of a token state.
type TokenStateResponse struct {
	TokenBudget     int64  `json:"token_budget"`
	TokensUsed      int64  `json:"tokens_used"`
	BudgetRemaining int64  `json:"budget_remaining"`
	Loading         bool   `json:"loading"`
	Remaining       string `json:"remaining_display"`
}

// UseTokensRequest is the body of POST /api/v1/tokens/usage.
// TotalTokens may be omitted; it is then derived.
type UseTokensRequest struct {
	ChatID           string  `json:"chat_id"`
	ModelID          string  `json:"model_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      *int64  `json:"total_tokens,omitempty"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// UseTokensResponse reports a debit outcome.
type UseTokensResponse struct {
	Success bool               `json:"success"`
	State   TokenStateResponse `json:"state"`
}

// PreflightResponse is the body of GET /api/v1/tokens/preflight.
type PreflightResponse struct {
	Allowed         bool               `json:"allowed"`
	Exhausted       bool               `json:"exhausted"`
	EstimatedTokens int64              `json:"estimated_tokens"`
	UsagePercentage int                `json:"usage_percentage"`
	State           TokenStateResponse `json:"state"`
}

// UsageMetrics are lifetime totals.
type UsageMetrics struct {
	Calls         int64   `json:"calls"`
	Tokens        int64   `json:"tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// ReportResponse is the body of GET /api/v1/tokens/report.
type ReportResponse struct {
	Identity        string             `json:"identity"`
	Kind            string             `json:"kind"`
	State           TokenStateResponse `json:"state"`
	Usage           UsageMetrics       `json:"usage"`
	UsagePercentage int                `json:"usage_percentage"`
	// SessionStarted is when a guest's first usage was recorded (RFC 3339).
	SessionStarted string `json:"session_started,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (r UseTokensRequest) toCharge() usage.Charge {
	u := usage.New(r.PromptTokens, r.CompletionTokens, r.EstimatedCost)
	if r.TotalTokens != nil {
		u.TotalTokens = *r.TotalTokens
	}
	return usage.Charge{ChatID: r.ChatID, ModelID: r.ModelID, Usage: u}
}

func stateToAPI(s budget.State) TokenStateResponse {
	return TokenStateResponse{
		TokenBudget:     s.TokenBudget(),
		TokensUsed:      s.TokensUsed(),
		BudgetRemaining: s.BudgetRemaining(),
		Loading:         s.Loading(),
		Remaining:       budget.FormatTokens(s.BudgetRemaining()),
	}
}

func resultToAPI(r tokensuc.Result) UseTokensResponse {
	return UseTokensResponse{Success: r.Success, State: stateToAPI(r.State)}
}

func reportToAPI(r *usage.Report) ReportResponse {
	id := r.Identity()
	resp := ReportResponse{
		Identity: id.String(),
		Kind:     string(id.Kind()),
		State:    stateToAPI(r.State()),
		Usage: UsageMetrics{
			Calls:         r.Metrics().Calls(),
			Tokens:        r.Metrics().Tokens(),
			EstimatedCost: r.Metrics().EstimatedCost(),
		},
		UsagePercentage: r.UsagePercentage(),
	}
	if started, ok := r.SessionStarted(); ok {
		resp.SessionStarted = started.UTC().Format(time.RFC3339)
	}
	return resp
}

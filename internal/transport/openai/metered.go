// Package openai meters OpenAI-compatible chat completions against token budgets.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/metrics"
	"github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

// Accountant checks and debits token budgets.
type Accountant interface {
	Preflight(ctx context.Context, id identity.Identity, estimated int64) tokens.Preflight
	UseTokens(ctx context.Context, id identity.Identity, charge usage.Charge) (tokens.Result, error)
}

// Config holds the chat provider settings.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Pricing         PriceTable
	EstimatedTokens int64 // pre-flight estimate; 0 uses the default
	Logger          *zap.Logger
}

// MeteredClient runs chat completions and debits their usage.
type MeteredClient struct {
	client    *openai.Client
	model     string
	pricing   PriceTable
	estimated int64
	acct      Accountant
	logger    *zap.Logger
}

// Completion is a chat completion together with the resulting budget state.
type Completion struct {
	Response openai.ChatCompletionResponse
	Usage    usage.TokenUsage
	Debit    tokens.Result
}

// NewMeteredClient creates a metered OpenAI-compatible chat client.
func NewMeteredClient(cfg *Config, acct Accountant) *MeteredClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &MeteredClient{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		pricing:   cfg.Pricing,
		estimated: cfg.EstimatedTokens,
		acct:      acct,
		logger:    cfg.Logger,
	}
}

// Complete runs the pre-flight check, calls the model and debits the reported usage.
// Returns domain.ErrBudgetExhausted without calling the model when the
// pre-flight check fails.
func (c *MeteredClient) Complete(
	ctx context.Context, id identity.Identity, chatID string, req openai.ChatCompletionRequest,
) (Completion, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	pf := c.acct.Preflight(ctx, id, c.estimated)
	if !pf.Allowed {
		metrics.LLMRequestsTotal.WithLabelValues(req.Model, "budget_exhausted").Inc()
		return Completion{}, fmt.Errorf("%d tokens remaining, %d estimated: %w",
			pf.State.BudgetRemaining(), pf.Estimated, domain.ErrBudgetExhausted)
	}

	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, req)

	duration := time.Since(start)

	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(req.Model, "error").Inc()
		c.logger.Error("Chat completion failed",
			zap.String("model", req.Model),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return Completion{}, parseAPIError(err)
	}

	metrics.LLMRequestsTotal.WithLabelValues(req.Model, "success").Inc()
	metrics.LLMRequestDuration.WithLabelValues(req.Model).Observe(duration.Seconds())

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	prompt := int64(resp.Usage.PromptTokens)
	completion := int64(resp.Usage.CompletionTokens)
	u := usage.New(prompt, completion, c.pricing.Cost(model, prompt, completion))

	res, err := c.acct.UseTokens(ctx, id, usage.Charge{ChatID: chatID, ModelID: model, Usage: u})
	if err != nil {
		return Completion{}, fmt.Errorf("debit: %w", err)
	}

	c.logger.Debug("Chat completion metered",
		zap.String("model", model),
		zap.String("identity", id.String()),
		zap.Duration("duration", duration),
		zap.Int64("total_tokens", u.TotalTokens),
		zap.Bool("debited", res.Success),
	)

	return Completion{Response: resp, Usage: u, Debit: res}, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (c *MeteredClient) HealthCheck(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// parseAPIError extracts a human-readable error from the API response.
// All errors are wrapped with domain.ErrProviderError for correct 502 mapping.
func parseAPIError(err error) error {
	wrap := domain.ErrProviderError

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if detail := extractDetail(reqErr.Body); detail != "" {
			return fmt.Errorf("chat API error %d: %s: %w", reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("chat API error %d: %s: %w", reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("chat API error %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("chat request failed: %w", wrap)
}

// extractDetail extracts the "detail" field from a JSON error body (Nebius error format).
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}

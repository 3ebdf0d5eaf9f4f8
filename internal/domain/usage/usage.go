package usage

import (
	"math"

	"github.com/kailas-cloud/tokenguard/internal/domain"
)

// TokenUsage is the token count of a single completed model call.
// It is consumed once by a debit and not retained afterwards.
type TokenUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	EstimatedCost    float64 // USD, informational only
}

// New creates a TokenUsage with TotalTokens derived from its parts.
func New(prompt, completion int64, estimatedCost float64) TokenUsage {
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		EstimatedCost:    estimatedCost,
	}
}

// Validate checks non-negativity and the total = prompt + completion invariant,
// including a sum that does not fit in int64.
func (u TokenUsage) Validate() error {
	switch {
	case u.PromptTokens < 0:
		return domain.NewInvalidUsage("prompt_tokens", "must be non-negative")
	case u.CompletionTokens < 0:
		return domain.NewInvalidUsage("completion_tokens", "must be non-negative")
	case u.PromptTokens > math.MaxInt64-u.CompletionTokens:
		return domain.NewInvalidUsage("total_tokens", "overflows int64")
	case u.TotalTokens < 0:
		return domain.NewInvalidUsage("total_tokens", "must be non-negative")
	case u.TotalTokens != u.PromptTokens+u.CompletionTokens:
		return domain.NewInvalidUsage("total_tokens", "must equal prompt_tokens + completion_tokens")
	case u.EstimatedCost < 0 || math.IsNaN(u.EstimatedCost) || math.IsInf(u.EstimatedCost, 0):
		return domain.NewInvalidUsage("estimated_cost", "must be a non-negative number")
	}
	return nil
}

// Charge is one completed model call to debit.
// ChatID and ModelID are recorded in the audit log only.
type Charge struct {
	ChatID  string
	ModelID string
	Usage   TokenUsage
}

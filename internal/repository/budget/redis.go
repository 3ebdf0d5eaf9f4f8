package budget

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kailas-cloud/tokenguard/internal/db"
	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	dombudget "github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
)

const (
	budgetKeyPrefix = domain.KeyPrefix + "budget:"
	usageLogKey     = domain.KeyPrefix + "usage_log"
)

// Hash fields of a member budget record.
const (
	fieldTokenBudget = "token_budget"
	fieldTokensUsed  = "tokens_used"
	fieldCalls       = "calls"
	fieldTokensTotal = "tokens_total"
	fieldCostTotal   = "cost_total"
)

// useTokensScript is the member debit. Redis runs it atomically, so two
// concurrent debits can never both read the same starting tokens_used.
//
// KEYS[1] budget hash, KEYS[2] usage log stream.
// ARGV: default_budget, prompt, completion, cost, user_id, chat_id, model_id, log_maxlen.
// Returns {success, tokens_used, budget_remaining}.
var useTokensScript = &db.Script{
	Name: "use_tokens",
	Source: `
local budget = tonumber(redis.call('HGET', KEYS[1], 'token_budget'))
if not budget then
  budget = tonumber(ARGV[1])
  redis.call('HSET', KEYS[1], 'token_budget', budget)
end
local used = tonumber(redis.call('HGET', KEYS[1], 'tokens_used')) or 0
if used >= budget then
  return {0, used, budget - used}
end
local total = tonumber(ARGV[2]) + tonumber(ARGV[3])
used = redis.call('HINCRBY', KEYS[1], 'tokens_used', total)
redis.call('HINCRBY', KEYS[1], 'calls', 1)
redis.call('HINCRBY', KEYS[1], 'tokens_total', total)
redis.call('HINCRBYFLOAT', KEYS[1], 'cost_total', ARGV[4])
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[8], '*',
  'user_id', ARGV[5], 'chat_id', ARGV[6], 'model_id', ARGV[7],
  'prompt_tokens', ARGV[2], 'completion_tokens', ARGV[3], 'estimated_cost', ARGV[4])
return {1, used, budget - used}
`,
}

// redisStore is the consumer interface for Redis member budgets (ISP).
type redisStore interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	EvalInts(ctx context.Context, script *db.Script, keys, args []string) ([]int64, error)
}

// RedisStore keeps member budgets in hashes tokenguard:budget:{user_id}.
type RedisStore struct {
	store     redisStore
	logMaxLen int64
}

// NewRedisStore creates a Redis member store. logMaxLen caps the usage log stream (approximate).
func NewRedisStore(s redisStore, logMaxLen int64) *RedisStore {
	if logMaxLen <= 0 {
		logMaxLen = 100000
	}
	return &RedisStore{store: s, logMaxLen: logMaxLen}
}

func budgetKey(userID string) string { return budgetKeyPrefix + userID }

// Get reads a member budget. Returns domain.ErrNotFound if it was never provisioned.
func (r *RedisStore) Get(ctx context.Context, userID string) (dombudget.Budget, error) {
	fields, err := r.store.HGetAll(ctx, budgetKey(userID))
	if err != nil {
		return dombudget.Budget{}, fmt.Errorf("budget get %s: %w", userID, err)
	}
	raw, ok := fields[fieldTokenBudget]
	if !ok {
		return dombudget.Budget{}, domain.ErrNotFound
	}
	tokenBudget, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return dombudget.Budget{}, fmt.Errorf("budget get %s: parse token_budget: %w", userID, err)
	}
	return dombudget.New(tokenBudget, parseInt(fields[fieldTokensUsed])), nil
}

// Debit atomically charges req against the member budget, provisioning it with
// defaultBudget first if needed.
func (r *RedisStore) Debit(
	ctx context.Context, userID string, req usage.Charge, defaultBudget int64,
) (dombudget.Debit, error) {
	u := req.Usage
	res, err := r.store.EvalInts(ctx, useTokensScript,
		[]string{budgetKey(userID), usageLogKey},
		[]string{
			strconv.FormatInt(defaultBudget, 10),
			strconv.FormatInt(u.PromptTokens, 10),
			strconv.FormatInt(u.CompletionTokens, 10),
			strconv.FormatFloat(u.EstimatedCost, 'f', -1, 64),
			userID,
			req.ChatID,
			req.ModelID,
			strconv.FormatInt(r.logMaxLen, 10),
		},
	)
	if err != nil {
		return dombudget.Debit{}, fmt.Errorf("budget debit %s: %w", userID, err)
	}
	if len(res) != 3 {
		return dombudget.Debit{}, fmt.Errorf("budget debit %s: unexpected script reply %v", userID, res)
	}
	return dombudget.NewDebit(res[0] == 1, res[1], res[2]), nil
}

// Totals returns the lifetime debit totals of a member.
func (r *RedisStore) Totals(ctx context.Context, userID string) (metrics.Metrics, error) {
	fields, err := r.store.HGetAll(ctx, budgetKey(userID))
	if err != nil {
		return metrics.Metrics{}, fmt.Errorf("budget totals %s: %w", userID, err)
	}
	cost, _ := strconv.ParseFloat(fields[fieldCostTotal], 64)
	return metrics.New(parseInt(fields[fieldCalls]), parseInt(fields[fieldTokensTotal]), cost), nil
}

// SetBudget sets a member's ceiling (admin path).
func (r *RedisStore) SetBudget(ctx context.Context, userID string, tokenBudget int64) error {
	err := r.store.HSet(ctx, budgetKey(userID), map[string]string{
		fieldTokenBudget: strconv.FormatInt(tokenBudget, 10),
	})
	if err != nil {
		return fmt.Errorf("budget set %s: %w", userID, err)
	}
	return nil
}

// Reset zeroes a member's tokens_used, starting a new budget period (admin path).
func (r *RedisStore) Reset(ctx context.Context, userID string) error {
	err := r.store.HSet(ctx, budgetKey(userID), map[string]string{fieldTokensUsed: "0"})
	if err != nil {
		return fmt.Errorf("budget reset %s: %w", userID, err)
	}
	return nil
}

// parseInt reads a stored counter; anything unparsable counts as 0.
func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

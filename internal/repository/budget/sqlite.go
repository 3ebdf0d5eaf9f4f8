package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kailas-cloud/tokenguard/internal/db"
	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	dombudget "github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
)

// SQLStore keeps member budgets in the user_token_budgets table.
// Every debit is one transaction on a single-writer pool.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQL member store over a migrated database.
func NewSQLStore(sqlDB *sql.DB) *SQLStore {
	return &SQLStore{db: sqlDB}
}

// Get reads a member budget. Returns domain.ErrNotFound if it was never provisioned.
func (s *SQLStore) Get(ctx context.Context, userID string) (dombudget.Budget, error) {
	var tokenBudget, used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT token_budget, tokens_used FROM user_token_budgets WHERE user_id = ?`, userID,
	).Scan(&tokenBudget, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return dombudget.Budget{}, domain.ErrNotFound
	}
	if err != nil {
		return dombudget.Budget{}, &db.Error{Op: db.OpQuery, Err: fmt.Errorf("budget get %s: %w", userID, err)}
	}
	return dombudget.New(tokenBudget, used), nil
}

// Debit atomically charges req against the member budget, provisioning it with
// defaultBudget first if needed. Exhausted budgets are left untouched.
func (s *SQLStore) Debit(
	ctx context.Context, userID string, req usage.Charge, defaultBudget int64,
) (dombudget.Debit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dombudget.Debit{}, &db.Error{Op: db.OpTx, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_token_budgets (user_id, token_budget, tokens_used) VALUES (?, ?, 0)
		ON CONFLICT(user_id) DO NOTHING`, userID, defaultBudget); err != nil {
		return dombudget.Debit{}, &db.Error{Op: db.OpExec, Err: fmt.Errorf("budget provision %s: %w", userID, err)}
	}

	u := req.Usage
	var used, tokenBudget int64
	success := true
	err = tx.QueryRowContext(ctx,
		`UPDATE user_token_budgets
		SET tokens_used = tokens_used + ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND tokens_used < token_budget
		RETURNING tokens_used, token_budget`, u.TotalTokens, userID,
	).Scan(&used, &tokenBudget)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		success = false
		err = tx.QueryRowContext(ctx,
			`SELECT tokens_used, token_budget FROM user_token_budgets WHERE user_id = ?`, userID,
		).Scan(&used, &tokenBudget)
		if err != nil {
			return dombudget.Debit{}, &db.Error{Op: db.OpQuery, Err: fmt.Errorf("budget debit %s: %w", userID, err)}
		}
	case err != nil:
		return dombudget.Debit{}, &db.Error{Op: db.OpExec, Err: fmt.Errorf("budget debit %s: %w", userID, err)}
	default:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO token_usage_log
			(user_id, chat_id, model_id, prompt_tokens, completion_tokens, total_tokens, estimated_cost)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, req.ChatID, req.ModelID, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.EstimatedCost,
		); err != nil {
			return dombudget.Debit{}, &db.Error{Op: db.OpExec, Err: fmt.Errorf("usage log %s: %w", userID, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return dombudget.Debit{}, &db.Error{Op: db.OpTx, Err: fmt.Errorf("budget debit %s commit: %w", userID, err)}
	}
	return dombudget.NewDebit(success, used, tokenBudget-used), nil
}

// Totals aggregates the usage log of a member.
func (s *SQLStore) Totals(ctx context.Context, userID string) (metrics.Metrics, error) {
	var calls, tokens int64
	var cost float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost), 0)
		FROM token_usage_log WHERE user_id = ?`, userID,
	).Scan(&calls, &tokens, &cost)
	if err != nil {
		return metrics.Metrics{}, &db.Error{Op: db.OpQuery, Err: fmt.Errorf("budget totals %s: %w", userID, err)}
	}
	return metrics.New(calls, tokens, cost), nil
}

// SetBudget sets a member's ceiling, provisioning the record if needed (admin path).
func (s *SQLStore) SetBudget(ctx context.Context, userID string, tokenBudget int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_token_budgets (user_id, token_budget, tokens_used) VALUES (?, ?, 0)
		ON CONFLICT(user_id) DO UPDATE SET token_budget = excluded.token_budget, updated_at = CURRENT_TIMESTAMP`,
		userID, tokenBudget)
	if err != nil {
		return &db.Error{Op: db.OpExec, Err: fmt.Errorf("budget set %s: %w", userID, err)}
	}
	return nil
}

// Reset zeroes a member's tokens_used, starting a new budget period (admin path).
func (s *SQLStore) Reset(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_token_budgets SET tokens_used = 0, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`, userID)
	if err != nil {
		return &db.Error{Op: db.OpExec, Err: fmt.Errorf("budget reset %s: %w", userID, err)}
	}
	return nil
}

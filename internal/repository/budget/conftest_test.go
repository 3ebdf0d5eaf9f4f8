package budget

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kailas-cloud/tokenguard/internal/db"
	"github.com/kailas-cloud/tokenguard/internal/db/sqlite"
	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	dombudget "github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
)

// --- mocks ---

type mockRedis struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	evalRes  []int64
	evalErr  error
	lastKeys []string
	lastArgs []string
}

func newMockRedis() *mockRedis {
	return &mockRedis{hashes: make(map[string]map[string]string)}
}

func (m *mockRedis) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *mockRedis) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *mockRedis) EvalInts(_ context.Context, _ *db.Script, keys, args []string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKeys, m.lastArgs = keys, args
	return m.evalRes, m.evalErr
}

type mockMembers struct {
	budgets       map[string]dombudget.Budget
	debitErr      error
	defaultBudget int64
	lastReq       usage.Charge
}

func (m *mockMembers) Get(_ context.Context, userID string) (dombudget.Budget, error) {
	b, ok := m.budgets[userID]
	if !ok {
		return dombudget.Budget{}, domain.ErrNotFound
	}
	return b, nil
}

func (m *mockMembers) Debit(_ context.Context, userID string, req usage.Charge, defaultBudget int64) (dombudget.Debit, error) {
	if m.debitErr != nil {
		return dombudget.Debit{}, m.debitErr
	}
	m.lastReq, m.defaultBudget = req, defaultBudget
	b, ok := m.budgets[userID]
	if !ok {
		b = dombudget.New(defaultBudget, 0)
	}
	b = dombudget.New(b.TokenBudget(), b.TokensUsed()+req.Usage.TotalTokens)
	m.budgets[userID] = b
	return dombudget.NewDebit(true, b.TokensUsed(), b.Remaining()), nil
}

func (m *mockMembers) Totals(_ context.Context, userID string) (metrics.Metrics, error) {
	if _, ok := m.budgets[userID]; !ok {
		return metrics.Metrics{}, domain.ErrNotFound
	}
	return metrics.New(1, m.budgets[userID].TokensUsed(), 0), nil
}

type mockDefaults map[string]int64

func (m mockDefaults) GetConfiguredDefault(_ context.Context, key string) int64 {
	if v, ok := m[key]; ok {
		return v
	}
	return domain.SettingFallback(key)
}

type failingStorage struct{}

func (failingStorage) GetItem(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("storage unavailable")
}

func (failingStorage) SetItem(context.Context, string, string, string) error {
	return errors.New("storage unavailable")
}

func openSQL(t *testing.T) *SQLStore {
	t.Helper()
	sqlDB, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "budgets.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewSQLStore(sqlDB)
}

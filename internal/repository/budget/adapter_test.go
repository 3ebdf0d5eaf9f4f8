package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	dombudget "github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/repository/guest"
)

func newTestAdapter(members *mockMembers, storage localStorage, defaults mockDefaults) *Adapter {
	return NewAdapter(members, storage, defaults, zap.NewNop())
}

func TestAdapter_LoadBudget_Member(t *testing.T) {
	m := &mockMembers{budgets: map[string]dombudget.Budget{"u1": dombudget.New(10000, 9500)}}
	a := newTestAdapter(m, guest.NewMemory(), nil)

	b, err := a.LoadBudget(context.Background(), identity.Member("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if b.Remaining() != 500 {
		t.Errorf("remaining = %d, want 500", b.Remaining())
	}

	if _, err := a.LoadBudget(context.Background(), identity.Member("u2")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAdapter_LoadBudget_FreshGuest(t *testing.T) {
	a := newTestAdapter(&mockMembers{}, guest.NewMemory(), nil)
	b, err := a.LoadBudget(context.Background(), identity.Guest("g1"))
	if err != nil {
		t.Fatal(err)
	}
	if b.TokenBudget() != domain.DefaultGuestTokenBudget || b.TokensUsed() != 0 {
		t.Errorf("got %+v", b)
	}
}

func TestAdapter_LoadBudget_GuestConfiguredCeiling(t *testing.T) {
	a := newTestAdapter(&mockMembers{}, guest.NewMemory(), mockDefaults{domain.SettingGuestTokenBudget: 20000})
	b, err := a.LoadBudget(context.Background(), identity.Guest("g1"))
	if err != nil {
		t.Fatal(err)
	}
	if b.TokenBudget() != 20000 {
		t.Errorf("budget = %d, want 20000", b.TokenBudget())
	}
}

func TestAdapter_Debit_MemberUsesConfiguredDefault(t *testing.T) {
	m := &mockMembers{budgets: map[string]dombudget.Budget{}}
	a := newTestAdapter(m, guest.NewMemory(), mockDefaults{domain.SettingDefaultTokenBudget: 90000})

	d, err := a.Debit(context.Background(), identity.Member("u1"), usage.Charge{ChatID: "c1", Usage: usage.New(100, 50, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if m.defaultBudget != 90000 {
		t.Errorf("default budget = %d, want 90000", m.defaultBudget)
	}
	if m.lastReq.ChatID != "c1" {
		t.Errorf("chat id not forwarded")
	}
	if !d.Success() || d.BudgetRemaining() != 89850 {
		t.Errorf("got %+v", d)
	}
}

func TestAdapter_Debit_GuestNeverRejected(t *testing.T) {
	a := newTestAdapter(&mockMembers{}, guest.NewMemory(), nil)
	ctx := context.Background()
	id := identity.Guest("g1")

	d, err := a.Debit(ctx, id, usage.Charge{Usage: usage.New(40000, 20000, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Success() || d.TokensUsed() != 60000 || d.BudgetRemaining() != -10000 {
		t.Errorf("got %+v", d)
	}
	d, err = a.Debit(ctx, id, usage.Charge{Usage: usage.New(1, 0, 0)})
	if err != nil || !d.Success() {
		t.Errorf("exhausted guest debit: %+v, %v", d, err)
	}
}

func TestAdapter_GuestTokensUsed_Defensive(t *testing.T) {
	mem := guest.NewMemory()
	a := newTestAdapter(&mockMembers{}, mem, nil)
	ctx := context.Background()

	if got := a.GuestTokensUsed(ctx, "g1"); got != 0 {
		t.Errorf("absent: got %d", got)
	}
	for _, raw := range []string{"abc", "", "-5", "1.5"} {
		_ = mem.SetItem(ctx, "g1", guest.KeyTokensUsed, raw)
		if got := a.GuestTokensUsed(ctx, "g1"); got != 0 {
			t.Errorf("%q: got %d, want 0", raw, got)
		}
	}
	_ = mem.SetItem(ctx, "g1", guest.KeyTokensUsed, "1200")
	if got := a.GuestTokensUsed(ctx, "g1"); got != 1200 {
		t.Errorf("got %d, want 1200", got)
	}

	failing := newTestAdapter(&mockMembers{}, failingStorage{}, nil)
	if got := failing.GuestTokensUsed(ctx, "g1"); got != 0 {
		t.Errorf("failing storage: got %d", got)
	}
}

func TestAdapter_UseGuestTokens_SessionStarted(t *testing.T) {
	mem := guest.NewMemory()
	a := newTestAdapter(&mockMembers{}, mem, nil)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time { return start }
	ctx := context.Background()

	if _, ok := a.GuestSessionStarted(ctx, "g1"); ok {
		t.Fatal("session should not be started")
	}
	used, err := a.UseGuestTokens(ctx, "g1", 100)
	if err != nil || used != 100 {
		t.Fatalf("got %d, %v", used, err)
	}

	a.now = func() time.Time { return start.Add(time.Hour) }
	used, err = a.UseGuestTokens(ctx, "g1", 50)
	if err != nil || used != 150 {
		t.Fatalf("got %d, %v", used, err)
	}

	got, ok := a.GuestSessionStarted(ctx, "g1")
	if !ok || !got.Equal(start) {
		t.Errorf("session started = %v, %v; want %v", got, ok, start)
	}
}

func TestAdapter_UseGuestTokens_StorageError(t *testing.T) {
	a := newTestAdapter(&mockMembers{}, failingStorage{}, nil)
	if _, err := a.UseGuestTokens(context.Background(), "g1", 10); err == nil {
		t.Fatal("expected error")
	}
}

func TestAdapter_UsageTotals(t *testing.T) {
	m := &mockMembers{budgets: map[string]dombudget.Budget{"u1": dombudget.New(1000, 400)}}
	mem := guest.NewMemory()
	a := newTestAdapter(m, mem, nil)
	ctx := context.Background()

	got, err := a.UsageTotals(ctx, identity.Member("u1"))
	if err != nil || got.Tokens() != 400 {
		t.Errorf("member: %+v, %v", got, err)
	}
	got, err = a.UsageTotals(ctx, identity.Member("nobody"))
	if err != nil || got.Calls() != 0 {
		t.Errorf("unknown member: %+v, %v", got, err)
	}

	_ = mem.SetItem(ctx, "g1", guest.KeyTokensUsed, "70")
	got, err = a.UsageTotals(ctx, identity.Guest("g1"))
	if err != nil || got.Tokens() != 70 || got.Calls() != 0 {
		t.Errorf("guest: %+v, %v", got, err)
	}
}

func TestAdapter_GetConfiguredDefault_NilResolver(t *testing.T) {
	a := NewAdapter(&mockMembers{}, guest.NewMemory(), nil, zap.NewNop())
	if got := a.GetConfiguredDefault(context.Background(), domain.SettingDefaultTokenBudget); got != domain.DefaultTokenBudget {
		t.Errorf("got %d", got)
	}
}

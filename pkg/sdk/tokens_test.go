package tokenguard

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestUseTokens_Member(t *testing.T) {
	c := newSQLiteClient(t)
	ctx := context.Background()
	id := Member("u1")

	st := c.LoadTokenState(ctx, id)
	if st.TokenBudget != 100000 || st.TokensUsed != 0 {
		t.Fatalf("unexpected initial state %+v", st)
	}

	res, err := c.UseTokens(ctx, id, Charge{ChatID: "c1", PromptTokens: 1200, CompletionTokens: 300, EstimatedCost: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.State.TokensUsed != 1500 || res.State.Remaining != 98500 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.State.Display() != "98.5k" {
		t.Errorf("display = %q", res.State.Display())
	}

	r := c.Report(ctx, id)
	if r.Calls != 1 || r.Tokens != 1500 || r.UsagePercentage != 2 {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestUseTokens_InvalidUsage(t *testing.T) {
	c := newSQLiteClient(t)
	_, err := c.UseTokens(context.Background(), Member("u1"), Charge{PromptTokens: -1})
	if !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("expected ErrInvalidUsage, got %v", err)
	}
}

func TestUseTokens_GuestNeverRefused(t *testing.T) {
	c := newSQLiteClient(t)
	ctx := context.Background()
	id := Guest("g1")

	for i := 0; i < 2; i++ {
		res, err := c.UseTokens(ctx, id, Charge{PromptTokens: 40000})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Success {
			t.Fatalf("guest debit %d refused", i)
		}
	}
	st := c.LoadTokenState(ctx, id)
	if st.TokensUsed != 80000 || st.Remaining != 50000-80000 {
		t.Errorf("unexpected guest state %+v", st)
	}
	if pf := c.Preflight(ctx, id, 0); pf.Allowed || !pf.Exhausted {
		t.Errorf("expected exhausted preflight, got %+v", pf)
	}
	if r := c.Report(ctx, id); r.SessionStarted.IsZero() {
		t.Error("guest report should carry the session start")
	}
}

func TestGuestBadger_PersistsAcrossClients(t *testing.T) {
	dir := t.TempDir()
	opts := []Option{
		WithSQLite(filepath.Join(dir, "tokens.db")),
		WithGuestBadger(filepath.Join(dir, "guests")),
	}
	ctx := context.Background()

	c1, err := New(ctx, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c1.UseTokens(ctx, Guest("g1"), Charge{PromptTokens: 700}); err != nil {
		t.Fatal(err)
	}
	c1.Close()

	c2, err := New(ctx, opts...)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if used := c2.LoadTokenState(ctx, Guest("g1")).TokensUsed; used != 700 {
		t.Errorf("expected 700 used after reopen, got %d", used)
	}
}

func TestSession_SiblingsRefresh(t *testing.T) {
	c := newSQLiteClient(t)
	ctx := context.Background()

	a := c.NewSession(Member("u1"))
	b := c.NewSession(Member("u1"))
	defer a.Close()
	defer b.Close()

	if !a.State().Loading {
		t.Error("session must start loading")
	}
	a.Load(ctx)
	b.Load(ctx)

	var seen atomic.Int64
	stop := b.OnChange(func(st TokenState) {
		if !st.Loading {
			seen.Store(st.TokensUsed)
		}
	})
	defer stop()

	if _, err := a.UseTokens(ctx, Charge{PromptTokens: 10, CompletionTokens: 5}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for seen.Load() != 15 {
		if time.Now().After(deadline) {
			t.Fatalf("sibling did not refresh, saw %d", seen.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientUseTokens_RefreshesSessions(t *testing.T) {
	c := newSQLiteClient(t)
	ctx := context.Background()

	s := c.NewSession(Member("u1"))
	defer s.Close()
	s.Load(ctx)

	var seen atomic.Int64
	stop := s.OnChange(func(st TokenState) {
		if !st.Loading {
			seen.Store(st.TokensUsed)
		}
	})
	defer stop()

	if _, err := c.UseTokens(ctx, Member("u1"), Charge{PromptTokens: 20, CompletionTokens: 2}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for seen.Load() != 22 {
		if time.Now().After(deadline) {
			t.Fatalf("session did not refresh, saw %d", seen.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_ClosedRejectsUse(t *testing.T) {
	c := newSQLiteClient(t)
	s := c.NewSession(Guest(""))
	s.Close()
	_, err := s.UseTokens(context.Background(), Charge{PromptTokens: 1})
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

package tokenguard

import (
	"context"
	"time"

	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
)

// Identity is the owner of a budget: a member or a guest.
type Identity = identity.Identity

// Member returns the identity of an authenticated user.
func Member(userID string) Identity { return identity.Member(userID) }

// Guest returns the identity of an anonymous session. An empty id selects
// the shared default namespace.
func Guest(guestID string) Identity { return identity.Guest(guestID) }

// TokenState is a budget snapshot. Remaining is negative after a final overage.
type TokenState struct {
	TokenBudget int64
	TokensUsed  int64
	Remaining   int64
	Loading     bool
}

// Display renders Remaining compactly, e.g. "12.5k".
func (s TokenState) Display() string { return budget.FormatTokens(s.Remaining) }

// Charge is one completed model call. TotalTokens is derived.
type Charge struct {
	ChatID           string
	ModelID          string
	PromptTokens     int64
	CompletionTokens int64
	EstimatedCost    float64 // dollars, recorded only
}

// DebitResult is the outcome of UseTokens. A refused debit has Success=false;
// State is the freshest known state either way.
type DebitResult struct {
	Success bool
	State   TokenState
}

// PreflightResult tells whether a conversation may start.
type PreflightResult struct {
	State           TokenState
	Estimated       int64
	Allowed         bool
	Exhausted       bool
	UsagePercentage int
}

// UsageReport is the current state with lifetime totals.
type UsageReport struct {
	State           TokenState
	Calls           int64
	Tokens          int64
	EstimatedCost   float64
	UsagePercentage int
	// SessionStarted is when a guest's first usage was recorded; zero for members.
	SessionStarted time.Time
}

// LoadTokenState returns the state of id. Store failures yield a zero state.
func (c *Client) LoadTokenState(ctx context.Context, id Identity) TokenState {
	start := time.Now()
	st := c.tokens.LoadTokenState(ctx, id)
	c.obs.observe("tokens.load", string(id.Kind()), start, nil)
	return stateFrom(st)
}

// UseTokens debits ch against id. Members are refused once their budget is
// spent; the call that crosses the ceiling is still applied in full.
// Sessions of id opened on this client (or, with Redis, on any client) refresh.
func (c *Client) UseTokens(ctx context.Context, id Identity, ch Charge) (res DebitResult, err error) {
	start := time.Now()
	defer func() {
		obsErr := err
		if err == nil && !res.Success {
			obsErr = errDebitRejected
		}
		c.obs.observe("tokens.use", string(id.Kind()), start, obsErr)
	}()

	r, err := c.tokens.UseTokens(ctx, id, ch.toCharge())
	if err != nil {
		return DebitResult{}, err
	}
	if r.Success {
		c.signal.Notify(id.Key(), "")
	}
	return DebitResult{Success: r.Success, State: stateFrom(r.State)}, nil
}

// Preflight checks whether a conversation of estimated tokens may start.
// estimated <= 0 uses the default estimate.
func (c *Client) Preflight(ctx context.Context, id Identity, estimated int64) PreflightResult {
	start := time.Now()
	pf := c.tokens.Preflight(ctx, id, estimated)
	c.obs.observe("tokens.preflight", string(id.Kind()), start, nil)
	return PreflightResult{
		State:           stateFrom(pf.State),
		Estimated:       pf.Estimated,
		Allowed:         pf.Allowed,
		Exhausted:       pf.Exhausted,
		UsagePercentage: pf.Percentage,
	}
}

// Report returns the state of id with its lifetime usage totals.
func (c *Client) Report(ctx context.Context, id Identity) UsageReport {
	start := time.Now()
	r := c.tokens.Report(ctx, id)
	c.obs.observe("tokens.report", string(id.Kind()), start, nil)
	m := r.Metrics()
	started, _ := r.SessionStarted()
	return UsageReport{
		State:           stateFrom(r.State()),
		Calls:           m.Calls(),
		Tokens:          m.Tokens(),
		EstimatedCost:   m.EstimatedCost(),
		UsagePercentage: r.UsagePercentage(),
		SessionStarted:  started,
	}
}

func (ch Charge) toCharge() usage.Charge {
	return usage.Charge{
		ChatID:  ch.ChatID,
		ModelID: ch.ModelID,
		Usage:   usage.New(ch.PromptTokens, ch.CompletionTokens, ch.EstimatedCost),
	}
}

func stateFrom(s budget.State) TokenState {
	return TokenState{
		TokenBudget: s.TokenBudget(),
		TokensUsed:  s.TokensUsed(),
		Remaining:   s.BudgetRemaining(),
		Loading:     s.Loading(),
	}
}

package tokenguard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/usecase/session"
)

// Session keeps the token state of one identity current.
// It is safe for concurrent use.
type Session struct {
	ctrl *session.Controller
	obs  *observer
}

// NewSession opens a session for id. Call Load to fetch the first state and
// Close when done.
func (c *Client) NewSession(id Identity) *Session {
	return &Session{
		ctrl: session.New(id, c.tokens, c.signal, zap.NewNop()),
		obs:  c.obs,
	}
}

// Identity returns the budget owner.
func (s *Session) Identity() Identity { return s.ctrl.Identity() }

// State returns the current snapshot. Before the first Load it is loading.
func (s *Session) State() TokenState { return stateFrom(s.ctrl.State()) }

// Load fetches the state; concurrent calls share one fetch.
func (s *Session) Load(ctx context.Context) TokenState {
	start := time.Now()
	st := s.ctrl.Load(ctx)
	s.obs.observe("session.load", string(s.ctrl.Identity().Kind()), start, nil)
	return stateFrom(st)
}

// UseTokens debits ch. A refused or failed debit leaves State unchanged.
func (s *Session) UseTokens(ctx context.Context, ch Charge) (res DebitResult, err error) {
	start := time.Now()
	defer func() {
		obsErr := err
		if err == nil && !res.Success {
			obsErr = errDebitRejected
		}
		s.obs.observe("session.use", string(s.ctrl.Identity().Kind()), start, obsErr)
	}()

	r, err := s.ctrl.UseTokens(ctx, ch.toCharge())
	if err != nil {
		return DebitResult{}, err
	}
	return DebitResult{Success: r.Success, State: stateFrom(r.State)}, nil
}

// OnChange calls fn with every new state until the returned func is called.
// fn must not block.
func (s *Session) OnChange(fn func(TokenState)) (stop func()) {
	return s.ctrl.OnChange(func(st budget.State) { fn(stateFrom(st)) })
}

// Close stops refreshing. Results of calls still in flight are discarded.
func (s *Session) Close() { s.ctrl.Close() }

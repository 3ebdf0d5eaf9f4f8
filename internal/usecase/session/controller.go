// Package session holds the per-session token state controller.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

// ErrClosed is returned by UseTokens after Close.
var ErrClosed = errors.New("session closed")

// Phase is the controller lifecycle state.
type Phase string

// Controller phases.
const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseLoading       Phase = "loading"
	PhaseReady         Phase = "ready"
	PhaseDebiting      Phase = "debiting"
	PhaseClosed        Phase = "closed"
)

type loadCall struct {
	done  chan struct{}
	state budget.State
}

// Controller owns the token state of one session. It loads the state once,
// debits through the service and refreshes when the identity's topic is signalled.
type Controller struct {
	id     identity.Identity
	svc    TokenService
	signal Signal
	origin string // signals sent by this controller carry it and are not echoed back
	logger *zap.Logger

	mu        sync.Mutex
	state     budget.State
	loaded    bool
	closed    bool
	debiting  int
	gen       uint64 // bumped by every applied debit
	inflight  *loadCall
	observers map[uint64]func(budget.State)
	nextObs   uint64
	unsub     func()
}

// New creates a controller and subscribes it to signals for id.
// signal can be nil (no cross-session refresh).
// The controller starts in PhaseUninitialized with a loading state; call Load.
func New(id identity.Identity, svc TokenService, signal Signal, logger *zap.Logger) *Controller {
	c := &Controller{
		id:        id,
		svc:       svc,
		signal:    signal,
		origin:    uuid.NewString(),
		logger:    logger,
		state:     budget.Initial(),
		observers: make(map[uint64]func(budget.State)),
	}
	if signal != nil {
		c.unsub = signal.Subscribe(id.Key(), c.origin, c.onSignal)
	}
	return c
}

// Identity returns the budget owner of the session.
func (c *Controller) Identity() identity.Identity { return c.id }

// State returns the current state snapshot.
func (c *Controller) State() budget.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return PhaseClosed
	case c.inflight != nil:
		return PhaseLoading
	case c.debiting > 0:
		return PhaseDebiting
	case c.loaded:
		return PhaseReady
	default:
		return PhaseUninitialized
	}
}

// OnChange registers fn to receive every new state. fn is called outside the
// controller lock and must not block.
func (c *Controller) OnChange(fn func(budget.State)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Load fetches the state. A call made while another load is pending waits for
// that load instead of issuing a second fetch.
func (c *Controller) Load(ctx context.Context) budget.State {
	c.mu.Lock()
	if c.closed {
		st := c.state
		c.mu.Unlock()
		return st
	}
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.state
		case <-ctx.Done():
			return c.State()
		}
	}

	call := &loadCall{done: make(chan struct{})}
	c.inflight = call
	startGen := c.gen
	var notify []func(budget.State)
	if !c.state.Loading() {
		c.state = c.state.WithLoading(true)
		notify = c.observersLocked()
	}
	loading := c.state
	c.mu.Unlock()
	emit(notify, loading)

	st := c.svc.LoadTokenState(ctx, c.id)

	c.mu.Lock()
	c.inflight = nil
	notify = nil
	switch {
	case c.closed:
	case c.gen != startGen:
		// A debit landed while loading; its state is newer.
		c.state = c.state.WithLoading(false)
		notify = c.observersLocked()
	default:
		c.state = st
		c.loaded = true
		notify = c.observersLocked()
	}
	call.state = c.state
	current := c.state
	c.mu.Unlock()
	close(call.done)
	emit(notify, current)
	return current
}

// UseTokens debits a completed model call. On success the state is replaced
// and the identity's topic is signalled for the other sessions; this one never
// passes through Loading. A rejected or failed debit leaves the numbers unchanged.
func (c *Controller) UseTokens(ctx context.Context, charge usage.Charge) (tokens.Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return tokens.Result{}, ErrClosed
	}
	c.debiting++
	c.mu.Unlock()

	res, err := c.svc.UseTokens(ctx, c.id, charge)

	c.mu.Lock()
	c.debiting--
	if err != nil || !res.Success || c.closed {
		st := c.state
		c.mu.Unlock()
		if err == nil {
			res.State = st
		}
		return res, err
	}
	c.state = res.State
	c.loaded = true
	c.gen++
	notify := c.observersLocked()
	c.mu.Unlock()

	emit(notify, res.State)
	if c.signal != nil {
		c.signal.Notify(c.id.Key(), c.origin)
	}
	return res, nil
}

// Close unsubscribes from signals and drops observers. Results of calls still
// in flight are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.observers = nil
	unsub := c.unsub
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *Controller) onSignal() {
	go func() {
		st := c.Load(context.Background())
		c.logger.Debug("Token state refreshed on signal",
			zap.String("identity", c.id.String()),
			zap.Int64("budget_remaining", st.BudgetRemaining()),
		)
	}()
}

func (c *Controller) observersLocked() []func(budget.State) {
	fns := make([]func(budget.State), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	return fns
}

func emit(fns []func(budget.State), st budget.State) {
	for _, fn := range fns {
		fn(st)
	}
}

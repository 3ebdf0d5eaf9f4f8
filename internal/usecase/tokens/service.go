package tokens

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/metrics"
)

// Result is the outcome of UseTokens. State is always the freshest known state.
type Result struct {
	Success bool
	State   budget.State
}

// Preflight is the advisory check made before a conversation starts.
type Preflight struct {
	State      budget.State
	Estimated  int64
	Allowed    bool
	Exhausted  bool
	Percentage int
}

// Service is the token accounting service. It holds no per-identity state.
type Service struct {
	store     Store
	refresher DefaultsRefresher
	logger    *zap.Logger
}

// New creates a Service. refresher can be nil (no settings cache).
func New(store Store, refresher DefaultsRefresher, logger *zap.Logger) *Service {
	return &Service{store: store, refresher: refresher, logger: logger}
}

// LoadTokenState returns the current state of id. It never fails: any store
// error yields the zero state.
func (s *Service) LoadTokenState(ctx context.Context, id identity.Identity) budget.State {
	b, err := s.store.LoadBudget(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound) && !id.IsGuest():
		b = budget.New(s.store.GetConfiguredDefault(ctx, domain.SettingDefaultTokenBudget), 0)
	default:
		s.logger.Warn("Token state load failed",
			zap.String("identity", id.String()),
			zap.Error(err),
		)
		metrics.LoadFailuresTotal.WithLabelValues(string(id.Kind())).Inc()
		return budget.Zero()
	}
	return budget.NewState(b, false)
}

// UseTokens debits a completed model call against id.
// Invalid usage is rejected before touching the store; a rejected or failed
// debit reports Success=false with a reloaded state.
func (s *Service) UseTokens(ctx context.Context, id identity.Identity, charge usage.Charge) (Result, error) {
	kind := string(id.Kind())
	if err := charge.Usage.Validate(); err != nil {
		metrics.DebitsTotal.WithLabelValues(kind, "invalid").Inc()
		return Result{}, err
	}

	d, err := s.store.Debit(ctx, id, charge)
	if err != nil {
		s.logger.Error("Token debit failed",
			zap.String("identity", id.String()),
			zap.String("chat_id", charge.ChatID),
			zap.Int64("total_tokens", charge.Usage.TotalTokens),
			zap.Error(err),
		)
		metrics.DebitsTotal.WithLabelValues(kind, "error").Inc()
		return Result{Success: false, State: s.LoadTokenState(ctx, id)}, nil
	}
	if !d.Success() {
		s.logger.Info("Token debit rejected, budget exhausted",
			zap.String("identity", id.String()),
			zap.Int64("tokens_used", d.TokensUsed()),
			zap.Int64("budget_remaining", d.BudgetRemaining()),
		)
		metrics.DebitsTotal.WithLabelValues(kind, "rejected").Inc()
		return Result{Success: false, State: s.LoadTokenState(ctx, id)}, nil
	}

	metrics.DebitsTotal.WithLabelValues(kind, "ok").Inc()
	metrics.DebitTokensTotal.WithLabelValues(kind, "prompt").Add(float64(charge.Usage.PromptTokens))
	metrics.DebitTokensTotal.WithLabelValues(kind, "completion").Add(float64(charge.Usage.CompletionTokens))
	metrics.DebitCostTotal.WithLabelValues(kind).Add(charge.Usage.EstimatedCost)
	metrics.BudgetTokensRemaining.WithLabelValues(kind).Set(float64(d.BudgetRemaining()))

	s.logger.Debug("Tokens debited",
		zap.String("identity", id.String()),
		zap.String("chat_id", charge.ChatID),
		zap.String("model_id", charge.ModelID),
		zap.Int64("total_tokens", charge.Usage.TotalTokens),
		zap.Int64("budget_remaining", d.BudgetRemaining()),
	)
	return Result{Success: true, State: budget.NewState(d.Budget(), false)}, nil
}

// Preflight loads the state of id and checks whether a conversation of
// estimated tokens may start. estimated <= 0 uses DefaultEstimatedTokens.
func (s *Service) Preflight(ctx context.Context, id identity.Identity, estimated int64) Preflight {
	if estimated <= 0 {
		estimated = budget.DefaultEstimatedTokens
	}
	st := s.LoadTokenState(ctx, id)
	return Preflight{
		State:      st,
		Estimated:  estimated,
		Allowed:    budget.CanStartConversation(st.BudgetRemaining(), estimated),
		Exhausted:  budget.IsBudgetExhausted(st.BudgetRemaining()),
		Percentage: budget.UsagePercentage(st.TokensUsed(), st.TokenBudget()),
	}
}

// Report returns the current state of id together with its lifetime totals.
func (s *Service) Report(ctx context.Context, id identity.Identity) usage.Report {
	st := s.LoadTokenState(ctx, id)
	m, err := s.store.UsageTotals(ctx, id)
	if err != nil {
		s.logger.Warn("Usage totals read failed",
			zap.String("identity", id.String()),
			zap.Error(err),
		)
	}
	r := usage.NewReport(id, st, m)
	if id.IsGuest() {
		if started, ok := s.store.GuestSessionStarted(ctx, id.GuestID()); ok {
			return r.WithSessionStarted(started)
		}
	}
	return r
}

// RefreshDefaults invalidates cached settings.
func (s *Service) RefreshDefaults(_ context.Context) {
	if s.refresher == nil {
		return
	}
	s.refresher.Refresh(domain.SettingGuestTokenBudget, domain.SettingDefaultTokenBudget)
	s.logger.Info("Settings cache invalidated")
}

// GetGuestTokensUsed returns a guest's usage; unreadable values count as 0.
func (s *Service) GetGuestTokensUsed(ctx context.Context, guestID string) int64 {
	return s.store.GuestTokensUsed(ctx, guestID)
}

// UseGuestTokens adds tokens to a guest's usage and returns the new total.
func (s *Service) UseGuestTokens(ctx context.Context, guestID string, tokens int64) (int64, error) {
	if tokens < 0 {
		return 0, domain.NewInvalidUsage("tokens", "must be non-negative")
	}
	return s.store.UseGuestTokens(ctx, guestID, tokens)
}

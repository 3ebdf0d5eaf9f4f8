// Package budget implements the budget store adapter: member budgets in a
// persistent store with an atomic debit, guest usage in local storage.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	dombudget "github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
	"github.com/kailas-cloud/tokenguard/internal/repository/guest"
)

// memberStore is the persistent backend for member budgets (Redis or SQL).
type memberStore interface {
	Get(ctx context.Context, userID string) (dombudget.Budget, error)
	Debit(ctx context.Context, userID string, req usage.Charge, defaultBudget int64) (dombudget.Debit, error)
	Totals(ctx context.Context, userID string) (metrics.Metrics, error)
}

// localStorage holds guest usage as plain strings.
type localStorage interface {
	GetItem(ctx context.Context, namespace, key string) (string, bool, error)
	SetItem(ctx context.Context, namespace, key, value string) error
}

// defaultsResolver resolves configured numeric settings.
type defaultsResolver interface {
	GetConfiguredDefault(ctx context.Context, key string) int64
}

// Adapter routes budget operations to the member store or guest storage
// depending on the caller identity.
type Adapter struct {
	members  memberStore
	guests   localStorage
	defaults defaultsResolver
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdapter creates a store adapter.
func NewAdapter(members memberStore, guests localStorage, defaults defaultsResolver, logger *zap.Logger) *Adapter {
	return &Adapter{
		members:  members,
		guests:   guests,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// LoadBudget reads the current budget of id. For a member that was never
// provisioned it returns domain.ErrNotFound; the caller applies the default.
// For a guest the ceiling is the configured guest budget.
func (a *Adapter) LoadBudget(ctx context.Context, id identity.Identity) (dombudget.Budget, error) {
	if id.IsGuest() {
		used, err := a.guestUsed(ctx, id.GuestID())
		if err != nil {
			return dombudget.Budget{}, err
		}
		return dombudget.New(a.GetConfiguredDefault(ctx, domain.SettingGuestTokenBudget), used), nil
	}
	return a.members.Get(ctx, id.UserID())
}

// Debit charges req against the budget of id.
// Members are debited atomically; guests never get rejected.
func (a *Adapter) Debit(ctx context.Context, id identity.Identity, req usage.Charge) (dombudget.Debit, error) {
	if id.IsGuest() {
		used, err := a.UseGuestTokens(ctx, id.GuestID(), req.Usage.TotalTokens)
		if err != nil {
			return dombudget.Debit{}, err
		}
		ceiling := a.GetConfiguredDefault(ctx, domain.SettingGuestTokenBudget)
		return dombudget.NewDebit(true, used, ceiling-used), nil
	}
	defaultBudget := a.GetConfiguredDefault(ctx, domain.SettingDefaultTokenBudget)
	return a.members.Debit(ctx, id.UserID(), req, defaultBudget)
}

// GetConfiguredDefault returns the configured value for key, falling back to
// the hardcoded default.
func (a *Adapter) GetConfiguredDefault(ctx context.Context, key string) int64 {
	if a.defaults == nil {
		return domain.SettingFallback(key)
	}
	return a.defaults.GetConfiguredDefault(ctx, key)
}

// GuestTokensUsed returns the tokens a guest has used. Missing, corrupt or
// unreadable values read as 0.
func (a *Adapter) GuestTokensUsed(ctx context.Context, guestID string) int64 {
	used, err := a.guestUsed(ctx, guestID)
	if err != nil {
		a.logger.Warn("guest usage read failed", zap.String("guest", guestID), zap.Error(err))
		return 0
	}
	return used
}

// UseGuestTokens adds tokens to a guest's usage and returns the new total.
// The read-increment-write is not atomic: concurrent tabs of one guest may lose updates.
func (a *Adapter) UseGuestTokens(ctx context.Context, guestID string, tokens int64) (int64, error) {
	used, err := a.guestUsed(ctx, guestID)
	if err != nil {
		return 0, err
	}
	used += tokens
	if err := a.guests.SetItem(ctx, guestID, guest.KeyTokensUsed, strconv.FormatInt(used, 10)); err != nil {
		return 0, fmt.Errorf("guest usage write %s: %w", guestID, err)
	}
	if _, ok, err := a.guests.GetItem(ctx, guestID, guest.KeySessionStarted); err == nil && !ok {
		started := a.now().UTC().Format(time.RFC3339)
		if err := a.guests.SetItem(ctx, guestID, guest.KeySessionStarted, started); err != nil {
			a.logger.Warn("guest session marker write failed", zap.String("guest", guestID), zap.Error(err))
		}
	}
	return used, nil
}

// GuestSessionStarted returns when a guest's first usage was recorded.
func (a *Adapter) GuestSessionStarted(ctx context.Context, guestID string) (time.Time, bool) {
	raw, ok, err := a.guests.GetItem(ctx, guestID, guest.KeySessionStarted)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// UsageTotals returns lifetime debit totals. Guests have no audit trail and
// report zero calls.
func (a *Adapter) UsageTotals(ctx context.Context, id identity.Identity) (metrics.Metrics, error) {
	if id.IsGuest() {
		return metrics.New(0, a.GuestTokensUsed(ctx, id.GuestID()), 0), nil
	}
	m, err := a.members.Totals(ctx, id.UserID())
	if errors.Is(err, domain.ErrNotFound) {
		return metrics.Metrics{}, nil
	}
	return m, err
}

func (a *Adapter) guestUsed(ctx context.Context, guestID string) (int64, error) {
	raw, ok, err := a.guests.GetItem(ctx, guestID, guest.KeyTokensUsed)
	if err != nil {
		return 0, fmt.Errorf("guest usage read %s: %w", guestID, err)
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, nil
	}
	return v, nil
}

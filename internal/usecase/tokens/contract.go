package tokens

import (
	"context"
	"time"

	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
)

// Store is the budget store adapter as seen by the service.
type Store interface {
	LoadBudget(ctx context.Context, id identity.Identity) (budget.Budget, error)
	Debit(ctx context.Context, id identity.Identity, charge usage.Charge) (budget.Debit, error)
	GetConfiguredDefault(ctx context.Context, key string) int64
	GuestTokensUsed(ctx context.Context, guestID string) int64
	UseGuestTokens(ctx context.Context, guestID string, tokens int64) (int64, error)
	UsageTotals(ctx context.Context, id identity.Identity) (metrics.Metrics, error)
	GuestSessionStarted(ctx context.Context, guestID string) (time.Time, bool)
}

// DefaultsRefresher drops cached settings so the next read hits the store.
type DefaultsRefresher interface {
	Refresh(keys ...string)
}

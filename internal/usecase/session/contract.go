package session

import (
	"context"

	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

// TokenService loads and debits token state.
type TokenService interface {
	LoadTokenState(ctx context.Context, id identity.Identity) budget.State
	UseTokens(ctx context.Context, id identity.Identity, charge usage.Charge) (tokens.Result, error)
}

// Signal is a change notification keyed by topic. origin names the sender;
// a subscriber never receives signals sent under its own origin.
type Signal interface {
	Notify(topic, origin string)
	Subscribe(topic, origin string, fn func()) (unsubscribe func())
}

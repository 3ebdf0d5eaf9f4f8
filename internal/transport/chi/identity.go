package chi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	logpkg "github.com/kailas-cloud/tokenguard/internal/logger"
)

// Identity headers.
const (
	HeaderUserID  = "X-User-ID"
	HeaderGuestID = "X-Guest-ID"
)

type identityKey struct{}

// IdentityMiddleware resolves the budget owner of a request.
// X-User-ID selects a member. The stream route also accepts user_id and
// guest_id query parameters. Otherwise the request is a guest keyed by
// X-Guest-ID; a guest without one is assigned a fresh id, echoed back in the
// X-Guest-ID response header for the client to keep. The request logger
// gains an identity field.
func IdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, guestID := r.Header.Get(HeaderUserID), r.Header.Get(HeaderGuestID)
			if r.URL.Path == streamPath {
				userID = orDefault(userID, r.URL.Query().Get("user_id"))
				guestID = orDefault(guestID, r.URL.Query().Get("guest_id"))
			}

			var id identity.Identity
			switch {
			case userID != "":
				id = identity.Member(userID)
			case guestID != "":
				id = identity.Guest(guestID)
			default:
				guestID = uuid.NewString()
				w.Header().Set(HeaderGuestID, guestID)
				id = identity.Guest(guestID)
			}
			ctx := logpkg.With(ContextWithIdentity(r.Context(), id), zap.String("identity", id.Key()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextWithIdentity stores id in ctx.
func ContextWithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity set by IdentityMiddleware.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity.Identity)
	return id, ok
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

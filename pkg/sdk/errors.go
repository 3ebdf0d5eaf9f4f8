package tokenguard

import (
	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/usecase/session"
)

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	// ErrInvalidUsage is returned by UseTokens for negative or inconsistent counts.
	ErrInvalidUsage = domain.ErrInvalidUsage
	// ErrSessionClosed is returned by Session.UseTokens after Close.
	ErrSessionClosed = session.ErrClosed
)

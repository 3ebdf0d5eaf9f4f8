package usage

import (
	"time"

	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
)

// Report combines the current budget state of an identity with its recorded usage totals.
type Report struct {
	identity   identity.Identity
	state      budget.State
	metrics    metrics.Metrics
	percentage int
	started    time.Time
}

// NewReport creates a usage report.
func NewReport(id identity.Identity, s budget.State, m metrics.Metrics) Report {
	return Report{
		identity:   id,
		state:      s,
		metrics:    m,
		percentage: budget.UsagePercentage(s.TokensUsed(), s.TokenBudget()),
	}
}

// WithSessionStarted returns a copy of the report carrying when guest usage
// was first recorded.
func (r *Report) WithSessionStarted(t time.Time) Report {
	c := *r
	c.started = t
	return c
}

// SessionStarted returns when a guest's first usage was recorded. It is
// false for members and for guests with no usage yet.
func (r *Report) SessionStarted() (time.Time, bool) { return r.started, !r.started.IsZero() }

// Identity returns the budget owner.
func (r *Report) Identity() identity.Identity { return r.identity }

// State returns the budget state at report time.
func (r *Report) State() budget.State { return r.state }

// Metrics returns the recorded usage totals.
func (r *Report) Metrics() metrics.Metrics { return r.metrics }

// UsagePercentage returns the consumed share of the budget (0..100).
func (r *Report) UsagePercentage() int { return r.percentage }

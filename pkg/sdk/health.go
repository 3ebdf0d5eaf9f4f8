package tokenguard

import (
	"context"
	"time"
)

// HealthStatus represents the aggregated system health.
type HealthStatus struct {
	Status string            // "ok", "error"
	Checks map[string]string // component → "ok"/"error"
}

// Health checks the member store.
func (c *Client) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	report := c.health.Check(ctx)
	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}
	c.obs.observe("health", "", start, nil)
	return HealthStatus{
		Status: string(report.Status),
		Checks: checks,
	}
}

package tokenguard

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sdkMetrics holds prometheus metrics registered for the SDK.
type sdkMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func newSDKMetrics(reg prometheus.Registerer) (*sdkMetrics, error) {
	m := &sdkMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenguard",
			Subsystem: "sdk",
			Name:      "operations_total",
			Help:      "Total SDK operations by type, identity kind and status.",
		}, []string{"operation", "kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokenguard",
			Subsystem: "sdk",
			Name:      "operation_duration_seconds",
			Help:      "SDK operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if err := registerOrReuse(reg, &m.operations); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, &m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers a collector or reuses an existing one.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	if err := reg.Register(*c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			existing, ok := are.ExistingCollector.(T)
			if !ok {
				return fmt.Errorf("tokenguard: metric already registered with incompatible type: %T", are.ExistingCollector)
			}
			*c = existing
			return nil
		}
		return fmt.Errorf("tokenguard: register metric: %w", err)
	}
	return nil
}

// errDebitRejected marks a debit refused because the budget is spent.
// It is only used for observation; UseTokens reports it as Success=false.
var errDebitRejected = errors.New("debit rejected")

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errDebitRejected):
		return "rejected"
	default:
		return "error"
	}
}

// observer provides logging and metrics for SDK operations.
type observer struct {
	logger  *slog.Logger
	metrics *sdkMetrics
}

func newObserver(logger *slog.Logger, reg prometheus.Registerer) (*observer, error) {
	var m *sdkMetrics
	if reg != nil {
		var err error
		m, err = newSDKMetrics(reg)
		if err != nil {
			return nil, err
		}
	}
	return &observer{logger: logger, metrics: m}, nil
}

// observe records one operation. kind is the identity kind, or "" for
// operations not bound to an identity.
func (o *observer) observe(
	op, kind string, start time.Time, err error,
) {
	if o == nil {
		return
	}
	dur := time.Since(start)

	status := statusOf(err)
	if o.metrics != nil {
		o.metrics.operations.WithLabelValues(op, kind, status).Inc()
		o.metrics.duration.WithLabelValues(op).Observe(
			dur.Seconds(),
		)
	}

	if o.logger != nil {
		switch status {
		case "rejected":
			o.logger.Info("debit rejected",
				"op", op,
				"kind", kind,
				"duration", dur,
			)
		case "error":
			o.logger.Warn("operation failed",
				"op", op,
				"kind", kind,
				"duration", dur,
				"error", err,
			)
		default:
			o.logger.Debug("operation completed",
				"op", op,
				"kind", kind,
				"duration", dur,
			)
		}
	}
}

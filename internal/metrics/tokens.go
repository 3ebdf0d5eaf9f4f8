package metrics

import "github.com/prometheus/client_golang/prometheus"

// Token accounting Prometheus metrics.
var (
	DebitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenguard",
			Name:      "debits_total",
			Help:      "Total number of token debits",
		},
		[]string{"kind", "result"}, // kind: member/guest; result: ok/rejected/error/invalid
	)

	DebitTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenguard",
			Name:      "debit_tokens_total",
			Help:      "Total tokens debited",
		},
		[]string{"kind", "type"}, // type: prompt/completion
	)

	DebitCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenguard",
			Name:      "debit_estimated_cost_total",
			Help:      "Total estimated cost of debited calls",
		},
		[]string{"kind"},
	)

	BudgetTokensRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tokenguard",
			Name:      "budget_tokens_remaining",
			Help:      "Remaining token budget after the last debit",
		},
		[]string{"kind"},
	)

	LoadFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenguard",
			Name:      "load_failures_total",
			Help:      "Token state loads that fell back to the zero state",
		},
		[]string{"kind"},
	)

	SettingsCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenguard",
			Name:      "settings_cache_total",
			Help:      "Settings cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokenguard",
			Name:      "llm_requests_total",
			Help:      "Total number of metered chat completion requests",
		},
		[]string{"model", "status"},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokenguard",
			Name:      "llm_request_duration_seconds",
			Help:      "Chat completion request duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	StreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tokenguard",
			Name:      "stream_connections",
			Help:      "Open token state stream connections",
		},
	)
)

var tokenMetricsRegistered bool

// RegisterTokenMetrics registers Prometheus token metrics. Must be called once from main.
func RegisterTokenMetrics() {
	if tokenMetricsRegistered {
		return
	}
	prometheus.MustRegister(DebitsTotal)
	prometheus.MustRegister(DebitTokensTotal)
	prometheus.MustRegister(DebitCostTotal)
	prometheus.MustRegister(BudgetTokensRemaining)
	prometheus.MustRegister(LoadFailuresTotal)
	prometheus.MustRegister(SettingsCacheTotal)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(StreamConnections)
	tokenMetricsRegistered = true
}

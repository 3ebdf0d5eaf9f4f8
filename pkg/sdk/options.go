package tokenguard

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

// Member store drivers.
const (
	driverRedis  = "redis"
	driverSQLite = "sqlite"
)

type clientConfig struct {
	driver   string
	addrs    []string
	password string
	path     string

	guestPath string // empty keeps guests in memory

	usageLogMaxLen int64
	cacheGuest     bool

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

// WithRedis stores member budgets in Redis.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = driverRedis
		c.addrs = []string{addr}
		c.password = password
	})
}

// WithSQLite stores member budgets in a SQLite file, created if missing.
func WithSQLite(path string) Option {
	return optionFunc(func(c *clientConfig) {
		c.driver = driverSQLite
		c.path = path
	})
}

// WithGuestBadger persists guest usage in a BadgerDB directory.
// Without it guest usage lives in memory and is lost on Close.
func WithGuestBadger(dir string) Option {
	return optionFunc(func(c *clientConfig) {
		c.guestPath = dir
	})
}

// WithUsageLogMaxLen caps the Redis usage log stream. Default: 100000.
func WithUsageLogMaxLen(n int64) Option {
	return optionFunc(func(c *clientConfig) {
		c.usageLogMaxLen = n
	})
}

// WithGuestBudgetCache caches the guest ceiling setting until RefreshDefaults.
// Default: enabled.
func WithGuestBudgetCache(enabled bool) Option {
	return optionFunc(func(c *clientConfig) {
		c.cacheGuest = enabled
	})
}

// WithLogger enables structured logging for SDK operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers SDK metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}

package settings

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/tokenguard/internal/domain"
)

// source is the consumer interface for flag reads (ISP).
type source interface {
	NumericValue(ctx context.Context, key string) (int64, error)
}

// Resolver answers GetConfiguredDefault: the flag value when present and
// enabled, otherwise the hardcoded fallback for the key.
//
// Keys registered via WithCache are read from the source at most once and
// kept until Refresh. Concurrent first reads share one fetch.
type Resolver struct {
	src    source
	logger *zap.Logger

	mu         sync.RWMutex
	cached     map[string]struct{}
	values     map[string]int64
	flight     singleflight.Group
	cacheTotal *prometheus.CounterVec
}

// New creates a Resolver without caching.
func New(src source, logger *zap.Logger) *Resolver {
	return &Resolver{
		src:    src,
		logger: logger,
		cached: make(map[string]struct{}),
		values: make(map[string]int64),
	}
}

// WithCache enables process-wide caching for keys.
// cacheTotal is a counter vec with label "result" ("hit"/"miss"); may be nil.
func (r *Resolver) WithCache(cacheTotal *prometheus.CounterVec, keys ...string) *Resolver {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheTotal = cacheTotal
	for _, k := range keys {
		r.cached[k] = struct{}{}
	}
	return r
}

// GetConfiguredDefault returns the numeric setting for key. It never fails.
func (r *Resolver) GetConfiguredDefault(ctx context.Context, key string) int64 {
	r.mu.RLock()
	_, isCached := r.cached[key]
	v, populated := r.values[key]
	r.mu.RUnlock()

	if !isCached {
		fresh, _ := r.fetch(ctx, key)
		return fresh
	}
	if populated {
		r.count("hit")
		return v
	}
	r.count("miss")

	res, _, _ := r.flight.Do(key, func() (interface{}, error) {
		fresh, ok := r.fetch(ctx, key)
		if ok {
			r.mu.Lock()
			r.values[key] = fresh
			r.mu.Unlock()
		}
		return fresh, nil
	})
	return res.(int64)
}

// Refresh drops cached values for keys, or all cached values when none are given.
func (r *Resolver) Refresh(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(keys) == 0 {
		r.values = make(map[string]int64)
		return
	}
	for _, k := range keys {
		delete(r.values, k)
	}
}

// fetch reads key from the source. ok is false when the read failed and the
// fallback must not be cached.
func (r *Resolver) fetch(ctx context.Context, key string) (int64, bool) {
	fallback := domain.SettingFallback(key)
	v, err := r.src.NumericValue(ctx, key)
	switch {
	case err == nil:
		return v, true
	case errors.Is(err, domain.ErrNotFound):
		r.logger.Debug("Setting absent, using fallback",
			zap.String("key", key), zap.Int64("fallback", fallback))
		return fallback, true
	default:
		r.logger.Debug("Setting read failed, using fallback",
			zap.String("key", key), zap.Int64("fallback", fallback), zap.Error(err))
		return fallback, false
	}
}

func (r *Resolver) count(result string) {
	if r.cacheTotal != nil {
		r.cacheTotal.WithLabelValues(result).Inc()
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/broadcast"
	"github.com/kailas-cloud/tokenguard/internal/config"
	dbBadger "github.com/kailas-cloud/tokenguard/internal/db/badger"
	dbRedis "github.com/kailas-cloud/tokenguard/internal/db/redis"
	dbSQLite "github.com/kailas-cloud/tokenguard/internal/db/sqlite"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	dombudget "github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	usagemetrics "github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
	budgetrepo "github.com/kailas-cloud/tokenguard/internal/repository/budget"
	"github.com/kailas-cloud/tokenguard/internal/repository/guest"
	"github.com/kailas-cloud/tokenguard/internal/repository/settings"
	tokensuc "github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

// memberAdmin is the member store including its admin operations.
type memberAdmin interface {
	Get(ctx context.Context, userID string) (dombudget.Budget, error)
	Debit(ctx context.Context, userID string, charge usage.Charge, defaultBudget int64) (dombudget.Debit, error)
	Totals(ctx context.Context, userID string) (usagemetrics.Metrics, error)
	SetBudget(ctx context.Context, userID string, tokenBudget int64) error
	Reset(ctx context.Context, userID string) error
}

// flagAdmin reads and writes feature flags.
type flagAdmin interface {
	NumericValue(ctx context.Context, key string) (int64, error)
	SetNumeric(ctx context.Context, key string, value int64, enabled bool) error
}

type stores struct {
	members memberAdmin
	flags   flagAdmin
	tokens  *tokensuc.Service
	signal  *broadcast.RedisRelay // nil unless driver is redis
	closers []func()
}

// notify tells running servers that the state of id changed. Only a Redis
// deployment shares signals across processes.
func (s *stores) notify(id identity.Identity) {
	if s.signal != nil {
		s.signal.Notify(id.Key(), "")
	}
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects to the stores the server with the same env would use.
func openStores(env string) (*stores, error) {
	if env == "" {
		env = config.GetEnv()
	}
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	logger := zap.NewNop()
	s := &stores{}
	var redisStore *dbRedis.Store

	switch cfg.Database.Driver {
	case config.DriverRedis:
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			s.Close()
			return nil, fmt.Errorf("database not ready: %w", err)
		}
		redisStore = store
		s.members = budgetrepo.NewRedisStore(store, cfg.Database.UsageLogMaxLen)
		s.flags = settings.NewRedisStore(store)
		s.signal = broadcast.NewRedisRelay(store, broadcast.NewHub(), logger)
	case config.DriverSQLite:
		sqlDB, err := dbSQLite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = sqlDB.Close() })
		s.members = budgetrepo.NewSQLStore(sqlDB)
		s.flags = settings.NewSQLStore(sqlDB)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	var guests interface {
		GetItem(ctx context.Context, namespace, key string) (string, bool, error)
		SetItem(ctx context.Context, namespace, key, value string) error
	} = guest.NewMemory()
	switch {
	case cfg.Guest.Storage == config.GuestStorageBadger:
		bdb, err := dbBadger.Open(dbBadger.Config{Path: cfg.Guest.Path})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = bdb.Close() })
		guests = guest.NewBadger(bdb)
	case cfg.Guest.Storage == config.GuestStorageRedis && redisStore != nil:
		guests = guest.NewRedis(redisStore)
	}

	resolver := settings.New(s.flags, logger)
	s.tokens = tokensuc.New(budgetrepo.NewAdapter(s.members, guests, resolver, logger), resolver, logger)
	return s, nil
}

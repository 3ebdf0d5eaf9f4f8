package tokenguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/broadcast"
	dbBadger "github.com/kailas-cloud/tokenguard/internal/db/badger"
	dbRedis "github.com/kailas-cloud/tokenguard/internal/db/redis"
	dbSQLite "github.com/kailas-cloud/tokenguard/internal/db/sqlite"
	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
	budgetrepo "github.com/kailas-cloud/tokenguard/internal/repository/budget"
	"github.com/kailas-cloud/tokenguard/internal/repository/guest"
	"github.com/kailas-cloud/tokenguard/internal/repository/settings"
	healthuc "github.com/kailas-cloud/tokenguard/internal/usecase/health"
	"github.com/kailas-cloud/tokenguard/internal/usecase/session"
	tokensuc "github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

const defaultReadinessTimeout = 10 * time.Second

// Internal interfaces, replaced by fakes in tests.
type tokenUseCase interface {
	LoadTokenState(ctx context.Context, id identity.Identity) budget.State
	UseTokens(ctx context.Context, id identity.Identity, charge usage.Charge) (tokensuc.Result, error)
	Preflight(ctx context.Context, id identity.Identity, estimated int64) tokensuc.Preflight
	Report(ctx context.Context, id identity.Identity) usage.Report
	RefreshDefaults(ctx context.Context)
}

type healthUseCase interface {
	Check(ctx context.Context) healthuc.Report
}

// backend is a member store together with its flag store and pinger.
type backend struct {
	members budgetMembers
	flags   settingsSource
	pinger  healthuc.DBPinger
	relay   *broadcast.RedisRelay
	close   func()
}

type budgetMembers interface {
	Get(ctx context.Context, userID string) (budget.Budget, error)
	Debit(ctx context.Context, userID string, charge usage.Charge, defaultBudget int64) (budget.Debit, error)
	Totals(ctx context.Context, userID string) (metrics.Metrics, error)
}

type settingsSource interface {
	NumericValue(ctx context.Context, key string) (int64, error)
}

// Client is the tokenguard SDK entry point.
type Client struct {
	tokens  tokenUseCase
	health  healthUseCase
	signal  session.Signal
	obs     *observer
	stop    context.CancelFunc
	closers []func()
}

// New creates a Client and connects to the member store.
// The provided context is used for the initial readiness check.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		usageLogMaxLen: 100000,
		cacheGuest:     true,
	}
	for _, o := range opts {
		o.apply(cfg)
	}

	if cfg.driver == "" {
		return nil, errors.New("tokenguard: member store required (use WithRedis or WithSQLite)")
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	guests, closeGuests, err := openGuests(cfg)
	if err != nil {
		be.close()
		return nil, err
	}

	return wireClient(be, guests, cfg, obs, closeGuests), nil
}

func openBackend(ctx context.Context, cfg *clientConfig) (*backend, error) {
	switch cfg.driver {
	case driverRedis:
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.addrs,
			Password: cfg.password,
		})
		if err != nil {
			return nil, fmt.Errorf("tokenguard: create redis store: %w", err)
		}
		if err := s.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
			s.Close()
			return nil, fmt.Errorf("tokenguard: database not ready: %w", err)
		}
		return &backend{
			members: budgetrepo.NewRedisStore(s, cfg.usageLogMaxLen),
			flags:   settings.NewRedisStore(s),
			pinger:  s,
			relay:   broadcast.NewRedisRelay(s, broadcast.NewHub(), zap.NewNop()),
			close:   s.Close,
		}, nil
	case driverSQLite:
		sqlDB, err := dbSQLite.Open(ctx, cfg.path)
		if err != nil {
			return nil, fmt.Errorf("tokenguard: %w", err)
		}
		return &backend{
			members: budgetrepo.NewSQLStore(sqlDB),
			flags:   settings.NewSQLStore(sqlDB),
			pinger:  sqlPinger{sqlDB},
			close:   func() { _ = sqlDB.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("tokenguard: unknown driver %q", cfg.driver)
	}
}

type guestStore interface {
	GetItem(ctx context.Context, namespace, key string) (string, bool, error)
	SetItem(ctx context.Context, namespace, key, value string) error
}

func openGuests(cfg *clientConfig) (guestStore, func(), error) {
	if cfg.guestPath == "" {
		return guest.NewMemory(), func() {}, nil
	}
	bdb, err := dbBadger.Open(dbBadger.Config{Path: cfg.guestPath})
	if err != nil {
		return nil, nil, fmt.Errorf("tokenguard: open guest storage: %w", err)
	}
	return guest.NewBadger(bdb), func() { _ = bdb.Close() }, nil
}

func wireClient(be *backend, guests guestStore, cfg *clientConfig, obs *observer, closeGuests func()) *Client {
	logger := zap.NewNop()

	resolver := settings.New(be.flags, logger)
	if cfg.cacheGuest {
		resolver = resolver.WithCache(nil, domain.SettingGuestTokenBudget)
	}
	adapter := budgetrepo.NewAdapter(be.members, guests, resolver, logger)

	c := &Client{
		tokens:  tokensuc.New(adapter, resolver, logger),
		health:  healthuc.New(be.pinger, nil),
		obs:     obs,
		closers: []func(){be.close, closeGuests},
	}

	if be.relay != nil {
		ctx, stop := context.WithCancel(context.Background())
		c.stop = stop
		c.signal = be.relay
		go func() { _ = be.relay.Run(ctx) }()
	} else {
		c.signal = broadcast.NewHub()
	}
	return c
}

// Close releases all resources. Open sessions stop refreshing.
func (c *Client) Close() {
	if c.stop != nil {
		c.stop()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if c.closers[i] != nil {
			c.closers[i]()
		}
	}
	c.closers = nil
}

// RefreshDefaults drops cached budget settings so the next read hits the store.
func (c *Client) RefreshDefaults(ctx context.Context) {
	start := time.Now()
	c.tokens.RefreshDefaults(ctx)
	c.obs.observe("settings.refresh", "", start, nil)
}

// sqlPinger adapts *sql.DB to health.DBPinger.
type sqlPinger struct{ db *sql.DB }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/broadcast"
	"github.com/kailas-cloud/tokenguard/internal/config"
	dbBadger "github.com/kailas-cloud/tokenguard/internal/db/badger"
	dbRedis "github.com/kailas-cloud/tokenguard/internal/db/redis"
	dbSQLite "github.com/kailas-cloud/tokenguard/internal/db/sqlite"
	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/usage"
	dombudget "github.com/kailas-cloud/tokenguard/internal/domain/usage/budget"
	usagemetrics "github.com/kailas-cloud/tokenguard/internal/domain/usage/metrics"
	logpkg "github.com/kailas-cloud/tokenguard/internal/logger"
	"github.com/kailas-cloud/tokenguard/internal/metrics"
	budgetrepo "github.com/kailas-cloud/tokenguard/internal/repository/budget"
	"github.com/kailas-cloud/tokenguard/internal/repository/guest"
	"github.com/kailas-cloud/tokenguard/internal/repository/settings"
	chiTransport "github.com/kailas-cloud/tokenguard/internal/transport/chi"
	openaiTransport "github.com/kailas-cloud/tokenguard/internal/transport/openai"
	healthuc "github.com/kailas-cloud/tokenguard/internal/usecase/health"
	"github.com/kailas-cloud/tokenguard/internal/usecase/session"
	tokensuc "github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
	"github.com/kailas-cloud/tokenguard/internal/version"
)

// memberStore is what the adapter needs from either member backend.
type memberStore interface {
	Get(ctx context.Context, userID string) (dombudget.Budget, error)
	Debit(ctx context.Context, userID string, charge usage.Charge, defaultBudget int64) (dombudget.Debit, error)
	Totals(ctx context.Context, userID string) (usagemetrics.Metrics, error)
}

// flagSource is what the settings resolver needs from either backend.
type flagSource interface {
	NumericValue(ctx context.Context, key string) (int64, error)
}

// backend is the member store with its companions on the same database.
type backend struct {
	members memberStore
	flags   flagSource
	pinger  healthuc.DBPinger
	signal  session.Signal
	redis   *dbRedis.Store // nil unless driver is redis
	close   func()
}

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting tokenguard API server",
		zap.String("build", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("guest_storage", cfg.Guest.Storage),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	be, err := openBackend(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open budget store", zap.Error(err))
	}
	defer be.close()
	logger.Info("Connected to database")

	guests, closeGuests, err := openGuestStorage(&cfg, be, logger)
	if err != nil {
		logger.Fatal("Failed to open guest storage", zap.Error(err))
	}
	defer closeGuests()

	// Register metrics explicitly (no init())
	metrics.RegisterTokenMetrics()

	cached := []string{}
	if cfg.Budget.CacheGuest() {
		cached = append(cached, domain.SettingGuestTokenBudget)
	}
	if cfg.Budget.CacheMemberBudget {
		cached = append(cached, domain.SettingDefaultTokenBudget)
	}
	resolver := settings.New(be.flags, logger).WithCache(metrics.SettingsCacheTotal, cached...)

	adapter := budgetrepo.NewAdapter(be.members, guests, resolver, logger)
	tokenSvc := tokensuc.New(adapter, resolver, logger)

	// Pass nil interface (not typed nil pointer!) if the LLM is not configured.
	var llmChecker healthuc.LLMChecker
	var chat *openaiTransport.MeteredClient
	if cfg.LLM.APIKey != "" {
		chat = openaiTransport.NewMeteredClient(&openaiTransport.Config{
			APIKey:          cfg.LLM.APIKey,
			BaseURL:         cfg.LLM.BaseURL,
			Model:           cfg.LLM.Model,
			Pricing:         priceTable(cfg.LLM.Pricing),
			EstimatedTokens: cfg.Budget.EstimatedTokens,
			Logger:          logger,
		}, tokenSvc)
		llmChecker = chat
		logger.Info("Metered chat enabled", zap.String("model", cfg.LLM.Model))
	}

	healthSvc := healthuc.New(be.pinger, llmChecker)

	server := chiTransport.NewServer(tokenSvc, healthSvc, be.signal, logger).
		WithAllowedOrigins(cfg.HTTP.AllowedOrigins)
	if chat != nil {
		server = server.WithChat(chat)
	}

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// openBackend creates the member store for the configured driver. With Redis,
// signals travel through pub/sub so every replica refreshes its sessions.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverRedis:
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			store.Close()
			return nil, fmt.Errorf("database not ready: %w", err)
		}

		relay := broadcast.NewRedisRelay(store, broadcast.NewHub(), logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("Signal relay stopped", zap.Error(err))
			}
		}()

		return &backend{
			members: budgetrepo.NewRedisStore(store, cfg.Database.UsageLogMaxLen),
			flags:   settings.NewRedisStore(store),
			pinger:  store,
			signal:  relay,
			redis:   store,
			close:   store.Close,
		}, nil

	case config.DriverSQLite:
		sqlDB, err := dbSQLite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		return &backend{
			members: budgetrepo.NewSQLStore(sqlDB),
			flags:   settings.NewSQLStore(sqlDB),
			pinger:  sqlPinger{sqlDB},
			signal:  broadcast.NewHub(),
			close:   func() { _ = sqlDB.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// guestStorage is the key/value "local storage" guests are tracked in.
type guestStorage interface {
	GetItem(ctx context.Context, namespace, key string) (string, bool, error)
	SetItem(ctx context.Context, namespace, key, value string) error
}

func openGuestStorage(cfg *config.Config, be *backend, logger *zap.Logger) (guestStorage, func(), error) {
	switch cfg.Guest.Storage {
	case config.GuestStorageBadger:
		bdb, err := dbBadger.Open(dbBadger.Config{Path: cfg.Guest.Path, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return guest.NewBadger(bdb), func() { _ = bdb.Close() }, nil
	case config.GuestStorageRedis:
		if be.redis == nil {
			return nil, nil, fmt.Errorf("guest storage %q needs the redis driver", cfg.Guest.Storage)
		}
		return guest.NewRedis(be.redis), func() {}, nil
	default:
		return guest.NewMemory(), func() {}, nil
	}
}

func priceTable(in map[string]config.PriceConfig) openaiTransport.PriceTable {
	out := make(openaiTransport.PriceTable, len(in))
	for model, p := range in {
		out[model] = openaiTransport.Price{PromptPer1K: p.PromptPer1K, CompletionPer1K: p.CompletionPer1K}
	}
	return out
}

// sqlPinger adapts *sql.DB to health.DBPinger.
type sqlPinger struct{ db *sql.DB }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line, one per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}

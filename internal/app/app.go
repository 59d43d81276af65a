// Package app wires the service together and runs it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bitemap/session/internal/config"
	"github.com/bitemap/session/internal/csrf"
	"github.com/bitemap/session/internal/event"
	"github.com/bitemap/session/internal/handler"
	"github.com/bitemap/session/internal/ratelimit"
	"github.com/bitemap/session/internal/rbac"
	"github.com/bitemap/session/internal/repository/postgres"
	"github.com/bitemap/session/internal/session"
	"github.com/bitemap/session/internal/token"
	"github.com/bitemap/session/migrations"
	"github.com/bitemap/session/pkg/database"
	"github.com/bitemap/session/pkg/health"
	"github.com/bitemap/session/pkg/kafka"
)

// App owns the service's long-lived resources.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	producer *kafka.Producer
	tokens   *token.Service
	server   *http.Server
}

// New builds the application: connects the stores, runs migrations, and wires
// the HTTP surface.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		// The limiter fails open without Redis, so a Redis outage at boot
		// degrades rather than blocks startup.
		logger.Warn("redis unavailable at startup, rate limiting degraded",
			slog.String("error", err.Error()),
		)
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis().Addr()})
	}

	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(kafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	}

	resolver, err := rbac.NewResolver()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("load role definitions: %w", err)
	}

	users := postgres.NewUserRepository(pool)
	refreshTokens := postgres.NewRefreshTokenRepository(pool)
	favorites := postgres.NewFavoriteRepository(pool)

	signer := token.NewSigner(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTTL)
	tokens := token.NewService(signer, refreshTokens, users, resolver, cfg.RefreshTTL, cfg.GuestTTL, logger)

	csrfManager := csrf.NewManager(cfg.CSRFSecret, cfg.CSRFTTL, cfg.CSRFRotateAfter)
	limiter := ratelimit.NewLimiter(redisClient, nil, logger)
	publisher := event.NewPublisher(producer, logger)

	sessions := session.NewManager(
		users, favorites, tokens, csrfManager, limiter, publisher, resolver,
		cfg.BcryptCost, logger,
	)

	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	if producer != nil {
		healthHandler.RegisterNonCritical("kafka", producer.Ping)
	}

	cookieCfg := handler.CookieConfig{
		Domain:     cfg.CookieDomain,
		Secure:     cfg.CookieSecure,
		RefreshTTL: cfg.RefreshTTL,
		CSRFTTL:    cfg.CSRFTTL,
	}

	router := handler.NewRouter(handler.RouterConfig{
		Sessions:    sessions,
		Auth:        handler.NewAuthHandler(sessions, cookieCfg, logger),
		Favorites:   handler.NewFavoritesHandler(favorites, logger),
		Health:      healthHandler,
		Cookies:     cookieCfg,
		Logger:      logger,
		GlobalRPS:   cfg.GlobalRPS,
		GlobalBurst: cfg.GlobalBurst,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		redis:    redisClient,
		producer: producer,
		tokens:   tokens,
		server:   server,
	}, nil
}

// Run starts the HTTP server and the expired-token sweeper, then blocks until
// the context is canceled and shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go a.sweepExpiredTokens(sweepCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close failed", slog.String("error", err.Error()))
		}
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close failed", slog.String("error", err.Error()))
	}
	a.pool.Close()

	a.logger.Info("shutdown complete")
	return nil
}

// sweepExpiredTokens periodically deletes refresh token rows past expiry.
func (a *App) sweepExpiredTokens(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := a.tokens.DeleteExpired(ctx)
			if err != nil {
				a.logger.Error("expired token sweep failed", slog.String("error", err.Error()))
				continue
			}
			if deleted > 0 {
				a.logger.Info("expired tokens deleted", slog.Int64("count", deleted))
			}
		}
	}
}

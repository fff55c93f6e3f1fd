package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/spotify-session/internal/adapter/cache"
	"github.com/smallbiznis/spotify-session/internal/adapter/spotify"
	"github.com/smallbiznis/spotify-session/internal/bootstrap"
	"github.com/smallbiznis/spotify-session/internal/clock"
	"github.com/smallbiznis/spotify-session/internal/config"
	httptransport "github.com/smallbiznis/spotify-session/internal/http"
	"github.com/smallbiznis/spotify-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/spotify-session/internal/http/middleware"
	apimiddleware "github.com/smallbiznis/spotify-session/internal/middleware"
	"github.com/smallbiznis/spotify-session/internal/repository"
	"github.com/smallbiznis/spotify-session/internal/secret"
	"github.com/smallbiznis/spotify-session/internal/server"
	authservice "github.com/smallbiznis/spotify-session/internal/service/auth"
	"github.com/smallbiznis/spotify-session/internal/service/playlist"
	"github.com/smallbiznis/spotify-session/internal/service/token"
	"github.com/smallbiznis/spotify-session/internal/telemetry"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		os.Exit(runMigrate(os.Args[2:]))
	}

	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newMetrics,
			newSnowflake,
			newClock,
			newSecretProvider,
			newPGXPool,
			newRedisClient,
			newStores,
			newTransactor,
			newSpotifyClient,
			newDenylist,
			newTokenManager,
			newTokenSource,
			authservice.NewOAuthService,
			newPlaylistService,
			handler.NewAuthHandler,
			handler.NewPlaylistHandler,
			newSessionMiddleware,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSchema, startHTTPServer),
	)

	app.Run()
}

func runMigrate(args []string) int {
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}
	_ = godotenv.Load()
	if err := bootstrap.Migrate(os.Getenv("DATABASE_URL"), direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		return 1
	}
	return 0
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", cfg.ServiceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newMetrics(lc fx.Lifecycle, cfg config.Config) (*telemetry.Metrics, error) {
	metrics, err := telemetry.NewMetrics(cfg)
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: metrics.Shutdown,
	})
	return metrics, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newClock() clock.Clock {
	return clock.System{}
}

func newSecretProvider() secret.Provider {
	return secret.NewProvider()
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

// newRedisClient connects only when a store is configured to live in Redis.
func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (redis.UniversalClient, error) {
	if !cfg.UsesRedis() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis connected",
		zap.String("addr", cfg.RedisAddr),
		zap.String("state_backend", cfg.StateBackend),
		zap.String("access_token_cache", cfg.AccessTokenCache),
	)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// redisOverride swaps the PKCE and access token stores for their Redis
// versions according to cfg. It is applied both to the pool-bound stores and
// to the stores handed out inside a transaction.
func redisOverride(cfg config.Config, client redis.UniversalClient, clk clock.Clock) func(repository.Stores) repository.Stores {
	return func(stores repository.Stores) repository.Stores {
		if client == nil {
			return stores
		}
		if cfg.StateBackend == config.BackendRedis {
			stores.PKCE = cacheadapter.NewRedisPKCEStore(client, clk)
		}
		if cfg.AccessTokenCache == config.BackendRedis {
			stores.AccessTokens = cacheadapter.NewRedisAccessTokenCache(client, clk)
		}
		return stores
	}
}

func newStores(pool *pgxpool.Pool, cfg config.Config, client redis.UniversalClient, clk clock.Clock) repository.Stores {
	return redisOverride(cfg, client, clk)(repository.NewPostgresStores(pool))
}

func newTransactor(pool *pgxpool.Pool, cfg config.Config, client redis.UniversalClient, clk clock.Clock) repository.Transactor {
	return repository.NewPostgresTransactor(pool, repository.WithStoreOverride(redisOverride(cfg, client, clk)))
}

func newSpotifyClient(cfg config.Config) spotify.ProviderClient {
	return spotify.NewHTTPProviderClient(cfg.Spotify, nil)
}

func newDenylist(stores repository.Stores, clk clock.Clock, cfg config.Config, logger *zap.Logger) *token.Denylist {
	return token.NewDenylist(stores.Denylist, clk, cfg, logger)
}

func newTokenManager(
	stores repository.Stores,
	denylist *token.Denylist,
	provider spotify.ProviderClient,
	clk clock.Clock,
	cfg config.Config,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *token.Manager {
	return token.NewManager(stores, denylist, provider, clk, cfg, logger, token.WithMeterProvider(metrics.MeterProvider()))
}

func newTokenSource(m *token.Manager) playlist.TokenSource {
	return m
}

func newPlaylistService(
	stores repository.Stores,
	tokens playlist.TokenSource,
	provider spotify.ProviderClient,
	clk clock.Clock,
	cfg config.Config,
	logger *zap.Logger,
) handler.PlaylistService {
	return playlist.NewService(stores, tokens, provider, clk, cfg, logger)
}

func newSessionMiddleware(oauth authservice.OAuthService, logger *zap.Logger) *httpmiddleware.Session {
	return &httpmiddleware.Session{Validator: oauth, Logger: logger}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				defer close(done)
				logger.Info("http server listening", zap.String("addr", addr))
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"b2c-token-proxy/internal/client"
	"b2c-token-proxy/internal/config"
	"b2c-token-proxy/internal/handler"
	"b2c-token-proxy/internal/metrics"
	"b2c-token-proxy/internal/middleware"
	"b2c-token-proxy/internal/ratelimit"
	"b2c-token-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("b2c-token-proxy"),
		kong.Description("Token endpoint proxy that adds the API scope to OAuth token exchanges."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	app := newApp(&cli)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "b2c-token-proxy: %v\n", err)
		os.Exit(1)
	}
	app.Run()
}

// newApp builds the application graph. Configuration errors surface through
// App.Err before any listener is bound.
func newApp(cli *config.CLI) *fx.App {
	return fx.New(
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newRateLimiterStore,
			newEcho,
			client.NewTokenClient,
			service.NewTokenService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, logStartup, warnConfigPermissions, startServer),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newRateLimiterStore returns nil when rate limiting is disabled, a Redis
// store when a redis URL is configured and an in-memory store otherwise.
func newRateLimiterStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (echomw.RateLimiterStore, error) {
	rl := cfg.Server.RateLimit
	if !rl.Enabled {
		return nil, nil
	}

	if rl.RedisURL == "" {
		return echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(rl.RequestsPerSecond),
			Burst:     rl.Burst,
			ExpiresIn: 3 * time.Minute,
		}), nil
	}

	opts, err := redis.ParseURL(rl.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse server.rate_limit.redis_url: %w", err)
	}
	store := ratelimit.NewRedisStore(redis.NewClient(opts), rl.RequestsPerSecond, rl.Burst, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Requests are allowed while Redis is down, so a failed ping only warns.
			if err := store.Ping(ctx); err != nil {
				logger.Warn("rate limiter redis unreachable", "err", err)
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, store echomw.RateLimiterStore) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds+15) * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if store != nil {
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled",
			"rps", cfg.Server.RateLimit.RequestsPerSecond,
			"burst", cfg.Server.RateLimit.Burst,
			"shared", cfg.Server.RateLimit.RedisURL != "",
		)
	}

	return e
}

func logStartup(cfg *config.Config, logger *slog.Logger) {
	cfg.LogStartup(logger)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

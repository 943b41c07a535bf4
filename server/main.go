// server/main.go
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/rexlx/rinkside/config"
	"github.com/rexlx/rinkside/forum"
	"github.com/rexlx/rinkside/presence"
	"github.com/rexlx/rinkside/ratelimit"
	"github.com/rexlx/rinkside/sessions"
	"github.com/rexlx/rinkside/settings"
)

func main() {
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(context.Background(), "load config", slog.Error(err))
	}
	logger = logger.Leveled(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(ctx, "server exited", slog.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger slog.Logger) error {
	// Initialize the database connection.
	forumDB, err := forum.NewDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer forumDB.Close()
	logger.Info(ctx, "connected to the database")
	if err := forumDB.CreateTables(ctx); err != nil {
		return xerrors.Errorf("create tables: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	settingsCache := settings.NewCache(forumDB, cfg.SettingsTTL,
		settings.WithLogger(logger.Named("settings")),
		settings.WithRegisterer(reg),
	)
	listener := settings.NewListener(settings.PoolNotifier{Pool: forumDB.Pool()}, settingsCache, logger.Named("settings"))

	hub := presence.NewHub(cfg.PresenceTTL,
		presence.WithLogger(logger.Named("presence")),
		presence.WithRegisterer(reg),
	)

	var (
		limiterStore ratelimit.Store
		sessionStore *sessions.RedisStore
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return xerrors.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return xerrors.Errorf("ping redis: %w", err)
		}
		limiterStore = ratelimit.NewRedisStore(client, "")
		sessionStore = sessions.NewRedisStore(client, "")
		logger.Info(ctx, "using redis for sessions and rate limits")
	}

	limitMetrics := ratelimit.NewMetrics(reg)
	loginLimiter := ratelimit.New("login", ratelimit.Config{
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
		Lockout:     cfg.LoginLockout,
	}, limiterStore, ratelimit.WithLogger(logger.Named("ratelimit")), ratelimit.WithMetrics(limitMetrics))
	postLimiter := ratelimit.New("posting", ratelimit.Config{
		MaxAttempts: 10,
		Window:      time.Minute,
	}, limiterStore, ratelimit.WithLogger(logger.Named("ratelimit")), ratelimit.WithMetrics(limitMetrics))

	sessionOpts := sessions.Options{Lifetime: cfg.SessionLifetime, Secure: cfg.SecureCookies}
	if sessionStore != nil {
		sessionOpts.Store = sessionStore
	}

	// Create the forum handler, injecting its dependencies.
	forumHandler, err := forum.NewHandlers(forum.Config{
		Store:          forumDB,
		Sessions:       sessions.NewManager(sessionOpts),
		Settings:       settingsCache,
		Listener:       listener,
		Presence:       hub,
		LoginLimiter:   loginLimiter,
		PostLimiter:    postLimiter,
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger.Named("forum"),
	})
	if err != nil {
		return err
	}

	go forumHandler.StartNotificationListener(ctx)
	go hub.Run(ctx)

	site := forum.SecureHeaders(!cfg.SecureCookies)(forum.CSRF(cfg.SecureCookies)(forumHandler.Handler()))
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", site)

	svr := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived presence connections end with the root context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting forum server", slog.F("addr", cfg.Addr))
		errCh <- svr.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return svr.Shutdown(shutdownCtx)
}

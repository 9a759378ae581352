package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/todo-1m/realtime/internal/app/identity"
	"github.com/todo-1m/realtime/internal/app/publisher"
	"github.com/todo-1m/realtime/internal/app/streamer"
	"github.com/todo-1m/realtime/internal/eventbus"
	"github.com/todo-1m/realtime/internal/platform/config"
	"github.com/todo-1m/realtime/internal/platform/dbpool"
	"github.com/todo-1m/realtime/internal/platform/logging"
	"github.com/todo-1m/realtime/internal/platform/metrics"
	"github.com/todo-1m/realtime/internal/platform/natsutil"
	"github.com/todo-1m/realtime/internal/realtime"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Error("sse-streamer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.New(runCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database pool: %w", err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForIdentitySchema(runCtx, identityRepo, cfg.Database.SchemaWait, logger); err != nil {
		return fmt.Errorf("identity schema: %w", err)
	}
	accounts := identity.NewService(identityRepo, identity.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL))

	var (
		bus        eventbus.Bus
		natsClient *natsutil.Client
	)
	switch cfg.Realtime.Bus {
	case config.BusMemory:
		bus = eventbus.NewMemory()
	default:
		natsClient, err = natsutil.ConnectJetStreamWithRetry(cfg.NATS.URL, cfg.NATS.ClientName, cfg.NATS.ConnectTimeout, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()
		bus = eventbus.NewNATS(natsClient.JS, logger)
	}
	defer bus.Close()

	registry := realtime.NewRegistry()
	broadcaster, err := realtime.NewBroadcaster(registry, bus, cfg.Realtime.InboxSize, logger)
	if err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}
	go broadcaster.Run(runCtx)
	go realtime.NewHeartbeat(registry, cfg.Realtime.HeartbeatInterval, logger).Run(runCtx)
	go realtime.NewReaper(registry, cfg.Realtime.ReapInterval, cfg.Realtime.InactivityThreshold, logger).Run(runCtx)

	metrics.Default.MustRegister(metrics.NewGaugeFunc(metrics.Opts{
		Name: "realtime_connections",
		Help: "Live stream connections.",
	}, func() float64 { return float64(registry.Total()) }))

	hub := realtime.NewHub(registry, broadcaster, accounts, accounts, logger)
	handler := streamer.NewHandler(hub, accounts, publisher.NewService(bus), logger)
	handler.Metrics = metrics.DefaultHandler()
	handler.InternalToken = cfg.Auth.InternalToken
	handler.AllowedOrigin = cfg.Server.AllowedOrigins
	handler.SendBuffer = cfg.Realtime.SendBuffer
	handler.WriteTimeout = cfg.Realtime.WriteTimeout
	handler.Ready = func(ctx context.Context) error {
		return checkReadiness(ctx, pool, natsClient, cfg.Realtime.Bus)
	}
	if cfg.Auth.InternalToken == "" {
		logger.Warn("INTERNAL_TOKEN is empty, event ingest endpoint is disabled")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// Keep WriteTimeout unset for long-lived streams; each frame carries its own deadline.
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	logger.Info("sse-streamer listening",
		slog.String("addr", cfg.Server.Addr),
		slog.String("bus", cfg.Realtime.Bus),
	)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-runCtx.Done():
	}

	logger.Info("sse-streamer shutting down")
	broadcaster.Close()
	closed := registry.CloseAll()
	logger.Info("closed live streams", slog.Int("count", closed))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

func waitForIdentitySchema(ctx context.Context, repo *identity.PostgresRepository, timeout time.Duration, logger *slog.Logger) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.Info("waiting for identity schema readiness", slog.String("error", lastErr.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, client *natsutil.Client, bus string) error {
	if bus == config.BusNATS && !client.Connected() {
		return errors.New("nats is not connected")
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

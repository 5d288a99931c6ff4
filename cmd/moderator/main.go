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

	"github.com/redis/go-redis/v9"

	"github.com/tandem/music-app/internal/ban"
	"github.com/tandem/music-app/internal/config"
	"github.com/tandem/music-app/internal/messaging"
	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/moderation"
	"github.com/tandem/music-app/internal/report"
	"github.com/tandem/music-app/internal/store"
)

const (
	exitOK = iota
	exitConfig
	exitDependency
	exitRuntime
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "moderator: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger := cfg.NewLogger().With("service", "moderator")
	slog.SetDefault(logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(startCtx).Err(); err != nil {
		return exitDependency, fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	// --- Postgres ---
	db, err := store.Open(startCtx, cfg.DatabaseURL)
	if err != nil {
		return exitDependency, err
	}
	defer db.Close()
	if cfg.MigrateOnStart {
		if err := db.Migrate(startCtx); err != nil {
			return exitDependency, err
		}
	}

	// --- NATS ---
	natsClient, err := messaging.NewNATSClient(cfg.NATS("tandem-moderator"), logger)
	if err != nil {
		return exitDependency, err
	}
	defer natsClient.Close()

	reviewer := moderation.NewReviewer(
		moderation.NewFilter(),
		report.NewStore(db.DB().DB),
		ban.NewStore(rdb),
		natsClient,
		logger,
	)
	if err := natsClient.SubscribeModerationCheck(reviewer.HandleMessage); err != nil {
		return exitDependency, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- metricsServer.ListenAndServe() }()

	logger.Info("moderation service running",
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
		"metrics_addr", cfg.MetricsAddr,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if runErr != nil {
		return exitRuntime, runErr
	}
	return exitOK, nil
}

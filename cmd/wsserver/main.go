package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tandem/music-app/internal/api"
	"github.com/tandem/music-app/internal/ban"
	"github.com/tandem/music-app/internal/config"
	"github.com/tandem/music-app/internal/gateway"
	"github.com/tandem/music-app/internal/hub"
	"github.com/tandem/music-app/internal/messaging"
	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/ratelimit"
	"github.com/tandem/music-app/internal/session"
	"github.com/tandem/music-app/internal/store"
	"github.com/tandem/music-app/internal/ws"
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
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	// --- Postgres ---
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

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

	// --- Redis ---
	sessions, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		return exitDependency, fmt.Errorf("redis: %w", err)
	}
	defer sessions.Close()
	bans := ban.NewStore(sessions.Client())
	limiter := ratelimit.NewLimiter(sessions.Client(), logger)

	// --- NATS ---
	natsClient, err := messaging.NewNATSClient(cfg.NATS("tandem-ws-"+cfg.ServerName), logger)
	if err != nil {
		return exitDependency, err
	}
	defer natsClient.Close()

	// --- Socket server and hub ---
	server, err := ws.NewServer(cfg.Server(), logger, sessions, nil)
	if err != nil {
		return exitRuntime, err
	}

	h := hub.New(cfg.Hub(), server, db,
		hub.WithLogger(logger),
		hub.WithPresenceMirror(sessions),
		hub.WithPublisher(natsClient),
	)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan error, 1)
	go func() { hubDone <- h.Run(hubCtx) }()

	gw := gateway.Attach(server, ws.NewMessageDispatcher(logger), h, gateway.Deps{
		Bans:    bans,
		Limiter: limiter,
		Log:     logger,
	})
	if err := natsClient.SubscribeModerationResults(gw.HandleModerationResult); err != nil {
		return exitDependency, err
	}

	server.Handle("/api/", api.New(db, sessions, h, cfg.AllowedOrigin, logger))
	server.Handle("/metrics", metrics.Handler())

	logger.Info("tandem realtime server starting",
		"listen_addr", cfg.ListenAddr,
		"server_name", cfg.ServerName,
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL,
	)

	// --- Serve until a signal or a fatal error ---
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		runErr = err
	case err := <-hubDone:
		runErr = fmt.Errorf("hub stopped: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "err", err)
	}
	if err := h.Drain(shutdownCtx); err != nil {
		logger.Warn("hub drain", "err", err)
	}
	stopHub()

	if runErr != nil {
		return exitRuntime, runErr
	}
	return exitOK, nil
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stackwatch/stackwatch/internal/api"
	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/fleet"
	"github.com/stackwatch/stackwatch/internal/metrics"
	"github.com/stackwatch/stackwatch/internal/notify"
	"github.com/stackwatch/stackwatch/internal/report"
	"github.com/stackwatch/stackwatch/internal/scan"
	"github.com/stackwatch/stackwatch/internal/status"
	"github.com/stackwatch/stackwatch/internal/store"
	"github.com/stackwatch/stackwatch/internal/updates"
	"github.com/stackwatch/stackwatch/internal/vulns"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Starting StackWatch",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"postgres", cfg.PostgresDSN != "",
		"reeval_max_retries", cfg.ReevalMaxRetries,
		"check_concurrency", cfg.CheckConcurrency,
		"notify_on_recovery", cfg.NotifyOnRecovery)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Entity store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(cfg.PostgresDSN, logger)
		if err != nil {
			logger.Error("Failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to ensure store schema", "error", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("Postgres store initialized")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("No Postgres DSN configured, using in-memory store")
	}
	defer st.Close()

	// Event bus and notification delivery channel.
	var deliverer notify.Deliverer = &notify.LogDeliverer{Logger: logger}
	var publisher status.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Timeout(10*time.Second))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		deliverer = notify.NewNATSDeliverer(nc, logger)
		publisher = nc
		logger.Info("Connected to NATS")
	}

	m := metrics.New()

	dispatcher := notify.NewDispatcher(st, &notify.StoreDirectory{Store: st}, deliverer,
		cfg.DedupeCacheSize, cfg.NotificationTTL, m, logger)
	reevaluator := status.NewReevaluator(st, dispatcher, publisher,
		cfg.ReevalMaxRetries, cfg.NotifyOnRecovery, m, logger)

	registry := fleet.NewRegistry(st, logger)
	scanner := scan.NewScanner(st, reevaluator, cfg.ReevalMaxRetries, m, logger)

	versionSource := updates.NewStaticVersionSource(updates.DefaultVersions)
	checker := updates.NewChecker(st, versionSource, reevaluator, cfg.CheckConcurrency, m, logger)

	vulnSource := vulns.NewStaticSource()
	vulns.DefaultRecords(vulnSource)
	ingestor := vulns.NewIngestor(st, reevaluator, dispatcher, vulnSource,
		cfg.ReevalMaxRetries, m, logger)

	aggregator, err := report.NewAggregator(st, m, logger)
	if err != nil {
		logger.Error("Failed to load recommendation rules", "error", err)
		os.Exit(1)
	}

	server, err := api.NewServer(registry, scanner, checker, ingestor, aggregator, dispatcher, st, logger)
	if err != nil {
		logger.Error("Failed to build HTTP server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	logger.Info("StackWatch stopped")
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"encoder-gateway/internal/config"
	"encoder-gateway/internal/events"
	"encoder-gateway/internal/gateway"
	"encoder-gateway/internal/probe"
	"encoder-gateway/internal/server"
	"encoder-gateway/internal/storage"
	"encoder-gateway/internal/store"
)

func main() {
	cfg, err := config.LoadConfig("config.yml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	metrics := gateway.NewMetrics(prometheus.DefaultRegisterer)
	broker := events.NewBroker()

	sched := gateway.NewScheduler(st, gateway.Options{
		Pins:    storage.NewCluster(cfg.ClusterAPI),
		Probe:   probe.NewHTTP(),
		Events:  broker,
		Metrics: metrics,
		Logger:  logger,
		Policy: gateway.Policy{
			SelectWindow:         cfg.SelectWindow,
			PreferredSetSize:     cfg.PreferredSetSize,
			PreferredRecency:     cfg.PreferredRecency,
			TimeBudget:           cfg.TimeBudget,
			LivenessThreshold:    cfg.LivenessThreshold,
			UploadStallThreshold: cfg.UploadStallThreshold,
			MaxFails:             cfg.MaxFails,
		},
	})

	sweeps := cron.New()
	mustSchedule(sweeps, cfg.ReassignInterval, func() {
		if err := sched.ReassignStale(ctx); err != nil {
			logger.Error("reassign sweep failed", "err", err)
		}
	})
	mustSchedule(sweeps, cfg.ConfirmInterval, func() {
		if err := sched.ConfirmUploads(ctx); err != nil {
			logger.Error("upload confirm sweep failed", "err", err)
		}
	})
	sweeps.Start()
	defer sweeps.Stop()

	srv := server.New(sched, cfg.ListenAddr, cfg.AdminDIDs, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server stopped", "err", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
	case <-ctx.Done():
	}
	logger.Info("shutting down gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openStore picks Mongo when a URL is configured, otherwise the in-memory
// store for single-node development runs.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.MongoURL == "" {
		slog.Warn("no mongodb_url configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	m, err := store.NewMongo(connectCtx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			slog.Error("failed to close mongo", "err", err)
		}
	}
	return m, closer, nil
}

func mustSchedule(c *cron.Cron, every time.Duration, fn func()) {
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), fn); err != nil {
		panic(err)
	}
}

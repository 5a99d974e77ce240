package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/config"
	"github.com/wa-bridge/statussync/internal/health"
	"github.com/wa-bridge/statussync/internal/lifecycle"
	"github.com/wa-bridge/statussync/internal/mock"
	"github.com/wa-bridge/statussync/internal/registry"
	"github.com/wa-bridge/statussync/internal/session"
	"github.com/wa-bridge/statussync/internal/telemetry"
	"github.com/wa-bridge/statussync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// serve wires the server and blocks until ctx is cancelled or the listener
// fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store := session.NewStore()

	var (
		metrics  *telemetry.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
		store.AddObserver(metrics)
	}

	known, err := registry.Open(cfg.Registry.Path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := known.Close(); err != nil {
			logger.Warn("close registry", zap.Error(err))
		}
	}()
	store.AddObserver(known)

	bopts := []ws.BroadcasterOption{
		ws.WithSendBuffer(cfg.Stream.SendBuffer),
		ws.WithMaxPerUser(cfg.Stream.MaxPerUser),
		ws.WithBroadcastLogger(logger),
	}
	if metrics != nil {
		bopts = append(bopts, ws.WithBroadcastMetrics(metrics))
	}
	broadcaster := ws.NewBroadcaster(store, bopts...)
	store.AddObserver(broadcaster)

	sim := mock.NewSimulator(store, mock.Options{
		QRDelay:        cfg.Adapter.QRDelay,
		QRRotate:       cfg.Adapter.QRRotate,
		LinkDelay:      cfg.Adapter.LinkDelay,
		DropAfter:      cfg.Adapter.DropAfter,
		ReconnectDelay: cfg.Adapter.ReconnectDelay,
		MaxRetries:     cfg.Adapter.MaxRetries,
		ConflictChance: cfg.Adapter.ConflictChance,
		Seed:           cfg.Adapter.Seed,
	}, logger)
	defer func() { _ = sim.Close() }()

	copts := []lifecycle.Option{lifecycle.WithRegistrar(known), lifecycle.WithLogger(logger)}
	if metrics != nil {
		copts = append(copts, lifecycle.WithRejectMetrics(metrics))
	}
	controller := lifecycle.NewController(store, sim, copts...)

	records, err := known.List()
	if err != nil {
		return fmt.Errorf("list known sessions: %w", err)
	}
	controller.Restore(ctx, records, cfg.Adapter.RestoreKnown)

	sopts := []ws.ServerOption{
		ws.WithLogger(logger),
		ws.WithHealth(health.NewChecker(store, broadcaster, logger)),
	}
	if metrics != nil {
		sopts = append(sopts, ws.WithMetrics(metrics, gatherer))
	}
	server := ws.NewServer(cfg, store, broadcaster, controller, sopts...)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("status server listening",
		zap.String("addr", cfg.Addr()),
		zap.Bool("auth", cfg.Server.AuthToken != ""),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Int("known_sessions", len(records)))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			broadcaster.Close()
			return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Streams are hijacked and not tracked by Shutdown; closing the
	// broadcaster ends them with a connection_status error first.
	broadcaster.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

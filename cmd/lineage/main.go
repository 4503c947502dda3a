// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lineage starts the Aleutian Lineage API server.
//
// Aleutian Lineage is a durable record of ML pipeline provenance:
//   - Append-only event log (BadgerDB, checksummed, idempotent)
//   - In-memory lineage graph with time-travel queries
//   - Integrity policies (orphan repair, cycle breaking, drift alerts)
//   - Blast-radius impact analysis
//
// Usage:
//
//	go run ./cmd/lineage
//	go run ./cmd/lineage -config lineage.yaml
//	go run ./cmd/lineage -addr :9090 -debug
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8084/v1/lineage/health
//
//	# Ingest an event
//	curl -X POST http://localhost:8084/v1/lineage/events \
//	  -H "Content-Type: application/json" \
//	  -d '{"event": "dataset.registered", "timestamp": "2026-03-01T12:00:00Z", "id": "ds#users", "source": "airflow"}'
//
//	# Downstream lineage
//	curl -X POST http://localhost:8084/v1/lineage/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"from": "ds#users", "mode": "downstream", "depth": 3}'
//
//	# Blast radius
//	curl http://localhost:8084/v1/lineage/impact/ds%23users?depth=3
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianLineage/pkg/logging"
	"github.com/AleutianAI/AleutianLineage/services/lineage"
	"github.com/AleutianAI/AleutianLineage/services/lineage/config"
	"github.com/AleutianAI/AleutianLineage/services/lineage/notify"
	"github.com/AleutianAI/AleutianLineage/services/lineage/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address override, e.g. :8084")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "lineage",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Alerts reach operators through the log; the channel notifier is
	// there so embedders can consume them programmatically.
	notifier := notify.NewChannelNotifier(0, logger.Slog())
	go drainAlerts(notifier)

	svc, err := lineage.NewService(cfg,
		lineage.WithLogger(logger.Slog()),
		lineage.WithNotifier(notifier),
	)
	if err != nil {
		return fmt.Errorf("start lineage service: %w", err)
	}
	defer svc.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	if *debug {
		router.Use(gin.Logger())
	}

	handlers := lineage.NewHandlers(svc)
	v1 := router.Group("/v1")
	lineage.RegisterRoutes(v1, handlers)

	if mh := telemetry.MetricsHandler(); mh != nil {
		router.GET("/metrics", gin.WrapH(mh))
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting Aleutian Lineage server",
			slog.String("address", cfg.HTTP.Addr),
			slog.String("data_dir", cfg.Storage.DataDir),
			slog.Bool("in_memory", cfg.Storage.InMemory))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		slog.Info("Shutting down Aleutian Lineage server", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Best effort: leave a fresh snapshot behind so the next boot skips
	// most of the replay.
	if !cfg.Storage.InMemory {
		if _, err := svc.Snapshot(ctx); err != nil {
			slog.Warn("Final snapshot failed", slog.String("error", err.Error()))
		}
	}
	return svc.Close()
}

// drainAlerts forwards policy alerts from the notifier to the log.
func drainAlerts(n *notify.ChannelNotifier) {
	for {
		select {
		case update := <-n.Updates():
			slog.Debug("Index updated",
				slog.Uint64("seq", update.Seq),
				slog.String("node_id", update.NodeID))
		case summary := <-n.Impacts():
			slog.Info("Impact analysis ready",
				slog.String("source", summary.Source),
				slog.Int("blast_radius", summary.BlastRadius))
		case alert := <-n.Alerts():
			slog.Warn("Lineage alert",
				slog.String("severity", string(alert.Severity)),
				slog.String("message", alert.Message),
				slog.String("node_id", alert.NodeID))
		}
	}
}

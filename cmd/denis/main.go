// Denis event bus server — runs the persona frontdoor, the durable event
// store, the WebSocket hub and the graph materializer behind one HTTP
// surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/api"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/cleanup"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/eventstore"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/graph"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/guardrails"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/materializer"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/persona"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/version"
)

const wsWriteTimeout = 10 * time.Second

func main() {
	envPath := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	cfg := config.Load()

	slog.Info("Starting Denis event bus",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"events_db", cfg.EventsDBPath,
		"graph_enabled", cfg.GraphEnabled)

	ctx := context.Background()

	// 1. Event store
	store, err := eventstore.Open(cfg.EventsDBPath, cfg.StoreTxTimeout)
	if err != nil {
		slog.Error("Failed to open event store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing event store", "error", err)
		}
	}()
	slog.Info("Event store ready", "path", store.Path())

	// 2. Hub and WebSocket connection manager
	hub := events.NewHub()
	connManager := events.NewConnectionManager(hub, store, wsWriteTimeout, cfg.SubscriberBuffer)

	// 3. Graph client (no-op when disabled)
	graphClient, err := graph.NewClient(cfg)
	if err != nil {
		slog.Error("Failed to create graph client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := graphClient.Close(ctx); err != nil {
			slog.Error("Error closing graph client", "error", err)
		}
	}()

	// 4. Mutation dedupe store + materializer
	var dedupe *materializer.DedupeStore
	if cfg.GraphEnabled {
		dedupe, err = materializer.OpenDedupe(cfg.GMLDBPath)
		if err != nil {
			// Mutations stay MERGE-idempotent without it.
			slog.Error("Failed to open dedupe store, continuing without it", "error", err)
		} else {
			defer func() {
				if err := dedupe.Close(); err != nil {
					slog.Error("Error closing dedupe store", "error", err)
				}
			}()
		}
	}
	mat := materializer.New(cfg, graphClient, dedupe)

	// 5. Persona frontdoor
	frontdoor := persona.New(cfg, guardrails.New(cfg), store, hub, mat)

	// 6. Retention sweep
	cleanupSvc := cleanup.NewService(cfg, store)
	cleanupSvc.Start(ctx)

	// 7. HTTP server (non-blocking)
	server := api.NewServer(cfg, store, hub, connManager, frontdoor, mat, graphClient.Status)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Denis started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped gracefully")
	}

	cleanupSvc.Stop()

	slog.Info("Denis shutdown complete")
}

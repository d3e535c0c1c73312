// Package cleanup provides data retention for the event store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
)

// Pruner deletes stored events older than a cutoff. Implemented by
// eventstore.Store.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically removes events past their TTL. The per-append
// retention cap already bounds each conversation's row count; this sweep
// bounds age across all conversations. Idempotent, safe to re-run.
type Service struct {
	ttl      time.Duration
	interval time.Duration
	pruner   Pruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service from the retention config.
func NewService(cfg config.Config, pruner Pruner) *Service {
	return &Service{
		ttl:      cfg.EventTTL,
		interval: cfg.CleanupInterval,
		pruner:   pruner,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.ttl,
		"interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	count, err := s.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed expired events", "count", count, "cutoff", cutoff)
	}
}

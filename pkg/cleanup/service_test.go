package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/eventstore"
)

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"), 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendAt(t *testing.T, store *eventstore.Store, ts time.Time) {
	t.Helper()
	_, err := store.Append(context.Background(), "conv1", &events.Event{
		TS:            ts.UTC().Format(time.RFC3339Nano),
		Emitter:       events.PersonaEmitter,
		Channel:       events.ChannelText,
		Stored:        true,
		Type:          events.TypeChatMessage,
		Severity:      events.SeverityInfo,
		SchemaVersion: events.SchemaVersion,
		Payload:       map[string]any{},
	}, 100)
	require.NoError(t, err)
}

func TestSweep_RemovesExpiredEvents(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	appendAt(t, store, time.Now().Add(-2*time.Hour))
	appendAt(t, store, time.Now().Add(-2*time.Hour))
	appendAt(t, store, time.Now())

	cfg := config.Defaults()
	cfg.EventTTL = time.Hour
	svc := NewService(cfg, store)
	svc.sweep(ctx)

	count, err := store.CountEvents(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSweep_KeepsFreshEvents(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	appendAt(t, store, time.Now())
	appendAt(t, store, time.Now())

	cfg := config.Defaults()
	cfg.EventTTL = time.Hour
	svc := NewService(cfg, store)
	svc.sweep(ctx)

	count, err := store.CountEvents(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

// failingPruner always errors; the sweep must swallow it.
type failingPruner struct {
	mu    sync.Mutex
	calls int
}

func (p *failingPruner) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 0, errors.New("disk error")
}

func (p *failingPruner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestStartStop(t *testing.T) {
	pruner := &failingPruner{}
	cfg := config.Defaults()
	cfg.EventTTL = time.Hour
	cfg.CleanupInterval = 10 * time.Millisecond

	svc := NewService(cfg, pruner)
	svc.Start(context.Background())

	require.Eventually(t, func() bool {
		return pruner.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	svc.Stop()
	after := pruner.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, pruner.callCount())
}

func TestStop_WithoutStartIsNoop(t *testing.T) {
	svc := NewService(config.Defaults(), &failingPruner{})
	svc.Stop()
}

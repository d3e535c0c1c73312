package eventstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(eventType string) *events.Event {
	return &events.Event{
		TS:            events.Now(),
		Emitter:       events.PersonaEmitter,
		CorrelationID: "corr-1",
		TurnID:        "turn-1",
		Channel:       events.InferChannel(eventType),
		Stored:        true,
		Type:          eventType,
		Severity:      events.SeverityInfo,
		SchemaVersion: events.SchemaVersion,
		Payload:       map[string]any{"ok": true},
	}
}

func TestAppend_AssignsDenseMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		stored, err := s.Append(ctx, "conv1", testEvent(events.TypeChatMessage), 2000)
		require.NoError(t, err)
		assert.Equal(t, i, stored.EventID)
		assert.Equal(t, "conv1", stored.ConversationID)
	}
}

func TestAppend_PerConversationSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Append(ctx, "conv-a", testEvent(events.TypeRunStep), 2000)
	require.NoError(t, err)
	b, err := s.Append(ctx, "conv-b", testEvent(events.TypeRunStep), 2000)
	require.NoError(t, err)
	a2, err := s.Append(ctx, "conv-a", testEvent(events.TypeRunStep), 2000)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.EventID)
	assert.Equal(t, int64(1), b.EventID)
	assert.Equal(t, int64(2), a2.EventID)
}

func TestAppend_DoesNotMutateInput(t *testing.T) {
	s := newTestStore(t)
	in := testEvent(events.TypeChatMessage)

	stored, err := s.Append(context.Background(), "conv1", in, 2000)
	require.NoError(t, err)

	assert.Zero(t, in.EventID)
	assert.Equal(t, int64(1), stored.EventID)
}

func TestAppend_EmptyConversationDefaults(t *testing.T) {
	s := newTestStore(t)

	stored, err := s.Append(context.Background(), "", testEvent(events.TypeChatMessage), 2000)
	require.NoError(t, err)
	assert.Equal(t, events.DefaultConversationID, stored.ConversationID)
}

func TestQueryAfter_ReturnsOrderedSuffix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "conv2", testEvent(events.TypeChatMessage), 2000)
		require.NoError(t, err)
	}

	got, err := s.QueryAfter(ctx, "conv2", 2)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, evt := range got {
		assert.Equal(t, int64(3+i), evt.EventID)
	}
}

func TestQueryAfter_EmptyResult(t *testing.T) {
	s := newTestStore(t)

	got, err := s.QueryAfter(context.Background(), "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryAfter_RoundTripsEnvelope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testEvent(events.TypeRAGSearchResult)
	in.Payload = map[string]any{"selected_count": float64(4), "sources": []any{"a.example"}}
	in.UIHint = events.DefaultUIHint()

	stored, err := s.Append(ctx, "conv3", in, 2000)
	require.NoError(t, err)

	got, err := s.QueryAfter(ctx, "conv3", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stored, got[0])
}

func TestAppend_RetentionPrunesPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "conv4", testEvent(events.TypeChatMessage), 3)
		require.NoError(t, err)
	}

	got, err := s.QueryAfter(ctx, "conv4", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(8), got[0].EventID)
	assert.Equal(t, int64(10), got[2].EventID)

	// Sequence continues past the pruned prefix — no id reuse.
	next, err := s.Append(ctx, "conv4", testEvent(events.TypeChatMessage), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(11), next.EventID)
}

func TestAppend_ConcurrentNoGapsNoDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "conv5", testEvent(events.TypeChatMessage), 2000)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.QueryAfter(ctx, "conv5", 0)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.EventID)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testEvent(events.TypeChatMessage)
	old.TS = time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	_, err := s.Append(ctx, "conv6", old, 2000)
	require.NoError(t, err)
	_, err = s.Append(ctx, "conv6", testEvent(events.TypeChatMessage), 2000)
	require.NoError(t, err)

	deleted, err := s.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := s.CountEvents(ctx, "conv6")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

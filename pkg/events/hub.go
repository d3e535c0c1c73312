package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscriber queue capacity when the
// caller does not specify one.
const DefaultSubscriberBuffer = 200

// Subscriber is one registered consumer of a conversation's live events.
// Its queue is bounded; the hub never blocks a publisher on a slow consumer.
//
// The channel holds one slot beyond maxBuffered, reserved for a synthetic
// backpressure error so a full queue can still tell the client it is
// losing events. Repeated overflows coalesce into that single slot.
type Subscriber struct {
	ID             string
	ConversationID string

	queue           chan *Event
	maxBuffered     int
	overflowPending atomic.Bool
	closeOnce       sync.Once
}

// Events returns the subscriber's delivery channel. Closed on Unregister.
func (s *Subscriber) Events() <-chan *Event {
	return s.queue
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.queue) })
}

// Hub fans live events out to subscribers per conversation. Publish is
// non-blocking: a full queue drops the event and enqueues a synthetic
// backpressure error in its place.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]*Subscriber // conversation_id → subscribers

	dropped atomic.Uint64 // backpressure drops, for telemetry
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]*Subscriber)}
}

// Register adds a subscriber for a conversation with a bounded queue.
func (h *Hub) Register(conversationID string, maxBuffered int) *Subscriber {
	if conversationID == "" {
		conversationID = DefaultConversationID
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultSubscriberBuffer
	}

	sub := &Subscriber{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		queue:          make(chan *Event, maxBuffered+1),
		maxBuffered:    maxBuffered,
	}

	h.mu.Lock()
	h.subs[conversationID] = append(h.subs[conversationID], sub)
	h.mu.Unlock()
	return sub
}

// Unregister removes a subscriber and closes its queue. Idempotent.
func (h *Hub) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	list := h.subs[sub.ConversationID]
	for i, candidate := range list {
		if candidate.ID == sub.ID {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.subs, sub.ConversationID)
	} else {
		h.subs[sub.ConversationID] = list
	}
	h.mu.Unlock()

	sub.close()
}

// Publish delivers an event to every subscriber of the conversation.
// Snapshot under the read lock, send outside it; sends are non-blocking.
func (h *Hub) Publish(conversationID string, evt *Event) {
	if conversationID == "" {
		conversationID = DefaultConversationID
	}

	h.mu.RLock()
	snapshot := make([]*Subscriber, len(h.subs[conversationID]))
	copy(snapshot, h.subs[conversationID])
	h.mu.RUnlock()

	for _, sub := range snapshot {
		h.enqueue(sub, evt)
	}
}

// Enqueue offers an event to a single subscriber with the same overflow
// policy as Publish. Used by the connection manager during replay so that
// catchup and live delivery share one queue.
func (h *Hub) Enqueue(sub *Subscriber, evt *Event) {
	h.enqueue(sub, evt)
}

func (h *Hub) enqueue(sub *Subscriber, evt *Event) {
	if len(sub.queue) < sub.maxBuffered {
		select {
		case sub.queue <- evt:
			sub.overflowPending.Store(false)
			return
		default:
		}
	}

	h.dropped.Add(1)
	slog.Warn("Subscriber queue full, dropping event",
		"subscriber_id", sub.ID,
		"conversation_id", sub.ConversationID,
		"type", evt.Type)

	// One pending backpressure notice at a time; the reserved slot keeps it
	// deliverable even when the normal buffer is full.
	if sub.overflowPending.CompareAndSwap(false, true) {
		select {
		case sub.queue <- backpressureEvent(sub.ConversationID, evt):
		default:
			sub.overflowPending.Store(false)
		}
	}
}

// backpressureEvent builds the synthetic replacement for a dropped event.
// Never persisted; carries no event_id of its own.
func backpressureEvent(conversationID string, dropped *Event) *Event {
	return &Event{
		EventID:        0,
		TS:             Now(),
		ConversationID: conversationID,
		Emitter:        PersonaEmitter,
		CorrelationID:  dropped.CorrelationID,
		TurnID:         dropped.TurnID,
		Channel:        ChannelOps,
		Stored:         false,
		Type:           TypeError,
		Severity:       SeverityError,
		SchemaVersion:  SchemaVersion,
		UIHint:         DefaultUIHint(),
		Payload: map[string]any{
			"code":             CodeBackpressureDrop,
			"dropped_type":     dropped.Type,
			"dropped_event_id": dropped.EventID,
		},
	}
}

// SubscriberCount returns the number of subscribers for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// ActiveSubscribers returns the total subscriber count across conversations.
func (h *Hub) ActiveSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, list := range h.subs {
		total += len(list)
	}
	return total
}

// DroppedEvents returns the cumulative backpressure drop count.
func (h *Hub) DroppedEvents() uint64 {
	return h.dropped.Load()
}

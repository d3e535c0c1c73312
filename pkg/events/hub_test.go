package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveEvent(eventType string, eventID int64) *Event {
	return &Event{
		EventID:        eventID,
		TS:             Now(),
		ConversationID: "conv1",
		Emitter:        PersonaEmitter,
		Channel:        InferChannel(eventType),
		Stored:         eventID > 0,
		Type:           eventType,
		Severity:       SeverityInfo,
		SchemaVersion:  SchemaVersion,
		Payload:        map[string]any{},
	}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	h := NewHub()
	sub := h.Register("conv1", 10)
	defer h.Unregister(sub)

	for i := int64(1); i <= 3; i++ {
		h.Publish("conv1", liveEvent(TypeChatMessage, i))
	}

	for i := int64(1); i <= 3; i++ {
		evt := <-sub.Events()
		assert.Equal(t, i, evt.EventID)
	}
}

func TestPublish_OnlyMatchingConversation(t *testing.T) {
	h := NewHub()
	a := h.Register("conv-a", 10)
	b := h.Register("conv-b", 10)
	defer h.Unregister(a)
	defer h.Unregister(b)

	h.Publish("conv-a", liveEvent(TypeChatMessage, 1))

	require.Len(t, a.Events(), 1)
	assert.Empty(t, b.Events())
}

func TestPublish_BackpressureDrop(t *testing.T) {
	h := NewHub()
	sub := h.Register("conv1", 1)
	defer h.Unregister(sub)

	h.Publish("conv1", liveEvent(TypeChatMessage, 1))
	h.Publish("conv1", liveEvent(TypeRunStep, 2))
	h.Publish("conv1", liveEvent(TypeRunStep, 3))

	first := <-sub.Events()
	assert.Equal(t, int64(1), first.EventID)
	assert.Equal(t, TypeChatMessage, first.Type)

	second := <-sub.Events()
	assert.Equal(t, TypeError, second.Type)
	assert.Equal(t, SeverityError, second.Severity)
	assert.Equal(t, CodeBackpressureDrop, second.Payload["code"])
	assert.Equal(t, TypeRunStep, second.Payload["dropped_type"])
	assert.False(t, second.Stored)
	assert.Zero(t, second.EventID)

	assert.GreaterOrEqual(t, h.DroppedEvents(), uint64(2))
}

func TestPublish_BackpressureRecoversAfterDrain(t *testing.T) {
	h := NewHub()
	sub := h.Register("conv1", 1)
	defer h.Unregister(sub)

	h.Publish("conv1", liveEvent(TypeChatMessage, 1))
	h.Publish("conv1", liveEvent(TypeRunStep, 2))
	<-sub.Events() // e1
	<-sub.Events() // synthetic error

	h.Publish("conv1", liveEvent(TypeChatMessage, 3))
	h.Publish("conv1", liveEvent(TypeRunStep, 4))

	third := <-sub.Events()
	assert.Equal(t, int64(3), third.EventID)
	fourth := <-sub.Events()
	assert.Equal(t, TypeError, fourth.Type)
	assert.Equal(t, CodeBackpressureDrop, fourth.Payload["code"])
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	h := NewHub()
	h.Publish("nobody", liveEvent(TypeChatMessage, 1))
	assert.Zero(t, h.ActiveSubscribers())
}

func TestUnregister_ClosesQueueAndIsIdempotent(t *testing.T) {
	h := NewHub()
	sub := h.Register("conv1", 4)

	h.Unregister(sub)
	h.Unregister(sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Zero(t, h.SubscriberCount("conv1"))

	// Publishing after unregister must not panic or deliver.
	h.Publish("conv1", liveEvent(TypeChatMessage, 1))
}

func TestRegister_DefaultsApplied(t *testing.T) {
	h := NewHub()
	sub := h.Register("", 0)
	defer h.Unregister(sub)

	assert.Equal(t, DefaultConversationID, sub.ConversationID)
	assert.Equal(t, DefaultSubscriberBuffer, sub.maxBuffered)
	assert.NotEmpty(t, sub.ID)
}

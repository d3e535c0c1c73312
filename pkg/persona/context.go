// Package persona implements the frontdoor — the single legitimate emitter
// of events onto the bus. It stamps envelopes, runs guardrails, appends to
// the store, publishes to the hub and hands the event to the materializer.
package persona

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	emitterKey ctxKey = iota
	turnKey
)

// Turn carries the scoped per-turn identifiers the frontdoor uses to fill
// envelope fields that the emit call leaves unset.
type Turn struct {
	ConversationID string
	CorrelationID  string
	TurnID         string
	TraceID        string
}

// WithEmitter marks a context as being inside the persona emitter scope.
// Only code holding such a context may emit when enforcement is on.
func WithEmitter(ctx context.Context) context.Context {
	return context.WithValue(ctx, emitterKey, true)
}

// IsEmitter reports whether ctx is inside the persona emitter scope.
func IsEmitter(ctx context.Context) bool {
	v, _ := ctx.Value(emitterKey).(bool)
	return v
}

// WithTurn attaches a turn context.
func WithTurn(ctx context.Context, turn Turn) context.Context {
	return context.WithValue(ctx, turnKey, turn)
}

// TurnFromContext returns the turn context, if any.
func TurnFromContext(ctx context.Context) (Turn, bool) {
	turn, ok := ctx.Value(turnKey).(Turn)
	return turn, ok
}

// NewTurn builds a fresh turn context for a conversation. correlation_id
// prefers the trace id so traces and correlations line up when both exist.
func NewTurn(conversationID, traceID string) Turn {
	correlationID := traceID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return Turn{
		ConversationID: conversationID,
		CorrelationID:  correlationID,
		TurnID:         uuid.New().String(),
		TraceID:        traceID,
	}
}

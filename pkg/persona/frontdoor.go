package persona

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/guardrails"
)

// ErrFrontdoorBypass is returned (bypass mode "raise") when the emit API is
// called outside the persona emitter scope while enforcement is on.
var ErrFrontdoorBypass = errors.New("emit called outside persona emitter context")

// Store is the durable event log the frontdoor appends to. Implemented by
// eventstore.Store.
type Store interface {
	Append(ctx context.Context, conversationID string, evt *events.Event, retention int) (*events.Event, error)
}

// Materializer projects stored events into the graph. Implemented by
// materializer.Materializer. Must never panic out of Materialize; the
// frontdoor guards anyway.
type Materializer interface {
	Materialize(ctx context.Context, evt *events.Event)
}

// EmitRequest describes one event to put on the bus. Zero values get
// derived: conversation defaults, channel is inferred from Type, severity
// defaults to info, Stored defaults to true.
type EmitRequest struct {
	ConversationID string
	TraceID        string
	TurnID         string
	Type           string
	Severity       string
	Channel        string
	UIHint         map[string]any
	Payload        map[string]any
	Ephemeral      bool // true → hub only, no store append
}

// Frontdoor is the sole legitimate event emitter. Re-entrant and
// thread-safe; all outbound I/O is wrapped so failures degrade instead of
// propagating.
type Frontdoor struct {
	enforce   bool
	bypass    config.BypassMode
	retention int

	sanitizer *guardrails.Sanitizer
	store     Store
	hub       *events.Hub
	mat       Materializer

	counters Counters
}

// New creates a Frontdoor. store and mat may be nil (publish-only mode, no
// materialization) — both degrade gracefully.
func New(cfg config.Config, sanitizer *guardrails.Sanitizer, store Store, hub *events.Hub, mat Materializer) *Frontdoor {
	return &Frontdoor{
		enforce:   cfg.FrontdoorEnforce,
		bypass:    cfg.FrontdoorBypass,
		retention: cfg.EventRetention,
		sanitizer: sanitizer,
		store:     store,
		hub:       hub,
		mat:       mat,
	}
}

// Counters returns a snapshot of the frontdoor counters.
func (f *Frontdoor) Counters() CountersSnapshot {
	return f.counters.Snapshot()
}

// Emit runs the full emit pipeline: enforcement, envelope stamping,
// guardrails, store append, hub publish, materialization. It returns the
// final envelope (with event_id when stored). The only error it can return
// is ErrFrontdoorBypass, and only in bypass mode "raise".
func (f *Frontdoor) Emit(ctx context.Context, req EmitRequest) (*events.Event, error) {
	if f.enforce && !IsEmitter(ctx) {
		if f.bypass == config.BypassRaise {
			return nil, ErrFrontdoorBypass
		}
		f.counters.frontdoorDrops.Add(1)
		slog.Warn("Dropped emit from outside persona frontdoor",
			"type", req.Type, "conversation_id", req.ConversationID)
		return f.syntheticDrop(req), nil
	}

	evt := f.stamp(ctx, req)

	safe, res := f.sanitizer.SanitizePayload(req.Payload)
	evt.Payload = safe
	if res.Violations > 0 {
		f.counters.guardrailViolations.Add(uint64(res.Violations))
	}

	if evt.Stored {
		if f.store == nil {
			evt.Stored = false
		} else if stored, err := f.store.Append(ctx, evt.ConversationID, evt, f.retention); err != nil {
			// Degrade to publish-only; the event stays ephemeral.
			f.counters.storeFailures.Add(1)
			slog.Error("Event store append failed, degrading to publish-only",
				"type", evt.Type, "conversation_id", evt.ConversationID, "error", err)
			evt.Stored = false
		} else {
			f.counters.stored.Add(1)
			evt = stored
		}
	}

	f.publish(evt)
	if res.Violations > 0 {
		f.emitGuardrailMetric(evt, res)
	}
	f.materialize(ctx, evt)

	f.counters.emitted.Add(1)
	return evt, nil
}

// stamp composes the envelope from the request, the turn context and the
// inference rules. turn_id precedence: explicit on call → turn context →
// trace id → fresh id.
func (f *Frontdoor) stamp(ctx context.Context, req EmitRequest) *events.Event {
	conversationID := req.ConversationID
	traceID := req.TraceID
	correlationID := ""
	turnID := req.TurnID

	if turn, ok := TurnFromContext(ctx); ok {
		if conversationID == "" {
			conversationID = turn.ConversationID
		}
		if traceID == "" {
			traceID = turn.TraceID
		}
		correlationID = turn.CorrelationID
		if turnID == "" {
			turnID = turn.TurnID
		}
	}
	if conversationID == "" {
		conversationID = events.DefaultConversationID
	}
	if correlationID == "" {
		if traceID != "" {
			correlationID = traceID
		} else {
			correlationID = uuid.New().String()
		}
	}
	if turnID == "" {
		if traceID != "" {
			turnID = traceID
		} else {
			turnID = uuid.New().String()
		}
	}

	channel := req.Channel
	if channel == "" {
		channel = events.InferChannel(req.Type)
	}
	severity := req.Severity
	if severity == "" {
		severity = events.SeverityInfo
	}
	uiHint := req.UIHint
	if uiHint == nil {
		uiHint = events.DefaultUIHint()
	}

	return &events.Event{
		TS:             events.Now(),
		ConversationID: conversationID,
		Emitter:        events.PersonaEmitter,
		CorrelationID:  correlationID,
		TurnID:         turnID,
		TraceID:        traceID,
		Channel:        channel,
		Stored:         !req.Ephemeral,
		Type:           req.Type,
		Severity:       severity,
		SchemaVersion:  events.SchemaVersion,
		UIHint:         uiHint,
	}
}

// emitGuardrailMetric publishes an ephemeral ops.metric summarizing the
// violations. Built directly (not via Emit) so a violating metric payload
// cannot recurse.
func (f *Frontdoor) emitGuardrailMetric(source *events.Event, res guardrails.Result) {
	metric := &events.Event{
		TS:             events.Now(),
		ConversationID: source.ConversationID,
		Emitter:        events.PersonaEmitter,
		CorrelationID:  source.CorrelationID,
		TurnID:         source.TurnID,
		TraceID:        source.TraceID,
		Channel:        events.ChannelOps,
		Stored:         false,
		Type:           events.TypeOpsMetric,
		Severity:       events.SeverityWarning,
		SchemaVersion:  events.SchemaVersion,
		UIHint:         events.DefaultUIHint(),
		Payload: map[string]any{
			"metric":     "guardrails_violations",
			"violations": res.Violations,
			"event_type": source.Type,
		},
	}
	f.publish(metric)
}

// syntheticDrop is the envelope returned when enforcement drops an emit.
// Ephemeral; never stored, never published.
func (f *Frontdoor) syntheticDrop(req EmitRequest) *events.Event {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = events.DefaultConversationID
	}
	return &events.Event{
		TS:             events.Now(),
		ConversationID: conversationID,
		Emitter:        events.PersonaEmitter,
		Channel:        events.ChannelOps,
		Stored:         false,
		Type:           events.TypeError,
		Severity:       events.SeverityError,
		SchemaVersion:  events.SchemaVersion,
		UIHint:         events.DefaultUIHint(),
		Payload: map[string]any{
			"code":         events.CodeFrontdoorDrop,
			"dropped_type": req.Type,
		},
	}
}

func (f *Frontdoor) publish(evt *events.Event) {
	if f.hub == nil {
		return
	}
	f.hub.Publish(evt.ConversationID, evt)
	f.counters.published.Add(1)
}

// materialize hands the event to the graph materializer, best-effort. A
// panicking materializer must never take the emit path down with it.
func (f *Frontdoor) materialize(ctx context.Context, evt *events.Event) {
	if f.mat == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.counters.materializeFailures.Add(1)
			slog.Error("Materializer panicked", "type", evt.Type, "panic", r)
		}
	}()
	f.mat.Materialize(ctx, evt)
}

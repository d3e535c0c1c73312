// Package materializer projects events into the operational graph. Every
// mutation is identified by sha256(event_id:kind:stable_key), recorded in a
// LevelDB dedupe store, and executed as a MERGE so replays converge on the
// same graph state. The top-level Materialize call never fails the emitter.
package materializer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/graph"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/guardrails"
)

// busComponentID is the component whose freshness every event refreshes.
const busComponentID = "ws_event_bus"

type handlerFunc func(ctx context.Context, m *Materializer, evt *events.Event) error

// Materializer applies the per-event dispatch table to the graph.
type Materializer struct {
	writer     graph.Writer
	dedupe     *DedupeStore
	sanitizer  *guardrails.Sanitizer
	neuro      *Neuro
	handlers   map[string]handlerFunc
	flagValues map[string]bool

	processed atomic.Uint64
	skipped   atomic.Uint64
	failures  atomic.Uint64
	lastLagMS atomic.Int64
	lastEvent atomic.Int64 // unix millis of the last processed event
}

// StatusSnapshot summarizes materializer activity for /telemetry.
type StatusSnapshot struct {
	Processed   uint64 `json:"processed"`
	Skipped     uint64 `json:"skipped"`
	Failures    uint64 `json:"failures"`
	LagMS       int64  `json:"lag_ms"`
	LastEventTS string `json:"last_event_ts,omitempty"`
}

// New creates a Materializer writing through writer and deduping through
// dedupe. dedupe may be nil: mutations then rely on MERGE idempotency alone.
func New(cfg config.Config, writer graph.Writer, dedupe *DedupeStore) *Materializer {
	m := &Materializer{
		writer:    writer,
		dedupe:    dedupe,
		sanitizer: guardrails.New(cfg),
		// Seeded flag values. Flags without a config knob default on; the
		// gated subsystems are external collaborators either way.
		flagValues: map[string]bool{
			"VECTORSTORE_ENABLED":  true,
			"RAG_ENABLED":          true,
			"SCRAPING_ENABLED":     true,
			"GUARDRAILS_ENABLED":   cfg.GuardrailsEnabled,
			"CONTROL_ROOM_ENABLED": true,
			"VOICE_ENABLED":        cfg.VoiceEnabled,
		},
	}
	m.neuro = newNeuro(m, cfg.VoiceEnabled)
	m.handlers = dispatchTable()
	return m
}

// Neuro exposes the 12-layer self-model engine.
func (m *Materializer) Neuro() *Neuro {
	return m.neuro
}

// Status returns the current activity counters.
func (m *Materializer) Status() StatusSnapshot {
	snap := StatusSnapshot{
		Processed: m.processed.Load(),
		Skipped:   m.skipped.Load(),
		Failures:  m.failures.Load(),
		LagMS:     m.lastLagMS.Load(),
	}
	if ms := m.lastEvent.Load(); ms > 0 {
		snap.LastEventTS = time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
	}
	return snap
}

// Materialize projects one event into the graph. It never panics and never
// reports an error to the caller; failures are logged and counted.
func (m *Materializer) Materialize(ctx context.Context, evt *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.failures.Add(1)
			slog.Error("Materializer recovered from panic", "type", evt.Type, "panic", r)
		}
	}()

	m.trackLag(evt)
	m.seed(ctx, evt)

	handler, known := m.handlers[evt.Type]
	if !known {
		// Unknown types only refresh bus freshness; still legal on the bus.
		m.refreshBusComponent(ctx, evt)
		return
	}
	if err := handler(ctx, m, evt); err != nil {
		m.failures.Add(1)
		slog.Error("Graph materialization failed",
			"type", evt.Type, "event_id", evt.EventID, "error", err)
		return
	}
	m.refreshBusComponent(ctx, evt)
	m.processed.Add(1)
}

// mergeNode is the dedupe-guarded node upsert. Props pass through the graph
// guardrail sanitizer before hitting the wire. Ephemeral events (event_id=0)
// share that id, so they skip dedupe and rely on MERGE alone.
func (m *Materializer) mergeNode(ctx context.Context, evt *events.Event, label, id string, props map[string]any) error {
	mutationID := ""
	if evt.EventID > 0 {
		mutationID = MutationID(evt.EventID, "node:"+label, id)
		if m.alreadyApplied(mutationID) {
			return nil
		}
	}
	safe, _ := m.sanitizer.SanitizeGraphProps(props)
	if err := m.writer.MergeNode(ctx, label, id, safe); err != nil {
		return err
	}
	if mutationID != "" {
		m.recordApplied(mutationID)
	}
	return nil
}

// mergeEdge is the dedupe-guarded relationship upsert.
func (m *Materializer) mergeEdge(ctx context.Context, evt *events.Event, fromLabel, fromID, relType, toLabel, toID string, props map[string]any) error {
	mutationID := ""
	if evt.EventID > 0 {
		mutationID = MutationID(evt.EventID, "edge:"+relType, fromID+">"+toID)
		if m.alreadyApplied(mutationID) {
			return nil
		}
	}
	safe, _ := m.sanitizer.SanitizeGraphProps(props)
	if err := m.writer.MergeEdge(ctx, fromLabel, fromID, relType, toLabel, toID, safe); err != nil {
		return err
	}
	if mutationID != "" {
		m.recordApplied(mutationID)
	}
	return nil
}

func (m *Materializer) alreadyApplied(mutationID string) bool {
	if m.dedupe == nil {
		return false
	}
	seen, err := m.dedupe.Seen(mutationID)
	if err != nil {
		// Unreachable dedupe store: fall through to the MERGE, which is safe.
		slog.Warn("Dedupe lookup failed", "error", err)
		return false
	}
	if seen {
		m.skipped.Add(1)
	}
	return seen
}

func (m *Materializer) recordApplied(mutationID string) {
	if m.dedupe == nil {
		return
	}
	if err := m.dedupe.Record(mutationID); err != nil {
		slog.Warn("Dedupe record failed", "error", err)
	}
}

// refreshBusComponent touches Component(ws_event_bus).freshness_ts so the
// graph reflects bus liveness for every event, known type or not.
func (m *Materializer) refreshBusComponent(ctx context.Context, evt *events.Event) {
	props := map[string]any{"name": busComponentID, "freshness_ts": evt.TS}
	if err := m.mergeNode(ctx, evt, "Component", componentID(busComponentID), props); err != nil {
		slog.Warn("Bus component refresh failed", "error", err)
	}
}

func (m *Materializer) trackLag(evt *events.Event) {
	m.lastEvent.Store(time.Now().UnixMilli())
	if ts, err := time.Parse(time.RFC3339Nano, evt.TS); err == nil {
		m.lastLagMS.Store(time.Since(ts).Milliseconds())
	}
}

// seededComponents and seededFlags are the fixed operational inventory
// MERGEd once, before the first real mutation.
var seededComponents = []string{
	"vectorstore_qdrant",
	"pro_search",
	"rag_context_builder",
	"ws_event_bus",
	"chunker",
	"redaction_gate",
	"control_room",
}

var seededFlags = map[string][]string{
	"VECTORSTORE_ENABLED":  {"vectorstore_qdrant"},
	"RAG_ENABLED":          {"pro_search", "rag_context_builder"},
	"SCRAPING_ENABLED":     {"chunker"},
	"GUARDRAILS_ENABLED":   {"redaction_gate"},
	"CONTROL_ROOM_ENABLED": {"control_room"},
	"VOICE_ENABLED":        {},
}

// componentDeps are the dependency edges between seeded components.
var componentDeps = map[string][]string{
	"pro_search":          {"vectorstore_qdrant"},
	"rag_context_builder": {"pro_search", "chunker"},
	"ws_event_bus":        {"redaction_gate"},
}

// seed MERGEs the fixed Components and FeatureFlags plus their edges. The
// whole pass is guarded by a single dedupe key so it runs once per store.
func (m *Materializer) seed(ctx context.Context, evt *events.Event) {
	seedID := MutationID(0, "seed", "components_v1")
	if m.alreadyApplied(seedID) {
		return
	}

	for _, name := range seededComponents {
		props := map[string]any{"name": name, "status": "unknown"}
		if err := m.writer.MergeNode(ctx, "Component", componentID(name), props); err != nil {
			slog.Warn("Component seeding failed", "component", name, "error", err)
			return
		}
	}
	for from, deps := range componentDeps {
		for _, to := range deps {
			if err := m.writer.MergeEdge(ctx, "Component", componentID(from), "DEPENDS_ON", "Component", componentID(to), nil); err != nil {
				slog.Warn("Component edge seeding failed", "from", from, "to", to, "error", err)
				return
			}
		}
	}
	for flag, gated := range seededFlags {
		props := map[string]any{
			"name":       flag,
			"value":      m.flagValues[flag],
			"updated_ts": evt.TS,
		}
		if err := m.writer.MergeNode(ctx, "FeatureFlag", flagID(flag), props); err != nil {
			slog.Warn("Flag seeding failed", "flag", flag, "error", err)
			return
		}
		for _, name := range gated {
			if err := m.writer.MergeEdge(ctx, "Component", componentID(name), "GATED_BY", "FeatureFlag", flagID(flag), nil); err != nil {
				slog.Warn("Flag edge seeding failed", "flag", flag, "component", name, "error", err)
				return
			}
		}
	}

	m.recordApplied(seedID)
}

func componentID(name string) string { return "component:" + name }
func flagID(name string) string      { return "flag:" + name }

// Package events defines the event_v1 envelope, the closed event type
// registry, the in-memory fan-out hub and the WebSocket connection manager.
//
// ════════════════════════════════════════════════════════════════
// Event delivery model
// ════════════════════════════════════════════════════════════════
//
// Every event flows through the persona frontdoor exactly once:
//
//	emit → guardrails → store append (stored=true) → hub publish → materialize
//
// Stored events get a per-conversation monotonic event_id from the store and
// can be replayed via query_after. Ephemeral events (stored=false) keep
// event_id=0 and exist only on the hub: a reconnecting client will never see
// them again.
//
// WebSocket clients receive, in order:
//
//	{"type":"hello", ...}            on connect
//	replayed stored events           after {"type":"subscribe", last_event_id}
//	live events                      as published
//	{"type":"ping","ts":...}        after ~20s of silence
//
// Ordering authority is event_id within one conversation. Across
// conversations and across subscribers there is no ordering guarantee.
// ════════════════════════════════════════════════════════════════
package events

import (
	"strings"
	"time"
)

// SchemaVersion is the event_v1 envelope schema version.
const SchemaVersion = "1.0"

// PersonaEmitter is the only legitimate emitter identity. The frontdoor
// stamps it on every envelope; the store never sees anything else.
const PersonaEmitter = "denis_persona"

// DefaultConversationID is used when a caller does not name a conversation.
const DefaultConversationID = "default"

// Severity levels.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Channels — coarse routing tags used by UIs and filters.
const (
	ChannelText        = "text"
	ChannelVoice       = "voice"
	ChannelControlRoom = "control_room"
	ChannelRAG         = "rag"
	ChannelTool        = "tool"
	ChannelScrape      = "scrape"
	ChannelOps         = "ops"
	ChannelCompiler    = "compiler"
	ChannelNeuro       = "neuro"
)

// Event type registry — the closed set the materializer dispatches on.
// Unknown types are legal on the bus but only refresh component freshness.
const (
	TypeChatMessage = "chat.message"
	TypeRunStep     = "run.step"
	TypeError       = "error"
	TypeIndexing    = "indexing.upsert"
	TypeOpsMetric   = "ops.metric"

	TypeDecisionTraceSummary = "agent.decision_trace_summary"
	TypeReasoningSummary     = "agent.reasoning.summary"

	TypeRAGSearchStart     = "rag.search.start"
	TypeRAGSearchResult    = "rag.search.result"
	TypeRAGContextCompiled = "rag.context.compiled"

	TypeScrapingPage = "scraping.page"
	TypeScrapingDone = "scraping.done"

	TypeCompilerStart          = "compiler.start"
	TypeCompilerResult         = "compiler.result"
	TypeCompilerError          = "compiler.error"
	TypeCompilerFallbackStart  = "compiler.fallback_start"
	TypeCompilerFallbackResult = "compiler.fallback_result"

	TypeRetrievalStart  = "retrieval.start"
	TypeRetrievalResult = "retrieval.result"

	TypeVoiceSessionStarted = "voice.session.started"
	TypeVoiceASRPartial     = "voice.asr.partial"
	TypeVoiceASRFinal       = "voice.asr.final"
	TypeVoiceTTSRequested   = "voice.tts.requested"
	TypeVoiceTTSAudioReady  = "voice.tts.audio.ready"
	TypeVoiceTTSDone        = "voice.tts.done"
	TypeVoiceError          = "voice.error"

	TypeTaskCreated       = "control_room.task.created"
	TypeTaskUpdated       = "control_room.task.updated"
	TypeRunSpawned        = "control_room.run.spawned"
	TypeApprovalRequested = "control_room.approval.requested"
	TypeApprovalResolved  = "control_room.approval.resolved"
	TypeActionUpdated     = "control_room.action.updated"

	TypeNeuroWakeStart             = "neuro.wake.start"
	TypeNeuroLayerSnapshot         = "neuro.layer.snapshot"
	TypeNeuroConsciousnessSnapshot = "neuro.consciousness.snapshot"
	TypeNeuroTurnUpdate            = "neuro.turn.update"
	TypeNeuroConsciousnessUpdate   = "neuro.consciousness.update"
	TypePersonaStateUpdate         = "persona.state.update"
)

// Synthetic error payload codes (see pkg/persona and the hub).
const (
	CodeBackpressureDrop = "backpressure_drop"
	CodeFrontdoorDrop    = "persona_frontdoor_drop"
)

// Event is the event_v1 envelope. The store assigns EventID on append;
// ephemeral events keep EventID=0.
type Event struct {
	EventID        int64          `json:"event_id"`
	TS             string         `json:"ts"` // RFC3339 UTC, assigned by emitter
	ConversationID string         `json:"conversation_id"`
	Emitter        string         `json:"emitter"`
	CorrelationID  string         `json:"correlation_id"`
	TurnID         string         `json:"turn_id"`
	TraceID        string         `json:"trace_id,omitempty"`
	Channel        string         `json:"channel"`
	Stored         bool           `json:"stored"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	SchemaVersion  string         `json:"schema_version"`
	UIHint         map[string]any `json:"ui_hint,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// Now returns the envelope timestamp for the current instant.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// DefaultUIHint is the render hint stamped on envelopes that carry none.
func DefaultUIHint() map[string]any {
	return map[string]any{"render": "event", "icon": "dot", "collapsible": true}
}

// InferChannel derives the routing channel from an event type. Explicit
// channels win; this is only consulted when the emit call leaves the
// channel unset.
func InferChannel(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "compiler.") || strings.HasPrefix(eventType, "retrieval."):
		return ChannelCompiler
	case strings.HasPrefix(eventType, "voice."):
		return ChannelVoice
	case strings.HasPrefix(eventType, "control_room."):
		return ChannelControlRoom
	case strings.HasPrefix(eventType, "rag."):
		return ChannelRAG
	case strings.HasPrefix(eventType, "tool."):
		return ChannelTool
	case strings.HasPrefix(eventType, "scrape.") || strings.HasPrefix(eventType, "scraping."):
		return ChannelScrape
	case strings.HasPrefix(eventType, "neuro.") || strings.HasPrefix(eventType, "persona."):
		return ChannelNeuro
	case eventType == TypeChatMessage || strings.HasPrefix(eventType, "plan."):
		return ChannelText
	default:
		// agent.*, ops.*, error, graph.mutation, indexing.upsert, run.step
		return ChannelOps
	}
}

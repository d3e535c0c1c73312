package persona

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
)

// TurnResult summarizes one completed chat turn.
type TurnResult struct {
	Turn      Turn
	Assistant string
	Events    []*events.Event
}

// RunChatTurn runs one full persona turn for a user message: it emits the
// conversational sequence chat.message(user), run.step, rag.search.start,
// rag.search.result, rag.context.compiled, agent.reasoning.summary,
// agent.decision_trace_summary, chat.message(assistant). Payloads carry
// hashes and counts, never raw text or prompts.
func (f *Frontdoor) RunChatTurn(ctx context.Context, conversationID, traceID, userText string) (*TurnResult, error) {
	turn := NewTurn(conversationID, traceID)
	ctx = WithTurn(WithEmitter(ctx), turn)

	assistant := synthesizeReply(userText)
	result := &TurnResult{Turn: turn, Assistant: assistant}

	emit := func(req EmitRequest) error {
		evt, err := f.Emit(ctx, req)
		if err != nil {
			return err
		}
		result.Events = append(result.Events, evt)
		return nil
	}

	steps := []EmitRequest{
		{
			Type: events.TypeChatMessage,
			Payload: map[string]any{
				"role":        "user",
				"text_sha256": sha256Hex(userText),
				"text_len":    len(userText),
			},
		},
		{
			Type: events.TypeRunStep,
			Payload: map[string]any{
				"run_id": "run:" + turn.TurnID,
				"name":   "persona_turn",
				"tool":   "persona",
				"order":  1,
				"status": "RUNNING",
			},
		},
		{
			Type: events.TypeRAGSearchStart,
			Payload: map[string]any{
				"query_sha256": sha256Hex(userText),
				"query_len":    len(userText),
			},
		},
		{
			Type: events.TypeRAGSearchResult,
			Payload: map[string]any{
				"selected_count": 0,
				"entries":        []any{},
			},
		},
		{
			Type: events.TypeRAGContextCompiled,
			Payload: map[string]any{
				"counts": map[string]any{"chunks": 0, "sources": 0},
			},
		},
		{
			Type: events.TypeReasoningSummary,
			Payload: map[string]any{
				"goal_sha256":     sha256Hex(userText),
				"goal_len":        len(userText),
				"tools_used":      0,
				"constraints_hit": 0,
				"retrieval_count": 0,
			},
		},
		{
			Type: events.TypeDecisionTraceSummary,
			Payload: map[string]any{
				"decision_sha256": sha256Hex(assistant),
				"steps":           1,
			},
		},
		{
			Type: events.TypeChatMessage,
			Payload: map[string]any{
				"role":        "assistant",
				"text_sha256": sha256Hex(assistant),
				"text_len":    len(assistant),
			},
		},
	}

	for _, req := range steps {
		if err := emit(req); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// StartVoiceSession emits voice.session.started for a conversation and
// returns the session envelope.
func (f *Frontdoor) StartVoiceSession(ctx context.Context, conversationID, traceID string) (*events.Event, error) {
	turn := NewTurn(conversationID, traceID)
	ctx = WithTurn(WithEmitter(ctx), turn)

	return f.Emit(ctx, EmitRequest{
		Type: events.TypeVoiceSessionStarted,
		Payload: map[string]any{
			"session_id": "voice:" + turn.TurnID,
			"status":     "active",
		},
	})
}

// synthesizeReply produces the local assistant completion. LLM providers
// are external collaborators; the platform only needs a deterministic
// stand-in that exercises the event pipeline end to end.
func synthesizeReply(userText string) string {
	trimmed := strings.TrimSpace(userText)
	if trimmed == "" {
		return "I'm listening."
	}
	return fmt.Sprintf("Acknowledged (%d chars).", len(trimmed))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/materializer"
	"github.com/iNandix/denis-unified-v1-sub002/pkg/persona"
)

// neuroStateHandler handles GET /neuro/state: the 12-layer snapshot plus
// the derived consciousness state.
func (s *Server) neuroStateHandler(c *echo.Context) error {
	if s.mat == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "disabled",
			"warning": "materializer not configured",
		})
	}

	layers, state := s.mat.Neuro().State()
	if len(layers) == 0 {
		return c.JSON(http.StatusOK, map[string]any{
			"status": "asleep",
			"layers": []materializer.Layer{},
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "awake",
		"layers":        layers,
		"consciousness": state,
	})
}

// neuroWakeHandler handles POST /neuro/wake: runs the wake sequence, emits
// one neuro.layer.snapshot per layer plus the consciousness snapshot and
// the persona state update, and returns the derived state.
func (s *Server) neuroWakeHandler(c *echo.Context) error {
	if s.mat == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"degraded": true,
			"warning":  "materializer not configured",
		})
	}

	ctx := c.Request().Context()
	result := s.mat.Neuro().Wake(ctx)

	turn := persona.NewTurn(events.DefaultConversationID, c.Request().Header.Get("X-Trace-Id"))
	emitCtx := persona.WithTurn(persona.WithEmitter(ctx), turn)

	emitted := 0
	warning := s.emitWakeEvents(emitCtx, result, &emitted)

	resp := map[string]any{
		"consciousness": result.State,
		"layers":        len(result.Layers),
		"events":        emitted,
	}
	if warning != "" {
		resp["degraded"] = true
		resp["warning"] = warning
	}
	return c.JSON(http.StatusOK, resp)
}

// emitWakeEvents publishes the wake sequence through the frontdoor:
// neuro.wake.start, 12 layer snapshots, the consciousness snapshot, and
// persona.state.update. Returns a warning string on the first failure.
func (s *Server) emitWakeEvents(ctx context.Context, result *materializer.WakeResult, emitted *int) string {
	emit := func(eventType string, payload map[string]any) bool {
		_, err := s.frontdoor.Emit(ctx, persona.EmitRequest{
			Type:    eventType,
			Payload: payload,
		})
		if err != nil {
			return false
		}
		*emitted++
		return true
	}

	if !emit(events.TypeNeuroWakeStart, map[string]any{"layers": len(result.Layers)}) {
		return "wake event emission failed"
	}
	for _, layer := range result.Layers {
		if !emit(events.TypeNeuroLayerSnapshot, layer.Payload()) {
			return "layer snapshot emission failed"
		}
	}
	if !emit(events.TypeNeuroConsciousnessSnapshot, result.State.Payload()) {
		return "consciousness snapshot emission failed"
	}
	if !emit(events.TypePersonaStateUpdate, map[string]any{
		"mode":            result.State.Mode,
		"guardrails_mode": result.State.GuardrailsMode,
		"ops_mode":        result.State.OpsMode,
	}) {
		return "persona state emission failed"
	}
	return ""
}

// afterTurn feeds a finished chat turn into the neuro self-model and emits
// the per-turn update sequence. A no-op before the first wake.
func (s *Server) afterTurn(ctx context.Context, result *persona.TurnResult) {
	if s.mat == nil {
		return
	}
	update := s.mat.Neuro().TurnUpdate(s.turnMeta(result.Events))
	if update == nil {
		return
	}
	emitCtx := persona.WithTurn(persona.WithEmitter(ctx), result.Turn)
	s.emitTurnUpdateEvents(emitCtx, update)
}

// emitTurnUpdateEvents publishes the per-turn neuro sequence through the
// frontdoor: neuro.turn.update, neuro.consciousness.update and
// persona.state.update. Best-effort; the frontdoor counts any failures.
func (s *Server) emitTurnUpdateEvents(ctx context.Context, update *materializer.UpdateResult) {
	summaries := make([]any, 0, len(update.Layers))
	for _, layer := range update.Layers {
		summaries = append(summaries, layer.Payload())
	}
	_, _ = s.frontdoor.Emit(ctx, persona.EmitRequest{
		Type:    events.TypeNeuroTurnUpdate,
		Payload: map[string]any{"layers_summary": summaries},
	})
	_, _ = s.frontdoor.Emit(ctx, persona.EmitRequest{
		Type:    events.TypeNeuroConsciousnessUpdate,
		Payload: update.State.Payload(),
	})
	_, _ = s.frontdoor.Emit(ctx, persona.EmitRequest{
		Type: events.TypePersonaStateUpdate,
		Payload: map[string]any{
			"mode":            update.State.Mode,
			"guardrails_mode": update.State.GuardrailsMode,
			"ops_mode":        update.State.OpsMode,
		},
	})
}

package materializer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/events"
)

// dispatchTable maps the closed event type set to graph projections.
// Anything absent here takes the freshness-only path.
func dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		events.TypeRunStep:              handleRunStep,
		events.TypeRAGSearchStart:       handleRAGSearchStart,
		events.TypeRAGSearchResult:      handleRAGSearchResult,
		events.TypeRAGContextCompiled:   handleRAGContextCompiled,
		events.TypeScrapingPage:         handleScraping,
		events.TypeScrapingDone:         handleScraping,
		events.TypeDecisionTraceSummary: handleDecisionTraceSummary,
		events.TypeReasoningSummary:     handleReasoningSummary,
		events.TypeIndexing:             handleIndexingUpsert,
		events.TypeError:                handleError,

		events.TypeTaskCreated:       handleTaskUpsert,
		events.TypeTaskUpdated:       handleTaskUpsert,
		events.TypeRunSpawned:        handleRunSpawned,
		events.TypeApprovalRequested: handleApprovalRequested,
		events.TypeApprovalResolved:  handleApprovalResolved,
		events.TypeActionUpdated:     handleActionUpdated,

		events.TypeCompilerResult:         handleCompilerResult,
		events.TypeCompilerFallbackResult: handleCompilerResult,

		events.TypeVoiceSessionStarted: handleVoiceSessionStarted,
		events.TypeVoiceASRPartial:     handleVoiceTouch,
		events.TypeVoiceASRFinal:       handleVoiceTouch,
		events.TypeVoiceTTSRequested:   handleVoiceTouch,
		events.TypeVoiceTTSAudioReady:  handleVoiceTouch,
		events.TypeVoiceTTSDone:        handleVoiceTouch,
		events.TypeVoiceError:          handleVoiceError,

		events.TypeNeuroWakeStart:             handleNeuroWakeStart,
		events.TypeNeuroLayerSnapshot:         handleNeuroLayerSnapshot,
		events.TypeNeuroConsciousnessSnapshot: handleConsciousnessUpsert,
		events.TypeNeuroConsciousnessUpdate:   handleConsciousnessUpsert,
		events.TypeNeuroTurnUpdate:            handleNeuroTurnUpdate,
	}
}

// ── identity helpers ────────────────────────────────────────────

func runID(evt *events.Event) string {
	if id := getString(evt.Payload, "run_id"); id != "" {
		return id
	}
	if evt.TurnID != "" {
		return "run:" + evt.TurnID
	}
	return "run:" + evt.ConversationID
}

func stepID(run, name string) string {
	return fmt.Sprintf("step:%s:%s", run, name)
}

// upsertRun MERGEs the Run envelope node for the event's turn.
func upsertRun(ctx context.Context, m *Materializer, evt *events.Event, extra map[string]any) (string, error) {
	run := runID(evt)
	props := map[string]any{
		"conversation_id": evt.ConversationID,
		"turn_id":         evt.TurnID,
	}
	for k, v := range extra {
		props[k] = v
	}
	return run, m.mergeNode(ctx, evt, "Run", run, props)
}

// upsertStep MERGEs a Step under the event's Run and links HAS_STEP.
func upsertStep(ctx context.Context, m *Materializer, evt *events.Event, name, status string, extra map[string]any) (string, error) {
	run, err := upsertRun(ctx, m, evt, nil)
	if err != nil {
		return "", err
	}
	step := stepID(run, name)
	props := map[string]any{"name": name, "status": status}
	for k, v := range extra {
		props[k] = v
	}
	if err := m.mergeNode(ctx, evt, "Step", step, props); err != nil {
		return "", err
	}
	order := getInt(evt.Payload, "order")
	return step, m.mergeEdge(ctx, evt, "Run", run, "HAS_STEP", "Step", step, map[string]any{"order": order})
}

// upsertArtifact MERGEs an Artifact of the given kind and links PRODUCED
// from step when step is non-empty.
func upsertArtifact(ctx context.Context, m *Materializer, evt *events.Event, step, kind string, props map[string]any) (string, error) {
	artifact := getString(evt.Payload, "artifact_id")
	if artifact == "" {
		artifact = fmt.Sprintf("artifact:%d:%s", evt.EventID, kind)
	}
	merged := map[string]any{"kind": kind}
	for k, v := range props {
		merged[k] = v
	}
	if err := m.mergeNode(ctx, evt, "Artifact", artifact, merged); err != nil {
		return "", err
	}
	if step != "" {
		if err := m.mergeEdge(ctx, evt, "Step", step, "PRODUCED", "Artifact", artifact, nil); err != nil {
			return "", err
		}
	}
	return artifact, nil
}

// ── turn / RAG / reasoning ──────────────────────────────────────

func handleRunStep(ctx context.Context, m *Materializer, evt *events.Event) error {
	name := getString(evt.Payload, "name")
	if name == "" {
		name = "step"
	}
	status := mapStepStatus(getString(evt.Payload, "status"))
	step, err := upsertStep(ctx, m, evt, name, status, map[string]any{
		"tool":  getString(evt.Payload, "tool"),
		"order": getInt(evt.Payload, "order"),
	})
	if err != nil {
		return err
	}

	if component := getString(evt.Payload, "component_id"); component != "" {
		if err := m.mergeNode(ctx, evt, "Component", componentID(component), map[string]any{"name": component}); err != nil {
			return err
		}
		if err := m.mergeEdge(ctx, evt, "Step", step, "TOUCHED", "Component", componentID(component), nil); err != nil {
			return err
		}
	}
	if getString(evt.Payload, "artifact_id") != "" {
		if _, err := upsertArtifact(ctx, m, evt, step, "step_outcome", nil); err != nil {
			return err
		}
	}
	return nil
}

func mapStepStatus(raw string) string {
	switch strings.ToUpper(raw) {
	case "QUEUED":
		return "queued"
	case "RUNNING":
		return "running"
	case "SUCCESS":
		return "success"
	case "FAILED":
		return "failed"
	case "STALE":
		return "stale"
	default:
		return "unknown"
	}
}

func handleRAGSearchStart(ctx context.Context, m *Materializer, evt *events.Event) error {
	_, err := upsertStep(ctx, m, evt, "pro_search", "running", nil)
	return err
}

func handleRAGSearchResult(ctx context.Context, m *Materializer, evt *events.Event) error {
	step, err := upsertStep(ctx, m, evt, "pro_search", "success", nil)
	if err != nil {
		return err
	}

	artifact, err := upsertArtifact(ctx, m, evt, step, "evidence_pack", map[string]any{
		"counts_json": map[string]any{"selected_count": getInt(evt.Payload, "selected_count")},
	})
	if err != nil {
		return err
	}

	for _, entry := range getList(evt.Payload, "entries") {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		source := getString(fields, "source")
		if source == "" {
			continue
		}
		sourceNode := "source:" + source
		if err := m.mergeNode(ctx, evt, "Source", sourceNode, map[string]any{"kind": "domain", "name": source}); err != nil {
			return err
		}
		if err := m.mergeEdge(ctx, evt, "Artifact", artifact, "FROM_SOURCE", "Source", sourceNode, nil); err != nil {
			return err
		}
	}
	return nil
}

func handleRAGContextCompiled(ctx context.Context, m *Materializer, evt *events.Event) error {
	step, err := upsertStep(ctx, m, evt, "rag_build", "success", nil)
	if err != nil {
		return err
	}
	_, err = upsertArtifact(ctx, m, evt, step, "context_pack", map[string]any{
		"counts_json": evt.Payload["counts"],
	})
	return err
}

func handleScraping(ctx context.Context, m *Materializer, evt *events.Event) error {
	status := "running"
	if evt.Type == events.TypeScrapingDone {
		status = "success"
	}
	_, err := upsertStep(ctx, m, evt, "scrape", status, nil)
	if err != nil {
		return err
	}

	rawURL := getString(evt.Payload, "url")
	if rawURL == "" {
		return nil
	}
	host := hostOf(rawURL)
	if host == "" {
		return nil
	}
	return m.mergeNode(ctx, evt, "Source", "source:"+host, map[string]any{"kind": "domain", "name": host})
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func handleDecisionTraceSummary(ctx context.Context, m *Materializer, evt *events.Event) error {
	_, err := upsertArtifact(ctx, m, evt, "", "decision_summary", map[string]any{
		"counts_json": evt.Payload,
	})
	return err
}

func handleReasoningSummary(ctx context.Context, m *Materializer, evt *events.Event) error {
	step, err := upsertStep(ctx, m, evt, "adaptive_reasoning", "success", nil)
	if err != nil {
		return err
	}
	counts := map[string]any{
		"goal_sha256":     getString(evt.Payload, "goal_sha256"),
		"goal_len":        getInt(evt.Payload, "goal_len"),
		"tools_used":      getInt(evt.Payload, "tools_used"),
		"constraints_hit": getInt(evt.Payload, "constraints_hit"),
		"retrieval_count": getInt(evt.Payload, "retrieval_count"),
	}
	_, err = upsertArtifact(ctx, m, evt, step, "decision_summary", map[string]any{"counts_json": counts})
	return err
}

func handleIndexingUpsert(ctx context.Context, m *Materializer, evt *events.Event) error {
	step, err := upsertStep(ctx, m, evt, "index_upsert", "success", nil)
	if err != nil {
		return err
	}
	_, err = upsertArtifact(ctx, m, evt, step, "chunk", map[string]any{
		"hash_sha256": getString(evt.Payload, "hash_sha256"),
	})
	return err
}

func handleError(ctx context.Context, m *Materializer, evt *events.Event) error {
	if _, err := upsertRun(ctx, m, evt, map[string]any{"status": "degraded"}); err != nil {
		return err
	}
	return m.mergeNode(ctx, evt, "Component", componentID(busComponentID), map[string]any{
		"name":   busComponentID,
		"status": "degraded",
	})
}

// ── control room ────────────────────────────────────────────────

func taskID(evt *events.Event) string {
	if id := getString(evt.Payload, "task_id"); id != "" {
		return id
	}
	return "task:" + evt.ConversationID
}

func handleTaskUpsert(ctx context.Context, m *Materializer, evt *events.Event) error {
	return m.mergeNode(ctx, evt, "Task", taskID(evt), map[string]any{
		"status":       getString(evt.Payload, "status"),
		"priority":     getString(evt.Payload, "priority"),
		"requester":    getString(evt.Payload, "requester"),
		"title_sha256": getString(evt.Payload, "title_sha256"),
		"title_len":    getInt(evt.Payload, "title_len"),
	})
}

func handleRunSpawned(ctx context.Context, m *Materializer, evt *events.Event) error {
	run, err := upsertRun(ctx, m, evt, map[string]any{"kind": "control_room", "status": "running"})
	if err != nil {
		return err
	}
	return m.mergeEdge(ctx, evt, "Task", taskID(evt), "SPAWNS", "Run", run, nil)
}

func approvalID(evt *events.Event) string {
	if id := getString(evt.Payload, "approval_id"); id != "" {
		return id
	}
	return "approval:" + taskID(evt)
}

func handleApprovalRequested(ctx context.Context, m *Materializer, evt *events.Event) error {
	approval := approvalID(evt)
	if err := m.mergeNode(ctx, evt, "Approval", approval, map[string]any{
		"status":    "pending",
		"policy_id": getString(evt.Payload, "policy_id"),
		"scope":     getString(evt.Payload, "scope"),
	}); err != nil {
		return err
	}
	if err := m.mergeEdge(ctx, evt, "Task", taskID(evt), "REQUIRES_APPROVAL", "Approval", approval, nil); err != nil {
		return err
	}
	if run := getString(evt.Payload, "run_id"); run != "" {
		if err := m.mergeEdge(ctx, evt, "Approval", approval, "GOVERNS", "Run", run, nil); err != nil {
			return err
		}
	}
	if step := getString(evt.Payload, "step_id"); step != "" {
		if err := m.mergeEdge(ctx, evt, "Approval", approval, "GOVERNS", "Step", step, nil); err != nil {
			return err
		}
	}
	return nil
}

func handleApprovalResolved(ctx context.Context, m *Materializer, evt *events.Event) error {
	return m.mergeNode(ctx, evt, "Approval", approvalID(evt), map[string]any{
		"status":      getString(evt.Payload, "status"),
		"resolved_by": getString(evt.Payload, "resolved_by"),
		"resolved_ts": evt.TS,
		"reason_safe": getString(evt.Payload, "reason_safe"),
	})
}

func handleActionUpdated(ctx context.Context, m *Materializer, evt *events.Event) error {
	action := getString(evt.Payload, "action_id")
	if action == "" {
		action = fmt.Sprintf("action:%d", evt.EventID)
	}
	if err := m.mergeNode(ctx, evt, "Action", action, map[string]any{
		"name":   getString(evt.Payload, "name"),
		"status": getString(evt.Payload, "status"),
	}); err != nil {
		return err
	}
	if step := getString(evt.Payload, "step_id"); step != "" {
		return m.mergeEdge(ctx, evt, "Step", step, "HAS_ACTION", "Action", action, map[string]any{
			"order": getInt(evt.Payload, "order"),
		})
	}
	return nil
}

// ── compiler ────────────────────────────────────────────────────

func handleCompilerResult(ctx context.Context, m *Materializer, evt *events.Event) error {
	run, err := upsertRun(ctx, m, evt, nil)
	if err != nil {
		return err
	}

	intent := fmt.Sprintf("intent:%s", run)
	if err := m.mergeNode(ctx, evt, "IntentDetection", intent, map[string]any{
		"pick":                 getString(evt.Payload, "pick"),
		"confidence":           getFloat(evt.Payload, "confidence"),
		"candidates_top3_json": evt.Payload["candidates_top3"],
		"input_text_sha256":    getString(evt.Payload, "input_text_sha256"),
		"input_text_len":       getInt(evt.Payload, "input_text_len"),
	}); err != nil {
		return err
	}
	if err := m.mergeEdge(ctx, evt, "Run", run, "HAS_INTENT", "IntentDetection", intent, nil); err != nil {
		return err
	}

	prompt := fmt.Sprintf("prompt:%s", run)
	if err := m.mergeNode(ctx, evt, "PromptCompile", prompt, map[string]any{
		"makina_prompt_sha256": getString(evt.Payload, "makina_prompt_sha256"),
		"makina_prompt_len":    getInt(evt.Payload, "makina_prompt_len"),
		"model":                getString(evt.Payload, "model"),
		"retrieval_refs_hash":  getString(evt.Payload, "retrieval_refs_hash"),
	}); err != nil {
		return err
	}
	return m.mergeEdge(ctx, evt, "Run", run, "HAS_PROMPT", "PromptCompile", prompt, nil)
}

// ── voice ───────────────────────────────────────────────────────

func voiceSessionID(evt *events.Event) string {
	if id := getString(evt.Payload, "session_id"); id != "" {
		return id
	}
	return "voice:" + evt.ConversationID
}

func handleVoiceSessionStarted(ctx context.Context, m *Materializer, evt *events.Event) error {
	return m.mergeNode(ctx, evt, "VoiceSession", voiceSessionID(evt), map[string]any{
		"status":          "active",
		"conversation_id": evt.ConversationID,
		"started_ts":      evt.TS,
		"last_event_ts":   evt.TS,
	})
}

func handleVoiceTouch(ctx context.Context, m *Materializer, evt *events.Event) error {
	return m.mergeNode(ctx, evt, "VoiceSession", voiceSessionID(evt), map[string]any{
		"last_event_ts": evt.TS,
	})
}

func handleVoiceError(ctx context.Context, m *Materializer, evt *events.Event) error {
	session := voiceSessionID(evt)
	errorCount := 1
	if existing, err := m.writer.ReadNode(ctx, "VoiceSession", session); err == nil && existing != nil {
		errorCount = getInt(existing, "error_count") + 1
	}
	return m.mergeNode(ctx, evt, "VoiceSession", session, map[string]any{
		"status":        "error",
		"error_count":   errorCount,
		"last_event_ts": evt.TS,
	})
}

// ── neuro ───────────────────────────────────────────────────────

const (
	identityNodeID      = "identity:denis"
	consciousnessNodeID = "denis:consciousness"
)

func handleNeuroWakeStart(ctx context.Context, m *Materializer, evt *events.Event) error {
	return m.mergeNode(ctx, evt, "Identity", identityNodeID, map[string]any{
		"last_wake_ts": evt.TS,
	})
}

func handleNeuroLayerSnapshot(ctx context.Context, m *Materializer, evt *events.Event) error {
	index := getInt(evt.Payload, "index")
	layerID := fmt.Sprintf("neuro:layer:%d", index)
	if err := m.mergeNode(ctx, evt, "NeuroLayer", layerID, map[string]any{
		"key":             getString(evt.Payload, "key"),
		"freshness_score": getFloat(evt.Payload, "freshness_score"),
		"status":          getString(evt.Payload, "status"),
		"signals_count":   getInt(evt.Payload, "signals_count"),
		"last_update_ts":  evt.TS,
	}); err != nil {
		return err
	}
	return m.mergeEdge(ctx, evt, "Identity", identityNodeID, "HAS_NEURO_LAYER", "NeuroLayer", layerID, nil)
}

func handleConsciousnessUpsert(ctx context.Context, m *Materializer, evt *events.Event) error {
	props := map[string]any{
		"mode":             getString(evt.Payload, "mode"),
		"risk_level":       getFloat(evt.Payload, "risk_level"),
		"fatigue_level":    getFloat(evt.Payload, "fatigue_level"),
		"confidence_level": getFloat(evt.Payload, "confidence_level"),
		"guardrails_mode":  getString(evt.Payload, "guardrails_mode"),
		"memory_mode":      getString(evt.Payload, "memory_mode"),
		"voice_mode":       getString(evt.Payload, "voice_mode"),
		"ops_mode":         getString(evt.Payload, "ops_mode"),
		"ts":               evt.TS,
	}
	if wakeTS := getString(evt.Payload, "last_wake_ts"); wakeTS != "" {
		props["last_wake_ts"] = wakeTS
	}
	if err := m.mergeNode(ctx, evt, "ConsciousnessState", consciousnessNodeID, props); err != nil {
		return err
	}
	if err := m.mergeEdge(ctx, evt, "Identity", identityNodeID, "HAS_CONSCIOUSNESS_STATE", "ConsciousnessState", consciousnessNodeID, nil); err != nil {
		return err
	}
	// Read-time join back to the layers the state was derived from. The
	// write path stays acyclic: layers first, then the derived state.
	for i := range layerKeys {
		layerID := fmt.Sprintf("neuro:layer:%d", i+1)
		if err := m.mergeEdge(ctx, evt, "ConsciousnessState", consciousnessNodeID, "DERIVED_FROM", "NeuroLayer", layerID, nil); err != nil {
			return err
		}
	}
	return nil
}

func handleNeuroTurnUpdate(ctx context.Context, m *Materializer, evt *events.Event) error {
	for _, entry := range getList(evt.Payload, "layers_summary") {
		fields, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		index := getInt(fields, "index")
		if err := m.mergeNode(ctx, evt, "NeuroLayer", fmt.Sprintf("neuro:layer:%d", index), map[string]any{
			"key":             getString(fields, "key"),
			"freshness_score": getFloat(fields, "freshness_score"),
			"status":          getString(fields, "status"),
			"signals_count":   getInt(fields, "signals_count"),
			"last_update_ts":  evt.TS,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ── payload field access ────────────────────────────────────────

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func getInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func getList(m map[string]any, key string) []any {
	v, _ := m[key].([]any)
	return v
}

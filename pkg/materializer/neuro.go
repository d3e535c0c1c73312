package materializer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// The 12 layer keys, in fixed index order.
var layerKeys = []string{
	"sensory_io",
	"attention",
	"intent_goals",
	"plans_procedures",
	"memory_short",
	"memory_long",
	"safety_governance",
	"ops_awareness",
	"social_persona",
	"self_monitoring",
	"learning_plasticity",
	"meta_consciousness",
}

// Derivation weights. Critical layers count double in the fatigue mean.
// Tunable without changing the event contract.
var (
	criticalLayerWeight = 2.0
	defaultLayerWeight  = 1.0
)

var criticalLayers = map[string]bool{
	"sensory_io":         true,
	"ops_awareness":      true,
	"meta_consciousness": true,
}

// Layer is one aspect of the agent's self-model.
type Layer struct {
	Index          int     `json:"index"`
	Key            string  `json:"key"`
	FreshnessScore float64 `json:"freshness_score"`
	Status         string  `json:"status"`
	SignalsCount   int     `json:"signals_count"`
	LastUpdateTS   string  `json:"last_update_ts"`
}

// Payload is the event payload form of a layer snapshot.
func (l Layer) Payload() map[string]any {
	return map[string]any{
		"index":           l.Index,
		"key":             l.Key,
		"freshness_score": l.FreshnessScore,
		"status":          l.Status,
		"signals_count":   l.SignalsCount,
	}
}

// ConsciousnessState is the derived singleton summarizing the layers.
type ConsciousnessState struct {
	Mode            string  `json:"mode"`
	RiskLevel       float64 `json:"risk_level"`
	FatigueLevel    float64 `json:"fatigue_level"`
	ConfidenceLevel float64 `json:"confidence_level"`
	GuardrailsMode  string  `json:"guardrails_mode"`
	MemoryMode      string  `json:"memory_mode"`
	VoiceMode       string  `json:"voice_mode"`
	OpsMode         string  `json:"ops_mode"`
	LastWakeTS      string  `json:"last_wake_ts"`
	TS              string  `json:"ts"`
}

// Payload is the event payload form of the consciousness state.
func (s ConsciousnessState) Payload() map[string]any {
	return map[string]any{
		"mode":             s.Mode,
		"risk_level":       s.RiskLevel,
		"fatigue_level":    s.FatigueLevel,
		"confidence_level": s.ConfidenceLevel,
		"guardrails_mode":  s.GuardrailsMode,
		"memory_mode":      s.MemoryMode,
		"voice_mode":       s.VoiceMode,
		"ops_mode":         s.OpsMode,
		"last_wake_ts":     s.LastWakeTS,
	}
}

// TurnMeta carries the per-turn deltas the update sequence applies.
type TurnMeta struct {
	GuardrailTriggers int
	OpsDegraded       bool
	TurnsInSession    int
	ErrorsCount       int
	ActivePlans       bool
}

// WakeResult is what the wake sequence produced; the caller emits the
// matching neuro.layer.snapshot / neuro.consciousness.snapshot events.
type WakeResult struct {
	Layers []Layer
	State  ConsciousnessState
}

// UpdateResult mirrors WakeResult for the per-turn update sequence.
type UpdateResult struct {
	Layers []Layer
	State  ConsciousnessState
}

// Neuro maintains the in-memory 12-layer self-model and derives the
// ConsciousnessState. Graph persistence happens through the events the
// caller emits after Wake/TurnUpdate, not here.
type Neuro struct {
	m            *Materializer
	voiceEnabled bool

	mu     sync.Mutex
	layers []Layer
	state  ConsciousnessState
	woken  bool
}

func newNeuro(m *Materializer, voiceEnabled bool) *Neuro {
	return &Neuro{m: m, voiceEnabled: voiceEnabled}
}

// State returns the current layers and consciousness state. Layers is empty
// before the first wake.
func (n *Neuro) State() ([]Layer, ConsciousnessState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Layer(nil), n.layers...), n.state
}

// Woken reports whether the wake sequence has run.
func (n *Neuro) Woken() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.woken
}

// Wake loads the 12 layers (existing graph nodes first, defaults for any
// missing), derives the consciousness state and stores both in memory.
func (n *Neuro) Wake(ctx context.Context) *WakeResult {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	layers := make([]Layer, len(layerKeys))
	for i, key := range layerKeys {
		layers[i] = n.loadLayer(ctx, i+1, key, now)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.layers = layers
	n.woken = true
	n.state = n.derive(layers, false, now)
	n.state.LastWakeTS = now
	return &WakeResult{Layers: layers, State: n.state}
}

// loadLayer reads an existing NeuroLayer node or builds the default one.
func (n *Neuro) loadLayer(ctx context.Context, index int, key, now string) Layer {
	layer := Layer{
		Index:          index,
		Key:            key,
		FreshnessScore: 1.0,
		Status:         "active",
		LastUpdateTS:   now,
	}
	props, err := n.m.writer.ReadNode(ctx, "NeuroLayer", fmt.Sprintf("neuro:layer:%d", index))
	if err != nil || props == nil {
		return layer
	}
	if fresh := getFloat(props, "freshness_score"); fresh > 0 {
		layer.FreshnessScore = fresh
	}
	if status := getString(props, "status"); status != "" {
		layer.Status = status
	}
	layer.SignalsCount = getInt(props, "signals_count")
	return layer
}

// TurnUpdate applies the per-turn deltas and re-derives the consciousness
// state, preserving last_wake_ts. A no-op before the first wake.
func (n *Neuro) TurnUpdate(meta TurnMeta) *UpdateResult {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.woken {
		return nil
	}

	for i := range n.layers {
		layer := &n.layers[i]
		switch layer.Key {
		case "sensory_io":
			// Every turn touches the senses.
			layer.FreshnessScore = 1.0
			layer.LastUpdateTS = now
		case "safety_governance":
			layer.SignalsCount += meta.GuardrailTriggers
			if meta.GuardrailTriggers > 2 {
				layer.Status = "degraded"
			}
			layer.LastUpdateTS = now
		case "ops_awareness":
			if meta.OpsDegraded {
				layer.Status = "degraded"
			} else {
				layer.Status = "active"
			}
			layer.LastUpdateTS = now
		case "memory_short":
			layer.FreshnessScore = clamp01(1.0 - 0.05*float64(meta.TurnsInSession))
			layer.LastUpdateTS = now
		case "meta_consciousness":
			layer.SignalsCount += meta.ErrorsCount
			layer.LastUpdateTS = now
		}
	}

	lastWake := n.state.LastWakeTS
	n.state = n.derive(n.layers, meta.ActivePlans, now)
	n.state.LastWakeTS = lastWake
	return &UpdateResult{
		Layers: append([]Layer(nil), n.layers...),
		State:  n.state,
	}
}

// derive computes the ConsciousnessState from the layers.
func (n *Neuro) derive(layers []Layer, activePlans bool, now string) ConsciousnessState {
	byKey := make(map[string]Layer, len(layers))
	for _, l := range layers {
		byKey[l.Key] = l
	}
	attention := byKey["attention"]
	intent := byKey["intent_goals"]
	memShort := byKey["memory_short"]
	memLong := byKey["memory_long"]
	safety := byKey["safety_governance"]
	ops := byKey["ops_awareness"]
	social := byKey["social_persona"]
	selfMon := byKey["self_monitoring"]
	learning := byKey["learning_plasticity"]
	meta := byKey["meta_consciousness"]

	var mode string
	switch {
	case degraded(ops.Status) || meta.FreshnessScore < 0.2:
		mode = "degraded"
	case activePlans || (attention.FreshnessScore > 0.8 && attention.SignalsCount > 2):
		mode = "focused"
	default:
		mode = "awake"
	}

	risk := float64(safety.SignalsCount) * 0.1
	if risk > 1 {
		risk = 1
	}
	if safety.Status == "degraded" && risk < 0.5 {
		risk = 0.5
	}
	if intent.SignalsCount > 3 {
		risk += 0.03 * float64(intent.SignalsCount-3)
	}
	risk = clamp01(risk)

	var weighted, totalWeight float64
	for _, l := range layers {
		w := defaultLayerWeight
		if criticalLayers[l.Key] {
			w = criticalLayerWeight
		}
		weighted += w * l.FreshnessScore
		totalWeight += w
	}
	fatigue := 1 - weighted/totalWeight
	if learning.FreshnessScore < 0.3 {
		fatigue += 0.1
	}
	fatigue = clamp01(fatigue)

	confidence := 0.7
	if selfMon.Status == "degraded" {
		confidence = 0.4
	} else {
		confidence -= 0.05 * float64(selfMon.SignalsCount)
	}
	if social.Status == "degraded" && confidence > 0.5 {
		confidence = 0.5
	}
	confidence -= 0.03 * float64(meta.SignalsCount)
	confidence = clamp01(confidence)

	guardrailsMode := "normal"
	if risk > 0.5 || mode == "degraded" {
		guardrailsMode = "strict"
	}

	memoryMode := "balanced"
	switch {
	case memLong.FreshnessScore > 0.7:
		memoryMode = "long"
	case memShort.FreshnessScore < 0.3:
		memoryMode = "short"
	}

	voiceMode := "off"
	if n.voiceEnabled {
		voiceMode = "on"
	}

	opsMode := "normal"
	if degraded(ops.Status) {
		opsMode = "incident"
	}

	return ConsciousnessState{
		Mode:            mode,
		RiskLevel:       risk,
		FatigueLevel:    fatigue,
		ConfidenceLevel: confidence,
		GuardrailsMode:  guardrailsMode,
		MemoryMode:      memoryMode,
		VoiceMode:       voiceMode,
		OpsMode:         opsMode,
		TS:              now,
	}
}

func degraded(status string) bool {
	return status == "degraded" || status == "error"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

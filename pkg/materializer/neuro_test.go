package materializer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
)

func TestNeuro_WakeProducesTwelveLayers(t *testing.T) {
	m, _ := setupMaterializer(t)

	result := m.Neuro().Wake(context.Background())
	require.Len(t, result.Layers, 12)

	for i, layer := range result.Layers {
		assert.Equal(t, i+1, layer.Index)
		assert.Equal(t, layerKeys[i], layer.Key)
		assert.Equal(t, 1.0, layer.FreshnessScore)
		assert.Equal(t, "active", layer.Status)
	}

	assert.Equal(t, "awake", result.State.Mode)
	assert.Equal(t, "normal", result.State.GuardrailsMode)
	assert.Equal(t, "normal", result.State.OpsMode)
	assert.Equal(t, "off", result.State.VoiceMode)
	assert.NotEmpty(t, result.State.LastWakeTS)
	assert.Zero(t, result.State.FatigueLevel)
	assert.InDelta(t, 0.7, result.State.ConfidenceLevel, 0.001)
	assert.True(t, m.Neuro().Woken())

	layers, state := m.Neuro().State()
	assert.Len(t, layers, 12)
	assert.NotEmpty(t, state.LastWakeTS)
}

func TestNeuro_WakeLoadsExistingLayersFromGraph(t *testing.T) {
	m, writer := setupMaterializer(t)
	ctx := context.Background()

	// A previous incarnation left a degraded ops layer behind.
	require.NoError(t, writer.MergeNode(ctx, "NeuroLayer", "neuro:layer:8", map[string]any{
		"key":             "ops_awareness",
		"freshness_score": 0.4,
		"status":          "degraded",
		"signals_count":   3,
	}))

	result := m.Neuro().Wake(ctx)
	ops := result.Layers[7]
	assert.Equal(t, "ops_awareness", ops.Key)
	assert.Equal(t, 0.4, ops.FreshnessScore)
	assert.Equal(t, "degraded", ops.Status)
	assert.Equal(t, 3, ops.SignalsCount)

	assert.Equal(t, "degraded", result.State.Mode)
	assert.Equal(t, "incident", result.State.OpsMode)
	assert.Equal(t, "strict", result.State.GuardrailsMode)
}

func TestNeuro_TurnUpdateBeforeWakeIsNoop(t *testing.T) {
	m, _ := setupMaterializer(t)
	assert.Nil(t, m.Neuro().TurnUpdate(TurnMeta{}))
}

func TestNeuro_TurnUpdateGuardrailTriggers(t *testing.T) {
	m, _ := setupMaterializer(t)
	m.Neuro().Wake(context.Background())

	result := m.Neuro().TurnUpdate(TurnMeta{GuardrailTriggers: 7})
	require.NotNil(t, result)

	var safety Layer
	for _, l := range result.Layers {
		if l.Key == "safety_governance" {
			safety = l
		}
	}
	assert.Equal(t, "degraded", safety.Status)
	assert.Equal(t, 7, safety.SignalsCount)

	assert.InDelta(t, 0.7, result.State.RiskLevel, 0.001)
	assert.Equal(t, "strict", result.State.GuardrailsMode)
}

func TestNeuro_TurnUpdateOpsDegraded(t *testing.T) {
	m, _ := setupMaterializer(t)
	wake := m.Neuro().Wake(context.Background())

	result := m.Neuro().TurnUpdate(TurnMeta{OpsDegraded: true})
	require.NotNil(t, result)
	assert.Equal(t, "degraded", result.State.Mode)
	assert.Equal(t, "incident", result.State.OpsMode)
	assert.Equal(t, wake.State.LastWakeTS, result.State.LastWakeTS)

	// Recovery on the next turn.
	recovered := m.Neuro().TurnUpdate(TurnMeta{})
	assert.Equal(t, "awake", recovered.State.Mode)
	assert.Equal(t, "normal", recovered.State.OpsMode)
}

func TestNeuro_TurnUpdateMemoryDecay(t *testing.T) {
	m, _ := setupMaterializer(t)
	m.Neuro().Wake(context.Background())

	result := m.Neuro().TurnUpdate(TurnMeta{TurnsInSession: 16})
	require.NotNil(t, result)

	var memShort Layer
	for _, l := range result.Layers {
		if l.Key == "memory_short" {
			memShort = l
		}
	}
	assert.InDelta(t, 0.2, memShort.FreshnessScore, 0.001)
	// memory_long still fresh, so retrieval leans long.
	assert.Equal(t, "long", result.State.MemoryMode)
}

func TestNeuro_TurnUpdateErrorsErodeConfidence(t *testing.T) {
	m, _ := setupMaterializer(t)
	m.Neuro().Wake(context.Background())

	result := m.Neuro().TurnUpdate(TurnMeta{ErrorsCount: 5})
	require.NotNil(t, result)
	// 0.7 - 5×0.03
	assert.InDelta(t, 0.55, result.State.ConfidenceLevel, 0.001)
}

func TestNeuro_ActivePlansFocusMode(t *testing.T) {
	m, _ := setupMaterializer(t)
	m.Neuro().Wake(context.Background())

	result := m.Neuro().TurnUpdate(TurnMeta{ActivePlans: true})
	require.NotNil(t, result)
	assert.Equal(t, "focused", result.State.Mode)
}

func TestNeuro_VoiceModeFollowsConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.VoiceEnabled = true
	m := New(cfg, newFakeWriter(), nil)

	result := m.Neuro().Wake(context.Background())
	assert.Equal(t, "on", result.State.VoiceMode)
}

func TestNeuro_LayerPayloadShape(t *testing.T) {
	m, _ := setupMaterializer(t)
	result := m.Neuro().Wake(context.Background())

	payload := result.Layers[0].Payload()
	assert.Equal(t, 1, payload["index"])
	assert.Equal(t, "sensory_io", payload["key"])
	assert.Equal(t, 1.0, payload["freshness_score"])

	statePayload := result.State.Payload()
	assert.Equal(t, "awake", statePayload["mode"])
	assert.NotEmpty(t, statePayload["last_wake_ts"])
}

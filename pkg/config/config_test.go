package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "./data/denis_events.db", cfg.EventsDBPath)
	assert.Equal(t, 2000, cfg.EventRetention)
	assert.Equal(t, 200, cfg.SubscriberBuffer)
	assert.Equal(t, 2000, cfg.MaxStrLenEvent)
	assert.Equal(t, 512, cfg.MaxStrLenGraph)
	assert.Equal(t, 50, cfg.MaxListLenGraph)
	assert.True(t, cfg.GuardrailsEnabled)
	assert.False(t, cfg.GraphEnabled)
	assert.Equal(t, BypassDrop, cfg.FrontdoorBypass)
	assert.Equal(t, 1200*time.Millisecond, cfg.GraphWriteTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.GraphReadTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.GraphConnectTimeout)
	assert.Contains(t, cfg.DenyKeysEvent, "prompt")
	assert.Contains(t, cfg.DenyKeysGraph, "authorization")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DENIS_EVENTS_DB_PATH", "/tmp/events.db")
	t.Setenv("MAX_STR_LEN_EVENT", "100")
	t.Setenv("GRAPH_ENABLED", "true")
	t.Setenv("PERSONA_FRONTDOOR_ENFORCE", "1")
	t.Setenv("PERSONA_FRONTDOOR_BYPASS_MODE", "raise")
	t.Setenv("DENIS_GRAPH_WRITE_TIMEOUT_S", "0.3")
	t.Setenv("DENY_KEYS_EVENT", "prompt, cookie ,token")
	t.Setenv("DENIS_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg := Load()

	assert.Equal(t, "/tmp/events.db", cfg.EventsDBPath)
	assert.Equal(t, 100, cfg.MaxStrLenEvent)
	assert.True(t, cfg.GraphEnabled)
	assert.True(t, cfg.FrontdoorEnforce)
	assert.Equal(t, BypassRaise, cfg.FrontdoorBypass)
	assert.Equal(t, 300*time.Millisecond, cfg.GraphWriteTimeout)
	assert.Equal(t, []string{"prompt", "cookie", "token"}, cfg.DenyKeysEvent)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("MAX_STR_LEN_EVENT", "not-a-number")
	t.Setenv("GRAPH_ENABLED", "maybe")
	t.Setenv("DENIS_GRAPH_WRITE_TIMEOUT_S", "-1")

	cfg := Load()

	assert.Equal(t, 2000, cfg.MaxStrLenEvent)
	assert.False(t, cfg.GraphEnabled)
	assert.Equal(t, 1200*time.Millisecond, cfg.GraphWriteTimeout)
}

func TestBuiltinRedactionPatterns_BearerAndJWTFirst(t *testing.T) {
	patterns := BuiltinRedactionPatterns()
	require.GreaterOrEqual(t, len(patterns), 2)
	assert.Equal(t, "Bearer tokens", patterns[0].Description)
	assert.Equal(t, "JWT tokens", patterns[1].Description)
}

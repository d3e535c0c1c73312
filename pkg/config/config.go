// Package config loads the Denis core configuration from environment
// variables. All knobs default to safe local-development values; production
// deployments override them via the environment (or a .env file loaded by
// the entrypoint).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// BypassMode controls what the persona frontdoor does when the emit API is
// called outside a persona emitter context.
type BypassMode string

const (
	// BypassRaise returns an error to the caller (dev/test).
	BypassRaise BypassMode = "raise"
	// BypassDrop logs, drops the event and returns a synthetic error
	// envelope (prod).
	BypassDrop BypassMode = "drop"
)

// Config holds all runtime configuration for the event bus core and the
// graph materialization layer.
type Config struct {
	// HTTP surface
	HTTPPort        string
	APIBearerToken  string
	CORSOrigins     []string
	RateLimitPerMin int

	// Event store
	EventsDBPath     string
	EventRetention   int // rows kept per conversation
	EventTTL         time.Duration
	CleanupInterval  time.Duration
	StoreTxTimeout   time.Duration
	SubscriberBuffer int

	// Guardrails
	GuardrailsEnabled bool
	MaxStrLenEvent    int
	MaxListLenEvent   int
	MaxStrLenGraph    int
	MaxListLenGraph   int
	DenyKeysEvent     []string
	DenyKeysGraph     []string

	// Persona frontdoor
	FrontdoorEnforce bool
	FrontdoorBypass  BypassMode

	// Graph materialization
	GraphEnabled        bool
	GMLDBPath           string
	Neo4jURI            string
	Neo4jUser           string
	Neo4jPassword       string
	GraphWriteTimeout   time.Duration
	GraphReadTimeout    time.Duration
	GraphConnectTimeout time.Duration

	// Voice feature flag — drives ConsciousnessState.voice_mode and the
	// VOICE_ENABLED FeatureFlag node.
	VoiceEnabled bool
}

// defaultDenyKeys is the substring denylist shared by both sanitizers.
var defaultDenyKeys = []string{
	"prompt", "html", "snippet", "content", "cookie",
	"authorization", "token", "api_key", "secret", "session",
}

// Load reads configuration from the environment, applying defaults for any
// unset variable. It never fails: malformed numeric values fall back to
// their defaults.
func Load() Config {
	return Config{
		HTTPPort:        getEnvOrDefault("HTTP_PORT", "8080"),
		APIBearerToken:  os.Getenv("DENIS_API_BEARER_TOKEN"),
		CORSOrigins:     splitList(os.Getenv("DENIS_CORS_ORIGINS")),
		RateLimitPerMin: getInt("DENIS_RATE_LIMIT_PER_MIN", 0),

		EventsDBPath:     getEnvOrDefault("DENIS_EVENTS_DB_PATH", "./data/denis_events.db"),
		EventRetention:   getInt("DENIS_EVENT_RETENTION", 2000),
		EventTTL:         getDuration("DENIS_EVENT_TTL", 7*24*time.Hour),
		CleanupInterval:  getDuration("DENIS_CLEANUP_INTERVAL", time.Hour),
		StoreTxTimeout:   200 * time.Millisecond,
		SubscriberBuffer: getInt("DENIS_WS_BUFFER", 200),

		GuardrailsEnabled: getBool("GUARDRAILS_ENABLED", true),
		MaxStrLenEvent:    getInt("MAX_STR_LEN_EVENT", 2000),
		MaxListLenEvent:   getInt("MAX_LIST_LEN_EVENT", 50),
		MaxStrLenGraph:    getInt("MAX_STR_LEN_GRAPH", 512),
		MaxListLenGraph:   getInt("MAX_LIST_LEN_GRAPH", 50),
		DenyKeysEvent:     getList("DENY_KEYS_EVENT", defaultDenyKeys),
		DenyKeysGraph:     getList("DENY_KEYS_GRAPH", defaultDenyKeys),

		FrontdoorEnforce: getBool("PERSONA_FRONTDOOR_ENFORCE", false),
		FrontdoorBypass:  parseBypassMode(os.Getenv("PERSONA_FRONTDOOR_BYPASS_MODE")),

		GraphEnabled:        getBool("GRAPH_ENABLED", false),
		GMLDBPath:           getEnvOrDefault("DENIS_GML_DB_PATH", "./data/gml_mutations"),
		Neo4jURI:            getEnvOrDefault("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:           getEnvOrDefault("NEO4J_USER", "neo4j"),
		Neo4jPassword:       os.Getenv("NEO4J_PASSWORD"),
		GraphWriteTimeout:   getSeconds("DENIS_GRAPH_WRITE_TIMEOUT_S", 1.2),
		GraphReadTimeout:    getSeconds("DENIS_GRAPH_READ_TIMEOUT_S", 1.5),
		GraphConnectTimeout: getSeconds("DENIS_GRAPH_WRITE_CONNECT_TIMEOUT_S", 0.5),

		VoiceEnabled: getBool("VOICE_ENABLED", false),
	}
}

// Defaults returns the configuration with no environment applied. Used by
// tests that need a known baseline without touching os.Environ.
func Defaults() Config {
	return Config{
		HTTPPort:         "8080",
		RateLimitPerMin:  0,
		EventsDBPath:     "./data/denis_events.db",
		EventRetention:   2000,
		EventTTL:         7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
		StoreTxTimeout:   200 * time.Millisecond,
		SubscriberBuffer: 200,

		GuardrailsEnabled: true,
		MaxStrLenEvent:    2000,
		MaxListLenEvent:   50,
		MaxStrLenGraph:    512,
		MaxListLenGraph:   50,
		DenyKeysEvent:     append([]string(nil), defaultDenyKeys...),
		DenyKeysGraph:     append([]string(nil), defaultDenyKeys...),

		FrontdoorEnforce: false,
		FrontdoorBypass:  BypassDrop,

		GraphEnabled:        false,
		GMLDBPath:           "./data/gml_mutations",
		Neo4jURI:            "bolt://localhost:7687",
		Neo4jUser:           "neo4j",
		GraphWriteTimeout:   1200 * time.Millisecond,
		GraphReadTimeout:    1500 * time.Millisecond,
		GraphConnectTimeout: 500 * time.Millisecond,
	}
}

func parseBypassMode(raw string) BypassMode {
	if strings.EqualFold(raw, string(BypassRaise)) {
		return BypassRaise
	}
	return BypassDrop
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}

func getBool(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

// getSeconds parses a float number of seconds (e.g. "1.2").
func getSeconds(key string, defaultSeconds float64) time.Duration {
	raw := os.Getenv(key)
	if raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	}
	return time.Duration(defaultSeconds * float64(time.Second))
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal
	}
	return v
}

// getList parses a comma-separated env value, falling back to defaults.
func getList(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return append([]string(nil), defaultVal...)
	}
	return splitList(raw)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

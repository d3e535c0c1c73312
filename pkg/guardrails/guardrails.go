// Package guardrails provides the two payload sanitizers that sit between
// the persona frontdoor and everything downstream: one for event payloads
// (stored and published) and one for graph property maps (materialized).
//
// Both sanitizers are pure: no I/O, no shared mutable state after
// construction. They never fail — on an internal panic they return a
// shallow copy of the input and report zero violations (fail-open).
package guardrails

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
)

// Result summarizes what a sanitizer did to one payload.
type Result struct {
	Violations  int
	DroppedKeys []string
	Truncated   bool
}

// maxReportedDroppedKeys bounds the dropped-key list embedded in summaries.
const maxReportedDroppedKeys = 10

// compiledPattern is a secret pattern ready for application.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Sanitizer applies deny lists, secret redaction, caps and type coercion.
// Created once at startup; safe for concurrent use.
type Sanitizer struct {
	enabled bool

	denyEvent []string // lowercased substrings
	denyGraph []string

	maxStrEvent  int
	maxListEvent int
	maxStrGraph  int
	maxListGraph int

	patterns  []*compiledPattern
	allowKeys map[string]bool
}

// explicitAllowKeys bypass the deny list: they carry hashes and lengths,
// never raw content.
var explicitAllowKeys = []string{
	"content_sha256", "content_len",
	"query_sha256", "query_len",
	"prompt_sha256", "prompt_len",
	"args_sha256", "args_len",
	"result_sha256", "result_len",
	"hash_sha256", "after_hash",
	"idempotency_key", "chunk_id", "counts_json",
	"session_id", // opaque identifier, not session content
}

// New builds a Sanitizer from config. All redaction patterns are compiled
// eagerly; invalid patterns are logged and skipped.
func New(cfg config.Config) *Sanitizer {
	s := &Sanitizer{
		enabled:      cfg.GuardrailsEnabled,
		denyEvent:    lowerAll(cfg.DenyKeysEvent),
		denyGraph:    lowerAll(cfg.DenyKeysGraph),
		maxStrEvent:  cfg.MaxStrLenEvent,
		maxListEvent: cfg.MaxListLenEvent,
		maxStrGraph:  cfg.MaxStrLenGraph,
		maxListGraph: cfg.MaxListLenGraph,
		allowKeys:    make(map[string]bool, len(explicitAllowKeys)),
	}
	for _, k := range explicitAllowKeys {
		s.allowKeys[k] = true
	}

	for _, p := range config.BuiltinRedactionPatterns() {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile redaction pattern, skipping",
				"pattern", p.Description, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &compiledPattern{
			name:        p.Description,
			regex:       compiled,
			replacement: p.Replacement,
		})
	}

	return s
}

// keyAllowed reports whether a key bypasses the deny list.
func (s *Sanitizer) keyAllowed(key string) bool {
	if s.allowKeys[key] {
		return true
	}
	return strings.HasSuffix(key, "_sha256") || strings.HasSuffix(key, "_len")
}

// keyDenied reports whether a key matches the deny list (case-insensitive
// substring match), unless the allow list bypasses it.
func (s *Sanitizer) keyDenied(key string, deny []string) bool {
	if s.keyAllowed(key) {
		return false
	}
	lower := strings.ToLower(key)
	for _, d := range deny {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// redactString applies every compiled secret pattern to a string value.
// Returns the redacted string and the number of redactions made.
func (s *Sanitizer) redactString(v string) (string, int) {
	redactions := 0
	for _, p := range s.patterns {
		if p.regex.MatchString(v) {
			v = p.regex.ReplaceAllString(v, p.replacement)
			redactions++
		}
	}
	return v, redactions
}

// sha256Hex returns the hex sha256 of a string. Used when an over-cap value
// is truncated so the original remains addressable by hash.
func sha256Hex(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// reportedKeys caps the dropped-key list for summaries.
func reportedKeys(keys []string) []string {
	if len(keys) <= maxReportedDroppedKeys {
		return keys
	}
	return keys[:maxReportedDroppedKeys]
}

func lowerAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.ToLower(k)
	}
	return out
}

// shallowCopy is the fail-open fallback payload.
func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

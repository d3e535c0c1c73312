package guardrails

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Summary keys added to graph property maps when violations occurred.
// Prefixed keys are pass-through on re-sanitization.
const (
	graphViolationsKey  = "_guardrails_violations"
	graphTruncatedKey   = "_guardrails_truncated"
	graphDroppedKeysKey = "_guardrails_dropped_keys"
	graphSummaryPrefix  = "_guardrails_"
)

// SanitizeGraphProps returns a property map safe for graph writes: denied
// keys dropped, secrets redacted, and every value coerced to a scalar
// (string/int/float/bool/null) or a JSON-stringified aggregate. String
// values never exceed the graph cap; when one is truncated the map also
// gains "{key}__sha256" and "{key}__orig_len" so the original stays
// addressable.
func (s *Sanitizer) SanitizeGraphProps(props map[string]any) (safe map[string]any, res Result) {
	if props == nil {
		return map[string]any{}, Result{}
	}
	if !s.enabled {
		return shallowCopy(props), Result{}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Graph prop sanitizer panicked, passing props through", "panic", r)
			safe = shallowCopy(props)
			res = Result{}
		}
	}()

	safe = make(map[string]any, len(props))
	for key, value := range props {
		if strings.HasPrefix(key, graphSummaryPrefix) {
			safe[key] = value
			continue
		}
		if s.keyDenied(key, s.denyGraph) {
			res.Violations++
			res.DroppedKeys = append(res.DroppedKeys, key)
			continue
		}
		s.coerceGraphValue(safe, key, value, &res)
	}

	if res.Violations > 0 {
		safe[graphViolationsKey] = res.Violations
		safe[graphTruncatedKey] = res.Truncated
		if dropped, err := json.Marshal(reportedKeys(res.DroppedKeys)); err == nil {
			safe[graphDroppedKeysKey] = string(dropped)
		}
	}
	return safe, res
}

// coerceGraphValue writes the coerced form of one value into out.
func (s *Sanitizer) coerceGraphValue(out map[string]any, key string, value any, res *Result) {
	switch v := value.(type) {
	case nil:
		out[key] = nil
	case bool, int, int32, int64, float32, float64:
		out[key] = v
	case string:
		s.putGraphString(out, key, v, res)
	case []any:
		if len(v) > s.maxListGraph {
			v = v[:s.maxListGraph]
			res.Violations++
			res.Truncated = true
		}
		s.putGraphJSON(out, key, v, res)
	case map[string]any:
		s.putGraphJSON(out, key, v, res)
	default:
		// Unknown scalar-ish type (time.Time, custom numerics) — stringify.
		s.putGraphString(out, key, fmt.Sprintf("%v", v), res)
	}
}

// putGraphString redacts and caps a string property. Over-cap originals are
// recorded as {key}__sha256 / {key}__orig_len. Hash companions are fixed
// 64-char hex and sit outside the string cap.
func (s *Sanitizer) putGraphString(out map[string]any, key, v string, res *Result) {
	redacted, n := s.redactString(v)
	res.Violations += n
	if len(redacted) > s.maxStrGraph {
		out[key+"__sha256"] = sha256Hex(redacted)
		out[key+"__orig_len"] = len(redacted)
		redacted = redacted[:s.maxStrGraph]
		res.Violations++
		res.Truncated = true
	}
	out[key] = redacted
}

// putGraphJSON marshals an aggregate and stores it as a capped string.
func (s *Sanitizer) putGraphJSON(out map[string]any, key string, v any, res *Result) {
	raw, err := json.Marshal(v)
	if err != nil {
		res.Violations++
		out[key] = fmt.Sprintf("%v", v)
		return
	}
	s.putGraphString(out, key, string(raw), res)
}

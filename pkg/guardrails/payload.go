package guardrails

import "log/slog"

// guardrailsSummaryKey carries the violation summary inside a sanitized
// event payload. The key is pass-through on re-sanitization so sanitizing
// is idempotent.
const guardrailsSummaryKey = "_guardrails"

// SanitizePayload returns a safe copy of an event payload: denied keys
// dropped, secrets redacted inside string values, strings and lists capped.
// The input map is never mutated.
//
// When any violation occurred the returned payload carries a "_guardrails"
// summary. Sanitizing an already-sanitized payload is a fixed point.
func (s *Sanitizer) SanitizePayload(payload map[string]any) (safe map[string]any, res Result) {
	if payload == nil {
		return map[string]any{}, Result{}
	}
	if !s.enabled {
		return shallowCopy(payload), Result{}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Payload sanitizer panicked, passing payload through", "panic", r)
			safe = shallowCopy(payload)
			res = Result{}
		}
	}()

	safe = s.sanitizeEventMap(payload, &res)

	if res.Violations > 0 {
		safe[guardrailsSummaryKey] = map[string]any{
			"violations":   res.Violations,
			"dropped_keys": reportedKeys(res.DroppedKeys),
			"truncated":    res.Truncated,
		}
	}
	return safe, res
}

// sanitizeEventMap walks one map level, dropping denied keys and sanitizing
// values. Nested maps and lists are walked recursively.
func (s *Sanitizer) sanitizeEventMap(m map[string]any, res *Result) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		if key == guardrailsSummaryKey {
			// Summary from a previous pass — keep verbatim.
			out[key] = value
			continue
		}
		if s.keyDenied(key, s.denyEvent) {
			res.Violations++
			res.DroppedKeys = append(res.DroppedKeys, key)
			continue
		}
		out[key] = s.sanitizeEventValue(value, res)
	}
	return out
}

func (s *Sanitizer) sanitizeEventValue(value any, res *Result) any {
	switch v := value.(type) {
	case string:
		redacted, n := s.redactString(v)
		res.Violations += n
		if len(redacted) > s.maxStrEvent {
			redacted = redacted[:s.maxStrEvent]
			res.Violations++
			res.Truncated = true
		}
		return redacted
	case map[string]any:
		return s.sanitizeEventMap(v, res)
	case []any:
		if len(v) > s.maxListEvent {
			v = v[:s.maxListEvent]
			res.Violations++
			res.Truncated = true
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.sanitizeEventValue(item, res)
		}
		return out
	default:
		return value
	}
}

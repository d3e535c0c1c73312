package config

// RedactionPattern is a regex-based secret pattern applied to string values
// inside event payloads and graph properties.
type RedactionPattern struct {
	Pattern     string
	Replacement string
	Description string
}

// BuiltinRedactionPatterns returns the built-in secret patterns. The
// guardrails sanitizer compiles these eagerly at startup; patterns that
// fail to compile are logged and skipped.
//
// Bearer and JWT redaction are listed first: they are the two shapes the
// event contract explicitly promises to scrub, and ordering matters because
// later generic patterns would otherwise consume parts of the token.
func BuiltinRedactionPatterns() []RedactionPattern {
	return []RedactionPattern{
		{
			Pattern:     `Bearer\s+[A-Za-z0-9_\-\.=:+/]{8,}`,
			Replacement: `Bearer ***`,
			Description: "Bearer tokens",
		},
		{
			Pattern:     `eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`,
			Replacement: `***JWT***`,
			Description: "JWT tokens",
		},
		{
			Pattern:     `\bsk-[A-Za-z0-9_\-]{8,}`,
			Replacement: `***SECRET***`,
			Description: "sk- style API keys",
		},
		{
			Pattern:     `(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{16,}["']?`,
			Replacement: `api_key=***`,
			Description: "API key assignments",
		},
		{
			Pattern:     `(?i)(password|passwd|pwd)["']?\s*[:=]\s*["']?[^"'\s]{6,}["']?`,
			Replacement: `password=***`,
			Description: "Password assignments",
		},
		{
			Pattern:     `(?s)-----BEGIN [A-Z ]+PRIVATE KEY-----.*?-----END [A-Z ]+PRIVATE KEY-----`,
			Replacement: `***PRIVATE_KEY***`,
			Description: "PEM private keys",
		},
		{
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: `***AWS_KEY***`,
			Description: "AWS access key ids",
		},
		{
			Pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
			Replacement: `***GITHUB_TOKEN***`,
			Description: "GitHub tokens",
		},
		{
			Pattern:     `\bxox[baprs]-[A-Za-z0-9-]{10,72}\b`,
			Replacement: `***SLACK_TOKEN***`,
			Description: "Slack tokens",
		},
	}
}

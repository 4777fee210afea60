package tools

import (
	"fmt"
	"regexp"
)

// Redaction rules applied to params and results before they reach logs,
// events, or the audit trail. Tool return values given to the LLM are NOT
// sanitized; only observer-facing copies are.
var (
	sensitiveKeyRe = regexp.MustCompile(`(?i)(token|secret|password|api[_-]?key|authorization|bearer)`)

	inlineAPIKeyRe = regexp.MustCompile(`(?i)\bapi[_-]?key\s*[=:]\s*[^\s"']+`)
	inlineBearerRe = regexp.MustCompile(`(?i)\bauthorization:\s*bearer\s+[^\s"']+`)

	base64RunRe = regexp.MustCompile(`[A-Za-z0-9+/=]{800,}`)
	dataURLRe   = regexp.MustCompile(`data:(?:image/[a-zA-Z0-9.+-]+|application/octet-stream);base64,[A-Za-z0-9+/=]+`)
)

const redacted = "[REDACTED]"

// SanitizeString redacts inline credentials and replaces binary-looking
// payloads with placeholders.
func SanitizeString(s string) string {
	s = inlineBearerRe.ReplaceAllString(s, "Authorization: Bearer "+redacted)
	s = inlineAPIKeyRe.ReplaceAllString(s, "api_key="+redacted)
	s = dataURLRe.ReplaceAllString(s, "[binary data]")
	s = base64RunRe.ReplaceAllString(s, "[binary data]")
	return s
}

// SanitizeParams deep-copies params, redacting values under sensitive keys
// and sanitizing every string value.
func SanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKeyRe.MatchString(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return SanitizeString(t)
	case map[string]any:
		return SanitizeParams(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}

// Truncate caps s at max bytes, appending the elided byte count.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s… (%d bytes elided)", s[:max], len(s)-max)
}

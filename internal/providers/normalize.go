package providers

import "strings"

// modelAliases maps short names users type to full model identifiers.
var modelAliases = map[string]string{
	"sonnet":     "claude-sonnet-4-5",
	"opus":       "claude-opus-4-1",
	"haiku":      "claude-haiku-4-5",
	"gpt4o":      "gpt-4o",
	"gpt4o-mini": "gpt-4o-mini",
}

// NormalizeModel strips routing prefixes like "anthropic/" or "openai/" and
// resolves short aliases so the same config value works across providers.
func NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	for _, prefix := range []string{"anthropic/", "openai/", "openrouter/"} {
		if strings.HasPrefix(model, prefix) {
			model = strings.TrimPrefix(model, prefix)
			break
		}
	}
	if full, ok := modelAliases[strings.ToLower(model)]; ok {
		return full
	}
	return model
}

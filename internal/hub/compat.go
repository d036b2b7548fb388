package hub

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routecodex/routecodex/internal/provider"
)

// applyCompatibility rewrites the encoded outbound payload for providers
// with known wire quirks. Unknown profile names pass the payload through
// untouched so a config typo degrades gracefully.
func applyCompatibility(profile provider.RuntimeProfile, payload []byte) []byte {
	switch profile.CompatibilityProfile {
	case "deepseek":
		// Rejects OpenAI fields it never adopted.
		payload = deleteFields(payload, "store", "parallel_tool_calls", "stream_options.include_usage")
		if t := gjson.GetBytes(payload, "temperature"); t.Exists() && t.Float() > 2 {
			payload, _ = sjson.SetBytes(payload, "temperature", 2)
		}
	case "lmstudio":
		payload = deleteFields(payload, "stream_options", "user", "service_tier")
	case "max-completion-tokens":
		// Newer OpenAI-style backends dropped max_tokens.
		if v := gjson.GetBytes(payload, "max_tokens"); v.Exists() {
			payload, _ = sjson.SetBytes(payload, "max_completion_tokens", v.Int())
			payload = deleteFields(payload, "max_tokens")
		}
	case "no-tools":
		payload = deleteFields(payload, "tools", "tool_choice", "parallel_tool_calls")
	}
	return payload
}

func deleteFields(payload []byte, paths ...string) []byte {
	for _, path := range paths {
		if next, err := sjson.DeleteBytes(payload, path); err == nil {
			payload = next
		}
	}
	return payload
}

package hub

import (
	"strings"
)

// EnhanceRequestID derives the per-attempt request id used for upstream
// correlation. It is a pure string transform, deterministic and idempotent:
// enhancing an already-enhanced id with the same provider, model, and
// endpoint yields the same output.
func EnhanceRequestID(original, providerID, model, endpoint string) string {
	suffix := "__" + sanitizeIDToken(providerID) + "-" + sanitizeIDToken(model) + "-" + endpointTag(endpoint)
	if strings.HasSuffix(original, suffix) {
		return original
	}
	return original + suffix
}

// sanitizeIDToken keeps the id printable and separator-free.
func sanitizeIDToken(s string) string {
	if s == "" {
		return "none"
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('.')
		}
	}
	return sb.String()
}

func endpointTag(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, EndpointChatCompletions):
		return "chat"
	case strings.HasPrefix(endpoint, EndpointMessages):
		return "msg"
	case strings.HasPrefix(endpoint, EndpointResponses):
		return "resp"
	default:
		return "raw"
	}
}

// Package provider materialises provider profiles into live runtimes and
// maintains the registry that maps routing keys onto them. One runtime is
// created per physical provider instance; many provider keys (provider plus
// model alias) may share a single runtime.
package provider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/routecodex/routecodex/internal/config"
)

// Protocol identifies an outbound wire protocol.
type Protocol string

// Supported outbound protocols.
const (
	ProtocolOpenAIChat        Protocol = "openai-chat"
	ProtocolOpenAIResponses   Protocol = "openai-responses"
	ProtocolAnthropicMessages Protocol = "anthropic-messages"
	ProtocolGeminiChat        Protocol = "gemini-chat"
)

// DefaultEndpoint returns the request path used when a profile does not
// override it.
func (p Protocol) DefaultEndpoint() string {
	switch p {
	case ProtocolOpenAIChat:
		return "/chat/completions"
	case ProtocolOpenAIResponses:
		return "/responses"
	case ProtocolAnthropicMessages:
		return "/v1/messages"
	case ProtocolGeminiChat:
		return "/v1beta/models/%s:generateContent"
	default:
		return ""
	}
}

// EntryEndpoint returns the client-facing path whose inbound protocol
// matches this outbound protocol.
func (p Protocol) EntryEndpoint() string {
	switch p {
	case ProtocolOpenAIChat:
		return "/v1/chat/completions"
	case ProtocolOpenAIResponses:
		return "/v1/responses"
	case ProtocolAnthropicMessages:
		return "/v1/messages"
	default:
		return "/v1/chat/completions"
	}
}

// AuthKind distinguishes credential shapes.
type AuthKind string

// Credential kinds.
const (
	AuthAPIKey AuthKind = "apikey"
	AuthOAuth  AuthKind = "oauth"
)

// RuntimeProfile is the materialised, live description of one provider key.
type RuntimeProfile struct {
	// RuntimeKey identifies the physical provider instance.
	RuntimeKey string
	// ProviderKey is the routing identity; either RuntimeKey or
	// RuntimeKey plus a model alias.
	ProviderKey string
	// ProviderID is the configured provider id.
	ProviderID string
	// ProviderType is the outbound protocol.
	ProviderType Protocol
	// ProviderFamily is the vendor family; may differ from the protocol.
	ProviderFamily string
	// BaseURL and Endpoint compose the upstream URL.
	BaseURL  string
	Endpoint string
	// Headers are attached to every upstream request.
	Headers map[string]string
	// AuthKind selects the credential path.
	AuthKind AuthKind
	// AuthRef is the secret reference (apikey) or auth id (oauth).
	AuthRef string
	// RawKeyType tags non-bearer key shapes (e.g. "iflow-cookie").
	RawKeyType string
	// CompatibilityProfile names converter quirks for this provider.
	CompatibilityProfile string
	// DefaultModel is the upstream model dispatched for this provider key.
	DefaultModel string
	// MaxRetries, TimeoutMs, and MaxPoolSize tune transport behaviour.
	MaxRetries  int
	TimeoutMs   int
	MaxPoolSize int
}

// OAuthAuthID derives the manager auth id for an OAuth provider.
func OAuthAuthID(providerID string) string {
	return "oauth:" + providerID
}

// BuildRuntimeProfiles expands the configured provider map into runtime
// profiles keyed by provider key. Each model alias contributes its own
// provider key sharing the provider's runtime key.
func BuildRuntimeProfiles(cfg *config.Config) (map[string]RuntimeProfile, error) {
	out := make(map[string]RuntimeProfile)
	for providerID, profile := range cfg.Providers {
		base, err := baseRuntimeProfile(providerID, profile)
		if err != nil {
			return nil, err
		}
		out[base.ProviderKey] = base

		aliases := make([]string, 0, len(profile.Models))
		for alias := range profile.Models {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		for _, alias := range aliases {
			keyed := base
			keyed.ProviderKey = providerID + "." + alias
			keyed.DefaultModel = profile.Models[alias]
			out[keyed.ProviderKey] = keyed
		}
	}
	return out, nil
}

func baseRuntimeProfile(providerID string, profile *config.ProviderProfile) (RuntimeProfile, error) {
	family := profile.Family
	if family == "" {
		family = familyFromProtocol(Protocol(profile.Protocol))
	}
	authKind := AuthKind(profile.Auth.Type)
	authRef := profile.Auth.APIKey
	if authKind == AuthOAuth {
		authRef = OAuthAuthID(providerID)
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(profile.BaseURL), "/")
	if baseURL == "" {
		return RuntimeProfile{}, fmt.Errorf("provider %s has no base url", providerID)
	}
	return RuntimeProfile{
		RuntimeKey:           providerID,
		ProviderKey:          providerID,
		ProviderID:           providerID,
		ProviderType:         Protocol(profile.Protocol),
		ProviderFamily:       family,
		BaseURL:              baseURL,
		Endpoint:             profile.Endpoint,
		Headers:              profile.Headers,
		AuthKind:             authKind,
		AuthRef:              authRef,
		RawKeyType:           profile.Auth.RawType,
		CompatibilityProfile: profile.CompatibilityProfile,
		DefaultModel:         profile.DefaultModel,
		MaxRetries:           profile.MaxRetries,
		TimeoutMs:            profile.TimeoutMs,
		MaxPoolSize:          profile.MaxPoolSize,
	}, nil
}

func familyFromProtocol(p Protocol) string {
	switch p {
	case ProtocolAnthropicMessages:
		return "anthropic"
	case ProtocolGeminiChat:
		return "gemini"
	default:
		return "openai"
	}
}

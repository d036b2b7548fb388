package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names recognised by the gateway.
const (
	EnvMaxProviderAttempts            = "ROUTECODEX_MAX_PROVIDER_ATTEMPTS"
	EnvAntigravityMaxProviderAttempts = "ROUTECODEX_ANTIGRAVITY_MAX_PROVIDER_ATTEMPTS"
	EnvStartupHoldMs                  = "ROUTECODEX_STARTUP_HOLD_MS"
	EnvEnableDebugCenter              = "ROUTECODEX_ENABLE_DEBUGCENTER"
	EnvQuotaEnabled                   = "ROUTECODEX_QUOTA_ENABLED"
	EnvHubPolicyMode                  = "ROUTECODEX_HUB_POLICY_MODE"
	EnvSessionDir                     = "ROUTECODEX_SESSION_DIR"
	EnvOAuthCallbackPort              = "OAUTH_CALLBACK_PORT"
)

// Settings captures env-driven toggles, read once at construction. Reloads
// produce a new Settings value; nothing mutates one in place.
type Settings struct {
	// MaxProviderAttempts bounds the executor attempt loop (1..20).
	MaxProviderAttempts int
	// AntigravityMaxProviderAttempts lifts the budget for the antigravity
	// provider family (1..60).
	AntigravityMaxProviderAttempts int
	// StartupHoldMs delays readiness reporting after boot.
	StartupHoldMs int
	// EnableDebugCenter toggles stage snapshot recording.
	EnableDebugCenter bool
	// QuotaEnabled toggles quota accounting and router quota views.
	QuotaEnabled bool
	// HubPolicyMode is off, observe, or enforce.
	HubPolicyMode string
	// SessionDir roots persisted quota/health/routing snapshots.
	SessionDir string
	// OAuthCallbackPort is the loopback port used by OAuth login flows.
	OAuthCallbackPort int
}

// LoadSettings reads the environment into an immutable Settings value.
func LoadSettings() Settings {
	s := Settings{
		MaxProviderAttempts:            envInt(EnvMaxProviderAttempts, 6, 1, 20),
		AntigravityMaxProviderAttempts: envInt(EnvAntigravityMaxProviderAttempts, 20, 1, 60),
		StartupHoldMs:                  envInt(EnvStartupHoldMs, 120000, 0, 1<<30),
		EnableDebugCenter:              envBool(EnvEnableDebugCenter),
		QuotaEnabled:                   envBoolDefault(EnvQuotaEnabled, true),
		HubPolicyMode:                  envEnum(EnvHubPolicyMode, "off", "off", "observe", "enforce"),
		SessionDir:                     strings.TrimSpace(os.Getenv(EnvSessionDir)),
		OAuthCallbackPort:              envInt(EnvOAuthCallbackPort, 8976, 1, 65535),
	}
	if s.SessionDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.SessionDir = home + "/.routecodex"
		} else {
			s.SessionDir = ".routecodex"
		}
	}
	return s
}

func envInt(name string, def, min, max int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}

func envBool(name string) bool {
	return strings.TrimSpace(os.Getenv(name)) == "1"
}

func envBoolDefault(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw == "1"
}

func envEnum(name, def string, allowed ...string) string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	for _, candidate := range allowed {
		if raw == candidate {
			return raw
		}
	}
	return def
}

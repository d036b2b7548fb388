// Package config provides configuration management for the RouteCodex
// gateway. It handles loading and parsing the YAML configuration file and
// provides structured access to server settings, provider profiles, route
// pools, and auth-file mappings.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration, loaded from a YAML file.
type Config struct {
	// Host is the listen address for the HTTP server.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port for the HTTP server.
	Port int `yaml:"port" json:"port"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LogFile optionally routes logs to a rotated file instead of stderr.
	LogFile string `yaml:"log-file,omitempty" json:"log-file,omitempty"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	// When empty, inbound requests are not authenticated.
	APIKeys []string `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`

	// AuthFiles maps auth-file identifiers (authfile-*) to file paths used
	// by the secret resolver.
	AuthFiles map[string]string `yaml:"auth-files,omitempty" json:"auth-files,omitempty"`

	// Providers declares the upstream provider profiles keyed by provider id.
	Providers map[string]*ProviderProfile `yaml:"providers" json:"providers"`

	// Routes maps route names to pools of provider keys.
	Routes map[string][]string `yaml:"routes" json:"routes"`

	// DefaultRoute names the route used when no endpoint-specific route matches.
	DefaultRoute string `yaml:"default-route,omitempty" json:"default-route,omitempty"`

	// EndpointRoutes optionally binds entry endpoints to route names.
	EndpointRoutes map[string]string `yaml:"endpoint-routes,omitempty" json:"endpoint-routes,omitempty"`

	// State configures persistence of quota, health, and routing snapshots.
	State StateConfig `yaml:"state,omitempty" json:"state,omitempty"`
}

// StateConfig selects the backend for routing-state persistence.
type StateConfig struct {
	// Backend is "file" (default) or "postgres".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`
	// PostgresDSN is the connection string used when Backend is "postgres".
	PostgresDSN string `yaml:"postgres-dsn,omitempty" json:"postgres-dsn,omitempty"`
}

// ProviderProfile declares a single upstream provider.
type ProviderProfile struct {
	// Protocol is the outbound wire protocol: openai-chat, openai-responses,
	// anthropic-messages, or gemini-chat.
	Protocol string `yaml:"protocol" json:"protocol"`

	// Family is the vendor family when it differs from the protocol
	// (e.g. "anthropic" served over openai-chat, or "antigravity").
	Family string `yaml:"family,omitempty" json:"family,omitempty"`

	// BaseURL is the upstream base URL.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// Endpoint overrides the protocol-default request path.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Headers are extra headers attached to every upstream request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// TimeoutMs bounds each upstream call. Zero means the 30s default.
	TimeoutMs int `yaml:"timeout-ms,omitempty" json:"timeout-ms,omitempty"`

	// MaxRetries caps provider-local retries hinted to the executor.
	MaxRetries int `yaml:"max-retries,omitempty" json:"max-retries,omitempty"`

	// MaxPoolSize caps concurrent in-flight requests to this provider.
	MaxPoolSize int `yaml:"max-pool-size,omitempty" json:"max-pool-size,omitempty"`

	// Auth declares how credentials are obtained.
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Models maps model aliases to upstream model ids. Each alias yields a
	// provider key "<id>.<alias>" sharing this profile's runtime.
	Models map[string]string `yaml:"models,omitempty" json:"models,omitempty"`

	// DefaultModel is used when the inbound request names no known alias.
	DefaultModel string `yaml:"default-model,omitempty" json:"default-model,omitempty"`

	// CompatibilityProfile names payload quirks applied by the converter.
	CompatibilityProfile string `yaml:"compatibility-profile,omitempty" json:"compatibility-profile,omitempty"`
}

// AuthConfig is the tagged credential declaration for a provider.
type AuthConfig struct {
	// Type is "apikey" or "oauth".
	Type string `yaml:"type" json:"type"`

	// APIKey is an inline literal, a ${ENV_VAR} reference, or an
	// authfile-* reference resolved by the secret resolver.
	APIKey string `yaml:"api-key,omitempty" json:"api-key,omitempty"`

	// RawType optionally tags non-bearer key shapes (e.g. "iflow-cookie").
	RawType string `yaml:"raw-type,omitempty" json:"raw-type,omitempty"`

	// OAuth fields, used when Type is "oauth".
	ClientID         string   `yaml:"client-id,omitempty" json:"client-id,omitempty"`
	ClientSecret     string   `yaml:"client-secret,omitempty" json:"client-secret,omitempty"`
	TokenURL         string   `yaml:"token-url,omitempty" json:"token-url,omitempty"`
	DeviceCodeURL    string   `yaml:"device-code-url,omitempty" json:"device-code-url,omitempty"`
	AuthorizationURL string   `yaml:"authorization-url,omitempty" json:"authorization-url,omitempty"`
	RefreshURL       string   `yaml:"refresh-url,omitempty" json:"refresh-url,omitempty"`
	UserInfoURL      string   `yaml:"user-info-url,omitempty" json:"user-info-url,omitempty"`
	Scopes           []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	TokenFile        string   `yaml:"token-file,omitempty" json:"token-file,omitempty"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s failed: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s failed: %w", path, err)
	}
	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5520
	}
	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.DefaultRoute == "" && len(c.Routes) > 0 {
		names := make([]string, 0, len(c.Routes))
		for name := range c.Routes {
			names = append(names, name)
		}
		sort.Strings(names)
		c.DefaultRoute = names[0]
	}
}

func (c *Config) validate() error {
	for id, profile := range c.Providers {
		if profile == nil {
			return fmt.Errorf("config: provider %s is empty", id)
		}
		switch profile.Protocol {
		case "openai-chat", "openai-responses", "anthropic-messages", "gemini-chat":
		default:
			return fmt.Errorf("config: provider %s has unknown protocol %q", id, profile.Protocol)
		}
		if strings.TrimSpace(profile.BaseURL) == "" {
			return fmt.Errorf("config: provider %s has no base-url", id)
		}
		switch profile.Auth.Type {
		case "apikey", "oauth":
		default:
			return fmt.Errorf("config: provider %s has unknown auth type %q", id, profile.Auth.Type)
		}
	}
	for name, pool := range c.Routes {
		for _, key := range pool {
			providerID := key
			if idx := strings.Index(key, "."); idx > 0 {
				providerID = key[:idx]
			}
			if _, ok := c.Providers[providerID]; !ok {
				return fmt.Errorf("config: route %s references unknown provider %s", name, key)
			}
		}
	}
	return nil
}

// Address renders the listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

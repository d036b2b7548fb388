// Package credential bridges the secret resolver and the OAuth manager
// into the credential shape provider runtimes consume.
package credential

import (
	"context"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/oauth"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/secret"
)

// Resolver hands out credential funcs per runtime profile. API-key
// profiles resolve through the secret layer per call so cache refresh and
// env changes take effect without a restart; OAuth profiles resolve
// through the token manager which refreshes proactively.
type Resolver struct {
	secrets *secret.Resolver
	tokens  *oauth.Manager
}

// NewResolver wires the two credential backends.
func NewResolver(secrets *secret.Resolver, tokens *oauth.Manager) *Resolver {
	return &Resolver{secrets: secrets, tokens: tokens}
}

// Credential implements provider.CredentialResolver.
func (r *Resolver) Credential(_ context.Context, profile provider.RuntimeProfile) (provider.CredentialFunc, error) {
	switch profile.AuthKind {
	case provider.AuthAPIKey:
		if r.secrets == nil {
			return nil, fault.New(fault.CodeSecretNotFound, "no secret resolver configured")
		}
		ref := profile.AuthRef
		return func(ctx context.Context) (string, error) {
			return r.secrets.Resolve(ctx, ref)
		}, nil
	case provider.AuthOAuth:
		if r.tokens == nil {
			return nil, fault.New(fault.CodeOAuthRefreshFailed, "no oauth manager configured")
		}
		authID := profile.AuthRef
		return func(ctx context.Context) (string, error) {
			return r.tokens.ResolveToken(ctx, authID)
		}, nil
	default:
		return nil, fault.New(fault.CodeSecretNotFound, "provider %s has unknown auth kind %q", profile.ProviderID, profile.AuthKind)
	}
}

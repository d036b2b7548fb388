// Package secret turns credential references into live bearer values. A
// reference may be an environment variable (${NAME} or NAME), an auth-file
// identifier (authfile-*), or an inline literal. Resolved values are cached
// for a short window so hot request paths avoid file and env churn.
package secret

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/fault"
)

const cacheTTL = 5 * time.Minute

// authFilePrefix marks references resolved through the auth-mapping table.
const authFilePrefix = "authfile-"

var envRefPattern = regexp.MustCompile(`^\$?\{?([A-Z][A-Z0-9_]+)\}?$`)

// jsonKeyOrder is the priority of fields inspected in JSON auth files.
var jsonKeyOrder = []string{"token", "apiKey", "bearer_token", "accessToken", "access_token"}

// TokenSource resolves OAuth access tokens by auth id. The OAuth manager
// implements this; the resolver delegates to it whenever an auth file turns
// out to hold an OAuth token rather than a static key.
type TokenSource interface {
	ResolveToken(ctx context.Context, authID string) (string, error)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Resolver materialises secret references. Safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	mappings map[string]string
	cache    map[string]cacheEntry
	tokens   TokenSource
	now      func() time.Time
}

// NewResolver builds a resolver over the given auth-file mapping table.
// tokens may be nil when no OAuth-backed auth files exist.
func NewResolver(mappings map[string]string, tokens TokenSource) *Resolver {
	copied := make(map[string]string, len(mappings))
	for id, path := range mappings {
		copied[id] = path
	}
	return &Resolver{
		mappings: copied,
		cache:    make(map[string]cacheEntry),
		tokens:   tokens,
		now:      time.Now,
	}
}

// AddAuthMapping registers an auth-file id and invalidates the cache.
func (r *Resolver) AddAuthMapping(id, path string) {
	r.mu.Lock()
	r.mappings[id] = path
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// ClearCache drops every cached value.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}

// Resolve turns a reference into a live secret value.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fault.New(fault.CodeSecretNotFound, "empty secret reference")
	}

	r.mu.RLock()
	if entry, ok := r.cache[ref]; ok && r.now().Before(entry.expiresAt) {
		r.mu.RUnlock()
		return entry.value, nil
	}
	r.mu.RUnlock()

	value, err := r.resolveUncached(ctx, ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[ref] = cacheEntry{value: value, expiresAt: r.now().Add(cacheTTL)}
	r.mu.Unlock()
	return value, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, ref string) (string, error) {
	if match := envRefPattern.FindStringSubmatch(ref); match != nil {
		name := match[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fault.New(fault.CodeConfigMissingEnv, "environment variable %s is not set", name)
		}
		return strings.TrimSpace(value), nil
	}
	if strings.HasPrefix(ref, authFilePrefix) {
		return r.resolveAuthFile(ctx, ref)
	}
	// Anything else is an inline literal.
	return ref, nil
}

func (r *Resolver) resolveAuthFile(ctx context.Context, id string) (string, error) {
	r.mu.RLock()
	path, ok := r.mappings[id]
	r.mu.RUnlock()
	if !ok {
		return "", fault.New(fault.CodeSecretNotFound, "auth file %s is not registered", id)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fault.Wrap(fault.CodeSecretFileUnreadable, err, "auth file %s unreadable", path)
	}

	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		// Plaintext auth files contribute their trimmed content.
		if trimmed == "" {
			return "", fault.New(fault.CodeSecretNoField, "auth file %s is empty", path)
		}
		return trimmed, nil
	}

	var fields map[string]any
	if err = json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return "", fault.Wrap(fault.CodeSecretFileUnreadable, err, "auth file %s is not valid JSON", path)
	}
	for _, key := range jsonKeyOrder {
		value, present := fields[key]
		if !present {
			continue
		}
		str, isString := value.(string)
		if !isString || strings.TrimSpace(str) == "" {
			continue
		}
		if key == "access_token" {
			// OAuth-shaped file: the live token is owned by the OAuth
			// manager, which may refresh it underneath us.
			if r.tokens != nil {
				token, errToken := r.tokens.ResolveToken(ctx, id)
				if errToken != nil {
					return "", errToken
				}
				return token, nil
			}
			log.Warnf("secret: auth file %s holds an OAuth token but no token source is configured", id)
			return strings.TrimSpace(str), nil
		}
		return strings.TrimSpace(str), nil
	}
	return "", fault.New(fault.CodeSecretNoField, "auth file %s has none of the recognised key fields", path)
}

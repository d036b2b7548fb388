package provider

import (
	"context"
	"sort"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/fault"
)

// CredentialResolver materialises credentials for a runtime profile. The
// secret resolver serves API keys; the OAuth manager serves OAuth tokens.
type CredentialResolver interface {
	Credential(ctx context.Context, profile RuntimeProfile) (CredentialFunc, error)
}

// HealthSink receives registry lifecycle events.
type HealthSink interface {
	RecordEvent(providerKey, event string, err error)
}

type snapshot struct {
	runtimes          map[string]*Runtime
	providerToRuntime map[string]string
	profiles          map[string]RuntimeProfile
	failed            map[string]error
}

// Registry maps provider keys to live runtimes. Reload rebuilds the whole
// snapshot and swaps it atomically: readers see either the old or the new
// registry, never a partial one.
type Registry struct {
	current atomic.Pointer[snapshot]
	health  HealthSink
}

// NewRegistry constructs an empty registry. health may be nil.
func NewRegistry(health HealthSink) *Registry {
	r := &Registry{health: health}
	r.current.Store(&snapshot{
		runtimes:          map[string]*Runtime{},
		providerToRuntime: map[string]string{},
		profiles:          map[string]RuntimeProfile{},
		failed:            map[string]error{},
	})
	return r
}

// Initialize materialises the given profiles into runtimes and swaps them
// in. Failures are recorded rather than raised so startup proceeds with a
// degraded provider set; failed provider keys are excluded from lookup.
// The previous snapshot is disposed after the swap.
func (r *Registry) Initialize(ctx context.Context, profiles map[string]RuntimeProfile, creds CredentialResolver) {
	next := &snapshot{
		runtimes:          make(map[string]*Runtime),
		providerToRuntime: make(map[string]string),
		profiles:          make(map[string]RuntimeProfile),
		failed:            make(map[string]error),
	}

	keys := make([]string, 0, len(profiles))
	for key := range profiles {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, providerKey := range keys {
		profile := profiles[providerKey]
		if _, exists := next.runtimes[profile.RuntimeKey]; !exists {
			if failedErr, failed := next.failed[profile.RuntimeKey]; failed {
				// Runtime already failed for a sibling key.
				next.failed[providerKey] = failedErr
				continue
			}
			runtime, err := r.buildRuntime(ctx, profile, creds)
			if err != nil {
				next.failed[profile.RuntimeKey] = err
				if providerKey != profile.RuntimeKey {
					next.failed[providerKey] = err
				}
				log.Errorf("registry: provider %s failed to initialise: %v", providerKey, err)
				if r.health != nil {
					r.health.RecordEvent(providerKey, "provider.runtime.init", err)
				}
				continue
			}
			next.runtimes[profile.RuntimeKey] = runtime
		}
		if _, failed := next.failed[profile.RuntimeKey]; failed {
			next.failed[providerKey] = next.failed[profile.RuntimeKey]
			continue
		}
		next.providerToRuntime[providerKey] = profile.RuntimeKey
		next.profiles[providerKey] = profile
	}

	previous := r.current.Swap(next)
	if previous != nil {
		disposeSnapshot(previous)
	}
	log.Infof("registry: %d provider keys live, %d failed", len(next.providerToRuntime), len(next.failed))
}

func (r *Registry) buildRuntime(ctx context.Context, profile RuntimeProfile, creds CredentialResolver) (*Runtime, error) {
	base := profile
	base.ProviderKey = base.RuntimeKey
	cred, err := creds.Credential(ctx, base)
	if err != nil {
		return nil, err
	}
	return NewRuntime(base, cred)
}

// Lookup resolves a provider key to its runtime and per-key profile.
func (r *Registry) Lookup(providerKey string) (*Runtime, RuntimeProfile, error) {
	snap := r.current.Load()
	runtimeKey, ok := snap.providerToRuntime[providerKey]
	if !ok {
		if _, failed := snap.failed[providerKey]; failed {
			return nil, RuntimeProfile{}, fault.New(fault.CodeProviderNotFound, "provider %s failed to initialise", providerKey)
		}
		return nil, RuntimeProfile{}, fault.New(fault.CodeProviderNotFound, "provider %s is not registered", providerKey)
	}
	runtime, ok := snap.runtimes[runtimeKey]
	if !ok {
		return nil, RuntimeProfile{}, fault.New(fault.CodeRuntimeNotFound, "runtime %s is missing for provider %s", runtimeKey, providerKey)
	}
	return runtime, snap.profiles[providerKey], nil
}

// Profile returns the materialised profile for a live provider key.
func (r *Registry) Profile(providerKey string) (RuntimeProfile, bool) {
	snap := r.current.Load()
	profile, ok := snap.profiles[providerKey]
	return profile, ok
}

// ProviderKeys lists the live provider keys in sorted order.
func (r *Registry) ProviderKeys() []string {
	snap := r.current.Load()
	keys := make([]string, 0, len(snap.providerToRuntime))
	for key := range snap.providerToRuntime {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Failed returns the provider keys that did not initialise, with causes.
func (r *Registry) Failed() map[string]error {
	snap := r.current.Load()
	out := make(map[string]error, len(snap.failed))
	for key, err := range snap.failed {
		out[key] = err
	}
	return out
}

// Dispose tears down every runtime. Errors are swallowed and logged.
func (r *Registry) Dispose() {
	snap := r.current.Swap(&snapshot{
		runtimes:          map[string]*Runtime{},
		providerToRuntime: map[string]string{},
		profiles:          map[string]RuntimeProfile{},
		failed:            map[string]error{},
	})
	if snap != nil {
		disposeSnapshot(snap)
	}
}

func disposeSnapshot(snap *snapshot) {
	for runtimeKey, runtime := range snap.runtimes {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					log.Warnf("registry: dispose of %s panicked: %v", runtimeKey, recovered)
				}
			}()
			runtime.Dispose()
		}()
	}
}

// Package llmswitch is the default routing and conversion engine behind the
// hub contracts: a route-table virtual router with sticky sessions and a
// cross-protocol response converter with server-tool re-entry.
package llmswitch

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/jsonutil"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/state"
)

// ProfileView exposes the registry's live profiles to the router.
type ProfileView interface {
	Profile(providerKey string) (provider.RuntimeProfile, bool)
}

// RouteTable is the immutable routing configuration for one reload
// generation.
type RouteTable struct {
	// Routes maps route names to ordered pools of provider keys.
	Routes map[string][]string
	// DefaultRoute is used when nothing more specific matches.
	DefaultRoute string
	// EndpointRoutes binds entry endpoints to route names.
	EndpointRoutes map[string]string
}

// Hub policy modes. Observe evaluates sticky dispatch against a read-only
// overlay of the session store and logs it without acting on it; off and
// enforce keep sticky dispatch authoritative.
const (
	PolicyOff     = "off"
	PolicyObserve = "observe"
	PolicyEnforce = "enforce"
)

// Router is the default virtual router. Selection is deterministic given
// identical inputs and state: exclusions and quota views filter the pool,
// health ranks it, sticky session state pins it, and a per-route counter
// round-robins the remainder.
type Router struct {
	mu         sync.Mutex
	table      RouteTable
	profiles   ProfileView
	quota      *state.QuotaStore
	health     *state.HealthStore
	sessions   state.RoutingStore
	counters   map[string]uint64
	policyMode string
	shadow     state.RoutingStore
}

// NewRouter wires the default router.
func NewRouter(table RouteTable, profiles ProfileView, quota *state.QuotaStore, health *state.HealthStore, sessions state.RoutingStore) *Router {
	return &Router{
		table:    table,
		profiles: profiles,
		quota:    quota,
		health:   health,
		sessions: sessions,
		counters: make(map[string]uint64),
	}
}

// SetPolicyMode installs the hub policy mode. In observe mode the sticky
// pass runs over a read-only overlay of the session store: divergence from
// rotation is logged, rotation drives the returned decision, and sticky
// commits are dropped so observation leaves no side effects.
func (r *Router) SetPolicyMode(mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policyMode = mode
	if mode == PolicyObserve && r.sessions != nil {
		r.shadow = state.NewReadOnlyRoutingStore(r.sessions)
	} else {
		r.shadow = nil
	}
}

// SetTable swaps the route table on reload.
func (r *Router) SetTable(table RouteTable) {
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
}

// Execute picks a target for one attempt, honouring the exclusion set.
func (r *Router) Execute(_ context.Context, req *hub.RouteRequest) (*hub.RouterDecision, error) {
	r.mu.Lock()
	table := r.table
	r.mu.Unlock()

	routeName := r.pickRoute(table, req)
	pool := table.Routes[routeName]
	if len(pool) == 0 {
		return nil, fault.New(fault.CodeNoProviderTarget, "route %s has an empty pool", routeName)
	}

	candidates := make([]string, 0, len(pool))
	for _, key := range pool {
		if req.Excluded[key] {
			continue
		}
		if _, live := r.profiles.Profile(key); !live {
			continue
		}
		if r.quota != nil && !r.quota.Available(key) {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return nil, fault.New(fault.CodeNoProviderTarget, "route %s pool exhausted", routeName)
	}

	// Health is advisory: prefer healthy keys, keep unhealthy ones as a
	// last resort.
	if r.health != nil {
		healthy := make([]string, 0, len(candidates))
		degraded := make([]string, 0)
		for _, key := range candidates {
			if r.health.Healthy(key) {
				healthy = append(healthy, key)
			} else {
				degraded = append(degraded, key)
			}
		}
		candidates = append(healthy, degraded...)
	}

	providerKey := r.pickCandidate(routeName, req, candidates)
	profile, _ := r.profiles.Profile(providerKey)

	payload, _ := jsonutil.DeepCopy(req.Payload).(map[string]any)
	if payload == nil {
		payload = map[string]any{}
	}

	return &hub.RouterDecision{
		ProviderPayload: payload,
		Target: &hub.RouteTarget{
			ProviderKey:          providerKey,
			ProviderType:         profile.ProviderType,
			RuntimeKey:           profile.RuntimeKey,
			ProcessMode:          processModeFor(req.Endpoint, profile),
			CompatibilityProfile: profile.CompatibilityProfile,
			DefaultModel:         profile.DefaultModel,
		},
		Routing:     hub.RoutingDecision{RouteName: routeName, Pool: append([]string(nil), pool...)},
		ProcessMode: processModeFor(req.Endpoint, profile),
		Metadata:    map[string]any{"routeName": routeName},
	}, nil
}

// NotifySuccess commits the sticky choice for a session. In observe mode
// the write lands on the read-only overlay and is dropped.
func (r *Router) NotifySuccess(sessionID, routeName, providerKey string) {
	store := r.sessionStore()
	if store == nil || sessionID == "" || routeName == "" {
		return
	}
	key := sessionKey(sessionID)
	st, ok := store.LoadSync(key)
	if !ok {
		st = state.SessionState{Routes: map[string]string{}}
	}
	if st.Routes == nil {
		st.Routes = map[string]string{}
	}
	st.Routes[routeName] = providerKey
	store.SaveAsync(key, st)
}

// sessionStore returns the store sticky reads and writes go through: the
// real store, or its read-only overlay in observe mode.
func (r *Router) sessionStore() state.RoutingStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policyMode == PolicyObserve {
		return r.shadow
	}
	return r.sessions
}

func (r *Router) pickRoute(table RouteTable, req *hub.RouteRequest) string {
	// A route hint is a soft preference: honoured only when it names a
	// configured route.
	if hint, ok := req.Metadata[hub.MetaRouteHint].(string); ok && hint != "" {
		if _, exists := table.Routes[hint]; exists {
			return hint
		}
		log.Debugf("router: ignoring unknown route hint %q", hint)
	}
	if route, ok := table.EndpointRoutes[req.Endpoint]; ok {
		return route
	}
	return table.DefaultRoute
}

func (r *Router) pickCandidate(routeName string, req *hub.RouteRequest, candidates []string) string {
	r.mu.Lock()
	mode := r.policyMode
	r.mu.Unlock()

	var sticky string
	store := r.sessionStore()
	if sessionID, ok := req.Metadata[hub.MetaSessionID].(string); ok && sessionID != "" && store != nil {
		if st, found := store.LoadSync(sessionKey(sessionID)); found {
			if pinned := st.Routes[routeName]; pinned != "" {
				for _, key := range candidates {
					if key == pinned {
						sticky = key
						break
					}
				}
			}
		}
	}
	if sticky != "" && mode != PolicyObserve {
		return sticky
	}

	r.mu.Lock()
	counter := r.counters[routeName]
	r.counters[routeName]++
	r.mu.Unlock()
	rotation := candidates[counter%uint64(len(candidates))]
	if sticky != "" && sticky != rotation {
		log.Debugf("router: observe: sticky %s diverges from rotation %s on route %s", sticky, rotation, routeName)
	}
	return rotation
}

// processModeFor short-circuits conversion when the upstream already
// speaks the entry endpoint's native protocol and no compatibility quirks
// apply.
func processModeFor(endpoint string, profile provider.RuntimeProfile) string {
	if profile.CompatibilityProfile != "" {
		return hub.ProcessModeDefault
	}
	if profile.ProviderType.EntryEndpoint() == endpoint {
		return hub.ProcessModePassthrough
	}
	return hub.ProcessModeDefault
}

// sessionKey avoids characters the file persister would rewrite, so keys
// survive a persist/reload round trip unchanged.
func sessionKey(sessionID string) string {
	return "session_" + sessionID
}

package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/jsonutil"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/state"
)

type staticCreds struct{}

func (staticCreds) Credential(context.Context, provider.RuntimeProfile) (provider.CredentialFunc, error) {
	return func(context.Context) (string, error) { return "test-key", nil }, nil
}

// scriptRouter walks an ordered pool and returns the first candidate not in
// the exclusion set, mirroring the virtual router's failover contract.
type scriptRouter struct {
	mu       sync.Mutex
	pool     []string
	registry *provider.Registry

	calls    int
	excluded []map[string]bool
	payloads []any
	notified []string

	mutatePayload bool
}

func (s *scriptRouter) Execute(_ context.Context, req *RouteRequest) (*RouterDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	snapshot := make(map[string]bool, len(req.Excluded))
	for key := range req.Excluded {
		snapshot[key] = true
	}
	s.excluded = append(s.excluded, snapshot)
	s.payloads = append(s.payloads, jsonutil.DeepCopy(req.Payload))

	payload := jsonutil.DeepCopy(req.Payload)
	if s.mutatePayload {
		if body, ok := req.Payload.(map[string]any); ok {
			body["__router_mark"] = true
		}
	}

	for _, key := range s.pool {
		if req.Excluded[key] {
			continue
		}
		profile, _ := s.registry.Profile(key)
		return &RouterDecision{
			ProviderPayload: payload,
			Target: &RouteTarget{
				ProviderKey:  key,
				ProviderType: profile.ProviderType,
				RuntimeKey:   profile.RuntimeKey,
				DefaultModel: profile.DefaultModel,
			},
			Routing:     RoutingDecision{RouteName: "default", Pool: s.pool},
			ProcessMode: ProcessModePassthrough,
		}, nil
	}
	return nil, fault.New(fault.CodeNoProviderTarget, "route default has no remaining providers")
}

func (s *scriptRouter) NotifySuccess(sessionID, routeName, providerKey string) {
	s.mu.Lock()
	s.notified = append(s.notified, sessionID+"/"+routeName+"/"+providerKey)
	s.mu.Unlock()
}

type recordingUsage struct {
	mu      sync.Mutex
	records []struct {
		Provider string
		Failed   bool
		Usage    Usage
	}
}

func (r *recordingUsage) Publish(providerKey, _, _ string, usage Usage, failed bool) {
	r.mu.Lock()
	r.records = append(r.records, struct {
		Provider string
		Failed   bool
		Usage    Usage
	}{providerKey, failed, usage})
	r.mu.Unlock()
}

func chatProfile(key, baseURL string) provider.RuntimeProfile {
	return provider.RuntimeProfile{
		RuntimeKey:   key,
		ProviderKey:  key,
		ProviderID:   key,
		ProviderType: provider.ProtocolOpenAIChat,
		BaseURL:      baseURL,
		AuthKind:     provider.AuthAPIKey,
		AuthRef:      "inline-key",
		DefaultModel: "gpt-test",
	}
}

func newTestRegistry(t *testing.T, profiles map[string]provider.RuntimeProfile) *provider.Registry {
	t.Helper()
	registry := provider.NewRegistry(nil)
	registry.Initialize(context.Background(), profiles, staticCreds{})
	t.Cleanup(registry.Dispose)
	return registry
}

func newTestExecutor(registry *provider.Registry, router VirtualRouter, settings config.Settings, usage UsageSink) (*Executor, *Stats) {
	stats := NewStats()
	executor := NewExecutor(Dependencies{
		Registry:  registry,
		Router:    router,
		Converter: nil, // passthrough decisions never reach the converter
		Stats:     stats,
		Quota:     state.NewQuotaStore(true),
		Health:    state.NewHealthStore(),
		Settings:  settings,
		Usage:     usage,
	})
	executor.sleep = func(context.Context, time.Duration) error { return nil }
	return executor, stats
}

func chatInput(requestID string) *ExecutionInput {
	return &ExecutionInput{
		RequestID:     requestID,
		EntryEndpoint: EndpointChatCompletions,
		Method:        http.MethodPost,
		Body: map[string]any{
			"model":    "gpt-test",
			"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		},
		Metadata: map[string]any{MetaSessionID: "sess-1"},
	}
}

func jsonUpstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

const okCompletion = `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

func TestExecuteFailsOverAfterServerError(t *testing.T) {
	broken := jsonUpstream(t, http.StatusInternalServerError, `{"error":"boom"}`)
	healthy := jsonUpstream(t, http.StatusOK, okCompletion)

	registry := newTestRegistry(t, map[string]provider.RuntimeProfile{
		"a": chatProfile("a", broken.URL),
		"b": chatProfile("b", healthy.URL),
	})
	router := &scriptRouter{pool: []string{"a", "b"}, registry: registry}
	usage := &recordingUsage{}
	executor, stats := newTestExecutor(registry, router, config.Settings{MaxProviderAttempts: 6}, usage)

	result, err := executor.Execute(context.Background(), chatInput("req-1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", result.Status)
	}
	body, ok := result.Body.(map[string]any)
	if !ok || body["id"] != "chatcmpl-1" {
		t.Fatalf("unexpected body: %#v", result.Body)
	}
	if result.Headers["session_id"] != "sess-1" {
		t.Fatalf("session header = %q, want sess-1", result.Headers["session_id"])
	}

	if router.calls != 2 {
		t.Fatalf("router calls = %d, want 2", router.calls)
	}
	if len(router.excluded[0]) != 0 {
		t.Fatalf("first attempt excluded %v, want empty", router.excluded[0])
	}
	if !router.excluded[1]["a"] {
		t.Fatalf("second attempt should exclude a, got %v", router.excluded[1])
	}
	if len(router.notified) != 1 || router.notified[0] != "sess-1/default/b" {
		t.Fatalf("notify = %v", router.notified)
	}

	summary := stats.Summary()
	if summary.Requests != 1 || summary.Completions != 2 || summary.Failures != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.TotalTokens != 5 {
		t.Fatalf("total tokens = %d, want 5", summary.TotalTokens)
	}

	if len(usage.records) != 2 {
		t.Fatalf("usage records = %d, want 2", len(usage.records))
	}
	if usage.records[0].Provider != "a" || !usage.records[0].Failed {
		t.Fatalf("first usage record = %+v", usage.records[0])
	}
	if usage.records[1].Provider != "b" || usage.records[1].Failed || usage.records[1].Usage.TotalTokens != 5 {
		t.Fatalf("second usage record = %+v", usage.records[1])
	}
}

func TestExecuteStopsOnTerminalClientError(t *testing.T) {
	rejecting := jsonUpstream(t, http.StatusBadRequest, `{"error":"bad request"}`)
	fallback := jsonUpstream(t, http.StatusOK, okCompletion)

	registry := newTestRegistry(t, map[string]provider.RuntimeProfile{
		"a": chatProfile("a", rejecting.URL),
		"b": chatProfile("b", fallback.URL),
	})
	router := &scriptRouter{pool: []string{"a", "b"}, registry: registry}
	executor, stats := newTestExecutor(registry, router, config.Settings{MaxProviderAttempts: 6}, nil)

	_, err := executor.Execute(context.Background(), chatInput("req-2"))
	if err == nil {
		t.Fatal("expected error")
	}
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeHTTP4xx || f.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("fault = %v", err)
	}
	if router.calls != 1 {
		t.Fatalf("router calls = %d, want 1 (4xx must not fail over)", router.calls)
	}
	summary := stats.Summary()
	if summary.Requests != 1 || summary.Completions != 1 || summary.Failures != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestExecuteExhaustedBudgetReturnsFirstError(t *testing.T) {
	throttledA := jsonUpstream(t, http.StatusTooManyRequests, `{"error":"slow down a"}`)
	throttledB := jsonUpstream(t, http.StatusTooManyRequests, `{"error":"slow down b"}`)

	registry := newTestRegistry(t, map[string]provider.RuntimeProfile{
		"a": chatProfile("a", throttledA.URL),
		"b": chatProfile("b", throttledB.URL),
	})
	router := &scriptRouter{pool: []string{"a", "b"}, registry: registry}
	executor, _ := newTestExecutor(registry, router, config.Settings{MaxProviderAttempts: 2}, nil)

	_, err := executor.Execute(context.Background(), chatInput("req-3"))
	if err == nil {
		t.Fatal("expected error")
	}
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeHTTP429 {
		t.Fatalf("fault = %v", err)
	}
	if f.Message != `{"error":"slow down a"}` {
		t.Fatalf("should keep the first attempt's error, got %q", f.Message)
	}
	if router.calls != 2 {
		t.Fatalf("router calls = %d, want 2", router.calls)
	}
}

func TestExecuteRateLimitCoolsProviderDown(t *testing.T) {
	throttled := jsonUpstream(t, http.StatusTooManyRequests, `{"error":"slow down"}`)
	registry := newTestRegistry(t, map[string]provider.RuntimeProfile{
		"a": chatProfile("a", throttled.URL),
	})
	router := &scriptRouter{pool: []string{"a"}, registry: registry}
	quota := state.NewQuotaStore(true)
	executor := NewExecutor(Dependencies{
		Registry: registry,
		Router:   router,
		Stats:    NewStats(),
		Quota:    quota,
		Health:   state.NewHealthStore(),
		Settings: config.Settings{MaxProviderAttempts: 1},
	})
	executor.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := executor.Execute(context.Background(), chatInput("req-7")); err == nil {
		t.Fatal("expected error")
	}
	if quota.Available("a") {
		t.Fatal("a 429 should cool the provider key down")
	}
	if got := quota.View("a").DisableMode; got != state.DisableCooldown {
		t.Fatalf("disable mode = %q", got)
	}
}

func TestExecuteNoProviderTarget(t *testing.T) {
	registry := newTestRegistry(t, nil)
	router := &scriptRouter{pool: nil, registry: registry}
	executor, _ := newTestExecutor(registry, router, config.Settings{MaxProviderAttempts: 6}, nil)

	_, err := executor.Execute(context.Background(), chatInput("req-4"))
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeNoProviderTarget {
		t.Fatalf("fault = %v", err)
	}
}

func TestExecuteSingleProviderNetworkRetryBacksOffInPlace(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close() // connection refused from here on

	registry := newTestRegistry(t, map[string]provider.RuntimeProfile{
		"solo": chatProfile("solo", dead.URL),
	})
	router := &scriptRouter{pool: []string{"solo"}, registry: registry}
	executor, _ := newTestExecutor(registry, router, config.Settings{MaxProviderAttempts: 3}, nil)

	var sleeps int
	executor.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	_, err := executor.Execute(context.Background(), chatInput("req-5"))
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeNetworkError {
		t.Fatalf("fault = %v", err)
	}
	if router.calls != 3 {
		t.Fatalf("router calls = %d, want 3", router.calls)
	}
	if sleeps != 2 {
		t.Fatalf("sleeps = %d, want 2", sleeps)
	}
	// A single-provider pool retries in place instead of excluding.
	for i, excluded := range router.excluded {
		if len(excluded) != 0 {
			t.Fatalf("attempt %d excluded %v, want empty", i+1, excluded)
		}
	}
}

func TestExecuteProfileMaxRetriesCapsInPlaceRetries(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()

	profile := chatProfile("solo", dead.URL)
	profile.MaxRetries = 1
	registry := newTestRegistry(t, map[string]provider.RuntimeProfile{"solo": profile})
	router := &scriptRouter{pool: []string{"solo"}, registry: registry}
	executor, _ := newTestExecutor(registry, router, config.Settings{MaxProviderAttempts: 6}, nil)

	var sleeps int
	executor.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	_, err := executor.Execute(context.Background(), chatInput("req-8"))
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeNetworkError {
		t.Fatalf("fault = %v", err)
	}
	// The provider's own cap wins over the global attempt budget.
	if router.calls != 2 {
		t.Fatalf("router calls = %d, want 2", router.calls)
	}
	if sleeps != 1 {
		t.Fatalf("sleeps = %d, want 1", sleeps)
	}
}

func TestExecuteResetsBodyBetweenAttempts(t *testing.T) {
	broken := jsonUpstream(t, http.StatusInternalServerError, `{"error":"boom"}`)
	healthy := jsonUpstream(t, http.StatusOK, okCompletion)

	registry := newTestRegistry(t, map[string]provider.RuntimeProfile{
		"a": chatProfile("a", broken.URL),
		"b": chatProfile("b", healthy.URL),
	})
	router := &scriptRouter{pool: []string{"a", "b"}, registry: registry, mutatePayload: true}
	executor, _ := newTestExecutor(registry, router, config.Settings{MaxProviderAttempts: 6}, nil)

	if _, err := executor.Execute(context.Background(), chatInput("req-6")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if router.calls != 2 {
		t.Fatalf("router calls = %d, want 2", router.calls)
	}
	second, ok := router.payloads[1].(map[string]any)
	if !ok {
		t.Fatalf("second payload: %#v", router.payloads[1])
	}
	if _, stained := second["__router_mark"]; stained {
		t.Fatal("second attempt saw mutations from the first pass")
	}
}

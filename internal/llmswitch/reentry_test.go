package llmswitch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/jsonutil"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/state"
)

type inlineCreds struct{}

func (inlineCreds) Credential(context.Context, provider.RuntimeProfile) (provider.CredentialFunc, error) {
	return func(context.Context) (string, error) { return "sk-test", nil }, nil
}

// reentryRouter always picks one provider in default process mode and keeps
// a metadata snapshot per routing pass.
type reentryRouter struct {
	mu       sync.Mutex
	key      string
	registry *provider.Registry
	metas    []map[string]any
}

func (r *reentryRouter) Execute(_ context.Context, req *hub.RouteRequest) (*hub.RouterDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta := make(map[string]any, len(req.Metadata))
	for key, value := range req.Metadata {
		meta[key] = value
	}
	r.metas = append(r.metas, meta)

	profile, _ := r.registry.Profile(r.key)
	return &hub.RouterDecision{
		ProviderPayload: jsonutil.DeepCopy(req.Payload),
		Target: &hub.RouteTarget{
			ProviderKey:  r.key,
			ProviderType: profile.ProviderType,
			RuntimeKey:   profile.RuntimeKey,
		},
		Routing:     hub.RoutingDecision{RouteName: "default", Pool: []string{r.key}},
		ProcessMode: hub.ProcessModeDefault,
	}, nil
}

func (r *reentryRouter) NotifySuccess(string, string, string) {}

// toolLoopPipeline wires a real executor over one upstream handler with the
// web_search server tool registered.
func toolLoopPipeline(t *testing.T, upstream http.HandlerFunc) (*hub.Executor, *hub.Stats, *reentryRouter) {
	t.Helper()
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	registry := provider.NewRegistry(nil)
	registry.Initialize(context.Background(), map[string]provider.RuntimeProfile{
		"a": {
			RuntimeKey:   "a",
			ProviderKey:  "a",
			ProviderID:   "a",
			ProviderType: provider.ProtocolOpenAIChat,
			BaseURL:      server.URL,
			AuthKind:     provider.AuthAPIKey,
			AuthRef:      "inline-key",
			DefaultModel: "gpt-test",
		},
	}, inlineCreds{})
	t.Cleanup(registry.Dispose)

	converter := NewConverter()
	converter.RegisterServerTool("web_search", func(context.Context, string) (string, error) {
		return "search results", nil
	})

	router := &reentryRouter{key: "a", registry: registry}
	stats := hub.NewStats()
	executor := hub.NewExecutor(hub.Dependencies{
		Registry:  registry,
		Router:    router,
		Converter: converter,
		Stats:     stats,
		Quota:     state.NewQuotaStore(false),
		Health:    state.NewHealthStore(),
		Settings:  config.Settings{MaxProviderAttempts: 2},
	})
	return executor, stats, router
}

func toolLoopInput() *hub.ExecutionInput {
	return &hub.ExecutionInput{
		RequestID:     "req-1",
		EntryEndpoint: hub.EndpointChatCompletions,
		Method:        http.MethodPost,
		Headers:       map[string]string{"x-client": "cli"},
		Body: map[string]any{
			"model":    "gpt-test",
			"messages": []any{map[string]any{"role": "user", "content": "find go docs"}},
		},
		Metadata: map[string]any{},
	}
}

func TestExecuteServerToolFollowupMetadata(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	executor, stats, router := toolLoopPipeline(t, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if first {
			_, _ = w.Write([]byte(toolCallCompletion))
			return
		}
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","model":"gpt-test","choices":[{"message":{"role":"assistant","content":"final answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":20,"completion_tokens":7,"total_tokens":27}}`))
	})

	result, err := executor.Execute(context.Background(), toolLoopInput())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	body := result.Body.(map[string]any)
	choice := body["choices"].([]any)[0].(map[string]any)
	if choice["message"].(map[string]any)["content"] != "final answer" {
		t.Fatalf("final body = %#v", body)
	}
	usage := body["usage"].(map[string]any)
	if usage["prompt_tokens"] != 30 || usage["completion_tokens"] != 12 || usage["total_tokens"] != 42 {
		t.Fatalf("usage = %#v", usage)
	}

	if len(router.metas) != 2 {
		t.Fatalf("routing passes = %d, want parent + follow-up", len(router.metas))
	}
	parent, followup := router.metas[0], router.metas[1]
	if _, ok := parent[hub.MetaClientHeaders]; !ok {
		t.Fatal("parent pass is missing the client header snapshot")
	}
	if parent[hub.MetaHeaderOriginator] != "executor" {
		t.Fatalf("parent originator = %v", parent[hub.MetaHeaderOriginator])
	}

	// The follow-up drops client identity and keeps the parent's stats id.
	if _, leaked := followup[hub.MetaClientHeaders]; leaked {
		t.Fatal("follow-up must not inherit client headers")
	}
	if _, leaked := followup[hub.MetaClientRequestID]; leaked {
		t.Fatal("follow-up must not inherit the client request id")
	}
	if _, leaked := followup[hub.MetaHeaderOriginator]; leaked {
		t.Fatal("follow-up must not inherit the header originator")
	}
	if followup[hub.MetaStatsRequestID] != "req-1" {
		t.Fatalf("follow-up stats id = %v, want req-1", followup[hub.MetaStatsRequestID])
	}
	if followup[hub.MetaProviderProtocol] != string(provider.ProtocolOpenAIChat) {
		t.Fatalf("follow-up protocol = %v", followup[hub.MetaProviderProtocol])
	}
	if followup["__reentryDepth"] != 1 {
		t.Fatalf("follow-up depth = %v", followup["__reentryDepth"])
	}
	runtimeBag, _ := followup[hub.MetaRuntime].(map[string]any)
	if runtimeBag[hub.MetaServerToolFollowup] != true {
		t.Fatalf("runtime metadata = %#v", followup)
	}

	// One client-facing request, two completions against the same id.
	if got := stats.Started("req-1"); got != 1 {
		t.Fatalf("starts = %d", got)
	}
	completions := stats.Completions("req-1")
	if len(completions) != 2 {
		t.Fatalf("completions = %d, want 2", len(completions))
	}
	if completions[0].Usage.TotalTokens != 27 || completions[1].Usage.TotalTokens != 42 {
		t.Fatalf("completion usage = %+v", completions)
	}
	if summary := stats.Summary(); summary.Requests != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestExecuteServerToolReentryDepthCapped(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	executor, _, _ := toolLoopPipeline(t, func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		// Every hop asks for another tool call, so the loop never settles.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(toolCallCompletion))
	})

	_, err := executor.Execute(context.Background(), toolLoopInput())
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeServerToolFailed {
		t.Fatalf("err = %v, want %s", err, fault.CodeServerToolFailed)
	}
	if fault.ShouldRetry(err) {
		t.Fatal("an exhausted tool loop must not trigger failover")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 4 {
		t.Fatalf("upstream calls = %d, want parent plus three follow-ups", calls)
	}
}

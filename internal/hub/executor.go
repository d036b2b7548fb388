package hub

import (
	"context"
	"math/rand"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/config"
	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/jsonutil"
	"github.com/routecodex/routecodex/internal/provider"
	"github.com/routecodex/routecodex/internal/state"
)

const (
	defaultRetryDelay = time.Second
	maxReentryDepth   = 3
	// rateLimitCooldown takes a key out of routing after an upstream 429.
	rateLimitCooldown = time.Minute
)

// Dependencies collects the collaborators threaded into the executor at
// construction. Tests replace members with fresh instances rather than
// patching globals.
type Dependencies struct {
	Registry  *provider.Registry
	Router    VirtualRouter
	Converter ResponseConverter
	Stats     *Stats
	Quota     *state.QuotaStore
	Health    *state.HealthStore
	Settings  config.Settings
	// Usage receives per-attempt usage records; nil disables publishing.
	Usage UsageSink
	// RetryDelay seeds the transport backoff. Zero means one second.
	RetryDelay time.Duration
}

// UsageSink receives one record per provider attempt.
type UsageSink interface {
	Publish(providerKey, model, endpoint string, usage Usage, failed bool)
}

// Executor orchestrates router, registry, runtimes, and converter for one
// inbound request at a time. It owns retry/failover, request-id
// enhancement, metadata propagation, and stats.
type Executor struct {
	registry      *provider.Registry
	router        VirtualRouter
	converter     ResponseConverter
	stats         *Stats
	quota         *state.QuotaStore
	health        *state.HealthStore
	settings      config.Settings
	usage         UsageSink
	retryDelay    time.Duration
	conversations *ConversationRegistry
	sleep         func(context.Context, time.Duration) error
}

// NewExecutor wires an executor from its dependencies.
func NewExecutor(deps Dependencies) *Executor {
	retryDelay := deps.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Executor{
		registry:      deps.Registry,
		router:        deps.Router,
		converter:     deps.Converter,
		stats:         deps.Stats,
		quota:         deps.Quota,
		health:        deps.Health,
		settings:      deps.Settings,
		usage:         deps.Usage,
		retryDelay:    retryDelay,
		conversations: NewConversationRegistry(),
		sleep:         sleepCtx,
	}
}

// Conversations exposes the conversation registry for Responses handlers.
func (e *Executor) Conversations() *ConversationRegistry { return e.conversations }

// Execute runs the attempt loop for one inbound request and returns
// exactly one result. Failed provider attempts record their own stats
// completions before any failover; the first semantic error is preserved
// and re-raised when the budget is exhausted.
func (e *Executor) Execute(ctx context.Context, input *ExecutionInput) (*ExecutionResult, error) {
	if input.Metadata == nil {
		input.Metadata = make(map[string]any)
	}
	e.snapshotClientMetadata(input)

	statsRequestID := input.RequestID
	nested := false
	if override, ok := input.Metadata[MetaStatsRequestID].(string); ok && override != "" {
		statsRequestID = override
		nested = true
	}
	if !nested {
		e.stats.RecordRequestStart(statsRequestID)
		// Pin the stats id before per-attempt enhancement so server-tool
		// follow-ups account against the client-facing request.
		input.Metadata[MetaStatsRequestID] = statsRequestID
	}

	if strings.HasPrefix(input.EntryEndpoint, EndpointResponses) {
		e.conversations.Capture(input.RequestID, jsonutil.DeepCopy(input.Body))
		defer e.conversations.Release(input.RequestID)
	}

	body0 := jsonutil.DeepCopy(input.Body)
	excluded := make(map[string]bool)
	maxAttempts := e.settings.MaxProviderAttempts
	transportRetries := 0
	var firstError error

	for attempt := 1; ; attempt++ {
		// Reset mutations from the prior hub pass.
		input.Body = jsonutil.DeepCopy(body0)

		decision, err := e.route(ctx, input, excluded)
		if err != nil {
			if firstError != nil {
				return nil, firstError
			}
			return nil, err
		}
		target := decision.Target
		if target.ProviderKey != "" && e.familyOf(target.ProviderKey) == "antigravity" {
			maxAttempts = e.settings.AntigravityMaxProviderAttempts
		}

		runtime, profile, err := e.registry.Lookup(target.ProviderKey)
		if err != nil {
			log.Warnf("executor: provider %s unavailable: %v", target.ProviderKey, err)
			e.health.RecordFailure(target.ProviderKey, err)
			excluded[target.ProviderKey] = true
			if attempt >= maxAttempts {
				if firstError != nil {
					return nil, firstError
				}
				return nil, err
			}
			continue
		}

		attachRuntimeMetadata(decision, profile)
		model := dispatchModel(decision, profile)
		enhancedID := EnhanceRequestID(input.RequestID, profile.ProviderID, model, input.EntryEndpoint)
		if strings.HasPrefix(input.EntryEndpoint, EndpointResponses) {
			// Ties the tool-loop capture to the enhanced id.
			e.conversations.Rebind(input.RequestID, enhancedID)
		}
		input.RequestID = enhancedID

		result, err := e.attempt(ctx, input, decision, runtime, profile)
		if err == nil {
			usage := extractUsage(result)
			e.stats.RecordCompletion(statsRequestID, usage, false)
			e.quota.RecordSuccess(target.ProviderKey, usage.TotalTokens)
			e.health.RecordSuccess(target.ProviderKey)
			if e.usage != nil {
				e.usage.Publish(target.ProviderKey, model, input.EntryEndpoint, usage, false)
			}
			e.notifySuccess(input, decision)
			attachSessionHeaders(result, input.Metadata)
			return result, nil
		}

		e.stats.RecordCompletion(statsRequestID, Usage{}, true)
		if e.usage != nil {
			e.usage.Publish(target.ProviderKey, model, input.EntryEndpoint, Usage{}, true)
		}
		e.quota.RecordError(target.ProviderKey)
		if f, rateLimited := fault.As(err); rateLimited && f.Code == fault.CodeHTTP429 {
			e.quota.Disable(target.ProviderKey, state.DisableCooldown, rateLimitCooldown)
		}
		e.health.RecordFailure(target.ProviderKey, err)
		log.Debugf("executor: attempt %d on %s failed: %v", attempt, target.ProviderKey, err)

		if attempt >= maxAttempts || !fault.ShouldRetry(err) {
			if firstError != nil {
				return nil, firstError
			}
			return nil, err
		}

		if len(decision.Routing.Pool) == 1 && fault.IsNetworkTransport(err) {
			// No failover peer: wait and retry the same provider, up to the
			// provider's own retry cap when one is configured.
			transportRetries++
			if profile.MaxRetries > 0 && transportRetries > profile.MaxRetries {
				if firstError != nil {
					return nil, firstError
				}
				return nil, err
			}
			if waitErr := e.sleep(ctx, e.backoff(attempt, profile)); waitErr != nil {
				if firstError != nil {
					return nil, firstError
				}
				return nil, fault.Wrap(fault.CodeNetworkError, waitErr, "request cancelled during backoff")
			}
		} else {
			excluded[target.ProviderKey] = true
		}
		if firstError == nil {
			firstError = err
		}
	}
}

// route invokes the virtual router for one attempt.
func (e *Executor) route(ctx context.Context, input *ExecutionInput, excluded map[string]bool) (*RouterDecision, error) {
	metadata := make(map[string]any, len(input.Metadata)+1)
	for key, value := range input.Metadata {
		metadata[key] = value
	}
	excludedKeys := make([]string, 0, len(excluded))
	for key := range excluded {
		excludedKeys = append(excludedKeys, key)
	}
	metadata[MetaExcludedProviders] = excludedKeys

	decision, err := e.router.Execute(ctx, &RouteRequest{
		Endpoint: input.EntryEndpoint,
		ID:       input.RequestID,
		Payload:  input.Body,
		Metadata: metadata,
		Excluded: excluded,
	})
	if err != nil {
		return nil, err
	}
	if decision == nil || decision.Target == nil || decision.Target.ProviderKey == "" {
		return nil, fault.New(fault.CodeNoProviderTarget, "virtual router produced no provider target")
	}
	return decision, nil
}

// attempt performs a single upstream dispatch plus conversion.
func (e *Executor) attempt(ctx context.Context, input *ExecutionInput, decision *RouterDecision, runtime *provider.Runtime, profile provider.RuntimeProfile) (*ExecutionResult, error) {
	payload, err := jsonutil.EncodeBody(decision.ProviderPayload)
	if err != nil {
		return nil, fault.Wrap(fault.CodeValidationError, err, "provider payload is not serialisable")
	}
	payload = applyCompatibility(profile, payload)

	e.quota.RecordUsage(decision.Target.ProviderKey, state.EstimateRequestedTokens(payload))

	wantsStream := wantsStream(input)
	raw, err := runtime.Send(ctx, payload, wantsStream)
	if err != nil {
		return nil, err
	}

	return e.convertResponse(ctx, input, decision, profile, raw, wantsStream, runtime)
}

func (e *Executor) familyOf(providerKey string) string {
	if profile, ok := e.registry.Profile(providerKey); ok {
		return profile.ProviderFamily
	}
	return ""
}

func (e *Executor) notifySuccess(input *ExecutionInput, decision *RouterDecision) {
	sessionID, _ := input.Metadata[MetaSessionID].(string)
	if sessionID == "" {
		return
	}
	e.router.NotifySuccess(sessionID, decision.Routing.RouteName, decision.Target.ProviderKey)
}

// snapshotClientMetadata stores the header snapshot and session identifiers
// into metadata exactly once; downstream components never re-parse headers.
// Server-tool follow-ups carry no client identity and are left untouched.
func (e *Executor) snapshotClientMetadata(input *ExecutionInput) {
	if followup, _ := runtimeFlagBool(input.Metadata, MetaServerToolFollowup); followup {
		return
	}
	if _, ok := input.Metadata[MetaClientHeaders]; !ok && input.Headers != nil {
		headers := make(map[string]string, len(input.Headers))
		for name, value := range input.Headers {
			headers[strings.ToLower(name)] = value
		}
		input.Metadata[MetaClientHeaders] = headers
		if _, ok := input.Metadata[MetaHeaderOriginator]; !ok {
			input.Metadata[MetaHeaderOriginator] = "executor"
		}
	}
	if _, ok := input.Metadata[MetaClientRequestID]; !ok && input.RequestID != "" {
		input.Metadata[MetaClientRequestID] = input.RequestID
	}
}

// backoff computes the exponential transport-retry delay with jitter,
// doubling per attempt and never exceeding the provider's request timeout.
func (e *Executor) backoff(attempt int, profile provider.RuntimeProfile) time.Duration {
	delay := e.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	limit := 30 * time.Second
	if profile.TimeoutMs > 0 {
		limit = time.Duration(profile.TimeoutMs) * time.Millisecond
	}
	if delay > limit {
		delay = limit
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attachRuntimeMetadata stamps the selected runtime's identity and the
// dispatch model onto the provider payload and decision metadata.
func attachRuntimeMetadata(decision *RouterDecision, profile provider.RuntimeProfile) {
	if decision.Metadata == nil {
		decision.Metadata = make(map[string]any)
	}
	decision.Metadata["providerId"] = profile.ProviderID
	decision.Metadata["runtimeKey"] = profile.RuntimeKey
	decision.Metadata["providerType"] = string(profile.ProviderType)
	if profile.CompatibilityProfile != "" {
		decision.Metadata["compatibilityProfile"] = profile.CompatibilityProfile
	}

	payload, ok := decision.ProviderPayload.(map[string]any)
	if !ok {
		return
	}
	if model := dispatchModel(decision, profile); model != "" {
		payload["model"] = model
	}
}

// dispatchModel picks the upstream model for the attempt: the target's
// default, the profile's default, or the model named in the payload.
func dispatchModel(decision *RouterDecision, profile provider.RuntimeProfile) string {
	if decision.Target.DefaultModel != "" {
		return decision.Target.DefaultModel
	}
	if profile.DefaultModel != "" {
		return profile.DefaultModel
	}
	if payload, ok := decision.ProviderPayload.(map[string]any); ok {
		if model, okModel := payload["model"].(string); okModel {
			return model
		}
	}
	return ""
}

// wantsStream reports whether the inbound request asked for streaming.
func wantsStream(input *ExecutionInput) bool {
	if body, ok := input.Body.(map[string]any); ok {
		switch typed := body["stream"].(type) {
		case bool:
			return typed
		}
	}
	return false
}

// extractUsage reads the usage block of a non-streaming result body.
func extractUsage(result *ExecutionResult) Usage {
	if result == nil || result.Body == nil {
		return Usage{}
	}
	raw, err := jsonutil.EncodeBody(result.Body)
	if err != nil {
		return Usage{}
	}
	usage := gjson.GetBytes(raw, "usage")
	if !usage.Exists() {
		return Usage{}
	}
	prompt := usage.Get("prompt_tokens").Int()
	completion := usage.Get("completion_tokens").Int()
	total := usage.Get("total_tokens").Int()
	if prompt == 0 && completion == 0 {
		// Anthropic-shaped usage.
		prompt = usage.Get("input_tokens").Int()
		completion = usage.Get("output_tokens").Int()
	}
	if total == 0 {
		total = prompt + completion
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// attachSessionHeaders adds session_id and conversation_id response headers
// when the request carried session identity and no equivalent header was
// already set. conversation_id defaults to the session id.
func attachSessionHeaders(result *ExecutionResult, metadata map[string]any) {
	sessionID, _ := metadata[MetaSessionID].(string)
	conversationID, _ := metadata[MetaConversationID].(string)
	if sessionID == "" && conversationID == "" {
		return
	}
	if sessionID != "" {
		result.SetHeader("session_id", sessionID)
	}
	if conversationID == "" {
		conversationID = sessionID
	}
	result.SetHeader("conversation_id", conversationID)
}

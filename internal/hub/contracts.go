// Package hub contains the request dispatch engine: the execution input
// and result types, the contracts the virtual router and response converter
// fulfil, per-request statistics, and the attempt loop that drives provider
// selection, upstream dispatch, conversion, and retry/failover.
package hub

import (
	"context"
	"net/url"
	"sync"

	"github.com/routecodex/routecodex/internal/provider"
)

// Entry endpoints terminated by the gateway.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointMessages        = "/v1/messages"
	EndpointResponses       = "/v1/responses"
)

// Metadata keys written by ingress and consumed downstream. Downstream
// components never re-parse headers; they read these keys.
const (
	MetaClientHeaders     = "clientHeaders"
	MetaClientRequestID   = "clientRequestId"
	MetaSessionID         = "sessionId"
	MetaConversationID    = "conversationId"
	MetaRouteHint         = "routeHint"
	MetaEntryEndpoint     = "entryEndpoint"
	MetaDirection         = "direction"
	MetaStage             = "stage"
	MetaProviderProtocol  = "providerProtocol"
	MetaExcludedProviders = "excludedProviderKeys"
	MetaStatsRequestID    = "statsRequestId"
	MetaHeaderOriginator  = "headerOriginator"
	// MetaRuntime is the nested "__rt" bag carrying executor-internal flags
	// such as serverToolFollowup.
	MetaRuntime             = "__rt"
	MetaServerToolFollowup  = "serverToolFollowup"
	MetaServerToolProtocol  = "serverToolFollowupProtocol"
	MetaProcessModeOverride = "processMode"
)

// Process modes returned by the router.
const (
	ProcessModeDefault     = "default"
	ProcessModePassthrough = "passthrough"
)

// ExecutionInput is the protocol-agnostic request handed to the executor by
// an ingress handler.
type ExecutionInput struct {
	// RequestID is the opaque client-facing identifier. The executor
	// enhances it per attempt for correlation but keeps the original as
	// the stats request id.
	RequestID string
	// EntryEndpoint is the client-facing path that determines inbound
	// protocol semantics.
	EntryEndpoint string
	Method        string
	// Headers is the snapshot taken at ingress, lower-cased keys.
	Headers map[string]string
	Query   url.Values
	// Body is the decoded JSON request body.
	Body any
	// Metadata carries session identifiers, routing hints, and executor
	// runtime flags.
	Metadata map[string]any
}

// SSEEvent is one frame of a streaming result.
type SSEEvent struct {
	// Event is the SSE event name; empty for bare data frames.
	Event string
	// Data is the frame payload.
	Data []byte
	// Err terminates the stream when non-nil.
	Err error
}

// SSEStream is the streaming carrier inside an ExecutionResult.
type SSEStream struct {
	Events <-chan SSEEvent
}

// ExecutionResult is the single result returned to the ingress adapter.
// Exactly one of Body and Stream is set.
type ExecutionResult struct {
	Status  int
	Headers map[string]string
	Body    any
	Stream  *SSEStream
}

// SetHeader records an outbound header if not already present.
func (r *ExecutionResult) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	if _, exists := r.Headers[name]; !exists {
		r.Headers[name] = value
	}
}

// RouteTarget identifies the provider selected by the virtual router.
type RouteTarget struct {
	ProviderKey          string
	ProviderType         provider.Protocol
	OutboundProfile      string
	RuntimeKey           string
	ProcessMode          string
	CompatibilityProfile string
	DefaultModel         string
}

// RoutingDecision describes how the route was picked.
type RoutingDecision struct {
	RouteName string
	Pool      []string
}

// RouterDecision is the virtual router's answer for one attempt.
type RouterDecision struct {
	// ProviderPayload is the outbound payload after hub preprocessing.
	ProviderPayload any
	Target          *RouteTarget
	Routing         RoutingDecision
	ProcessMode     string
	Metadata        map[string]any
}

// RouteRequest is the router invocation for one attempt.
type RouteRequest struct {
	Endpoint string
	ID       string
	Payload  any
	Metadata map[string]any
	// Excluded is the per-request exclusion set; it grows monotonically
	// across attempts and the router must skip every member.
	Excluded map[string]bool
}

// VirtualRouter selects a target given an inbound request and exclusion
// set. Implementations must be deterministic given identical inputs and
// state, and must honour the exclusion set.
type VirtualRouter interface {
	Execute(ctx context.Context, req *RouteRequest) (*RouterDecision, error)
	// NotifySuccess commits the session-scoped sticky choice after a
	// successful dispatch.
	NotifySuccess(sessionID, routeName, providerKey string)
}

// ProviderInvoker lets the converter perform follow-up HTTP calls against
// the attempt's provider.
type ProviderInvoker func(ctx context.Context, payload []byte, stream bool) (*provider.UpstreamResponse, error)

// ReenterFunc re-enters the pipeline for server-tool follow-ups. The nested
// execution runs a fresh attempt loop with its own retry budget but shares
// the stats request id of its parent.
type ReenterFunc func(ctx context.Context, nested *ExecutionInput) (*ExecutionResult, error)

// StageRecorder receives named conversion stage snapshots.
type StageRecorder interface {
	Record(name string, snapshot any)
}

// ConvertInput is the converter invocation for one upstream response.
type ConvertInput struct {
	ProviderProtocol     provider.Protocol
	EntryEndpoint        string
	RequestID            string
	OriginalModel        string
	CompatibilityProfile string
	RouteID              string
	WantsStream          bool
	// RequestPayload is the outbound payload that produced Response; server
	// tool follow-ups extend it with tool results.
	RequestPayload any
	Response       *provider.UpstreamResponse
	Recorder       StageRecorder
	Invoker        ProviderInvoker
	Reenter        ReenterFunc
}

// ConvertOutput is the converter's answer. Exactly one of Body and Stream
// is set.
type ConvertOutput struct {
	Body   any
	Stream *SSEStream
	Format string
}

// ResponseConverter transforms upstream JSON or SSE into the client's
// protocol. It may call Reenter for server-tool hops.
type ResponseConverter interface {
	Convert(ctx context.Context, in *ConvertInput) (*ConvertOutput, error)
}

// ConversationRegistry ties Responses-protocol conversation capture to the
// enhanced request id so tool-loop follow-ups find their original request.
type ConversationRegistry struct {
	mu       sync.Mutex
	captured map[string]any
}

// NewConversationRegistry builds an empty registry.
func NewConversationRegistry() *ConversationRegistry {
	return &ConversationRegistry{captured: make(map[string]any)}
}

// Capture stores the original request body for a conversation id.
func (c *ConversationRegistry) Capture(id string, body any) {
	c.mu.Lock()
	c.captured[id] = body
	c.mu.Unlock()
}

// Rebind moves a captured conversation from oldID to newID. A missing
// oldID is a no-op.
func (c *ConversationRegistry) Rebind(oldID, newID string) {
	if oldID == newID {
		return
	}
	c.mu.Lock()
	if body, ok := c.captured[oldID]; ok {
		delete(c.captured, oldID)
		c.captured[newID] = body
	}
	c.mu.Unlock()
}

// Lookup fetches the captured body for a conversation id.
func (c *ConversationRegistry) Lookup(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.captured[id]
	return body, ok
}

// Release drops a conversation after its request completes.
func (c *ConversationRegistry) Release(id string) {
	c.mu.Lock()
	delete(c.captured, id)
	c.mu.Unlock()
}

package hub

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/jsonutil"
	"github.com/routecodex/routecodex/internal/logging"
	"github.com/routecodex/routecodex/internal/provider"
)

// convertResponse adapts an upstream response into the client's protocol.
// Passthrough mode and unknown endpoints return the raw body; SSE-wrapped
// error envelopes are fatal; everything else goes through the configured
// converter with re-entry support for server-tool loops.
func (e *Executor) convertResponse(ctx context.Context, input *ExecutionInput, decision *RouterDecision, profile provider.RuntimeProfile, raw *provider.UpstreamResponse, wantsStream bool, runtime *provider.Runtime) (*ExecutionResult, error) {
	processMode := decision.ProcessMode
	if override, ok := input.Metadata[MetaProcessModeOverride].(string); ok && override != "" {
		processMode = override
	}

	if processMode == ProcessModePassthrough {
		return rawResult(raw)
	}
	switch {
	case strings.HasPrefix(input.EntryEndpoint, EndpointChatCompletions),
		strings.HasPrefix(input.EntryEndpoint, EndpointMessages),
		strings.HasPrefix(input.EntryEndpoint, EndpointResponses):
	default:
		return rawResult(raw)
	}

	if raw.Body != nil {
		body, err := jsonutil.DecodeBody(raw.Body)
		if err == nil {
			if sseErr := detectSSEErrorEnvelope(body, 0); sseErr != nil {
				return nil, sseErr
			}
			// Re-attach the decoded form so converters work on values.
			raw.Decoded = body
		}
	}

	out, convertErr := e.converter.Convert(ctx, &ConvertInput{
		ProviderProtocol:     profile.ProviderType,
		EntryEndpoint:        input.EntryEndpoint,
		RequestID:            input.RequestID,
		OriginalModel:        originalModel(input),
		CompatibilityProfile: profile.CompatibilityProfile,
		RouteID:              decision.Routing.RouteName,
		WantsStream:          wantsStream,
		RequestPayload:       decision.ProviderPayload,
		Response:             raw,
		Recorder:             logging.NewStageRecorder(input.RequestID, e.settings.EnableDebugCenter),
		Invoker: func(ctx context.Context, payload []byte, stream bool) (*provider.UpstreamResponse, error) {
			return runtime.Send(ctx, payload, stream)
		},
		Reenter: e.reenterFunc(input),
	})
	if convertErr != nil {
		if isFatalConversion(convertErr) {
			return nil, convertErr
		}
		if !wantsStream {
			// Non-fatal conversion failure: fall back to the raw body.
			log.Debugf("converter: non-fatal failure for %s, returning raw body: %v", input.RequestID, convertErr)
			return rawResult(raw)
		}
		return nil, fault.Wrap(fault.CodeStreamConversionFailed, convertErr, "streaming conversion failed")
	}

	result := &ExecutionResult{Status: raw.Status, Headers: lowerHeaderMap(raw)}
	if out.Stream != nil {
		result.Stream = out.Stream
	} else {
		result.Body = out.Body
	}
	return result, nil
}

// reenterFunc builds the pipeline re-entry callback handed to the
// converter for server-tool follow-ups.
func (e *Executor) reenterFunc(parent *ExecutionInput) ReenterFunc {
	depth := 0
	if d, ok := parent.Metadata["__reentryDepth"].(int); ok {
		depth = d
	}
	statsRequestID := parent.RequestID
	if override, ok := parent.Metadata[MetaStatsRequestID].(string); ok && override != "" {
		statsRequestID = override
	}
	return func(ctx context.Context, nested *ExecutionInput) (*ExecutionResult, error) {
		if depth+1 > maxReentryDepth {
			return nil, fault.New(fault.CodeServerToolFailed, "server-tool re-entry depth exceeded")
		}
		if nested.Metadata == nil {
			nested.Metadata = make(map[string]any)
		}
		// Copy the parent metadata underneath explicit nested overrides.
		merged := make(map[string]any, len(parent.Metadata)+len(nested.Metadata))
		for key, value := range parent.Metadata {
			merged[key] = value
		}
		for key, value := range nested.Metadata {
			merged[key] = value
		}
		merged[MetaEntryEndpoint] = nested.EntryEndpoint
		merged[MetaDirection] = "request"
		merged[MetaStage] = "inbound"
		merged["__reentryDepth"] = depth + 1
		merged[MetaStatsRequestID] = statsRequestID
		if _, ok := merged[MetaProviderProtocol]; !ok {
			merged[MetaProviderProtocol] = nativeProtocol(nested.EntryEndpoint)
		}
		if protoOverride, ok := runtimeFlag(merged, MetaServerToolProtocol); ok {
			merged[MetaProviderProtocol] = protoOverride
		}
		if followup, _ := runtimeFlagBool(merged, MetaServerToolFollowup); followup {
			// Internal follow-ups must not inherit the original client's
			// Accept or request id.
			delete(merged, MetaClientHeaders)
			delete(merged, MetaClientRequestID)
			delete(merged, MetaHeaderOriginator)
			nested.Headers = nil
		}
		nested.Metadata = merged

		result, err := e.Execute(ctx, nested)
		if err != nil {
			return nil, fault.Wrap(fault.CodeServerToolFailed, err, "server-tool follow-up failed")
		}
		return result, nil
	}
}

// originalModel reads the model the client asked for, before any alias
// rewrite.
func originalModel(input *ExecutionInput) string {
	if body, ok := input.Body.(map[string]any); ok {
		if model, ok := body["model"].(string); ok {
			return model
		}
	}
	return ""
}

// nativeProtocol maps an entry endpoint to its native provider protocol.
func nativeProtocol(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, EndpointMessages):
		return string(provider.ProtocolAnthropicMessages)
	case strings.HasPrefix(endpoint, EndpointResponses):
		return string(provider.ProtocolOpenAIResponses)
	default:
		return string(provider.ProtocolOpenAIChat)
	}
}

// detectSSEErrorEnvelope finds {mode:"sse", error:...} wrappers up to two
// levels deep. Any hit is a fatal decode failure.
func detectSSEErrorEnvelope(body any, depth int) error {
	if depth > 2 {
		return nil
	}
	typed, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	mode, _ := typed["mode"].(string)
	if mode == "sse" {
		if errVal, exists := typed["error"]; exists {
			return fault.New(fault.CodeSSEDecodeError, "upstream SSE decode failed: %v", errVal)
		}
	}
	for _, value := range typed {
		if err := detectSSEErrorEnvelope(value, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func isFatalConversion(err error) bool {
	f, ok := fault.As(err)
	if !ok {
		return false
	}
	switch f.Code {
	case fault.CodeSSEDecodeError, fault.CodeServerToolFailed, fault.CodeStreamConversionFailed:
		return true
	case fault.CodeProviderProtocolError:
		return f.HTTPStatus > 0
	}
	return false
}

func rawResult(raw *provider.UpstreamResponse) (*ExecutionResult, error) {
	result := &ExecutionResult{Status: raw.Status, Headers: lowerHeaderMap(raw)}
	if raw.Stream != nil {
		result.Stream = passthroughStream(raw)
		return result, nil
	}
	body, err := jsonutil.DecodeBody(raw.Body)
	if err != nil {
		// Not JSON; hand the raw bytes through as a string body.
		result.Body = string(raw.Body)
		return result, nil
	}
	result.Body = body
	return result, nil
}

// lowerHeaderMap propagates upstream headers lower-cased.
func lowerHeaderMap(raw *provider.UpstreamResponse) map[string]string {
	if raw == nil || raw.Headers == nil {
		return nil
	}
	out := make(map[string]string, len(raw.Headers))
	for name, values := range raw.Headers {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		switch lower {
		case "content-length", "transfer-encoding", "content-encoding", "connection":
			continue
		}
		out[lower] = values[0]
	}
	return out
}

func runtimeFlag(metadata map[string]any, key string) (string, bool) {
	rt, ok := metadata[MetaRuntime].(map[string]any)
	if !ok {
		return "", false
	}
	value, ok := rt[key].(string)
	return value, ok
}

func runtimeFlagBool(metadata map[string]any, key string) (bool, bool) {
	rt, ok := metadata[MetaRuntime].(map[string]any)
	if !ok {
		return false, false
	}
	value, ok := rt[key].(bool)
	return value, ok
}

package llmswitch

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/jsonutil"
	"github.com/routecodex/routecodex/internal/provider"
)

// ServerTool executes one server-side tool call and returns its result as a
// string payload.
type ServerTool func(ctx context.Context, arguments string) (string, error)

// Converter is the default response converter. It normalises upstream
// payloads into a protocol-neutral envelope and re-renders them for the
// entry endpoint, re-framing SSE streams and re-entering the pipeline when
// the model invokes a registered server tool.
type Converter struct {
	mu          sync.RWMutex
	serverTools map[string]ServerTool
}

// NewConverter builds a converter with no server tools registered.
func NewConverter() *Converter {
	return &Converter{serverTools: make(map[string]ServerTool)}
}

// RegisterServerTool installs a handler invoked when the model calls the
// named tool. Handlers run inside the conversion and their results feed a
// pipeline re-entry.
func (c *Converter) RegisterServerTool(name string, fn ServerTool) {
	c.mu.Lock()
	c.serverTools[name] = fn
	c.mu.Unlock()
}

func (c *Converter) serverTool(name string) (ServerTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.serverTools[name]
	return fn, ok
}

// Convert implements hub.ResponseConverter.
func (c *Converter) Convert(ctx context.Context, in *hub.ConvertInput) (*hub.ConvertOutput, error) {
	if in.WantsStream && in.Response.Stream != nil {
		return c.convertStream(ctx, in)
	}
	env, err := parseUpstream(in.ProviderProtocol, in.Response.Body)
	if err != nil {
		return nil, err
	}
	if in.Recorder != nil {
		in.Recorder.Record("upstream-envelope", env)
	}
	if env.Model == "" {
		env.Model = in.OriginalModel
	}

	if handled, result, err := c.maybeRunServerTools(ctx, in, env); handled {
		return result, err
	}

	return &hub.ConvertOutput{Body: renderBody(in.EntryEndpoint, env), Format: in.EntryEndpoint}, nil
}

// maybeRunServerTools executes registered server tools named by the
// response and re-enters the pipeline with their results. Returns
// handled=false when no tool call matches a registered handler.
func (c *Converter) maybeRunServerTools(ctx context.Context, in *hub.ConvertInput, env *envelope) (bool, *hub.ConvertOutput, error) {
	if len(env.ToolCalls) == 0 || in.Reenter == nil {
		return false, nil, nil
	}
	type toolResult struct {
		call   toolCall
		output string
	}
	results := make([]toolResult, 0, len(env.ToolCalls))
	for _, call := range env.ToolCalls {
		fn, ok := c.serverTool(call.Name)
		if !ok {
			continue
		}
		output, err := fn(ctx, call.Arguments)
		if err != nil {
			return true, nil, fault.Wrap(fault.CodeServerToolFailed, err, "server tool %s failed", call.Name)
		}
		results = append(results, toolResult{call: call, output: output})
	}
	if len(results) == 0 {
		return false, nil, nil
	}
	log.Debugf("converter: executed %d server tool(s) for %s, re-entering", len(results), in.RequestID)

	messages := followupMessages(in.RequestPayload)
	assistant := map[string]any{"role": "assistant", "content": env.Text}
	calls := make([]any, 0, len(results))
	for _, r := range results {
		calls = append(calls, map[string]any{
			"id":   r.call.ID,
			"type": "function",
			"function": map[string]any{
				"name":      r.call.Name,
				"arguments": r.call.Arguments,
			},
		})
	}
	assistant["tool_calls"] = calls
	messages = append(messages, assistant)
	for _, r := range results {
		messages = append(messages, map[string]any{
			"role":         "tool",
			"tool_call_id": r.call.ID,
			"content":      r.output,
		})
	}

	nested := &hub.ExecutionInput{
		RequestID:     in.RequestID + "-srvtool",
		EntryEndpoint: hub.EndpointChatCompletions,
		Method:        "POST",
		Body: map[string]any{
			"model":    in.OriginalModel,
			"messages": messages,
		},
		Metadata: map[string]any{
			hub.MetaRuntime: map[string]any{
				hub.MetaServerToolFollowup: true,
			},
		},
	}
	followup, err := in.Reenter(ctx, nested)
	if err != nil {
		return true, nil, err
	}
	if followup.Stream != nil {
		// Follow-ups are non-streaming by construction.
		return true, nil, fault.New(fault.CodeServerToolFailed, "server-tool follow-up returned a stream")
	}
	raw, err := jsonutil.EncodeBody(followup.Body)
	if err != nil {
		return true, nil, fault.Wrap(fault.CodeServerToolFailed, err, "server-tool follow-up body unreadable")
	}
	final, err := parseUpstream(provider.ProtocolOpenAIChat, raw)
	if err != nil {
		return true, nil, err
	}
	if final.Model == "" {
		final.Model = in.OriginalModel
	}
	// Account the whole hop: the client sees aggregated usage.
	final.Prompt += env.Prompt
	final.Completion += env.Completion
	final.Total = final.Prompt + final.Completion
	return true, &hub.ConvertOutput{Body: renderBody(in.EntryEndpoint, final), Format: in.EntryEndpoint}, nil
}

// followupMessages pulls the original chat messages out of the request
// payload so the follow-up keeps the conversation.
func followupMessages(payload any) []any {
	body, ok := payload.(map[string]any)
	if !ok {
		return []any{}
	}
	if msgs, ok := body["messages"].([]any); ok {
		out := make([]any, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, jsonutil.DeepCopy(m))
		}
		return out
	}
	// Non-chat payloads degrade to a single user turn carrying the prompt.
	for _, key := range []string{"input", "prompt"} {
		if text, ok := body[key].(string); ok && text != "" {
			return []any{map[string]any{"role": "user", "content": text}}
		}
	}
	return []any{}
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

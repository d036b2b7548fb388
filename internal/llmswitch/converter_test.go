package llmswitch

import (
	"context"
	"errors"
	"testing"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/provider"
)

func convertInput(proto provider.Protocol, endpoint string, body string) *hub.ConvertInput {
	return &hub.ConvertInput{
		ProviderProtocol: proto,
		EntryEndpoint:    endpoint,
		RequestID:        "req-1",
		OriginalModel:    "gpt-test",
		Response:         &provider.UpstreamResponse{Status: 200, Body: []byte(body)},
	}
}

func TestConvertAnthropicUpstreamToChat(t *testing.T) {
	upstream := `{
		"id": "msg_1",
		"model": "claude-test",
		"content": [{"type": "text", "text": "hello"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 6, "output_tokens": 2}
	}`
	out, err := NewConverter().Convert(context.Background(), convertInput(provider.ProtocolAnthropicMessages, hub.EndpointChatCompletions, upstream))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	body := out.Body.(map[string]any)
	if body["object"] != "chat.completion" || body["model"] != "claude-test" {
		t.Fatalf("body = %#v", body)
	}
	choice := body["choices"].([]any)[0].(map[string]any)
	if choice["message"].(map[string]any)["content"] != "hello" {
		t.Fatalf("choice = %#v", choice)
	}
}

func TestConvertFallsBackToOriginalModel(t *testing.T) {
	upstream := `{"id": "x", "choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}]}`
	out, err := NewConverter().Convert(context.Background(), convertInput(provider.ProtocolOpenAIChat, hub.EndpointChatCompletions, upstream))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out.Body.(map[string]any)["model"] != "gpt-test" {
		t.Fatalf("model = %v", out.Body.(map[string]any)["model"])
	}
}

func TestConvertRejectsMalformedUpstream(t *testing.T) {
	_, err := NewConverter().Convert(context.Background(), convertInput(provider.ProtocolOpenAIChat, hub.EndpointChatCompletions, `"just a string"`))
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeProviderProtocolError {
		t.Fatalf("err = %v", err)
	}
}

const toolCallCompletion = `{
	"id": "chatcmpl-1",
	"model": "gpt-test",
	"choices": [{
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "web_search", "arguments": "{\"query\":\"go\"}"}}]
		},
		"finish_reason": "tool_calls"
	}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func TestConvertUnregisteredToolCallRendersAsIs(t *testing.T) {
	in := convertInput(provider.ProtocolOpenAIChat, hub.EndpointChatCompletions, toolCallCompletion)
	in.Reenter = func(context.Context, *hub.ExecutionInput) (*hub.ExecutionResult, error) {
		t.Fatal("must not re-enter for unregistered tools")
		return nil, nil
	}
	out, err := NewConverter().Convert(context.Background(), in)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	choice := out.Body.(map[string]any)["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "tool_calls" {
		t.Fatalf("finish = %v", choice["finish_reason"])
	}
}

func TestConvertServerToolReentry(t *testing.T) {
	converter := NewConverter()
	var toolArgs string
	converter.RegisterServerTool("web_search", func(_ context.Context, arguments string) (string, error) {
		toolArgs = arguments
		return "search results", nil
	})

	in := convertInput(provider.ProtocolOpenAIChat, hub.EndpointChatCompletions, toolCallCompletion)
	in.RequestPayload = map[string]any{
		"model":    "gpt-test",
		"messages": []any{map[string]any{"role": "user", "content": "find go docs"}},
	}

	var nested *hub.ExecutionInput
	in.Reenter = func(_ context.Context, input *hub.ExecutionInput) (*hub.ExecutionResult, error) {
		nested = input
		return &hub.ExecutionResult{
			Status: 200,
			Body: map[string]any{
				"id":      "chatcmpl-2",
				"model":   "gpt-test",
				"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": "final answer"}, "finish_reason": "stop"}},
				"usage":   map[string]any{"prompt_tokens": 20, "completion_tokens": 7, "total_tokens": 27},
			},
		}, nil
	}

	out, err := converter.Convert(context.Background(), in)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if toolArgs != `{"query":"go"}` {
		t.Fatalf("tool args = %q", toolArgs)
	}
	if nested == nil {
		t.Fatal("pipeline was not re-entered")
	}
	if nested.RequestID != "req-1-srvtool" {
		t.Fatalf("nested id = %q", nested.RequestID)
	}
	if nested.EntryEndpoint != hub.EndpointChatCompletions {
		t.Fatalf("nested endpoint = %q", nested.EntryEndpoint)
	}
	runtimeBag, _ := nested.Metadata[hub.MetaRuntime].(map[string]any)
	if runtimeBag[hub.MetaServerToolFollowup] != true {
		t.Fatalf("runtime metadata = %#v", nested.Metadata)
	}

	messages := nested.Body.(map[string]any)["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("follow-up messages = %d, want user+assistant+tool", len(messages))
	}
	if messages[0].(map[string]any)["content"] != "find go docs" {
		t.Fatalf("first message = %#v", messages[0])
	}
	assistant := messages[1].(map[string]any)
	if assistant["role"] != "assistant" {
		t.Fatalf("second message = %#v", assistant)
	}
	if _, hasCalls := assistant["tool_calls"]; !hasCalls {
		t.Fatal("assistant turn is missing tool_calls")
	}
	toolTurn := messages[2].(map[string]any)
	if toolTurn["role"] != "tool" || toolTurn["tool_call_id"] != "call_1" || toolTurn["content"] != "search results" {
		t.Fatalf("tool turn = %#v", toolTurn)
	}

	body := out.Body.(map[string]any)
	choice := body["choices"].([]any)[0].(map[string]any)
	if choice["message"].(map[string]any)["content"] != "final answer" {
		t.Fatalf("final body = %#v", body)
	}
	// Usage covers the whole hop, not just the follow-up.
	usage := body["usage"].(map[string]any)
	if usage["prompt_tokens"] != 30 || usage["completion_tokens"] != 12 || usage["total_tokens"] != 42 {
		t.Fatalf("usage = %#v", usage)
	}
}

func TestConvertServerToolReentryRendersParentProtocol(t *testing.T) {
	converter := NewConverter()
	converter.RegisterServerTool("web_search", func(context.Context, string) (string, error) {
		return "results", nil
	})

	in := convertInput(provider.ProtocolOpenAIChat, hub.EndpointMessages, toolCallCompletion)
	in.RequestPayload = map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}}
	in.Reenter = func(_ context.Context, _ *hub.ExecutionInput) (*hub.ExecutionResult, error) {
		return &hub.ExecutionResult{
			Status: 200,
			Body: map[string]any{
				"id":      "chatcmpl-2",
				"choices": []any{map[string]any{"message": map[string]any{"content": "done"}, "finish_reason": "stop"}},
			},
		}, nil
	}

	out, err := converter.Convert(context.Background(), in)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	body := out.Body.(map[string]any)
	if body["type"] != "message" {
		t.Fatalf("follow-up should render for the messages endpoint, got %#v", body)
	}
	text := body["content"].([]any)[0].(map[string]any)
	if text["text"] != "done" {
		t.Fatalf("content = %#v", text)
	}
}

func TestConvertServerToolFailureIsTerminal(t *testing.T) {
	converter := NewConverter()
	converter.RegisterServerTool("web_search", func(context.Context, string) (string, error) {
		return "", errors.New("upstream search down")
	})

	in := convertInput(provider.ProtocolOpenAIChat, hub.EndpointChatCompletions, toolCallCompletion)
	in.RequestPayload = map[string]any{"messages": []any{}}
	in.Reenter = func(context.Context, *hub.ExecutionInput) (*hub.ExecutionResult, error) {
		t.Fatal("must not re-enter after a tool failure")
		return nil, nil
	}

	_, err := converter.Convert(context.Background(), in)
	f, ok := fault.As(err)
	if !ok || f.Code != fault.CodeServerToolFailed {
		t.Fatalf("err = %v", err)
	}
	if fault.ShouldRetry(err) {
		t.Fatal("server tool failures must not trigger failover")
	}
}

func TestFollowupMessagesDegradesToPrompt(t *testing.T) {
	messages := followupMessages(map[string]any{"input": "plain prompt"})
	if len(messages) != 1 {
		t.Fatalf("messages = %#v", messages)
	}
	turn := messages[0].(map[string]any)
	if turn["role"] != "user" || turn["content"] != "plain prompt" {
		t.Fatalf("turn = %#v", turn)
	}
}

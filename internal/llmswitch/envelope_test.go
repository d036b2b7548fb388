package llmswitch

import (
	"testing"

	"github.com/routecodex/routecodex/internal/provider"
)

func TestParseUpstreamChat(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"model": "gpt-test",
		"created": 1700000000,
		"choices": [{
			"message": {
				"role": "assistant",
				"content": "hello",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}
	}`)

	env, err := parseUpstream(provider.ProtocolOpenAIChat, body)
	if err != nil {
		t.Fatalf("parseUpstream: %v", err)
	}
	if env.ID != "chatcmpl-1" || env.Model != "gpt-test" || env.Created != 1700000000 {
		t.Fatalf("identity = %q/%q/%d", env.ID, env.Model, env.Created)
	}
	if env.Text != "hello" || env.StopReason != "tool_calls" {
		t.Fatalf("text = %q stop = %q", env.Text, env.StopReason)
	}
	if len(env.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(env.ToolCalls))
	}
	call := env.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "get_weather" || call.Arguments != `{"city":"Oslo"}` {
		t.Fatalf("call = %+v", call)
	}
	if env.Prompt != 10 || env.Completion != 4 || env.Total != 14 {
		t.Fatalf("usage = %d/%d/%d", env.Prompt, env.Completion, env.Total)
	}
}

func TestParseUpstreamAnthropic(t *testing.T) {
	tests := []struct {
		name       string
		stopReason string
		want       string
	}{
		{"end turn maps to stop", "end_turn", "stop"},
		{"stop sequence maps to stop", "stop_sequence", "stop"},
		{"max tokens maps to length", "max_tokens", "length"},
		{"tool use maps to tool calls", "tool_use", "tool_calls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{
				"id": "msg_1",
				"model": "claude-test",
				"content": [
					{"type": "text", "text": "first "},
					{"type": "text", "text": "second"}
				],
				"stop_reason": "` + tt.stopReason + `",
				"usage": {"input_tokens": 7, "output_tokens": 3}
			}`)
			env, err := parseUpstream(provider.ProtocolAnthropicMessages, body)
			if err != nil {
				t.Fatalf("parseUpstream: %v", err)
			}
			if env.StopReason != tt.want {
				t.Fatalf("stop = %q, want %q", env.StopReason, tt.want)
			}
			if env.Text != "first second" {
				t.Fatalf("text blocks not concatenated: %q", env.Text)
			}
			if env.Prompt != 7 || env.Completion != 3 || env.Total != 10 {
				t.Fatalf("usage = %d/%d/%d", env.Prompt, env.Completion, env.Total)
			}
		})
	}
}

func TestParseUpstreamAnthropicToolUse(t *testing.T) {
	body := []byte(`{
		"id": "msg_2",
		"model": "claude-test",
		"content": [{"type": "tool_use", "id": "toolu_1", "name": "search", "input": {"query": "go"}}],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 1, "output_tokens": 1}
	}`)
	env, err := parseUpstream(provider.ProtocolAnthropicMessages, body)
	if err != nil {
		t.Fatalf("parseUpstream: %v", err)
	}
	if len(env.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(env.ToolCalls))
	}
	call := env.ToolCalls[0]
	if call.ID != "toolu_1" || call.Name != "search" || call.Arguments != `{"query": "go"}` {
		t.Fatalf("call = %+v", call)
	}
}

func TestParseUpstreamResponses(t *testing.T) {
	body := []byte(`{
		"id": "resp_1",
		"model": "gpt-test",
		"output": [
			{"type": "message", "content": [{"type": "output_text", "text": "answer"}]},
			{"type": "function_call", "call_id": "call_9", "name": "lookup", "arguments": "{}"}
		],
		"usage": {"input_tokens": 5, "output_tokens": 2, "total_tokens": 7}
	}`)
	env, err := parseUpstream(provider.ProtocolOpenAIResponses, body)
	if err != nil {
		t.Fatalf("parseUpstream: %v", err)
	}
	if env.Text != "answer" || env.StopReason != "tool_calls" {
		t.Fatalf("text = %q stop = %q", env.Text, env.StopReason)
	}
	if len(env.ToolCalls) != 1 || env.ToolCalls[0].ID != "call_9" || env.ToolCalls[0].Name != "lookup" {
		t.Fatalf("calls = %+v", env.ToolCalls)
	}
	if env.Total != 7 {
		t.Fatalf("total = %d", env.Total)
	}
}

func TestParseUpstreamGemini(t *testing.T) {
	body := []byte(`{
		"candidates": [{
			"content": {"parts": [{"text": "hi"}, {"functionCall": {"name": "dial", "args": {"n": 1}}}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 3, "totalTokenCount": 5}
	}`)
	env, err := parseUpstream(provider.ProtocolGeminiChat, body)
	if err != nil {
		t.Fatalf("parseUpstream: %v", err)
	}
	if env.Text != "hi" {
		t.Fatalf("text = %q", env.Text)
	}
	// A function call overrides the finish reason.
	if env.StopReason != "tool_calls" {
		t.Fatalf("stop = %q", env.StopReason)
	}
	if len(env.ToolCalls) != 1 || env.ToolCalls[0].Name != "dial" || env.ToolCalls[0].ID != "call_0" {
		t.Fatalf("calls = %+v", env.ToolCalls)
	}
	if env.Prompt != 2 || env.Completion != 3 || env.Total != 5 {
		t.Fatalf("usage = %d/%d/%d", env.Prompt, env.Completion, env.Total)
	}
}

func TestParseUpstreamRejectsNonObject(t *testing.T) {
	if _, err := parseUpstream(provider.ProtocolOpenAIChat, []byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected error for non-object body")
	}
	if _, err := parseUpstream(provider.ProtocolOpenAIChat, []byte(`not json`)); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestRenderChat(t *testing.T) {
	env := &envelope{
		ID:         "msg_1",
		Model:      "claude-test",
		Text:       "done",
		StopReason: "stop",
		Prompt:     2,
		Completion: 1,
		Total:      3,
		Created:    1700000000,
	}
	out := renderBody("/v1/chat/completions", env)
	if out["object"] != "chat.completion" || out["model"] != "claude-test" {
		t.Fatalf("out = %#v", out)
	}
	choice := out["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "stop" {
		t.Fatalf("finish = %v", choice["finish_reason"])
	}
	message := choice["message"].(map[string]any)
	if message["content"] != "done" || message["role"] != "assistant" {
		t.Fatalf("message = %#v", message)
	}
	if _, hasTools := message["tool_calls"]; hasTools {
		t.Fatal("tool_calls present without tool calls")
	}
}

func TestRenderChatToolCallsForceFinishReason(t *testing.T) {
	env := &envelope{
		ID:         "x",
		StopReason: "stop",
		ToolCalls:  []toolCall{{ID: "call_1", Name: "f", Arguments: "{}"}},
	}
	out := renderBody("/v1/chat/completions", env)
	choice := out["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "tool_calls" {
		t.Fatalf("finish = %v", choice["finish_reason"])
	}
	calls := choice["message"].(map[string]any)["tool_calls"].([]any)
	call := calls[0].(map[string]any)
	if call["type"] != "function" || call["function"].(map[string]any)["name"] != "f" {
		t.Fatalf("call = %#v", call)
	}
}

func TestRenderAnthropic(t *testing.T) {
	env := &envelope{
		ID:         "chatcmpl-1",
		Model:      "gpt-test",
		Text:       "hello",
		StopReason: "tool_calls",
		ToolCalls:  []toolCall{{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
		Prompt:     10,
		Completion: 4,
	}
	out := renderBody("/v1/messages", env)
	if out["type"] != "message" || out["role"] != "assistant" {
		t.Fatalf("out = %#v", out)
	}
	if out["stop_reason"] != "tool_use" {
		t.Fatalf("stop = %v", out["stop_reason"])
	}
	content := out["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content blocks = %d", len(content))
	}
	text := content[0].(map[string]any)
	if text["type"] != "text" || text["text"] != "hello" {
		t.Fatalf("text block = %#v", text)
	}
	toolUse := content[1].(map[string]any)
	if toolUse["type"] != "tool_use" || toolUse["name"] != "get_weather" {
		t.Fatalf("tool block = %#v", toolUse)
	}
	input := toolUse["input"].(map[string]any)
	if input["city"] != "Oslo" {
		t.Fatalf("tool input = %#v", input)
	}
	usage := out["usage"].(map[string]any)
	if usage["input_tokens"] != 10 || usage["output_tokens"] != 4 {
		t.Fatalf("usage = %#v", usage)
	}
}

func TestRenderAnthropicStopReasons(t *testing.T) {
	tests := []struct {
		stop string
		want string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
		{"", "end_turn"},
	}
	for _, tt := range tests {
		out := renderBody("/v1/messages", &envelope{Text: "x", StopReason: tt.stop})
		if out["stop_reason"] != tt.want {
			t.Fatalf("stop %q rendered as %v, want %s", tt.stop, out["stop_reason"], tt.want)
		}
	}
}

func TestRenderResponses(t *testing.T) {
	env := &envelope{
		ID:         "msg_1",
		Model:      "claude-test",
		Text:       "answer",
		StopReason: "stop",
		ToolCalls:  []toolCall{{ID: "toolu_1", Name: "search", Arguments: `{"query":"go"}`}},
		Prompt:     7,
		Completion: 3,
		Total:      10,
		Created:    1700000000,
	}
	out := renderBody("/v1/responses", env)
	if out["object"] != "response" || out["status"] != "completed" {
		t.Fatalf("out = %#v", out)
	}
	output := out["output"].([]any)
	if len(output) != 2 {
		t.Fatalf("output items = %d", len(output))
	}
	message := output[0].(map[string]any)
	if message["type"] != "message" {
		t.Fatalf("first item = %#v", message)
	}
	part := message["content"].([]any)[0].(map[string]any)
	if part["type"] != "output_text" || part["text"] != "answer" {
		t.Fatalf("part = %#v", part)
	}
	functionCall := output[1].(map[string]any)
	if functionCall["type"] != "function_call" || functionCall["call_id"] != "toolu_1" || functionCall["name"] != "search" {
		t.Fatalf("function call = %#v", functionCall)
	}
	usage := out["usage"].(map[string]any)
	if usage["total_tokens"] != 10 {
		t.Fatalf("usage = %#v", usage)
	}
}

func TestRoundTripAnthropicToChat(t *testing.T) {
	upstream := []byte(`{
		"id": "msg_9",
		"model": "claude-test",
		"content": [{"type": "text", "text": "round trip"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 4, "output_tokens": 2}
	}`)
	env, err := parseUpstream(provider.ProtocolAnthropicMessages, upstream)
	if err != nil {
		t.Fatalf("parseUpstream: %v", err)
	}
	out := renderBody("/v1/chat/completions", env)
	choice := out["choices"].([]any)[0].(map[string]any)
	if choice["message"].(map[string]any)["content"] != "round trip" {
		t.Fatalf("content = %#v", choice)
	}
	if choice["finish_reason"] != "stop" {
		t.Fatalf("finish = %v", choice["finish_reason"])
	}
	usage := out["usage"].(map[string]any)
	if usage["prompt_tokens"] != 4 || usage["completion_tokens"] != 2 || usage["total_tokens"] != 6 {
		t.Fatalf("usage = %#v", usage)
	}
}

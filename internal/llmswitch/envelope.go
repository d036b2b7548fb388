package llmswitch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/provider"
)

// toolCall is one tool invocation requested by the model.
type toolCall struct {
	ID        string
	Name      string
	Arguments string
}

// envelope is the protocol-neutral view of one complete model response.
// Parsers fill it from upstream wire formats; renderers emit the client's.
type envelope struct {
	ID         string
	Model      string
	Text       string
	ToolCalls  []toolCall
	StopReason string // normalized: stop | length | tool_calls
	Prompt     int
	Completion int
	Total      int
	Created    int64
}

func parseUpstream(protocol provider.Protocol, body []byte) (*envelope, error) {
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fault.New(fault.CodeProviderProtocolError, "upstream body is not a JSON object")
	}
	env := &envelope{
		ID:      root.Get("id").String(),
		Model:   root.Get("model").String(),
		Created: root.Get("created").Int(),
	}
	if env.Created == 0 {
		env.Created = time.Now().Unix()
	}
	switch protocol {
	case provider.ProtocolOpenAIChat:
		parseChat(root, env)
	case provider.ProtocolOpenAIResponses:
		parseResponses(root, env)
	case provider.ProtocolAnthropicMessages:
		parseAnthropic(root, env)
	case provider.ProtocolGeminiChat:
		parseGemini(root, env)
	default:
		return nil, fault.New(fault.CodeProviderProtocolError, "unsupported provider protocol %s", protocol)
	}
	if env.Total == 0 {
		env.Total = env.Prompt + env.Completion
	}
	return env, nil
}

func parseChat(root gjson.Result, env *envelope) {
	choice := root.Get("choices.0")
	env.Text = choice.Get("message.content").String()
	choice.Get("message.tool_calls").ForEach(func(_, call gjson.Result) bool {
		env.ToolCalls = append(env.ToolCalls, toolCall{
			ID:        call.Get("id").String(),
			Name:      call.Get("function.name").String(),
			Arguments: call.Get("function.arguments").String(),
		})
		return true
	})
	env.StopReason = choice.Get("finish_reason").String()
	env.Prompt = int(root.Get("usage.prompt_tokens").Int())
	env.Completion = int(root.Get("usage.completion_tokens").Int())
	env.Total = int(root.Get("usage.total_tokens").Int())
}

func parseResponses(root gjson.Result, env *envelope) {
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					env.Text += part.Get("text").String()
				}
				return true
			})
		case "function_call":
			env.ToolCalls = append(env.ToolCalls, toolCall{
				ID:        item.Get("call_id").String(),
				Name:      item.Get("name").String(),
				Arguments: item.Get("arguments").String(),
			})
		}
		return true
	})
	if len(env.ToolCalls) > 0 {
		env.StopReason = "tool_calls"
	} else {
		env.StopReason = "stop"
	}
	env.Prompt = int(root.Get("usage.input_tokens").Int())
	env.Completion = int(root.Get("usage.output_tokens").Int())
	env.Total = int(root.Get("usage.total_tokens").Int())
}

func parseAnthropic(root gjson.Result, env *envelope) {
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			env.Text += block.Get("text").String()
		case "tool_use":
			env.ToolCalls = append(env.ToolCalls, toolCall{
				ID:        block.Get("id").String(),
				Name:      block.Get("name").String(),
				Arguments: block.Get("input").Raw,
			})
		}
		return true
	})
	switch root.Get("stop_reason").String() {
	case "end_turn", "stop_sequence":
		env.StopReason = "stop"
	case "max_tokens":
		env.StopReason = "length"
	case "tool_use":
		env.StopReason = "tool_calls"
	default:
		env.StopReason = root.Get("stop_reason").String()
	}
	env.Prompt = int(root.Get("usage.input_tokens").Int())
	env.Completion = int(root.Get("usage.output_tokens").Int())
}

func parseGemini(root gjson.Result, env *envelope) {
	candidate := root.Get("candidates.0")
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			env.Text += text.String()
		}
		if call := part.Get("functionCall"); call.Exists() {
			env.ToolCalls = append(env.ToolCalls, toolCall{
				ID:        fmt.Sprintf("call_%d", len(env.ToolCalls)),
				Name:      call.Get("name").String(),
				Arguments: call.Get("args").Raw,
			})
		}
		return true
	})
	switch candidate.Get("finishReason").String() {
	case "STOP":
		env.StopReason = "stop"
	case "MAX_TOKENS":
		env.StopReason = "length"
	default:
		env.StopReason = "stop"
	}
	if len(env.ToolCalls) > 0 {
		env.StopReason = "tool_calls"
	}
	env.Prompt = int(root.Get("usageMetadata.promptTokenCount").Int())
	env.Completion = int(root.Get("usageMetadata.candidatesTokenCount").Int())
	env.Total = int(root.Get("usageMetadata.totalTokenCount").Int())
}

// renderBody emits the envelope in the protocol the entry endpoint speaks.
func renderBody(endpoint string, env *envelope) map[string]any {
	switch endpoint {
	case "/v1/messages":
		return renderAnthropic(env)
	case "/v1/responses":
		return renderResponses(env)
	default:
		return renderChat(env)
	}
}

func renderChat(env *envelope) map[string]any {
	message := map[string]any{"role": "assistant", "content": env.Text}
	finish := env.StopReason
	if finish == "" {
		finish = "stop"
	}
	if len(env.ToolCalls) > 0 {
		calls := make([]any, 0, len(env.ToolCalls))
		for _, call := range env.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   call.ID,
				"type": "function",
				"function": map[string]any{
					"name":      call.Name,
					"arguments": call.Arguments,
				},
			})
		}
		message["tool_calls"] = calls
		finish = "tool_calls"
	}
	return map[string]any{
		"id":      env.ID,
		"object":  "chat.completion",
		"created": env.Created,
		"model":   env.Model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     env.Prompt,
			"completion_tokens": env.Completion,
			"total_tokens":      env.Total,
		},
	}
}

func renderAnthropic(env *envelope) map[string]any {
	content := make([]any, 0, 1+len(env.ToolCalls))
	if env.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": env.Text})
	}
	for _, call := range env.ToolCalls {
		var input any = map[string]any{}
		if call.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Arguments), &input)
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Name,
			"input": input,
		})
	}
	stop := "end_turn"
	switch env.StopReason {
	case "length":
		stop = "max_tokens"
	case "tool_calls":
		stop = "tool_use"
	}
	return map[string]any{
		"id":          env.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       env.Model,
		"content":     content,
		"stop_reason": stop,
		"usage": map[string]any{
			"input_tokens":  env.Prompt,
			"output_tokens": env.Completion,
		},
	}
}

func renderResponses(env *envelope) map[string]any {
	output := make([]any, 0, 1+len(env.ToolCalls))
	if env.Text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     env.ID + "-msg",
			"role":   "assistant",
			"status": "completed",
			"content": []any{map[string]any{
				"type":        "output_text",
				"text":        env.Text,
				"annotations": []any{},
			}},
		})
	}
	for _, call := range env.ToolCalls {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        env.ID + "-fc",
			"call_id":   call.ID,
			"name":      call.Name,
			"arguments": call.Arguments,
			"status":    "completed",
		})
	}
	return map[string]any{
		"id":         env.ID,
		"object":     "response",
		"created_at": env.Created,
		"status":     "completed",
		"model":      env.Model,
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  env.Prompt,
			"output_tokens": env.Completion,
			"total_tokens":  env.Total,
		},
	}
}

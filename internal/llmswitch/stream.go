package llmswitch

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/provider"
)

// convertStream re-frames an upstream SSE stream into the entry endpoint's
// streaming dialect. Same-protocol streams are relayed frame for frame.
func (c *Converter) convertStream(_ context.Context, in *hub.ConvertInput) (*hub.ConvertOutput, error) {
	upstream := hub.ScanSSE(in.Response.Stream)
	if in.ProviderProtocol.EntryEndpoint() == in.EntryEndpoint {
		return &hub.ConvertOutput{Stream: &hub.SSEStream{Events: upstream}, Format: in.EntryEndpoint}, nil
	}

	out := make(chan hub.SSEEvent, 16)
	go func() {
		defer close(out)
		switch in.EntryEndpoint {
		case hub.EndpointMessages:
			reframeToAnthropic(in, upstream, out)
		case hub.EndpointResponses:
			reframeToResponses(in, upstream, out)
		default:
			reframeToChat(in, upstream, out)
		}
	}()
	return &hub.ConvertOutput{Stream: &hub.SSEStream{Events: out}, Format: in.EntryEndpoint}, nil
}

// streamDelta is one decoded increment from any upstream dialect.
type streamDelta struct {
	Text       string
	StopReason string
	Prompt     int
	Completion int
	Done       bool
}

// decodeDelta extracts the text increment and terminal metadata from one
// upstream frame. Frames with nothing to say yield a zero delta.
func decodeDelta(protocol provider.Protocol, ev hub.SSEEvent) streamDelta {
	frame := gjson.ParseBytes(ev.Data)
	var d streamDelta
	switch protocol {
	case provider.ProtocolOpenAIChat:
		d.Text = frame.Get("choices.0.delta.content").String()
		if finish := frame.Get("choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
			d.StopReason = finish.String()
			d.Done = true
		}
		d.Prompt = int(frame.Get("usage.prompt_tokens").Int())
		d.Completion = int(frame.Get("usage.completion_tokens").Int())
	case provider.ProtocolAnthropicMessages:
		switch frame.Get("type").String() {
		case "content_block_delta":
			d.Text = frame.Get("delta.text").String()
		case "message_delta":
			d.StopReason = normalizeAnthropicStop(frame.Get("delta.stop_reason").String())
			d.Completion = int(frame.Get("usage.output_tokens").Int())
		case "message_start":
			d.Prompt = int(frame.Get("message.usage.input_tokens").Int())
		case "message_stop":
			d.Done = true
		}
	case provider.ProtocolOpenAIResponses:
		switch frame.Get("type").String() {
		case "response.output_text.delta":
			d.Text = frame.Get("delta").String()
		case "response.completed":
			d.StopReason = "stop"
			d.Prompt = int(frame.Get("response.usage.input_tokens").Int())
			d.Completion = int(frame.Get("response.usage.output_tokens").Int())
			d.Done = true
		}
	case provider.ProtocolGeminiChat:
		d.Text = frame.Get("candidates.0.content.parts.0.text").String()
		if finish := frame.Get("candidates.0.finishReason"); finish.Exists() {
			d.StopReason = "stop"
			d.Done = true
		}
		d.Prompt = int(frame.Get("usageMetadata.promptTokenCount").Int())
		d.Completion = int(frame.Get("usageMetadata.candidatesTokenCount").Int())
	}
	return d
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return reason
}

// drain consumes leftover frames so the producer goroutine can finish and
// release the runtime slot.
func drain(events <-chan hub.SSEEvent) {
	for range events {
	}
}

func reframeToChat(in *hub.ConvertInput, upstream <-chan hub.SSEEvent, out chan<- hub.SSEEvent) {
	defer drain(upstream)
	id := "chatcmpl-" + uuid.NewString()
	emitted := false
	for ev := range upstream {
		if ev.Err != nil {
			out <- ev
			return
		}
		d := decodeDelta(in.ProviderProtocol, ev)
		if d.Text != "" {
			out <- dataFrame(chatChunk(id, in.OriginalModel, d.Text, ""))
			emitted = true
		}
		if d.Done {
			reason := d.StopReason
			if reason == "" {
				reason = "stop"
			}
			out <- dataFrame(chatChunk(id, in.OriginalModel, "", reason))
			return
		}
	}
	if emitted {
		out <- dataFrame(chatChunk(id, in.OriginalModel, "", "stop"))
	}
}

func chatChunk(id, model, text, finish string) map[string]any {
	delta := map[string]any{}
	if text != "" {
		delta["content"] = text
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []any{choice},
	}
}

func reframeToAnthropic(in *hub.ConvertInput, upstream <-chan hub.SSEEvent, out chan<- hub.SSEEvent) {
	defer drain(upstream)
	id := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	prompt, completion := 0, 0
	stop := "end_turn"

	out <- eventFrame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      id,
			"type":    "message",
			"role":    "assistant",
			"model":   in.OriginalModel,
			"content": []any{},
			"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
	out <- eventFrame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	for ev := range upstream {
		if ev.Err != nil {
			out <- ev
			return
		}
		d := decodeDelta(in.ProviderProtocol, ev)
		if d.Prompt > 0 {
			prompt = d.Prompt
		}
		if d.Completion > 0 {
			completion = d.Completion
		}
		if d.Text != "" {
			out <- eventFrame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": d.Text},
			})
		}
		if d.Done {
			switch d.StopReason {
			case "length":
				stop = "max_tokens"
			case "tool_calls":
				stop = "tool_use"
			}
			break
		}
	}

	out <- eventFrame("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	out <- eventFrame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
		"usage": map[string]any{"input_tokens": prompt, "output_tokens": completion},
	})
	out <- eventFrame("message_stop", map[string]any{"type": "message_stop"})
}

func reframeToResponses(in *hub.ConvertInput, upstream <-chan hub.SSEEvent, out chan<- hub.SSEEvent) {
	defer drain(upstream)
	id := "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	text := strings.Builder{}
	prompt, completion := 0, 0

	out <- eventFrame("response.created", map[string]any{
		"type":     "response.created",
		"response": map[string]any{"id": id, "object": "response", "status": "in_progress", "model": in.OriginalModel},
	})

	for ev := range upstream {
		if ev.Err != nil {
			out <- ev
			return
		}
		d := decodeDelta(in.ProviderProtocol, ev)
		if d.Prompt > 0 {
			prompt = d.Prompt
		}
		if d.Completion > 0 {
			completion = d.Completion
		}
		if d.Text != "" {
			text.WriteString(d.Text)
			out <- eventFrame("response.output_text.delta", map[string]any{
				"type":  "response.output_text.delta",
				"delta": d.Text,
			})
		}
		if d.Done {
			break
		}
	}

	out <- eventFrame("response.completed", map[string]any{
		"type": "response.completed",
		"response": map[string]any{
			"id":     id,
			"object": "response",
			"status": "completed",
			"model":  in.OriginalModel,
			"output": []any{map[string]any{
				"type":   "message",
				"role":   "assistant",
				"status": "completed",
				"content": []any{map[string]any{
					"type": "output_text", "text": text.String(), "annotations": []any{},
				}},
			}},
			"usage": map[string]any{
				"input_tokens":  prompt,
				"output_tokens": completion,
				"total_tokens":  prompt + completion,
			},
		},
	})
}

func dataFrame(payload map[string]any) hub.SSEEvent {
	return hub.SSEEvent{Data: mustJSON(payload)}
}

func eventFrame(name string, payload map[string]any) hub.SSEEvent {
	return hub.SSEEvent{Event: name, Data: mustJSON(payload)}
}

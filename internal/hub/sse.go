package hub

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/provider"
)

// ScanSSE reads server-sent events from r and delivers them on the
// returned channel. The stream must end with its protocol's terminator:
// the [DONE] sentinel for OpenAI chat, message_stop for Anthropic, or
// response.completed for Responses. A body that ends without one yields
// a decode error event.
func ScanSSE(r io.ReadCloser) <-chan SSEEvent {
	events := make(chan SSEEvent, 8)
	go func() {
		defer close(events)
		defer func() { _ = r.Close() }()

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var eventName string
		var data bytes.Buffer
		sawTerminator := false
		flush := func() bool {
			if data.Len() == 0 && eventName == "" {
				return true
			}
			payload := strings.TrimSpace(data.String())
			name := eventName
			eventName = ""
			data.Reset()
			if payload == "[DONE]" {
				sawTerminator = true
				return false
			}
			if isTerminalFrame(name, payload) {
				sawTerminator = true
			}
			events <- SSEEvent{Event: name, Data: []byte(payload)}
			return true
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if !flush() {
					return
				}
			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			case strings.HasPrefix(line, ":"):
				// Comment / keep-alive.
			}
		}
		if err := scanner.Err(); err != nil {
			events <- SSEEvent{Err: fault.Wrap(fault.CodeSSEDecodeError, err, "upstream SSE read failed")}
			return
		}
		if data.Len() > 0 {
			flush()
		}
		if !sawTerminator {
			events <- SSEEvent{Err: fault.New(fault.CodeSSEDecodeError, "upstream SSE stream ended without terminator")}
		}
	}()
	return events
}

// isTerminalFrame reports whether a frame closes its stream without a
// [DONE] sentinel. Anthropic ends on message_stop, Responses on
// response.completed; both carry the marker as the event name, the data
// type field, or both.
func isTerminalFrame(eventName, payload string) bool {
	switch eventName {
	case "message_stop", "response.completed":
		return true
	}
	switch gjson.Get(payload, "type").String() {
	case "message_stop", "response.completed":
		return true
	}
	return false
}

// passthroughStream relays upstream SSE frames unmodified.
func passthroughStream(raw *provider.UpstreamResponse) *SSEStream {
	return &SSEStream{Events: ScanSSE(raw.Stream)}
}

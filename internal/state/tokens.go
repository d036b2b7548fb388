package state

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
	encErr  error
)

func encoder() (tokenizer.Codec, error) {
	encOnce.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.O200kBase)
	})
	return enc, encErr
}

// EstimateRequestedTokens approximates the prompt token count of an inbound
// payload for quota accounting. It gathers text from the message shapes of
// all three inbound protocols: chat messages, Anthropic messages plus
// system, and the Responses input field.
func EstimateRequestedTokens(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	codec, err := encoder()
	if err != nil {
		// Fall back to a crude length heuristic when the vocabulary
		// cannot be loaded.
		return int64(len(payload) / 4)
	}

	root := gjson.ParseBytes(payload)
	segments := make([]string, 0, 16)

	collectMessages(root.Get("messages"), &segments)
	collectContent(root.Get("system"), &segments)
	collectContent(root.Get("input"), &segments)
	if prompt := root.Get("prompt").String(); prompt != "" {
		segments = append(segments, prompt)
	}

	joined := strings.TrimSpace(strings.Join(segments, "\n"))
	if joined == "" {
		return 0
	}
	count, err := codec.Count(joined)
	if err != nil {
		return int64(len(joined) / 4)
	}
	return int64(count)
}

func collectMessages(messages gjson.Result, segments *[]string) {
	if !messages.IsArray() {
		return
	}
	messages.ForEach(func(_, message gjson.Result) bool {
		if role := message.Get("role").String(); role != "" {
			*segments = append(*segments, role)
		}
		collectContent(message.Get("content"), segments)
		return true
	})
}

func collectContent(content gjson.Result, segments *[]string) {
	if !content.Exists() {
		return
	}
	if content.Type == gjson.String {
		if text := content.String(); text != "" {
			*segments = append(*segments, text)
		}
		return
	}
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text", "input_text", "output_text":
				if text := part.Get("text").String(); text != "" {
					*segments = append(*segments, text)
				}
			default:
				collectContent(part.Get("content"), segments)
			}
			return true
		})
	}
}

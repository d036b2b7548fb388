package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/fault"
	"github.com/routecodex/routecodex/internal/hub"
	"github.com/routecodex/routecodex/internal/jsonutil"
)

// entryHandler adapts one entry endpoint onto the executor: it snapshots
// headers, decodes the body, builds the request metadata, and writes the
// result back in the endpoint's protocol.
func (s *Server) entryHandler(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, endpoint, fault.New(fault.CodeValidationError, "failed to read request body"))
			return
		}
		body, err := jsonutil.DecodeBody(raw)
		if err != nil {
			writeError(c, endpoint, fault.New(fault.CodeValidationError, "request body is not valid JSON"))
			return
		}
		if _, ok := body.(map[string]any); !ok {
			writeError(c, endpoint, fault.New(fault.CodeValidationError, "request body must be a JSON object"))
			return
		}

		input := s.buildInput(c, endpoint, body)
		result, err := s.executor.Execute(c.Request.Context(), input)
		if err != nil {
			writeError(c, endpoint, err)
			return
		}
		if result.Stream != nil {
			writeStream(c, endpoint, result)
			return
		}
		writeBody(c, result)
	}
}

func (s *Server) buildInput(c *gin.Context, endpoint string, body any) *hub.ExecutionInput {
	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	requestID := headers["x-request-id"]
	if requestID == "" {
		requestID = "req_" + uuid.NewString()
	}
	// Session identity is client-supplied only; a request without one gets
	// no sticky routing and no session echo headers.
	sessionID := headers["session_id"]
	if sessionID == "" {
		sessionID = headers["x-session-id"]
	}
	conversationID := headers["conversation_id"]

	metadata := map[string]any{
		hub.MetaClientHeaders:    headers,
		hub.MetaClientRequestID:  requestID,
		hub.MetaHeaderOriginator: "api",
		hub.MetaEntryEndpoint:    endpoint,
		hub.MetaDirection:        "request",
		hub.MetaStage:            "inbound",
	}
	if sessionID != "" {
		metadata[hub.MetaSessionID] = sessionID
	}
	if conversationID != "" {
		metadata[hub.MetaConversationID] = conversationID
	}
	if hint := c.GetHeader("X-Route-Hint"); hint != "" {
		metadata[hub.MetaRouteHint] = hint
	}

	return &hub.ExecutionInput{
		RequestID:     requestID,
		EntryEndpoint: endpoint,
		Method:        c.Request.Method,
		Headers:       headers,
		Query:         c.Request.URL.Query(),
		Body:          body,
		Metadata:      metadata,
	}
}

func writeBody(c *gin.Context, result *hub.ExecutionResult) {
	for name, value := range result.Headers {
		c.Header(name, value)
	}
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.JSON(status, result.Body)
}

// writeStream relays SSE frames to the client. OpenAI dialects close with
// a [DONE] sentinel; the Anthropic dialect ends on message_stop. A
// mid-stream failure becomes a terminal error frame.
func writeStream(c *gin.Context, endpoint string, result *hub.ExecutionResult) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	for name, value := range result.Headers {
		if strings.EqualFold(name, "content-type") {
			continue
		}
		c.Header(name, value)
	}
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	clientGone := c.Request.Context().Done()
	for ev := range result.Stream.Events {
		select {
		case <-clientGone:
			log.Debugf("stream: client disconnected on %s", endpoint)
			return
		default:
		}
		if ev.Err != nil {
			writeErrorFrame(c, endpoint, ev.Err)
			flush()
			return
		}
		if ev.Event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", ev.Event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", ev.Data)
		flush()
	}
	if endpoint != hub.EndpointMessages {
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		flush()
	}
}

func writeErrorFrame(c *gin.Context, endpoint string, err error) {
	envelope := errorEnvelope(endpoint, err)
	payload, marshalErr := jsonutil.EncodeBody(envelope)
	if marshalErr != nil {
		payload = []byte(`{"error":{"message":"stream failed"}}`)
	}
	fmt.Fprintf(c.Writer, "event: error\ndata: %s\n\n", payload)
}

func writeError(c *gin.Context, endpoint string, err error) {
	c.JSON(fault.ClientStatus(err), errorEnvelope(endpoint, err))
}

// errorEnvelope renders an error in the endpoint's native error shape.
func errorEnvelope(endpoint string, err error) map[string]any {
	message := err.Error()
	code := "INTERNAL_ERROR"
	if f, ok := fault.As(err); ok {
		message = f.Message
		code = f.Code
	}
	if endpoint == hub.EndpointMessages {
		return map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    anthropicErrorType(code),
				"message": message,
			},
		}
	}
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    openaiErrorType(code),
			"code":    code,
		},
	}
}

func openaiErrorType(code string) string {
	switch code {
	case fault.CodeAuthenticationError:
		return "authentication_error"
	case fault.CodePermissionError:
		return "permission_error"
	case fault.CodeValidationError:
		return "invalid_request_error"
	case fault.CodeNotFound:
		return "not_found_error"
	case fault.CodeHTTP429:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func anthropicErrorType(code string) string {
	switch code {
	case fault.CodeAuthenticationError:
		return "authentication_error"
	case fault.CodePermissionError:
		return "permission_error"
	case fault.CodeValidationError:
		return "invalid_request_error"
	case fault.CodeNotFound:
		return "not_found_error"
	case fault.CodeHTTP429:
		return "rate_limit_error"
	case fault.CodeHTTP5xx:
		return "api_error"
	default:
		return "api_error"
	}
}

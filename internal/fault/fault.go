// Package fault defines the provider-agnostic error taxonomy shared across
// the gateway. Every failure surfaced by the secret resolver, the OAuth
// manager, provider runtimes, and the request executor is expressed as a
// Fault so that retry classification and client-facing translation happen
// in exactly one place.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes used across the gateway.
const (
	CodeConfigMissingEnv     = "CONFIG_MISSING_ENV"
	CodeSecretNotFound       = "SECRET_NOT_FOUND"
	CodeSecretFileUnreadable = "SECRET_FILE_UNREADABLE"
	CodeSecretNoField        = "SECRET_NO_FIELD"

	CodeOAuthRefreshFailed     = "OAUTH_REFRESH_FAILED"
	CodeOAuthExpiredNoRefresh  = "OAUTH_EXPIRED_NO_REFRESH"
	CodeAuthenticationError    = "AUTHENTICATION_ERROR"
	CodePermissionError        = "PERMISSION_ERROR"
	CodeValidationError        = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeNoProviderTarget       = "ERR_NO_PROVIDER_TARGET"
	CodeRuntimeNotFound        = "ERR_RUNTIME_NOT_FOUND"
	CodeProviderNotFound       = "ERR_PROVIDER_NOT_FOUND"
	CodeTimeout                = "TIMEOUT"
	CodeNetworkError           = "NETWORK_ERROR"
	CodeConnectionTimeout      = "CONNECTION_TIMEOUT"
	CodeHTTP429                = "HTTP_429"
	CodeHTTP5xx                = "HTTP_5XX"
	CodeHTTP4xx                = "HTTP_4XX"
	CodeSSEDecodeError         = "SSE_DECODE_ERROR"
	CodeServerToolFailed       = "SERVERTOOL_FAILED"
	CodeProviderProtocolError  = "PROVIDER_PROTOCOL_ERROR"
	CodeStreamConversionFailed = "STREAM_CONVERSION_FAILED"
)

// Fault describes a gateway failure in a provider-agnostic format.
type Fault struct {
	// Code is a short machine readable identifier.
	Code string `json:"code,omitempty"`
	// Message is a human readable description of the failure.
	Message string `json:"message"`
	// Retryable indicates whether failover or a retry might recover.
	Retryable bool `json:"retryable"`
	// HTTPStatus optionally records an HTTP-like status code.
	HTTPStatus int `json:"http_status,omitempty"`
	// Cause preserves the wrapped error, when any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.Code == "" {
		return f.Message
	}
	return f.Code + ": " + f.Message
}

// StatusCode reports the HTTP-like status carried by the fault.
func (f *Fault) StatusCode() int {
	if f == nil {
		return 0
	}
	return f.HTTPStatus
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// New constructs a non-retryable fault with the given code.
func New(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable constructs a retryable fault with the given code.
func Retryable(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Wrap attaches a cause to a fault built from code and message.
func Wrap(code string, cause error, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithStatus returns a copy of the fault carrying the given HTTP status.
func (f *Fault) WithStatus(status int) *Fault {
	if f == nil {
		return nil
	}
	clone := *f
	clone.HTTPStatus = status
	return &clone
}

// FromUpstreamStatus converts an upstream HTTP status plus body into a fault.
// 429 and 5xx are retryable; every other 4xx is terminal.
func FromUpstreamStatus(status int, body string) *Fault {
	switch {
	case status == http.StatusTooManyRequests:
		return &Fault{Code: CodeHTTP429, Message: truncate(body, 512), Retryable: true, HTTPStatus: status}
	case status >= 500:
		return &Fault{Code: CodeHTTP5xx, Message: truncate(body, 512), Retryable: true, HTTPStatus: status}
	case status == http.StatusUnauthorized:
		return &Fault{Code: CodeAuthenticationError, Message: truncate(body, 512), HTTPStatus: status}
	case status == http.StatusForbidden:
		return &Fault{Code: CodePermissionError, Message: truncate(body, 512), HTTPStatus: status}
	case status == http.StatusNotFound:
		return &Fault{Code: CodeNotFound, Message: truncate(body, 512), HTTPStatus: status}
	case status >= 400:
		return &Fault{Code: CodeHTTP4xx, Message: truncate(body, 512), HTTPStatus: status}
	default:
		return &Fault{Code: CodeProviderProtocolError, Message: truncate(body, 512), HTTPStatus: status}
	}
}

// As extracts a *Fault from an arbitrary error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ShouldRetry reports whether the executor may fail over after err.
// Streaming conversion and server-tool failures are always terminal, as is
// any 4xx other than 429.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	f, ok := As(err)
	if !ok {
		return false
	}
	switch f.Code {
	case CodeSSEDecodeError, CodeServerToolFailed, CodeStreamConversionFailed:
		return false
	case CodeRuntimeNotFound, CodeProviderNotFound:
		// Routing target unavailable; let the router pick another key.
		return true
	case CodeTimeout, CodeNetworkError, CodeConnectionTimeout, CodeHTTP429, CodeHTTP5xx:
		return true
	}
	if f.Retryable {
		return true
	}
	if f.HTTPStatus == http.StatusTooManyRequests || f.HTTPStatus >= 500 {
		return true
	}
	return false
}

// IsNetworkTransport reports whether err is a transport-layer failure that
// justifies retrying the same provider when no failover peer exists.
func IsNetworkTransport(err error) bool {
	f, ok := As(err)
	if !ok {
		return false
	}
	switch f.Code {
	case CodeTimeout, CodeNetworkError, CodeConnectionTimeout:
		return true
	}
	return false
}

// ClientStatus maps a fault to the HTTP status returned to the caller.
func ClientStatus(err error) int {
	f, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if f.HTTPStatus > 0 {
		return f.HTTPStatus
	}
	switch f.Code {
	case CodeOAuthRefreshFailed, CodeOAuthExpiredNoRefresh, CodeAuthenticationError:
		return http.StatusUnauthorized
	case CodePermissionError:
		return http.StatusForbidden
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNoProviderTarget:
		return http.StatusServiceUnavailable
	case CodeSSEDecodeError, CodeServerToolFailed, CodeStreamConversionFailed:
		return http.StatusBadGateway
	case CodeTimeout, CodeConnectionTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

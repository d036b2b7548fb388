package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/fault"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPoolSize = 64
)

// CredentialFunc materialises the bearer for one upstream call. The value
// may change between calls when the OAuth manager refreshes underneath.
type CredentialFunc func(ctx context.Context) (string, error)

// UpstreamResponse is the raw upstream result. Exactly one of Body and
// Stream is set: Stream carries the response body for SSE flows and must be
// closed by the consumer.
type UpstreamResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
	Stream  io.ReadCloser
	// Decoded caches the parsed Body for converters; set by the hub.
	Decoded any
}

// Runtime is the live singleton for one physical provider instance. It owns
// the transport configuration, the connection pool bound, and the
// credential lookup.
type Runtime struct {
	profile RuntimeProfile
	client  *http.Client
	cred    CredentialFunc
	slots   chan struct{}
}

// NewRuntime wires a runtime from its materialised profile.
func NewRuntime(profile RuntimeProfile, cred CredentialFunc) (*Runtime, error) {
	if _, err := url.Parse(profile.BaseURL); err != nil {
		return nil, fmt.Errorf("provider %s: invalid base url: %w", profile.RuntimeKey, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("provider %s: credential source is required", profile.RuntimeKey)
	}
	timeout := defaultTimeout
	if profile.TimeoutMs > 0 {
		timeout = time.Duration(profile.TimeoutMs) * time.Millisecond
	}
	poolSize := profile.MaxPoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return &Runtime{
		profile: profile,
		client:  &http.Client{Timeout: timeout},
		cred:    cred,
		slots:   make(chan struct{}, poolSize),
	}, nil
}

// Profile returns the materialised profile backing this runtime.
func (r *Runtime) Profile() RuntimeProfile { return r.profile }

// timeout reports the per-call bound for this runtime.
func (r *Runtime) timeout() time.Duration {
	if r.profile.TimeoutMs > 0 {
		return time.Duration(r.profile.TimeoutMs) * time.Millisecond
	}
	return defaultTimeout
}

// Send executes one upstream call with the given provider payload. When
// stream is true the response body is returned unconsumed for SSE reading.
func (r *Runtime) Send(ctx context.Context, payload []byte, stream bool) (*UpstreamResponse, error) {
	release, err := r.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	releaseOnce := releaseOnceFunc(release)

	resp, err := r.send(ctx, payload, stream)
	if err != nil {
		releaseOnce()
		return nil, err
	}
	if resp.Stream != nil {
		// The slot stays held until the stream is fully consumed.
		resp.Stream = &slotReadCloser{inner: resp.Stream, release: releaseOnce}
	} else {
		releaseOnce()
	}
	return resp, nil
}

func (r *Runtime) send(ctx context.Context, payload []byte, stream bool) (*UpstreamResponse, error) {
	endpoint := r.profile.Endpoint
	if endpoint == "" {
		endpoint = r.profile.ProviderType.DefaultEndpoint()
	}
	target := r.profile.BaseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.CodeNetworkError, err, "provider %s: build request failed", r.profile.RuntimeKey)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip, br")
	}
	for name, value := range r.profile.Headers {
		req.Header.Set(name, value)
	}
	if err = r.applyAuth(ctx, req); err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, r.transportFault(ctx, err)
	}

	if resp.StatusCode >= 400 {
		body, _ := readAll(resp)
		_ = resp.Body.Close()
		f := fault.FromUpstreamStatus(resp.StatusCode, string(body))
		log.Debugf("provider %s: upstream status %d", r.profile.RuntimeKey, resp.StatusCode)
		return nil, f
	}

	if stream && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return &UpstreamResponse{Status: resp.StatusCode, Headers: resp.Header, Stream: resp.Body}, nil
	}

	body, err := readAll(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fault.Wrap(fault.CodeNetworkError, err, "provider %s: read response failed", r.profile.RuntimeKey)
	}
	return &UpstreamResponse{Status: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func (r *Runtime) applyAuth(ctx context.Context, req *http.Request) error {
	bearer, err := r.cred(ctx)
	if err != nil {
		return err
	}
	switch {
	case r.profile.RawKeyType == "iflow-cookie":
		req.Header.Set("Cookie", bearer)
	case r.profile.ProviderFamily == "anthropic" && r.profile.ProviderType == ProtocolAnthropicMessages:
		req.Header.Set("x-api-key", bearer)
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", "2023-06-01")
		}
	case r.profile.ProviderType == ProtocolGeminiChat:
		req.Header.Set("x-goog-api-key", bearer)
	default:
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return nil
}

func (r *Runtime) transportFault(ctx context.Context, err error) *fault.Fault {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		f := fault.Wrap(fault.CodeTimeout, err, "provider %s: request timed out", r.profile.RuntimeKey)
		f.Retryable = true
		return f
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		f := fault.Wrap(fault.CodeTimeout, err, "provider %s: request timed out", r.profile.RuntimeKey)
		f.Retryable = true
		return f
	}
	f := fault.Wrap(fault.CodeNetworkError, err, "provider %s: transport failure", r.profile.RuntimeKey)
	f.Retryable = true
	return f
}

// acquireSlot blocks for a pool slot up to the configured timeout.
func (r *Runtime) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.slots <- struct{}{}:
		return func() { <-r.slots }, nil
	default:
	}
	timer := time.NewTimer(r.timeout())
	defer timer.Stop()
	select {
	case r.slots <- struct{}{}:
		return func() { <-r.slots }, nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.CodeConnectionTimeout, ctx.Err(), "provider %s: cancelled while queued", r.profile.RuntimeKey)
	case <-timer.C:
		f := fault.New(fault.CodeConnectionTimeout, "provider %s: connection pool exhausted", r.profile.RuntimeKey)
		f.Retryable = true
		return nil, f
	}
}

// Dispose releases runtime resources. Idempotent.
func (r *Runtime) Dispose() {
	r.client.CloseIdleConnections()
}

func releaseOnceFunc(release func()) func() {
	done := false
	return func() {
		if !done {
			done = true
			release()
		}
	}
}

type slotReadCloser struct {
	inner   io.ReadCloser
	release func()
}

func (s *slotReadCloser) Read(p []byte) (int, error) { return s.inner.Read(p) }

func (s *slotReadCloser) Close() error {
	err := s.inner.Close()
	s.release()
	return err
}

// readAll drains a response body, transparently decompressing gzip and
// brotli encodings.
func readAll(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}

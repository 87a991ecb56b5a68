// Package handlers provides the reference task handlers used by tests and
// by cmd/taskengine's demonstration commands. The actual business-logic
// handlers a deployment registers are out of scope for this engine; these
// two exist so the registry has something real to bind and invoke.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/resilience"
)

// Noop immediately succeeds, echoing its payload back as the result. Useful
// for exercising the executor/store plumbing without any side effects.
func Noop(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return payload, nil
}

// httpFetchPayload is the expected shape of an "http-fetch" task's payload.
type httpFetchPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// httpFetchResult is the shape returned on success.
type httpFetchResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// HTTPFetch wraps an outbound GET/POST behind a circuit breaker the way the
// teacher's HTTPTaskExecutor wraps its requests with tracing: here the
// breaker stands in for that protection, since a single flaky downstream
// should not be retried into the ground by every task attempt.
type HTTPFetch struct {
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// NewHTTPFetch builds an HTTPFetch handler with a pooled client and an
// adaptive circuit breaker guarding the outbound call.
func NewHTTPFetch() *HTTPFetch {
	return &HTTPFetch{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
}

var ErrCircuitOpen = errors.New("http-fetch: circuit open")

// Handle implements registry.Handler.
func (h *HTTPFetch) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if !h.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	var req httpFetchPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("http-fetch: invalid payload: %w", err))
	}
	if req.URL == "" {
		return nil, resilience.Permanent(errors.New("http-fetch: payload missing url"))
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		h.breaker.RecordResult(false)
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.breaker.RecordResult(false)
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		h.breaker.RecordResult(false)
		return nil, fmt.Errorf("read response: %w", err)
	}

	success := resp.StatusCode < 500
	h.breaker.RecordResult(success)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(body))
	}

	out, err := json.Marshal(httpFetchResult{StatusCode: resp.StatusCode, Body: string(body)})
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

// Register binds the reference handlers into reg under their canonical
// type tags: "noop" and "http-fetch".
func Register(reg *registry.Registry) {
	reg.Register("noop", Noop, false)
	fetch := NewHTTPFetch()
	reg.Register("http-fetch", fetch.Handle, false)
}

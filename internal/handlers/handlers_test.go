package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/swarmguard/taskengine/internal/registry"
	"github.com/swarmguard/taskengine/internal/resilience"
)

func TestNoopEchoesPayload(t *testing.T) {
	in := json.RawMessage(`{"a":1}`)
	out, err := Noop(context.Background(), in)
	if err != nil {
		t.Fatalf("noop: %v", err)
	}
	if string(out) != string(in) {
		t.Fatalf("expected echo, got %s", out)
	}
}

func TestNoopEmptyPayload(t *testing.T) {
	out, err := Noop(context.Background(), nil)
	if err != nil {
		t.Fatalf("noop: %v", err)
	}
	if string(out) != "{}" {
		t.Fatalf("expected empty object, got %s", out)
	}
}

func TestHTTPFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := NewHTTPFetch()
	payload, _ := json.Marshal(map[string]string{"url": srv.URL})
	out, err := h.Handle(context.Background(), payload)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var res httpFetchResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.StatusCode != 200 || res.Body != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPFetchMissingURLIsPermanent(t *testing.T) {
	h := NewHTTPFetch()
	_, err := h.Handle(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatalf("expected error for missing url")
	}
	if !resilience.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHTTPFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTPFetch()
	payload, _ := json.Marshal(map[string]string{"url": srv.URL})
	_, err := h.Handle(context.Background(), payload)
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
	if resilience.IsPermanent(err) {
		t.Fatalf("expected transient error for server failure, got permanent")
	}
}

func TestRegisterBindsBothHandlers(t *testing.T) {
	reg := registry.New()
	Register(reg)
	types := reg.Types()
	found := map[string]bool{}
	for _, ty := range types {
		found[ty] = true
	}
	if !found["noop"] || !found["http-fetch"] {
		t.Fatalf("expected noop and http-fetch registered, got %v", types)
	}
}

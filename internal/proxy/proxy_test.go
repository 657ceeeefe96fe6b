package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hermes/internal/models"
)

func testProvider(url string) *models.Provider {
	return &models.Provider{ID: "p1", Name: "u1", BaseURL: url, APIKey: "sk-test"}
}

func newProxy() *Proxy {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 5 * time.Second
	cfg.StreamIdle = 2 * time.Second
	return New(cfg)
}

func TestForwardSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Expected credential injected, got %q", got)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[]}`))
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	stamped := false
	out := newProxy().Forward(context.Background(), rec, testProvider(upstream.URL), []byte(`{"model":"gpt-4o-mini"}`), false, func(status int) {
		stamped = true
		if status != 200 {
			t.Errorf("Expected status 200 in hook, got %d", status)
		}
	})

	if out.Class != ClassSuccess {
		t.Fatalf("Expected success, got %s (%v)", out.Class, out.Err)
	}
	if !out.Written || !stamped {
		t.Error("Expected downstream write and header hook")
	}
	if rec.Body.String() != `{"id":"cmpl-1","choices":[]}` {
		t.Errorf("Body not forwarded verbatim: %s", rec.Body.String())
	}
}

func TestForwardModelMissing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"model_not_found","message":"The model does not exist"}}`))
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	out := newProxy().Forward(context.Background(), rec, testProvider(upstream.URL), []byte(`{}`), false, nil)

	if out.Class != ClassModelMissing {
		t.Fatalf("Expected model_missing, got %s", out.Class)
	}
	if out.Written || rec.Body.Len() != 0 {
		t.Error("Retryable outcome must not touch the downstream writer")
	}
}

func TestForwardQuota(t *testing.T) {
	for _, tc := range []struct {
		status int
		body   string
	}{
		{http.StatusTooManyRequests, `{"error":"rate limited"}`},
		{http.StatusForbidden, `{"error":{"code":"insufficient_quota"}}`},
	} {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		rec := httptest.NewRecorder()
		out := newProxy().Forward(context.Background(), rec, testProvider(upstream.URL), []byte(`{}`), false, nil)
		upstream.Close()

		if out.Class != ClassQuota {
			t.Errorf("status %d: expected quota, got %s", tc.status, out.Class)
		}
		if out.Written {
			t.Errorf("status %d: quota outcome wrote downstream", tc.status)
		}
	}
}

func TestForwardServerErrorRetryable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	out := newProxy().Forward(context.Background(), rec, testProvider(upstream.URL), []byte(`{}`), false, nil)

	if out.Class != ClassTransport {
		t.Fatalf("Expected transport, got %s", out.Class)
	}
	if out.Written {
		t.Error("5xx must not be surfaced before retries are exhausted")
	}
}

func TestForwardClientErrorSurfaced(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"messages is required"}}`))
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	out := newProxy().Forward(context.Background(), rec, testProvider(upstream.URL), []byte(`{}`), false, nil)

	if out.Class != ClassClient {
		t.Fatalf("Expected client_error, got %s", out.Class)
	}
	if !out.Written || rec.Code != http.StatusBadRequest {
		t.Errorf("Expected upstream 400 mirrored, got %d written=%v", rec.Code, out.Written)
	}
	if !strings.Contains(rec.Body.String(), "messages is required") {
		t.Errorf("Expected upstream body mirrored, got %s", rec.Body.String())
	}
}

func TestForwardTransportError(t *testing.T) {
	rec := httptest.NewRecorder()
	out := newProxy().Forward(context.Background(), rec, testProvider("http://127.0.0.1:1"), []byte(`{}`), false, nil)
	if out.Class != ClassTransport {
		t.Fatalf("Expected transport for unreachable upstream, got %s", out.Class)
	}
}

func TestForwardStreamingPassthrough(t *testing.T) {
	chunks := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n",
		"data: [DONE]\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	out := newProxy().Forward(context.Background(), rec, testProvider(upstream.URL), []byte(`{"stream":true}`), true, nil)

	if out.Class != ClassSuccess {
		t.Fatalf("Expected success, got %s (%v)", out.Class, out.Err)
	}
	if rec.Body.String() != strings.Join(chunks, "") {
		t.Errorf("Stream bytes not identical:\n%q", rec.Body.String())
	}
	if out.FirstByte <= 0 || out.Duration < out.FirstByte {
		t.Errorf("Expected first byte <= total duration, got %v / %v", out.FirstByte, out.Duration)
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected SSE content type, got %s", rec.Header().Get("Content-Type"))
	}
}

func TestForwardCancelledNoClassification(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	rec := httptest.NewRecorder()
	out := newProxy().Forward(ctx, rec, testProvider(upstream.URL), []byte(`{}`), false, nil)
	if out.Class != ClassCancelled {
		t.Fatalf("Expected cancelled, got %s", out.Class)
	}
}

func TestProbe(t *testing.T) {
	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotModel = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":"cmpl"}`))
	}))
	defer upstream.Close()

	if !newProxy().Probe(context.Background(), testProvider(upstream.URL), "gpt-4o-mini") {
		t.Error("Expected probe success")
	}
	if gotModel != "Bearer sk-test" {
		t.Errorf("Probe missing credential, got %q", gotModel)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	if newProxy().Probe(context.Background(), testProvider(down.URL), "gpt-4o-mini") {
		t.Error("Expected probe failure on 502")
	}
}

func TestLoadQuotaPatternsDefault(t *testing.T) {
	patterns, err := LoadQuotaPatterns("")
	if err != nil {
		t.Fatalf("LoadQuotaPatterns failed: %v", err)
	}
	if len(patterns) == 0 {
		t.Fatal("Expected default patterns")
	}
	if !matchesAny(`{"error":{"code":"insufficient_quota"}}`, patterns) {
		t.Error("Default patterns miss insufficient_quota")
	}
}

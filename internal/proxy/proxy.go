// Package proxy forwards chat completion requests to upstream providers over
// a pooled HTTP/2 client, streams responses through to the downstream writer
// and classifies every failure mode for the dispatcher.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"hermes/internal/models"
	"hermes/internal/utils"
)

// Config holds upstream client settings.
type Config struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	StreamIdle     time.Duration
	MaxIdlePerHost int
	MaxIdleConns   int
	MaxBodyBytes   int64
	QuotaPatterns  []string
}

// DefaultConfig returns stock proxy settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 120 * time.Second,
		StreamIdle:     60 * time.Second,
		MaxIdlePerHost: 32,
		MaxIdleConns:   256,
		MaxBodyBytes:   10 * 1024 * 1024,
		QuotaPatterns:  defaultQuotaPatterns,
	}
}

// Proxy owns the singleton upstream client pool.
type Proxy struct {
	cfg    Config
	client *http.Client
	logger *utils.Logger
}

// New creates the proxy with a shared HTTP/2-capable transport.
func New(cfg Config) *Proxy {
	if len(cfg.QuotaPatterns) == 0 {
		cfg.QuotaPatterns = defaultQuotaPatterns
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	return &Proxy{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: utils.NewLogger("proxy"),
	}
}

// Forward sends body to the provider's chat completions endpoint and relays
// the response. beforeWrite runs once, immediately before the first byte is
// written downstream, so the caller can stamp response headers. Retryable
// outcomes never touch the downstream writer.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, provider *models.Provider, body []byte, isStreaming bool, beforeWrite func(status int)) Outcome {
	start := time.Now()

	reqCtx := ctx
	var cancel context.CancelFunc
	if !isStreaming {
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, provider.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Outcome{Class: ClassTransport, Duration: time.Since(start), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+provider.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Class: ClassCancelled, Duration: time.Since(start), Err: ctx.Err()}
		}
		return Outcome{Class: ClassTransport, Duration: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return p.classifyError(ctx, w, resp, start, beforeWrite)
	}

	if isStreaming && isEventStream(resp) {
		return p.relayStream(ctx, w, resp, cancel, start, beforeWrite)
	}
	return p.relayBody(ctx, w, resp, start, beforeWrite)
}

// classifyError maps an upstream error status onto the outcome taxonomy.
// Only ClassClient is surfaced downstream; the dispatcher handles the rest.
func (p *Proxy) classifyError(ctx context.Context, w http.ResponseWriter, resp *http.Response, start time.Time, beforeWrite func(status int)) Outcome {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	duration := time.Since(start)
	bodyText := string(raw)

	switch {
	case resp.StatusCode == http.StatusNotFound && matchesAny(bodyText, modelMissingPatterns):
		return Outcome{Class: ClassModelMissing, StatusCode: resp.StatusCode, Duration: duration}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode < 500 && matchesAny(bodyText, p.cfg.QuotaPatterns):
		return Outcome{Class: ClassQuota, StatusCode: resp.StatusCode, Duration: duration}
	case resp.StatusCode >= 500:
		return Outcome{Class: ClassTransport, StatusCode: resp.StatusCode, Duration: duration}
	}

	if ctx.Err() != nil {
		return Outcome{Class: ClassCancelled, StatusCode: resp.StatusCode, Duration: duration, Err: ctx.Err()}
	}

	// Plain client error: mirror the upstream response verbatim.
	if beforeWrite != nil {
		beforeWrite(resp.StatusCode)
	}
	copyContentType(w, resp)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)
	return Outcome{Class: ClassClient, StatusCode: resp.StatusCode, Duration: duration, Written: true}
}

// relayBody forwards a non-streaming response read fully into memory.
func (p *Proxy) relayBody(ctx context.Context, w http.ResponseWriter, resp *http.Response, start time.Time, beforeWrite func(status int)) Outcome {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes))
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Class: ClassCancelled, Duration: duration, Err: ctx.Err()}
		}
		return Outcome{Class: ClassTransport, StatusCode: resp.StatusCode, Duration: duration, Err: err}
	}

	if beforeWrite != nil {
		beforeWrite(resp.StatusCode)
	}
	copyContentType(w, resp)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(raw)

	return Outcome{Class: ClassSuccess, StatusCode: resp.StatusCode, Duration: duration, Written: true}
}

// relayStream pipes upstream bytes to the client as they arrive, observing
// first-byte latency and time-to-last-byte. Downstream back-pressure
// propagates upstream because the next read waits for the write to drain.
func (p *Proxy) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, cancelUpstream context.CancelFunc, start time.Time, beforeWrite func(status int)) Outcome {
	flusher, canFlush := w.(http.Flusher)

	if beforeWrite != nil {
		beforeWrite(resp.StatusCode)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	// Idle watchdog: a stream that stalls past the idle budget is aborted by
	// cancelling the upstream request, which unblocks the pending read.
	idle := time.AfterFunc(p.cfg.StreamIdle, cancelUpstream)
	defer idle.Stop()

	var firstByte time.Duration
	written := false
	buf := make([]byte, 32*1024)

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(p.cfg.StreamIdle)
			if !written {
				firstByte = time.Since(start)
				written = true
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				cancelUpstream()
				return Outcome{Class: ClassCancelled, StatusCode: resp.StatusCode, Duration: time.Since(start), FirstByte: firstByte, Written: true, Err: werr}
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			duration := time.Since(start)
			if errors.Is(err, io.EOF) {
				return Outcome{Class: ClassSuccess, StatusCode: resp.StatusCode, Duration: duration, FirstByte: firstByte, Written: written}
			}
			if ctx.Err() != nil {
				return Outcome{Class: ClassCancelled, StatusCode: resp.StatusCode, Duration: duration, FirstByte: firstByte, Written: written, Err: ctx.Err()}
			}
			// Headers are already committed, so the attempt cannot be retried.
			return Outcome{Class: ClassTransport, StatusCode: resp.StatusCode, Duration: duration, FirstByte: firstByte, Written: true, Err: err}
		}
	}
}

// Probe issues a minimal completion to test a half-open provider.
func (p *Proxy) Probe(ctx context.Context, provider *models.Provider, model string) bool {
	payload, err := json.Marshal(map[string]any{
		"model":      model,
		"messages":   []map[string]string{{"role": "user", "content": "ping"}},
		"max_tokens": 1,
	})
	if err != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, provider.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+provider.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return bytes.Contains([]byte(ct), []byte("text/event-stream")) || resp.Header.Get("Transfer-Encoding") == "chunked" || resp.ContentLength < 0
}

func copyContentType(w http.ResponseWriter, resp *http.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
}

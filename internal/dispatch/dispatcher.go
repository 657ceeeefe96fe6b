// Package dispatch selects the healthiest upstream for a model, drives the
// proxy attempt loop and feeds every outcome back into the scorer and the
// circuit breaker.
package dispatch

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"hermes/internal/breaker"
	"hermes/internal/clock"
	"hermes/internal/logging"
	"hermes/internal/metrics"
	"hermes/internal/models"
	"hermes/internal/providers"
	"hermes/internal/proxy"
	"hermes/internal/scoring"
	"hermes/internal/utils"
)

// Request is one chat completion to route.
type Request struct {
	NormalizedModel string
	Body            []byte
	Streaming       bool
	TraceID         string
}

// Attempt records one provider try for the terminal envelope.
type Attempt struct {
	ProviderID     string `json:"providerId"`
	Classification string `json:"classification"`
}

// Result summarizes the dispatch for request logging.
type Result struct {
	Status     int
	ProviderID string
	Attempts   []Attempt
}

// Dispatcher coordinates registry, scorer, breaker and proxy. Nothing here
// references back into the dispatcher; the dependency graph stays acyclic.
type Dispatcher struct {
	registry *providers.Registry
	scorer   *scoring.Scorer
	breaker  *breaker.Breaker
	proxy    *proxy.Proxy
	sink     *logging.Sink
	metrics  *metrics.Metrics
	clk      clock.Clock
	logger   *utils.Logger

	// maxRetries is consulted per request so the settings table can adjust
	// it without a restart.
	maxRetries func() int
}

// New creates the dispatcher.
func New(reg *providers.Registry, sc *scoring.Scorer, br *breaker.Breaker, px *proxy.Proxy, sink *logging.Sink, m *metrics.Metrics, clk clock.Clock, maxRetries func() int) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		scorer:     sc,
		breaker:    br,
		proxy:      px,
		sink:       sink,
		metrics:    m,
		clk:        clk,
		logger:     utils.NewLogger("dispatch"),
		maxRetries: maxRetries,
	}
}

type candidate struct {
	provider *models.Provider
	score    float64
}

// Candidates returns the ranked provider list for a normalized model:
// active, circuit not open, scored descending with ties broken by the older
// last use. HALF_OPEN providers participate only when no closed candidate
// exists; otherwise they are left to the self-heal probe, which this call
// opportunistically fires.
func (d *Dispatcher) Candidates(normalizedModel string) []candidate {
	var closed, halfOpen []candidate

	for _, p := range d.registry.ProvidersFor(normalizedModel) {
		if p.Status != models.ProviderStatusActive {
			continue
		}
		c := candidate{provider: p, score: d.scorer.Score(p.ID)}
		switch d.breaker.StateOf(p.ID) {
		case breaker.StateClosed:
			closed = append(closed, c)
		case breaker.StateHalfOpen:
			halfOpen = append(halfOpen, c)
		}
	}

	picked := closed
	if len(picked) == 0 {
		picked = halfOpen
	} else {
		for _, c := range halfOpen {
			d.maybeProbe(c.provider, normalizedModel)
		}
	}

	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].score != picked[j].score {
			return picked[i].score > picked[j].score
		}
		return lastUsed(picked[i].provider) < lastUsed(picked[j].provider)
	})
	return picked
}

func lastUsed(p *models.Provider) int64 {
	if p.LastUsedAt == nil {
		return 0
	}
	return *p.LastUsedAt
}

// maybeProbe fires the single-flight self-heal probe for a half-open
// provider that organic traffic is bypassing.
func (d *Dispatcher) maybeProbe(p *models.Provider, normalizedModel string) {
	if !d.breaker.TryAcquireProbe(p.ID) {
		return
	}
	model := normalizedModel
	if effective := p.EffectiveModels(); len(effective) > 0 {
		model = effective[0]
	}
	go func() {
		if d.proxy.Probe(context.Background(), p, model) {
			d.breaker.ProbeSuccess(p.ID)
		} else {
			d.breaker.ProbeFailure(p.ID)
		}
	}()
}

// Dispatch runs the attempt loop and writes the response (streamed through
// the proxy, or a terminal envelope) to w.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req Request) Result {
	if req.TraceID == "" {
		req.TraceID = uuid.New().String()
	}

	candidates := d.Candidates(req.NormalizedModel)
	maxRetries := d.maxRetries()
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var attempts []Attempt
	retriesUsed := 0

	for _, c := range candidates {
		if retriesUsed >= maxRetries {
			break
		}
		p := c.provider

		// Resolve the normalized model back to this provider's raw spelling.
		upstreamBody, err := d.resolveModelBody(req, p)
		if err != nil {
			d.logger.Error("failed to rewrite model name", "provider", p.ID, "error", err)
			continue
		}

		beforeWrite := func(status int) {
			h := w.Header()
			h.Set("X-Hermes-Provider", p.ID)
			h.Set("X-Hermes-Score", formatScore(c.score))
			h.Set("X-Hermes-Trace", req.TraceID)
		}

		outcome := d.proxy.Forward(ctx, w, p, upstreamBody, req.Streaming, beforeWrite)
		attempts = append(attempts, Attempt{ProviderID: p.ID, Classification: outcome.Class.String()})

		switch outcome.Class {
		case proxy.ClassSuccess:
			d.scorer.RecordSuccess(p.ID, outcome.Duration)
			d.breaker.OnSuccess(p.ID)
			d.registry.TouchLastUsed(ctx, p.ID, d.clk.Now())
			d.sink.TrackUsage(p.ID, p.Name, req.NormalizedModel)
			if req.Streaming && outcome.FirstByte > 0 {
				d.metrics.FirstByteMs.Observe(float64(outcome.FirstByte.Milliseconds()))
			}
			return Result{Status: outcome.StatusCode, ProviderID: p.ID, Attempts: attempts}

		case proxy.ClassModelMissing:
			// Local filter plus re-sync; deliberately not a retry and not a
			// breaker trip.
			d.registry.HandleModelNotFound(ctx, p.ID, req.NormalizedModel)
			continue

		case proxy.ClassQuota, proxy.ClassTransport:
			d.scorer.RecordFailure(p.ID)
			d.breaker.OnFailure(p.ID)
			d.sink.TrackUpstreamError(p.ID, p.Name)
			d.metrics.UpstreamErrors.WithLabelValues(p.ID, outcome.Class.String()).Inc()
			retriesUsed++
			if outcome.Written {
				// The stream had already started; the attempt is final.
				d.logger.Warn("stream aborted mid-flight", "provider", p.ID, "trace", req.TraceID)
				return Result{Status: outcome.StatusCode, ProviderID: p.ID, Attempts: attempts}
			}
			continue

		case proxy.ClassClient:
			// Proxy mirrored the upstream response already.
			return Result{Status: outcome.StatusCode, ProviderID: p.ID, Attempts: attempts}

		case proxy.ClassCancelled:
			// No information: the client went away. Leave scorer and breaker
			// untouched.
			return Result{Status: 499, ProviderID: p.ID, Attempts: attempts}
		}
	}

	d.writeExhausted(w, req, attempts)
	return Result{Status: http.StatusBadGateway, Attempts: attempts}
}

// resolveModelBody rewrites the payload's model field to the provider's raw
// spelling of the normalized model.
func (d *Dispatcher) resolveModelBody(req Request, p *models.Provider) ([]byte, error) {
	raw := req.NormalizedModel
	for _, m := range p.EffectiveModels() {
		if d.registry.NormalizeModel(m) == req.NormalizedModel {
			raw = m
			break
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, err
	}
	payload["model"] = raw
	return json.Marshal(payload)
}

func (d *Dispatcher) writeExhausted(w http.ResponseWriter, req Request, attempts []Attempt) {
	if attempts == nil {
		attempts = []Attempt{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Hermes-Trace", req.TraceID)
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":   "all upstream providers failed for model '" + req.NormalizedModel + "'",
			"type":      "api_error",
			"code":      "upstream_error",
			"attempted": attempts,
		},
	})
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 4, 64)
}

// Package breaker implements per-provider failure isolation with exponential
// cooldown and a single-flight self-heal probe.
package breaker

import (
	"sync"
	"time"

	"hermes/internal/clock"
	"hermes/internal/utils"
)

// State is the circuit state of one provider.
type State int

const (
	// StateClosed allows traffic.
	StateClosed State = iota
	// StateOpen rejects traffic until the penalty elapses.
	StateOpen
	// StateHalfOpen allows a probe (and, when no closed candidate exists,
	// organic traffic) to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the cooldown policy.
type Config struct {
	InitialPenalty  time.Duration
	MaxPenalty      time.Duration
	ResyncThreshold int
	ResyncCooldown  time.Duration
}

// DefaultConfig returns the stock policy: 30 min initial penalty doubling to
// a 4 h cap, model re-sync after 3 consecutive failures.
func DefaultConfig() Config {
	return Config{
		InitialPenalty:  30 * time.Minute,
		MaxPenalty:      4 * time.Hour,
		ResyncThreshold: 3,
		ResyncCooldown:  10 * time.Minute,
	}
}

// Status is a read-only snapshot of one provider's circuit.
type Status struct {
	ProviderID          string `json:"providerId"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	PenaltyMs           int64  `json:"penaltyMs"`
	RemainingMs         int64  `json:"remainingMs"`
	ProbeInFlight       bool   `json:"probeInFlight"`
}

type circuit struct {
	mu                  sync.Mutex
	consecutiveFailures int
	currentPenalty      time.Duration
	penaltyUntil        time.Time
	lastResync          time.Time
	probeInFlight       bool
}

// Breaker tracks circuits for all providers. State is volatile and rebuilt by
// observation.
type Breaker struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	cfg      Config
	cfgMu    sync.RWMutex
	clk      clock.Clock
	logger   *utils.Logger

	// resync is invoked (on its own goroutine) when a provider crosses the
	// consecutive-failure threshold.
	resync func(providerID string)
}

// NewBreaker creates a breaker driven by the given clock.
func NewBreaker(cfg Config, clk clock.Clock) *Breaker {
	return &Breaker{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		clk:      clk,
		logger:   utils.NewLogger("breaker"),
	}
}

// SetResyncFunc registers the model re-sync trigger.
func (b *Breaker) SetResyncFunc(fn func(providerID string)) {
	b.resync = fn
}

// UpdateConfig replaces the cooldown policy at runtime.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	b.cfg = cfg
}

func (b *Breaker) config() Config {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

func (b *Breaker) circuitFor(providerID string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[providerID]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[providerID]; ok {
		return c
	}
	c = &circuit{}
	b.circuits[providerID] = c
	return c
}

func (c *circuit) stateAt(now time.Time) State {
	if c.penaltyUntil.IsZero() {
		return StateClosed
	}
	if now.Before(c.penaltyUntil) {
		return StateOpen
	}
	return StateHalfOpen
}

// StateOf returns the current circuit state for a provider.
func (b *Breaker) StateOf(providerID string) State {
	c := b.circuitFor(providerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateAt(b.clk.Now())
}

// OnSuccess records a successful attempt. In HALF_OPEN it closes the circuit
// and clears the failure streak but keeps the accrued penalty (only
// ProbeSuccess and Reset clear it); in CLOSED it clears the failure streak
// and halves the pending penalty toward the initial value.
func (b *Breaker) OnSuccess(providerID string) {
	cfg := b.config()
	c := b.circuitFor(providerID)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.stateAt(b.clk.Now()) {
	case StateHalfOpen:
		// Organic traffic recovered the provider. Close the circuit but keep
		// the accrued penalty as memory; subsequent successes halve it.
		c.consecutiveFailures = 0
		c.penaltyUntil = time.Time{}
		b.logger.Info("circuit recovered", "provider", providerID)
	case StateClosed:
		c.consecutiveFailures = 0
		if c.currentPenalty > cfg.InitialPenalty {
			c.currentPenalty /= 2
			if c.currentPenalty < cfg.InitialPenalty {
				c.currentPenalty = cfg.InitialPenalty
			}
		}
	}
}

// OnFailure records a qualifying failure and opens (or re-opens) the circuit
// with a doubled penalty. Crossing the failure threshold schedules a model
// re-sync, rate limited by the resync cooldown.
func (b *Breaker) OnFailure(providerID string) {
	cfg := b.config()
	c := b.circuitFor(providerID)
	now := b.clk.Now()

	c.mu.Lock()
	c.consecutiveFailures++
	if c.currentPenalty == 0 {
		c.currentPenalty = cfg.InitialPenalty
	} else {
		c.currentPenalty *= 2
		if c.currentPenalty > cfg.MaxPenalty {
			c.currentPenalty = cfg.MaxPenalty
		}
	}
	c.penaltyUntil = now.Add(c.currentPenalty)
	c.probeInFlight = false

	shouldResync := c.consecutiveFailures >= cfg.ResyncThreshold &&
		(c.lastResync.IsZero() || now.Sub(c.lastResync) > cfg.ResyncCooldown)
	if shouldResync {
		c.lastResync = now
	}
	failures := c.consecutiveFailures
	penalty := c.currentPenalty
	c.mu.Unlock()

	b.logger.Warn("circuit opened", "provider", providerID, "failures", failures, "penalty", penalty)

	if shouldResync && b.resync != nil {
		go b.resync(providerID)
	}
}

// TryAcquireProbe claims the single probe slot for a HALF_OPEN provider.
// Returns false when the circuit is not HALF_OPEN or a probe is already in
// flight. The caller must report the probe outcome via ProbeSuccess or
// ProbeFailure.
func (b *Breaker) TryAcquireProbe(providerID string) bool {
	c := b.circuitFor(providerID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stateAt(b.clk.Now()) != StateHalfOpen || c.probeInFlight {
		return false
	}
	c.probeInFlight = true
	return true
}

// ProbeSuccess closes the circuit after a successful self-heal probe.
func (b *Breaker) ProbeSuccess(providerID string) {
	c := b.circuitFor(providerID)
	c.mu.Lock()
	c.probeInFlight = false
	c.consecutiveFailures = 0
	c.currentPenalty = 0
	c.penaltyUntil = time.Time{}
	c.mu.Unlock()
	b.logger.Info("probe succeeded, circuit closed", "provider", providerID)
}

// ProbeFailure treats a failed probe as a regular failure: the penalty
// doubles and the circuit re-opens.
func (b *Breaker) ProbeFailure(providerID string) {
	c := b.circuitFor(providerID)
	c.mu.Lock()
	c.probeInFlight = false
	c.mu.Unlock()
	b.OnFailure(providerID)
}

// Reset clears a provider's circuit, used by the admin API and after a
// successful background sync verifies the upstream.
func (b *Breaker) Reset(providerID string) {
	b.mu.RLock()
	c, ok := b.circuits[providerID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.currentPenalty = 0
	c.penaltyUntil = time.Time{}
	c.probeInFlight = false
	c.mu.Unlock()
}

// Forget drops a provider's circuit, used when the provider is deleted.
func (b *Breaker) Forget(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, providerID)
}

// StatusOf returns a snapshot of one provider's circuit.
func (b *Breaker) StatusOf(providerID string) Status {
	c := b.circuitFor(providerID)
	now := b.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := int64(0)
	if c.penaltyUntil.After(now) {
		remaining = c.penaltyUntil.Sub(now).Milliseconds()
	}
	return Status{
		ProviderID:          providerID,
		State:               c.stateAt(now).String(),
		ConsecutiveFailures: c.consecutiveFailures,
		PenaltyMs:           c.currentPenalty.Milliseconds(),
		RemainingMs:         remaining,
		ProbeInFlight:       c.probeInFlight,
	}
}

// AllStatuses returns snapshots for every tracked provider.
func (b *Breaker) AllStatuses() []Status {
	b.mu.RLock()
	ids := make([]string, 0, len(b.circuits))
	for id := range b.circuits {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.StatusOf(id))
	}
	return out
}

// OpenCount returns the number of currently open circuits.
func (b *Breaker) OpenCount() int {
	n := 0
	for _, st := range b.AllStatuses() {
		if st.State == StateOpen.String() {
			n++
		}
	}
	return n
}

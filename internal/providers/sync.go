package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"hermes/internal/models"
	"hermes/internal/normalizer"
	"hermes/internal/storage"
	"hermes/internal/utils"
)

// SyncerConfig controls the model synchronization workers.
type SyncerConfig struct {
	RequestTimeout   time.Duration
	MinGap           time.Duration // at most one outgoing sync per provider per MinGap
	Concurrency      int
	PeriodicInterval time.Duration
}

// DefaultSyncerConfig returns stock sync settings.
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		RequestTimeout:   30 * time.Second,
		MinGap:           5 * time.Second,
		Concurrency:      4,
		PeriodicInterval: time.Hour,
	}
}

// Syncer fetches each provider's advertised model list, reconciles it with
// the store and emits per-model sync records.
type Syncer struct {
	cfg      SyncerConfig
	registry *Registry
	repo     *storage.ProviderRepository
	norm     *normalizer.Normalizer
	sink     SyncLogger
	resetter CircuitResetter
	client   *http.Client
	logger   *utils.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	lastSync map[string]time.Time

	sem  chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSyncer creates the sync worker.
func NewSyncer(cfg SyncerConfig, registry *Registry, repo *storage.ProviderRepository, norm *normalizer.Normalizer, sink SyncLogger, resetter CircuitResetter) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Syncer{
		cfg:      cfg,
		registry: registry,
		repo:     repo,
		norm:     norm,
		sink:     sink,
		resetter: resetter,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   utils.NewLogger("sync"),
		inFlight: make(map[string]bool),
		lastSync: make(map[string]time.Time),
		sem:      make(chan struct{}, cfg.Concurrency),
		done:     make(chan struct{}),
	}
}

// Request schedules a sync for one provider. Concurrent requests for the same
// provider coalesce; requests inside the per-provider gap are dropped.
func (s *Syncer) Request(providerID string) {
	s.mu.Lock()
	if s.inFlight[providerID] {
		s.mu.Unlock()
		return
	}
	if last, ok := s.lastSync[providerID]; ok && time.Since(last) < s.cfg.MinGap {
		s.mu.Unlock()
		return
	}
	s.inFlight[providerID] = true
	s.lastSync[providerID] = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		defer func() {
			s.mu.Lock()
			delete(s.inFlight, providerID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout+10*time.Second)
		defer cancel()
		s.syncProvider(ctx, providerID)
	}()
}

// StartPeriodic runs the periodic full sync until Stop. The interval function
// is consulted each round so settings changes apply without restart.
func (s *Syncer) StartPeriodic(interval func() time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			d := interval()
			if d <= 0 {
				d = s.cfg.PeriodicInterval
			}
			select {
			case <-time.After(d):
				s.logger.Info("periodic sync round", "providers", len(s.registry.List()))
				for _, p := range s.registry.List() {
					s.Request(p.ID)
				}
			case <-s.done:
				return
			}
		}
	}()
}

// Stop terminates the workers and waits for in-flight syncs.
func (s *Syncer) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Syncer) syncProvider(ctx context.Context, providerID string) {
	p, err := s.repo.GetByID(ctx, providerID)
	if err != nil {
		s.logger.Warn("sync skipped, provider gone", "provider", providerID)
		return
	}

	now := time.Now().UnixMilli()
	raw, err := s.fetchModels(ctx, p)
	if err != nil {
		s.logger.Error("model sync failed", "provider", p.Name, "error", err)
		s.sink.LogSync(&models.SyncLog{
			ProviderID:   p.ID,
			ProviderName: p.Name,
			Model:        "*",
			Result:       models.SyncResultError,
			Message:      err.Error(),
			CreatedAt:    now,
		})
		// A provider that has served traffic keeps its model list; only a
		// never-synced provider degrades to error.
		if p.Status == models.ProviderStatusPending {
			if uerr := s.repo.UpdateStatus(ctx, p.ID, models.ProviderStatusError); uerr != nil {
				s.logger.Error("failed to mark provider error", "provider", p.ID, "error", uerr)
			}
			_ = s.registry.Refresh(ctx)
		}
		return
	}

	next := s.filterModels(raw, p.ModelBlacklist)
	added, removed := diffModels(p.Models, next)

	if err := s.repo.UpdateModels(ctx, p.ID, next, models.ProviderStatusActive, now); err != nil {
		s.logger.Error("failed to persist synced models", "provider", p.ID, "error", err)
		return
	}
	if err := s.registry.Refresh(ctx); err != nil {
		s.logger.Error("failed to refresh registry after sync", "error", err)
	}

	for _, m := range added {
		s.sink.LogSync(&models.SyncLog{
			ProviderID: p.ID, ProviderName: p.Name, Model: m,
			Result: models.SyncResultOK, Message: "model added", CreatedAt: now,
		})
	}
	for _, m := range removed {
		s.sink.LogSync(&models.SyncLog{
			ProviderID: p.ID, ProviderName: p.Name, Model: m,
			Result: models.SyncResultOK, Message: "model removed", CreatedAt: now,
		})
	}

	// The upstream answered authoritatively; clear any accrued penalty.
	if s.resetter != nil {
		s.resetter.Reset(p.ID)
	}

	s.logger.Info("model sync complete", "provider", p.Name, "models", len(next), "added", len(added), "removed", len(removed))
}

// fetchModels calls GET {baseUrl}/v1/models with the provider credential.
func (s *Syncer) fetchModels(ctx context.Context, p *models.Provider) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream responded with %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid model list: %w", err)
	}

	out := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID != "" {
			out = append(out, m.ID)
		}
	}
	return out, nil
}

// filterModels drops blacklisted and non-chat entries and deduplicates under
// normalization, keeping the first raw spelling seen.
func (s *Syncer) filterModels(raw []string, blacklist models.StringList) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(raw))
	for _, m := range raw {
		if blacklist.Contains(m) || !normalizer.IsChatModel(m) {
			continue
		}
		key := s.norm.Normalize(m)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

func diffModels(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, m := range prev {
		prevSet[m] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, m := range next {
		nextSet[m] = struct{}{}
		if _, ok := prevSet[m]; !ok {
			added = append(added, m)
		}
	}
	for _, m := range prev {
		if _, ok := nextSet[m]; !ok {
			removed = append(removed, m)
		}
	}
	return added, removed
}

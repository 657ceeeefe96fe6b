// Package providers owns the in-memory view of upstream providers and keeps
// it synchronized with the store and with the upstreams' advertised models.
package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hermes/internal/models"
	"hermes/internal/normalizer"
	"hermes/internal/storage"
	"hermes/internal/utils"
)

// SyncLogger receives append-only sync records. Satisfied by the log sink.
type SyncLogger interface {
	LogSync(rec *models.SyncLog)
}

// CircuitResetter clears a provider's breaker state after a verified sync.
type CircuitResetter interface {
	Reset(providerID string)
}

// VolatileState is garbage-collected when a provider is deleted.
type VolatileState interface {
	Forget(providerID string)
}

// Snapshot is an immutable view of all providers plus an inverted index from
// normalized model name to the providers advertising it. Readers hold only
// the reference; mutations install a fresh snapshot.
type Snapshot struct {
	Providers map[string]*models.Provider
	byModel   map[string][]string
	hash      string
}

// Hash identifies this snapshot for cache keying.
func (s *Snapshot) Hash() string {
	return s.hash
}

// ProviderIDsFor returns the ids of providers advertising the normalized model.
func (s *Snapshot) ProviderIDsFor(normalizedModel string) []string {
	return s.byModel[normalizedModel]
}

// ModelsUnion returns the deduplicated union of active providers' effective
// model sets, normalized and sorted.
func (s *Snapshot) ModelsUnion() []string {
	seen := make(map[string]struct{})
	for model, ids := range s.byModel {
		for _, id := range ids {
			if p, ok := s.Providers[id]; ok && p.Status == models.ProviderStatusActive {
				seen[model] = struct{}{}
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Registry is the authoritative in-memory cache over the provider table.
type Registry struct {
	repo   *storage.ProviderRepository
	norm   *normalizer.Normalizer
	logger *utils.Logger

	snapshot atomic.Pointer[Snapshot]
	version  atomic.Int64
	mu       sync.Mutex // serializes snapshot rebuilds

	syncer   *Syncer
	volatile []VolatileState
}

// NewRegistry creates the registry and loads the initial snapshot.
func NewRegistry(ctx context.Context, repo *storage.ProviderRepository, norm *normalizer.Normalizer) (*Registry, error) {
	r := &Registry{
		repo:   repo,
		norm:   norm,
		logger: utils.NewLogger("registry"),
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	return r, nil
}

// AttachSyncer wires the model-sync worker after construction.
func (r *Registry) AttachSyncer(s *Syncer) {
	r.syncer = s
}

// AttachVolatileState registers volatile per-provider state for GC on delete.
func (r *Registry) AttachVolatileState(v ...VolatileState) {
	r.volatile = append(r.volatile, v...)
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Refresh rebuilds the snapshot from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Providers: make(map[string]*models.Provider, len(list)),
		byModel:   make(map[string][]string),
	}
	for _, p := range list {
		snap.Providers[p.ID] = p
		for _, m := range p.EffectiveModels() {
			key := r.norm.Normalize(m)
			snap.byModel[key] = append(snap.byModel[key], p.ID)
		}
	}
	snap.hash = fmt.Sprintf("v%d-%s", r.version.Add(1), r.norm.TableHash())

	r.snapshot.Store(snap)
	return nil
}

// NormalizeModel canonicalizes a model identifier via the registry's table.
func (r *Registry) NormalizeModel(raw string) string {
	return r.norm.Normalize(raw)
}

// Get returns one provider from the snapshot.
func (r *Registry) Get(id string) (*models.Provider, bool) {
	p, ok := r.Snapshot().Providers[id]
	return p, ok
}

// List returns all providers from the snapshot, newest first.
func (r *Registry) List() []*models.Provider {
	snap := r.Snapshot()
	out := make([]*models.Provider, 0, len(snap.Providers))
	for _, p := range snap.Providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// ProvidersFor returns providers advertising the normalized model.
func (r *Registry) ProvidersFor(normalizedModel string) []*models.Provider {
	snap := r.Snapshot()
	ids := snap.ProviderIDsFor(normalizedModel)
	out := make([]*models.Provider, 0, len(ids))
	for _, id := range ids {
		if p, ok := snap.Providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Create persists a new provider in pending state, refreshes the snapshot and
// kicks off the first model sync.
func (r *Registry) Create(ctx context.Context, name, baseURL, apiKey string, blacklist []string) (*models.Provider, error) {
	p := &models.Provider{
		Name:           name,
		BaseURL:        trimBaseURL(baseURL),
		APIKey:         apiKey,
		ModelBlacklist: cleanList(blacklist),
	}
	if err := r.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	if r.syncer != nil {
		r.syncer.Request(p.ID)
	}
	return p, nil
}

// UpdateRequest carries optional provider mutations.
type UpdateRequest struct {
	Name           *string
	BaseURL        *string
	APIKey         *string
	ModelBlacklist *[]string
}

// Update applies the mutation, resets the provider to pending with an empty
// model list, and triggers a re-sync.
func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (*models.Provider, error) {
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.BaseURL != nil {
		p.BaseURL = trimBaseURL(*req.BaseURL)
	}
	if req.APIKey != nil {
		p.APIKey = *req.APIKey
	}
	if req.ModelBlacklist != nil {
		p.ModelBlacklist = cleanList(*req.ModelBlacklist)
	}
	p.Status = models.ProviderStatusPending
	p.Models = nil
	p.LastSyncedAt = nil

	if err := r.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	if r.syncer != nil {
		r.syncer.Request(id)
	}
	return p, nil
}

// Delete removes the provider and garbage-collects its volatile state.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	for _, v := range r.volatile {
		v.Forget(id)
	}
	return r.Refresh(ctx)
}

// TouchLastUsed stamps the provider's last use in the store and patches the
// current snapshot's entry in place; the store is authoritative.
func (r *Registry) TouchLastUsed(ctx context.Context, id string, at time.Time) {
	if err := r.repo.TouchLastUsed(ctx, id, at.UnixMilli()); err != nil {
		r.logger.Warn("failed to stamp last_used_at", "provider", id, "error", err)
	}
	if p, ok := r.Snapshot().Providers[id]; ok {
		ms := at.UnixMilli()
		p.LastUsedAt = &ms
	}
}

// HandleModelNotFound locally blacklists a model the upstream denied despite
// advertising it, then flags the provider for re-sync. Returns true when the
// model was actually stripped.
func (r *Registry) HandleModelNotFound(ctx context.Context, providerID, normalizedModel string) bool {
	p, ok := r.Get(providerID)
	if !ok {
		return false
	}

	var raw string
	for _, m := range p.EffectiveModels() {
		if r.norm.Normalize(m) == normalizedModel {
			raw = m
			break
		}
	}
	if raw == "" {
		return false
	}

	blacklist := append(append([]string(nil), p.ModelBlacklist...), raw)
	if err := r.repo.UpdateBlacklist(ctx, providerID, blacklist); err != nil {
		r.logger.Error("failed to persist blacklist", "provider", providerID, "error", err)
		return false
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("failed to refresh after blacklist", "error", err)
	}

	r.logger.Warn("upstream reported missing model, blacklisted locally", "provider", providerID, "model", raw)
	if r.syncer != nil {
		r.syncer.Request(providerID)
	}
	return true
}

// RequestSync asks the syncer to refresh one provider.
func (r *Registry) RequestSync(providerID string) {
	if r.syncer != nil {
		r.syncer.Request(providerID)
	}
}

// ImportResult reports the outcome of a bulk provider import.
type ImportResult struct {
	Imported []string `json:"imported"`
	Skipped  []string `json:"skipped"`
}

// ImportSpec is one provider in a bulk import payload.
type ImportSpec struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	APIKey         string   `json:"apiKey"`
	ModelBlacklist []string `json:"modelBlacklist"`
}

// Import creates the given providers, skipping entries that are incomplete or
// duplicate an existing name+baseUrl pair.
func (r *Registry) Import(ctx context.Context, specs []ImportSpec) (*ImportResult, error) {
	seen := make(map[string]struct{})
	for _, p := range r.List() {
		seen[importKey(p.Name, p.BaseURL)] = struct{}{}
	}

	result := &ImportResult{}
	for _, spec := range specs {
		if spec.Name == "" || spec.BaseURL == "" || spec.APIKey == "" {
			result.Skipped = append(result.Skipped, spec.Name)
			continue
		}
		key := importKey(spec.Name, trimBaseURL(spec.BaseURL))
		if _, dup := seen[key]; dup {
			result.Skipped = append(result.Skipped, spec.Name)
			continue
		}
		p, err := r.Create(ctx, spec.Name, spec.BaseURL, spec.APIKey, spec.ModelBlacklist)
		if err != nil {
			return nil, err
		}
		seen[key] = struct{}{}
		result.Imported = append(result.Imported, p.ID)
	}
	return result, nil
}

func importKey(name, baseURL string) string {
	return fmt.Sprintf("%s::%s", strings.ToLower(name), baseURL)
}

func trimBaseURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func cleanList(in []string) models.StringList {
	out := make(models.StringList, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

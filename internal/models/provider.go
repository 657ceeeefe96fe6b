package models

// ProviderStatus enumerates the provider lifecycle.
type ProviderStatus string

const (
	ProviderStatusPending ProviderStatus = "pending"
	ProviderStatusActive  ProviderStatus = "active"
	ProviderStatusError   ProviderStatus = "error"
	ProviderStatusSyncing ProviderStatus = "syncing"
)

// Provider represents an upstream OpenAI-compatible endpoint.
// APIKey is stored encrypted when an encryption key is configured.
type Provider struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	BaseURL        string         `db:"base_url" json:"baseUrl"`
	APIKey         string         `db:"api_key" json:"-"`
	Models         StringList     `db:"models" json:"models"`
	ModelBlacklist StringList     `db:"model_blacklist" json:"modelBlacklist"`
	Status         ProviderStatus `db:"status" json:"status"`
	LastSyncedAt   *int64         `db:"last_synced_at" json:"lastSyncedAt"` // ms epoch
	LastUsedAt     *int64         `db:"last_used_at" json:"lastUsedAt"`     // ms epoch
	CreatedAt      int64          `db:"created_at" json:"createdAt"`        // ms epoch
}

// EffectiveModels returns advertised minus blacklisted models.
func (p *Provider) EffectiveModels() []string {
	if len(p.ModelBlacklist) == 0 {
		return append([]string(nil), p.Models...)
	}
	out := make([]string, 0, len(p.Models))
	for _, m := range p.Models {
		if !p.ModelBlacklist.Contains(m) {
			out = append(out, m)
		}
	}
	return out
}

// Serves reports whether the provider offers the model after blacklisting.
func (p *Provider) Serves(model string) bool {
	return p.Models.Contains(model) && !p.ModelBlacklist.Contains(model)
}

package httpapi

import (
	"net/http"

	"hermes/internal/models"
	"hermes/internal/utils"
)

type healthProvider struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	State string  `json:"state"`
	Score float64 `json:"score"`
}

type healthResponse struct {
	Status       string           `json:"status"`
	Database     bool             `json:"database"`
	Providers    []healthProvider `json:"providers"`
	BreakersOpen int              `json:"breakers_open"`
	P50          float64          `json:"p50"`
	P90          float64          `json:"p90"`
	P99          float64          `json:"p99"`
}

// handleHealth reports per-provider breaker states, routing scores and the
// rolling latency percentiles.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbHealthy := d.DB.Health(r.Context()) == nil

	var providers []healthProvider
	active := 0
	for _, p := range d.Registry.List() {
		if p.Status == models.ProviderStatusActive {
			active++
		}
		providers = append(providers, healthProvider{
			ID:    p.ID,
			Name:  p.Name,
			State: d.Breaker.StateOf(p.ID).String(),
			Score: d.Scorer.Score(p.ID),
		})
	}

	open := d.Breaker.OpenCount()
	d.Metrics.BreakersOpen.Set(float64(open))

	status := "healthy"
	switch {
	case !dbHealthy:
		status = "unhealthy"
	case open > 0 || (len(providers) > 0 && active == 0):
		status = "degraded"
	}

	p50, p90, p99 := d.Metrics.Percentiles()
	code := http.StatusOK
	if !dbHealthy {
		code = http.StatusServiceUnavailable
	}
	_ = utils.RespondWithJSON(w, code, healthResponse{
		Status:       status,
		Database:     dbHealthy,
		Providers:    providers,
		BreakersOpen: open,
		P50:          p50,
		P90:          p90,
		P99:          p99,
	})
}

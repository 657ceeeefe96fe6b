package httpapi

import (
	"net/http"
	"strings"

	"hermes/internal/utils"
)

// handleAdminBreakerList serves GET /admin/circuit-breaker.
func (d *Dependencies) handleAdminBreakerList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"data": d.Breaker.AllStatuses()})
}

// handleAdminBreakerReset serves POST /admin/circuit-breaker/{providerId}/reset.
func (d *Dependencies) handleAdminBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/admin/circuit-breaker/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "reset" {
		utils.RespondWithError(w, http.StatusNotFound, "unknown circuit breaker action")
		return
	}
	d.Breaker.Reset(id)
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"success": true, "providerId": id})
}

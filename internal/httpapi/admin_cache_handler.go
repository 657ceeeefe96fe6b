package httpapi

import (
	"net/http"

	"hermes/internal/utils"
)

// handleAdminCacheInvalidate drops the response cache and forces a registry
// snapshot rebuild.
func (d *Dependencies) handleAdminCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	d.responseCache.Flush()
	if err := d.Registry.Refresh(r.Context()); err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to refresh registry")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"success": true})
}

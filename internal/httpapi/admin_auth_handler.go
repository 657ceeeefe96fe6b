package httpapi

import (
	"encoding/json"
	"net/http"

	"hermes/internal/auth"
	"hermes/internal/utils"
)

// handleAdminToken exchanges the backdoor secret for a short-lived admin
// session token.
func (d *Dependencies) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if !utils.SecureCompare(req.Secret, d.Config.HermesSecret) {
		utils.RespondWithError(w, http.StatusUnauthorized, "invalid secret")
		return
	}

	token, expiresAt, err := auth.GenerateAdminJWT(d.Config.JWTSecret)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt,
	})
}

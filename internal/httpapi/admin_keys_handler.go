package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"hermes/internal/models"
	"hermes/internal/storage"
	"hermes/internal/utils"
)

// handleAdminKeys handles GET (list) and POST (create) on /admin/keys.
// The plaintext key is returned exactly once, at creation.
func (d *Dependencies) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := d.KeyRepo.List(r.Context())
		if err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to list keys")
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"data": keys})

	case http.MethodPost:
		var req struct {
			Key         string `json:"key"`
			Description string `json:"description"`
			AdminScope  bool   `json:"adminScope"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
			return
		}

		plaintext := req.Key
		if plaintext == "" {
			plaintext = utils.GenerateKey("hermes-")
		}
		description := req.Description
		if description == "" {
			description = "Generated by admin"
		}

		key := &models.GatewayKey{
			KeyHash:     utils.HashKey(plaintext),
			Description: description,
			AdminScope:  req.AdminScope,
		}
		if err := d.KeyRepo.Create(r.Context(), key); err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to create key")
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusCreated, map[string]any{
			"success":     true,
			"id":          key.ID,
			"key":         plaintext,
			"description": key.Description,
		})

	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAdminKeyByID handles DELETE /admin/keys/{id}.
func (d *Dependencies) handleAdminKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/admin/keys/")
	if err := d.KeyRepo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "key not found")
			return
		}
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to delete key")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"success": true})
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"hermes/internal/providers"
	"hermes/internal/storage"
	"hermes/internal/utils"
)

// providerView is the admin representation of a provider. The credential is
// never echoed back except through the explicit export endpoint.
type providerView struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	Models         []string `json:"models"`
	ModelBlacklist []string `json:"modelBlacklist"`
	Status         string   `json:"status"`
	LastSyncedAt   *int64   `json:"lastSyncedAt"`
	LastUsedAt     *int64   `json:"lastUsedAt"`
	CreatedAt      int64    `json:"createdAt"`
}

func (d *Dependencies) providerViews() []providerView {
	list := d.Registry.List()
	out := make([]providerView, 0, len(list))
	for _, p := range list {
		out = append(out, providerView{
			ID:             p.ID,
			Name:           p.Name,
			BaseURL:        p.BaseURL,
			Models:         p.Models,
			ModelBlacklist: p.ModelBlacklist,
			Status:         string(p.Status),
			LastSyncedAt:   p.LastSyncedAt,
			LastUsedAt:     p.LastUsedAt,
			CreatedAt:      p.CreatedAt,
		})
	}
	return out
}

type createProviderRequest struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	APIKey         string   `json:"apiKey"`
	ModelBlacklist []string `json:"modelBlacklist"`
}

// handleAdminProviders handles GET (list) and POST (create) on /admin/providers.
func (d *Dependencies) handleAdminProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"data": d.providerViews()})

	case http.MethodPost:
		var req createProviderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
		if req.Name == "" || req.BaseURL == "" || req.APIKey == "" {
			utils.RespondWithError(w, http.StatusUnprocessableEntity, "name, baseUrl and apiKey are required")
			return
		}
		p, err := d.Registry.Create(r.Context(), req.Name, req.BaseURL, req.APIKey, req.ModelBlacklist)
		if err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to create provider")
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusCreated, map[string]any{"success": true, "data": p})

	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAdminProviderByID routes /admin/providers/{id}[/resync] plus the
// import and export collection actions.
func (d *Dependencies) handleAdminProviderByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/providers/")

	switch {
	case rest == "export" && r.Method == http.MethodGet:
		d.exportProviders(w, r)
		return
	case rest == "import" && r.Method == http.MethodPost:
		d.importProviders(w, r)
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		utils.RespondWithError(w, http.StatusNotFound, "provider id required")
		return
	}

	switch {
	case action == "resync" && r.Method == http.MethodPost:
		if _, ok := d.Registry.Get(id); !ok {
			utils.RespondWithError(w, http.StatusNotFound, "provider not found")
			return
		}
		d.Registry.RequestSync(id)
		_ = utils.RespondWithJSON(w, http.StatusAccepted, map[string]any{"success": true})

	case action == "" && r.Method == http.MethodGet:
		p, ok := d.Registry.Get(id)
		if !ok {
			utils.RespondWithError(w, http.StatusNotFound, "provider not found")
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"data": p})

	case action == "" && r.Method == http.MethodPatch:
		var req struct {
			Name           *string   `json:"name"`
			BaseURL        *string   `json:"baseUrl"`
			APIKey         *string   `json:"apiKey"`
			ModelBlacklist *[]string `json:"modelBlacklist"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
		p, err := d.Registry.Update(r.Context(), id, providers.UpdateRequest{
			Name:           req.Name,
			BaseURL:        req.BaseURL,
			APIKey:         req.APIKey,
			ModelBlacklist: req.ModelBlacklist,
		})
		if err != nil {
			if errors.Is(err, storage.ErrProviderNotFound) {
				utils.RespondWithError(w, http.StatusNotFound, "provider not found")
				return
			}
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to update provider")
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"success": true, "data": p})

	case action == "" && r.Method == http.MethodDelete:
		if err := d.Registry.Delete(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrProviderNotFound) {
				utils.RespondWithError(w, http.StatusNotFound, "provider not found")
				return
			}
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to delete provider")
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (d *Dependencies) exportProviders(w http.ResponseWriter, r *http.Request) {
	type exported struct {
		Name           string   `json:"name"`
		BaseURL        string   `json:"baseUrl"`
		APIKey         string   `json:"apiKey"`
		ModelBlacklist []string `json:"modelBlacklist"`
	}
	list := d.Registry.List()
	out := make([]exported, 0, len(list))
	for _, p := range list {
		out = append(out, exported{Name: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey, ModelBlacklist: p.ModelBlacklist})
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"exportedAt": time.Now().UnixMilli(),
		"providers":  out,
	})
}

func (d *Dependencies) importProviders(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Providers []providers.ImportSpec `json:"providers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	result, err := d.Registry.Import(r.Context(), req.Providers)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "import failed")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"imported":      result.Imported,
		"skipped":       result.Skipped,
		"importedCount": len(result.Imported),
		"skippedCount":  len(result.Skipped),
	})
}

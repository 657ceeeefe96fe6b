package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"hermes/internal/breaker"
	"hermes/internal/models"
	"hermes/internal/utils"
)

// allowedSettings enumerates the reserved keys plus their validators.
var allowedSettings = map[string]func(string) bool{
	models.SettingPeriodicSyncIntervalHours: positiveNumber,
	models.SettingChatMaxRetries:            positiveNumber,
	models.SettingInitialPenaltyMs:          positiveNumber,
	models.SettingMaxPenaltyMs:              positiveNumber,
	models.SettingResyncThreshold:           positiveNumber,
	models.SettingRateLimitMax:              positiveNumber,
	models.SettingRateLimitWindow:           positiveNumber,
}

func positiveNumber(raw string) bool {
	n, err := strconv.ParseInt(raw, 10, 64)
	return err == nil && n > 0
}

// handleAdminSettings serves GET (all settings) and POST (upsert) on
// /admin/settings. Breaker policy changes apply immediately.
func (d *Dependencies) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := d.Settings.List(r.Context())
		if err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to list settings")
			return
		}
		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"data": settings})

	case http.MethodPost:
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
		validate, known := allowedSettings[req.Key]
		if !known {
			utils.RespondWithError(w, http.StatusUnprocessableEntity, "unknown setting key '"+req.Key+"'")
			return
		}
		if !validate(req.Value) {
			utils.RespondWithError(w, http.StatusUnprocessableEntity, "invalid value for '"+req.Key+"'")
			return
		}
		if err := d.Settings.Set(r.Context(), req.Key, req.Value); err != nil {
			utils.RespondWithError(w, http.StatusInternalServerError, "failed to persist setting")
			return
		}
		d.applyDispatchSettings(r)
		_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"success": true, "key": req.Key, "value": req.Value})

	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// applyDispatchSettings pushes the persisted breaker policy into the live
// breaker so changes take effect without a restart.
func (d *Dependencies) applyDispatchSettings(r *http.Request) {
	cfg := d.Config.Dispatch
	d.Breaker.UpdateConfig(breaker.Config{
		InitialPenalty:  time.Duration(d.Settings.GetNumber(r.Context(), models.SettingInitialPenaltyMs, cfg.InitialPenalty.Milliseconds())) * time.Millisecond,
		MaxPenalty:      time.Duration(d.Settings.GetNumber(r.Context(), models.SettingMaxPenaltyMs, cfg.MaxPenalty.Milliseconds())) * time.Millisecond,
		ResyncThreshold: int(d.Settings.GetNumber(r.Context(), models.SettingResyncThreshold, int64(cfg.ResyncThreshold))),
		ResyncCooldown:  cfg.ResyncCooldown,
	})
}

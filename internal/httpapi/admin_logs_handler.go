package httpapi

import (
	"net/http"
	"strconv"

	"hermes/internal/storage"
	"hermes/internal/utils"
)

// handleAdminRequestLogs serves GET /admin/request-logs?limit&since&model&status.
func (d *Dependencies) handleAdminRequestLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	filters := storage.RequestLogFilters{
		Model:  q.Get("model"),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if s := q.Get("status"); s != "" {
		filters.Status = queryInt(s, 0)
	}
	if s := q.Get("since"); s != "" {
		since, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "since must be a ms epoch timestamp")
			return
		}
		filters.Since = since
	}

	logs, err := d.LogRepo.ListRequestLogs(r.Context(), filters)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read request logs")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"data": logs})
}

// handleAdminSyncLogs serves GET /admin/sync-logs?providerId&result.
func (d *Dependencies) handleAdminSyncLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	logs, err := d.LogRepo.ListSyncLogs(r.Context(), storage.SyncLogFilters{
		ProviderID: q.Get("providerId"),
		Result:     q.Get("result"),
		Limit:      queryInt(q.Get("limit"), 50),
		Offset:     queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read sync logs")
		return
	}
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{"data": logs})
}

// handleAdminMetrics serves GET /admin/metrics: persisted counters plus the
// in-memory latency percentiles.
func (d *Dependencies) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Flush so the response reflects everything observed so far.
	d.Sink.Flush(r.Context())

	counters, err := d.MetricRepo.Counters(r.Context())
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read counters")
		return
	}
	modelCounts, err := d.MetricRepo.ModelCounts(r.Context())
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read model counts")
		return
	}
	providerCounts, err := d.MetricRepo.ProviderCounts(r.Context())
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to read provider counts")
		return
	}

	p50, p90, p99 := d.Metrics.Percentiles()
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"counters":  counters,
			"models":    modelCounts,
			"providers": providerCounts,
			"latency":   map[string]float64{"p50": p50, "p90": p90, "p99": p99},
		},
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"hermes/internal/dispatch"
	"hermes/internal/middleware"
	"hermes/internal/models"
	"hermes/internal/utils"
)

const maxRequestBody = 10 * 1024 * 1024

// handleChat is the entry point for OpenAI-compatible chat completions.
//
// Flow: auth and rate limit have already run in middleware; here we parse,
// normalize the model, hand off to the dispatcher and record the outcome.
func (d *Dependencies) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var payload struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		utils.RespondWithAPIError(w, http.StatusBadRequest, utils.APIError{
			Message: "invalid JSON body",
			Type:    "invalid_request_error",
		})
		return
	}
	if payload.Model == "" {
		utils.RespondWithAPIError(w, http.StatusBadRequest, utils.APIError{
			Message: "missing 'model' field",
			Type:    "invalid_request_error",
		})
		return
	}

	normalized := d.Normalizer.Normalize(payload.Model)

	status := 0
	if len(d.Registry.ProvidersFor(normalized)) == 0 {
		utils.RespondWithAPIError(w, http.StatusNotFound, utils.APIError{
			Message: "no upstream provider serves model '" + payload.Model + "'",
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		})
		status = http.StatusNotFound
	} else {
		res := d.Dispatcher.Dispatch(r.Context(), w, dispatch.Request{
			NormalizedModel: normalized,
			Body:            body,
			Streaming:       payload.Stream,
			TraceID:         middleware.TraceIDFrom(r.Context()),
		})
		status = res.Status
	}

	duration := time.Since(start)
	d.Sink.LogRequest(&models.RequestLog{
		Method:   r.Method,
		Path:     r.URL.Path,
		Model:    normalized,
		Status:   status,
		Duration: duration.Milliseconds(),
		IP:       middleware.ClientIP(r),
	})
	d.Metrics.ObserveLatency(float64(duration.Milliseconds()))
	d.Metrics.RequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(status)).Inc()
	d.Metrics.RequestSeconds.WithLabelValues(r.URL.Path).Observe(duration.Seconds())
}

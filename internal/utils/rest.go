package utils

import (
	"encoding/json"
	"net/http"
)

// APIError is the OpenAI-compatible error envelope returned by every endpoint.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// RespondWithError sends an OpenAI-style error response.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithAPIError(w, code, APIError{Message: message, Type: errorType(code)})
}

// RespondWithAPIError sends a fully specified error envelope.
func RespondWithAPIError(w http.ResponseWriter, code int, apiErr APIError) {
	RespondWithJSON(w, code, map[string]any{"error": apiErr})
}

// RespondWithJSON sends a JSON response.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return err
	}
	return nil
}

func errorType(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "rate_limit_error"
	case code >= 400 && code < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

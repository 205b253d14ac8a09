// Package api provides HTTP handlers for the simulation API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/scoring"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorStatus maps a domain error to an HTTP status and a client message.
func ErrorStatus(err error) (int, string) {
	var schemaErr *domain.SchemaError
	switch {
	case errors.As(err, &schemaErr):
		return http.StatusUnprocessableEntity, schemaErr.Error()
	case errors.Is(err, domain.ErrAlreadySubmitted):
		return http.StatusConflict, "already_submitted"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrSessionNotActive):
		return http.StatusConflict, "session_not_active"
	case errors.Is(err, domain.ErrSimulationNotFound), errors.Is(err, domain.ErrCandidateNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, scoring.ErrUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteError writes err as a JSON response. Rejected operations on a
// running simulation are reported as a notice rather than an error.
func WriteError(w http.ResponseWriter, err error) {
	status, message := ErrorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	if errors.Is(err, domain.ErrInvalidState) && !errors.Is(err, domain.ErrAlreadySubmitted) {
		JSON(w, status, map[string]string{"notice": message})
		return
	}
	Error(w, status, message)
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// IsDevelopment reports whether the frontend URL points at a local
// development server.
func IsDevelopment(appEnv, frontendURL string) bool {
	if appEnv != "" {
		return appEnv == "development"
	}
	return frontendURL == "" ||
		strings.Contains(frontendURL, "localhost") ||
		strings.Contains(frontendURL, "127.0.0.1")
}

// Package httpx holds the JSON plumbing shared by the HTTP handlers:
// response writing, error-to-status mapping, request validation and
// middleware.
package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/options-engine/internal/model"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error writes {"error": message} with the given status.
func Error(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrAlreadySettled),
		errors.Is(err, model.ErrInvalidDuration),
		errors.Is(err, model.ErrRiskLimit):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WriteError maps err to a status and writes it. Storage and internal
// details are logged, never returned to the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()

	switch status {
	case http.StatusServiceUnavailable:
		slog.Warn("request failed: persistence unavailable", "path", r.URL.Path, "err", err)
		msg = model.ErrPersistenceUnavailable.Error()
	case http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = model.ErrInternal.Error()
	}
	Error(w, msg, status)
}

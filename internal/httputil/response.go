// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nadmax/runledger/internal/task"
)

func WriteJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, map[string]string{
		"error": message,
	}, status)
}

// WriteError maps err onto a status code and writes it as a JSON error.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSONError(w, err.Error(), StatusFor(err))
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidArgument), errors.Is(err, task.ErrAmbiguousMatch):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrTerminal), errors.Is(err, task.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, task.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/erazemk/najdeno/internal/items"
)

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}

// serviceError maps an error from the item service to a response. Storage
// failures are logged and answered with a generic message.
func serviceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var terr *items.TransitionError
	switch {
	case errors.As(err, &terr):
		jsonResponse(w, http.StatusConflict, map[string]any{
			"error":  "invalid status transition",
			"status": terr.Current,
		})
	case errors.Is(err, items.ErrNotFound):
		jsonError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, items.ErrForbidden):
		jsonError(w, http.StatusForbidden, "admin role required")
	case errors.Is(err, items.ErrInvalidInput):
		jsonError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		jsonError(w, http.StatusInternalServerError, "internal server error")
	}
}

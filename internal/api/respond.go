package api

import (
	"encoding/json"
	"net/http"

	"github.com/ottolabs/otto/internal/tasks"
)

// ErrorBody is the standard error response format.
type ErrorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a consistent JSON error response.
func WriteError(w http.ResponseWriter, status int, kind, message string, details ...string) {
	WriteJSON(w, status, ErrorBody{Error: kind, Message: message, Details: details})
}

// WriteTaskError maps a mutation-service error onto the wire.
func WriteTaskError(w http.ResponseWriter, err error) {
	kind := tasks.KindOf(err)
	WriteError(w, StatusForKind(kind), string(kind), err.Error())
}

// StatusForKind maps error kinds to HTTP status codes.
func StatusForKind(kind tasks.ErrorKind) int {
	switch kind {
	case tasks.KindInvalidRequest:
		return http.StatusBadRequest
	case tasks.KindUnauthorized:
		return http.StatusUnauthorized
	case tasks.KindForbiddenMutation:
		return http.StatusForbidden
	case tasks.KindNotFound:
		return http.StatusNotFound
	case tasks.KindStateConflict:
		return http.StatusConflict
	case tasks.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// APIError is the JSON error envelope. Code is "category.subcode", stable
// for clients; Message is human-readable.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned by the API.
const (
	CodeMissingUser         = "auth.missing_user"
	CodeBadRequest          = "request.invalid"
	CodeSessionNotFound     = "session.not_found"
	CodePermissionNotFound  = "permission.not_found"
	CodeAlreadyResolved     = "permission.already_resolved"
	CodeToolServerNotFound  = "tools.server_not_found"
	CodeToolServerConflict  = "tools.server_conflict"
	CodeToolNotFound        = "tools.not_found"
	CodeInternal            = "internal.error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]*APIError{"error": {Code: code, Message: message}})
}

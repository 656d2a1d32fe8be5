package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/parley/pkg/permission"
)

type decisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// handleDecision applies a user's consent decision. The first decision
// wins: a repeat gets 410, an unknown or foreign request gets 404.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	requestID := chi.URLParam(r, "requestID")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	pending, err := s.consent.Lookup(requestID)
	if errors.Is(err, permission.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodePermissionNotFound, "permission request not found")
		return
	}
	// Foreign requests are indistinguishable from missing ones.
	if pending.UserID != userID {
		writeError(w, http.StatusNotFound, CodePermissionNotFound, "permission request not found")
		return
	}
	if errors.Is(err, permission.ErrAlreadyResolved) {
		writeError(w, http.StatusGone, CodeAlreadyResolved, "permission request already resolved")
		return
	}

	if err := s.consent.Resolve(requestID, req.Approved, req.Reason); err != nil {
		switch {
		case errors.Is(err, permission.ErrAlreadyResolved):
			writeError(w, http.StatusGone, CodeAlreadyResolved, "permission request already resolved")
		case errors.Is(err, permission.ErrNotFound):
			writeError(w, http.StatusNotFound, CodePermissionNotFound, "permission request not found")
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}
		return
	}

	state := permission.StateRejected
	if req.Approved {
		state = permission.StateApproved
	}
	if s.metrics != nil {
		s.metrics.PermissionWaits.WithLabelValues(string(state)).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": requestID, "state": state})
}

// handlePendingPermissions lists a session's live consent requests, oldest
// first, so a reconnecting client can re-render its prompts.
func (s *Server) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	reqs := s.consent.PendingFor(desc.SessionID)
	if reqs == nil {
		reqs = []*permission.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": reqs})
}

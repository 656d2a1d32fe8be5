package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/parley/pkg/session"
)

type createSessionRequest struct {
	WindowID string         `json:"window_id,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
			return
		}
	}

	desc, err := s.sessions.Create(r.Context(), userFrom(r.Context()), req.WindowID, req.Context)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.ListUser(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	status, err := s.sessions.Status(r.Context(), desc.UserID, desc.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.Info{Descriptor: *desc, Status: status})
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	desc, err := s.sessions.UpdateContext(r.Context(), userFrom(r.Context()), chi.URLParam(r, "sessionID"), patch)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// handleDeleteSession archives by default; ?hard=true removes history too.
// Either way pending permissions are cancelled and the agent instance is
// released.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	hard := r.URL.Query().Get("hard") == "true"

	if err := s.sessions.Delete(r.Context(), userID, sessionID, !hard); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	s.consent.CancelSession(sessionID, "session deleted")
	s.agents.Release(sessionID)
	if s.metrics != nil {
		s.metrics.SessionsDeleted.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "hard": hard})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	msgs, err := s.hist.Messages(r.Context(), desc.SessionID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": desc.SessionID,
		"messages":   msgs,
		"limit":      limit,
		"offset":     offset,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "q parameter is required")
		return
	}
	limit := queryInt(r, "limit", 20)

	msgs, err := s.hist.SearchMessages(r.Context(), userFrom(r.Context()), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "messages": msgs})
}

// ownedSession loads the addressed session, writing the 404 itself when
// the session is missing or owned by someone else.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*session.Descriptor, bool) {
	desc, err := s.sessions.Get(r.Context(), userFrom(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}
		return nil, false
	}
	return desc, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/stream"
)

// registerServerRequest mirrors config.ToolServerConfig for the JSON API.
type registerServerRequest struct {
	ID            string            `json:"id"`
	Description   string            `json:"description,omitempty"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	DefaultRisk   string            `json:"default_risk,omitempty"`
	RiskOverrides map[string]string `json:"risk_overrides,omitempty"`
}

func (req *registerServerRequest) toConfig() *config.ToolServerConfig {
	return &config.ToolServerConfig{
		ID:            req.ID,
		Description:   req.Description,
		Command:       req.Command,
		Args:          req.Args,
		Env:           req.Env,
		URL:           req.URL,
		Headers:       req.Headers,
		DefaultRisk:   req.DefaultRisk,
		RiskOverrides: req.RiskOverrides,
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	type serverView struct {
		ID          string   `json:"id"`
		Description string   `json:"description,omitempty"`
		Transport   string   `json:"transport"`
		Tools       []string `json:"tools"`
	}

	var out []serverView
	for _, cfg := range s.registry.Servers() {
		transport := "http"
		if cfg.Command != "" {
			transport = "stdio"
		}
		view := serverView{ID: cfg.ID, Description: cfg.Description, Transport: transport, Tools: []string{}}
		for _, info := range s.registry.ToolsFor([]string{cfg.ID}) {
			view.Tools = append(view.Tools, info.Name)
		}
		out = append(out, view)
	}
	if out == nil {
		out = []serverView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	cfg := req.toConfig()
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	if err := s.registry.Register(r.Context(), cfg); err != nil {
		if strings.Contains(err.Error(), "already registered") {
			writeError(w, http.StatusConflict, CodeToolServerConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, CodeInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    cfg.ID,
		"tools": len(s.registry.ToolsFor([]string{cfg.ID})),
	})
}

func (s *Server) handleUnregisterServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	if err := s.registry.Unregister(serverID); err != nil {
		writeError(w, http.StatusNotFound, CodeToolServerNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": serverID, "removed": true})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.ToolsFor(nil)
	type toolView struct {
		Name        string             `json:"name"`
		Description string             `json:"description,omitempty"`
		Risk        protocol.RiskLevel `json:"risk"`
		ServerID    string             `json:"server_id"`
	}
	out := make([]toolView, 0, len(infos))
	for _, info := range infos {
		out = append(out, toolView{
			Name:        info.Name,
			Description: info.Description,
			Risk:        info.Risk,
			ServerID:    info.ServerID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

type executeToolRequest struct {
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// handleExecuteTool runs a tool outside a chat turn. The same risk gate
// applies: medium and high risk calls still wait for a consent decision.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req executeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.ToolName == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session_id and tool_name are required")
		return
	}

	desc, err := s.sessions.Get(r.Context(), userFrom(r.Context()), req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}
		return
	}

	if _, ok := s.registry.Lookup(req.ToolName); !ok {
		writeError(w, http.StatusNotFound, CodeToolNotFound, "unknown tool "+req.ToolName)
		return
	}

	// Bracket the call in an execution context so the consent gate knows
	// the owning user, exactly as a chat turn would.
	contexts := s.agents.Contexts()
	contexts.Begin(desc.SessionID, desc.UserID)
	ctx := protocol.WithSessionID(r.Context(), desc.SessionID)
	result, err := s.adapter.Execute(ctx, req.ToolName, req.Arguments)
	if err != nil {
		contexts.Finish(desc.SessionID, agent.StateError, err.Error())
		writeError(w, http.StatusBadGateway, CodeInternal, err.Error())
		return
	}
	contexts.Finish(desc.SessionID, agent.StateCompleted, "")
	if s.metrics != nil {
		status := stream.StatusCompleted
		if result.Cancelled {
			status = stream.StatusCancelled
		}
		s.metrics.ToolExecutions.WithLabelValues(status).Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tool_name": req.ToolName,
		"content":   result.Content,
		"cancelled": result.Cancelled,
		"reason":    result.Reason,
	})
}

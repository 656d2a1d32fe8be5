package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/stream"
)

type chatRequest struct {
	SessionID   string                `json:"session_id,omitempty"`
	WindowID    string                `json:"window_id,omitempty"`
	Message     string                `json:"message"`
	Provider    string                `json:"provider,omitempty"`
	Model       string                `json:"model,omitempty"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	Context     map[string]any        `json:"context,omitempty"`

	// EnableTools defaults to true; set false to run a plain completion
	// turn with no tool catalog offered to the model.
	EnableTools *bool `json:"enable_tools,omitempty"`
}

// chatElement is one NDJSON line on the chat response stream.
type chatElement struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	Content string `json:"content,omitempty"`
	Phase   string `json:"phase,omitempty"`

	RequestID string         `json:"request_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"parameters,omitempty"`
	Risk      string         `json:"risk_level,omitempty"`
	Status    string         `json:"status,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`

	Code string `json:"code,omitempty"`
}

// handleChat runs one turn and streams its events back as NDJSON. The
// stream always terminates with an end or error element.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "message is required")
		return
	}

	desc, err := s.resolveChatSession(r, userID, &req)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}
		return
	}

	inst, err := s.agents.Acquire(r.Context(), desc, agent.Binding{ProviderID: req.Provider, ModelID: req.Model})
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(el chatElement) {
		el.SessionID = desc.SessionID
		if err := enc.Encode(el); err != nil {
			return
		}
		flusher.Flush()
	}

	// Subscribe before the turn starts so no event can slip past.
	sub := s.events.Subscribe(desc.SessionID)
	defer s.events.Unsubscribe(desc.SessionID, sub)

	send(chatElement{Type: "start"})

	opts := agent.TurnOptions{DisableTools: req.EnableTools != nil && !*req.EnableTools}
	done := make(chan error, 1)
	go func() {
		done <- inst.Run(r.Context(), desc, req.Message, req.Attachments, opts)
	}()

	merge := newCoalescer(func(text, phase string) {
		send(chatElement{Type: "content", Content: text, Phase: phase})
	})

	start := time.Now()
	var runErr error
pump:
	for {
		select {
		case ev := <-sub.C:
			s.forward(send, merge, ev)
		case runErr = <-done:
			break pump
		}
	}

	// The turn is over; drain whatever is still queued.
	for {
		select {
		case ev := <-sub.C:
			s.forward(send, merge, ev)
			continue
		default:
		}
		break
	}
	merge.Flush()

	outcome := "completed"
	if runErr != nil {
		outcome = "failed"
		send(chatElement{Type: "error", Code: "agent.turn_failed", Content: runErr.Error()})
	} else {
		send(chatElement{Type: "end"})
	}

	if s.metrics != nil {
		s.metrics.ChatTurns.WithLabelValues(outcome).Inc()
		s.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}
}

// forward translates one stream event into chat elements, flushing pending
// content before anything that must not reorder around it.
func (s *Server) forward(send func(chatElement), merge *coalescer, ev stream.Event) {
	switch ev.Type {
	case stream.EventContent:
		merge.Add(ev.Content, ev.Phase)
	case stream.EventToolPermissionReq:
		merge.Flush()
		send(chatElement{
			Type:      ev.Type,
			RequestID: ev.RequestID,
			ToolName:  ev.ToolName,
			Arguments: ev.Arguments,
			Risk:      ev.Risk,
		})
	case stream.EventToolExecutionStatus:
		merge.Flush()
		el := chatElement{
			Type:      ev.Type,
			RequestID: ev.RequestID,
			ToolName:  ev.ToolName,
			Status:    ev.Status,
		}
		// Completed carries a result; failed and cancelled carry diagnostics.
		if ev.Status == stream.StatusFailed || ev.Status == stream.StatusCancelled {
			el.Error = ev.Result
		} else {
			el.Result = ev.Result
		}
		send(el)
		if s.metrics != nil && terminalToolStatus(ev.Status) {
			s.metrics.ToolExecutions.WithLabelValues(ev.Status).Inc()
		}
	case stream.EventError:
		// Turn failures surface as the terminal error element; the stream
		// copy exists for detached subscribers.
		merge.Flush()
	case stream.EventHeartbeat:
		// NDJSON responses ride the turn; no keepalive needed.
	}
}

func terminalToolStatus(status string) bool {
	switch status {
	case stream.StatusCompleted, stream.StatusFailed, stream.StatusCancelled:
		return true
	}
	return false
}

// resolveChatSession loads the addressed session or creates a fresh one
// when the request names none.
func (s *Server) resolveChatSession(r *http.Request, userID string, req *chatRequest) (*session.Descriptor, error) {
	if req.SessionID != "" {
		return s.sessions.Get(r.Context(), userID, req.SessionID)
	}
	desc, err := s.sessions.Create(r.Context(), userID, req.WindowID, req.Context)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	return desc, nil
}

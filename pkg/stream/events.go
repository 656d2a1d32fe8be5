// Package stream merges assistant content and tool-lifecycle events into
// one ordered push stream per session.
package stream

import "time"

// Event kinds on the outbound stream.
const (
	EventContent             = "content"
	EventToolPermissionReq   = "tool_permission_request"
	EventToolExecutionStatus = "tool_execution_status"
	EventError               = "error"
	EventHeartbeat           = "heartbeat"
)

// Content phases. Advisory only: they influence how a subscriber prefixes
// the fragment, never whether it is delivered.
const (
	PhaseThinking = "thinking"
	PhaseResponse = "response"
	PhaseDefault  = "default"
)

// Tool execution statuses carried by tool_execution_status events.
const (
	StatusWaiting   = "waiting"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Event is one entry on a session's push stream.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Node identifies the emitting process on the shared pub/sub channel,
	// so a node does not re-deliver its own events.
	Node string `json:"node,omitempty"`

	// Content fields.
	Content string `json:"content,omitempty"`
	Phase   string `json:"phase,omitempty"`

	// Tool lifecycle fields.
	RequestID string         `json:"request_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"parameters,omitempty"`
	Risk      string         `json:"risk_level,omitempty"`
	Status    string         `json:"status,omitempty"`
	Result    string         `json:"result,omitempty"`

	// Error fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ContentEvent builds a classified content fragment.
func ContentEvent(sessionID, text string) Event {
	return Event{
		Type:      EventContent,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Content:   text,
		Phase:     Classify(text),
	}
}

// PermissionEvent announces a pending tool execution awaiting consent.
func PermissionEvent(sessionID, requestID, toolName string, args map[string]any, risk string) Event {
	return Event{
		Type:      EventToolPermissionReq,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		ToolName:  toolName,
		Arguments: args,
		Risk:      risk,
	}
}

// StatusEvent reports a tool execution state transition.
func StatusEvent(sessionID, requestID, toolName, status, result string) Event {
	return Event{
		Type:      EventToolExecutionStatus,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		ToolName:  toolName,
		Status:    status,
		Result:    result,
	}
}

// ErrorEvent reports a turn-level failure.
func ErrorEvent(sessionID, code, message string) Event {
	return Event{
		Type:      EventError,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Code:      code,
		Message:   message,
	}
}

// Package protocol defines the message and tool-call vocabulary shared by
// the agent runtime, the LLM adapters, and the tool layer.
package protocol

import (
	"context"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// RiskLevel is a declared property of a tool that determines whether an
// invocation requires explicit user consent.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RequiresConsent reports whether a tool with this risk level must be gated
// on an explicit user decision before it runs.
func (r RiskLevel) RequiresConsent() bool {
	return r == RiskMedium || r == RiskHigh
}

// Valid reports whether the risk level is one of the declared values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ParseRisk maps a configured risk string to a RiskLevel, falling back to
// the given default when the value is empty or unknown.
func ParseRisk(s string, fallback RiskLevel) RiskLevel {
	r := RiskLevel(s)
	if r.Valid() {
		return r
	}
	return fallback
}

// Attachment is an inline media reference carried by a user message.
// Exactly one of Data (base64) or URL is set.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Message is a single conversation message. Messages are append-only: once
// persisted they are never rewritten.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToolCall is a tool invocation announced by the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type sessionIDKey struct{}

// WithSessionID returns a context carrying the session id for downstream
// tool invocations.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFrom extracts the session id from the context, if present.
func SessionIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok && id != ""
}

// Package tools owns the remote tool surface: the server registry and
// catalog, the MCP transports, and the consent-gated execution adapter.
package tools

import (
	"context"

	"github.com/parley-ai/parley/pkg/protocol"
)

// ToolInfo is an adapter-ready tool descriptor from the catalog.
type ToolInfo struct {
	// Name is fully qualified as "server::tool".
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Schema      map[string]any     `json:"schema,omitempty"`
	Risk        protocol.RiskLevel `json:"risk"`
	ServerID    string             `json:"server_id"`
}

// Result is the two-faced outcome of a tool call: Content is the shaped
// text the LLM sees, Raw is the structured payload for event emission.
type Result struct {
	Content   string `json:"content"`
	Raw       any    `json:"raw,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Source is one connected tool server.
type Source interface {
	// ID is the declared server id.
	ID() string

	// Discover probes the server for its tool list. Names are unqualified.
	Discover(ctx context.Context) ([]ToolInfo, error)

	// Call invokes a tool by its unqualified name and returns the raw
	// structured result.
	Call(ctx context.Context, name string, args map[string]any) (any, error)

	// Close tears the connection down.
	Close() error
}

// TurnTracker is the adapter's view of the execution-context registry. It
// lets a tool call that arrives without a session id fall back to the one
// session currently running a turn, and records consent waits on the
// session's context.
type TurnTracker interface {
	// FindRunning returns the single session currently in a running turn,
	// if there is exactly one candidate.
	FindRunning() (sessionID, userID string, ok bool)

	// OwnerOf maps a session id to its user id.
	OwnerOf(sessionID string) (userID string, ok bool)

	// MarkWaiting records a pending consent on the session's context.
	MarkWaiting(sessionID, requestID string)

	// MarkResumed clears a pending consent; the context returns to
	// running once none remain.
	MarkResumed(sessionID, requestID string)
}

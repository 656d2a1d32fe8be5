// Package history is the durable, append-mostly record of sessions and
// messages. It is the authoritative store; presence is a cache over it.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/parley-ai/parley/pkg/protocol"
)

// SessionStatus is the persisted session state. Effective session state is
// derived from this plus presence; see the session package.
type SessionStatus string

const (
	StatusAvailable SessionStatus = "available"
	StatusDeleted   SessionStatus = "deleted"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("history: not found")

// SessionRecord is the persisted session descriptor.
type SessionRecord struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	WindowID     string         `json:"window_id"`
	ThreadID     string         `json:"thread_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Context      map[string]any `json:"context,omitempty"`
	Status       SessionStatus  `json:"status"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
}

// Store is the contract for conversation persistence.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession fetches a session by id regardless of status.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// UpdateSession rewrites the mutable descriptor fields (last_activity,
	// context).
	UpdateSession(ctx context.Context, rec *SessionRecord) error

	// MarkDeleted soft-deletes: status becomes deleted with a timestamp.
	// Irrecoverable by contract.
	MarkDeleted(ctx context.Context, sessionID string, at time.Time) error

	// RemoveSession physically deletes the session and its messages.
	RemoveSession(ctx context.Context, sessionID string) error

	// ListUserSessions returns the user's sessions with status available,
	// most recently active first.
	ListUserSessions(ctx context.Context, userID string) ([]*SessionRecord, error)

	// AppendMessage persists one message. Messages are append-only.
	AppendMessage(ctx context.Context, msg *protocol.Message) error

	// Messages returns a session's messages in insertion order with
	// limit/offset pagination. A zero limit means no cap.
	Messages(ctx context.Context, sessionID string, limit, offset int) ([]*protocol.Message, error)

	// RecentMessages returns the last n messages in insertion order.
	RecentMessages(ctx context.Context, sessionID string, n int) ([]*protocol.Message, error)

	// FindMessage fetches one message by id.
	FindMessage(ctx context.Context, messageID string) (*protocol.Message, error)

	// SearchMessages finds messages containing the substring within the
	// user's available sessions, newest first.
	SearchMessages(ctx context.Context, userID, query string, limit int) ([]*protocol.Message, error)

	// Close releases the underlying resources.
	Close() error
}

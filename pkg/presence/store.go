// Package presence is the short-TTL store holding live session descriptors,
// per-user session sets, a bounded message cache, and the push-event
// pub/sub channel. Everything here is reconstructable from the history
// store; a miss is never an error condition for callers, it triggers
// rehydration.
package presence

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or its TTL lapsed.
var ErrMiss = errors.New("presence: miss")

// Channel is the pub/sub channel carrying serialized push events.
const Channel = "sse_events"

// Store is the presence contract. Implementations provide their own
// concurrency; TTL refresh races are benign.
type Store interface {
	// SetSession writes a session descriptor blob with a TTL.
	SetSession(ctx context.Context, sessionID string, payload []byte, ttl time.Duration) error

	// GetSession reads a descriptor blob; ErrMiss when absent or expired.
	GetSession(ctx context.Context, sessionID string) ([]byte, error)

	// RefreshSession extends the descriptor TTL. Missing keys are a no-op.
	RefreshSession(ctx context.Context, sessionID string, ttl time.Duration) error

	// DeleteSession removes the descriptor and the cached message list.
	DeleteSession(ctx context.Context, sessionID string) error

	// AddUserSession adds the session id to the user's active set.
	AddUserSession(ctx context.Context, userID, sessionID string, ttl time.Duration) error

	// RemoveUserSession removes the session id from the user's set.
	RemoveUserSession(ctx context.Context, userID, sessionID string) error

	// UserSessions enumerates the user's active session ids.
	UserSessions(ctx context.Context, userID string) ([]string, error)

	// PushMessage appends a serialized message to the session's cached
	// list, refreshing the list TTL.
	PushMessage(ctx context.Context, sessionID string, payload []byte, ttl time.Duration) error

	// CachedMessages returns up to n most recent cached messages in
	// insertion order. Zero n returns the full list.
	CachedMessages(ctx context.Context, sessionID string, n int) ([][]byte, error)

	// Publish sends a payload on a pub/sub channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a receive channel for a pub/sub channel plus a
	// cancel function.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Close releases connections.
	Close() error
}

// Package session owns the (user, window) to session mapping: creation,
// lookup with presence refresh, soft deletion, and restoration from the
// history store after presence expiry.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session does not exist or was deleted.
var ErrNotFound = errors.New("session not found")

// Status is the derived, user-visible session state. It is computed from
// two stored facts (presence present/absent, history available/deleted),
// never stored itself.
type Status string

const (
	// StatusActive: present in presence, history available.
	StatusActive Status = "active"
	// StatusInactive: absent from presence, history available (restorable).
	StatusInactive Status = "inactive"
	// StatusDeleted: history deleted (not restorable).
	StatusDeleted Status = "deleted"
)

// Descriptor is the live session record mirrored into the presence store.
type Descriptor struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	WindowID     string         `json:"window_id,omitempty"`
	ThreadID     string         `json:"thread_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Context      map[string]any `json:"context,omitempty"`
}

// ThreadID derives the stable conversation-memory key for a session. It is
// a pure function of (user id, session id) and never changes for the life
// of the session.
func ThreadID(userID, sessionID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + sessionID))
	return "thread-" + hex.EncodeToString(sum[:])[:16]
}

// Owns reports whether the descriptor belongs to the given user.
func (d *Descriptor) Owns(userID string) bool {
	return d.UserID == userID
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("session %s (user %s, thread %s)", d.SessionID, d.UserID, d.ThreadID)
}

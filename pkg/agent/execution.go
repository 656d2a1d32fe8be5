// Package agent binds sessions to isolated agent instances and runs the
// react turn loop against the LLM and tool layers.
package agent

import (
	"sync"
	"time"
)

// ContextState is the transient per-session turn state.
type ContextState string

const (
	StateIdle              ContextState = "idle"
	StateRunning           ContextState = "running"
	StateWaitingPermission ContextState = "waiting_permission"
	StatePaused            ContextState = "paused"
	StateCompleted         ContextState = "completed"
	StateError             ContextState = "error"
)

// ExecutionContext records where a session's turn currently stands and
// which consent requests it is blocked on.
type ExecutionContext struct {
	SessionID     string       `json:"session_id"`
	UserID        string       `json:"user_id"`
	State         ContextState `json:"state"`
	Pending       []string     `json:"pending,omitempty"`
	StatusMessage string       `json:"status_message,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type contextEntry struct {
	userID  string
	state   ContextState
	pending map[string]struct{}
	status  string
	updated time.Time
}

// ContextRegistry tracks every session's execution context. It also backs
// the tool adapter's session fallback and consent bookkeeping.
type ContextRegistry struct {
	mu       sync.Mutex
	contexts map[string]*contextEntry
}

// NewContextRegistry creates an empty registry.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{contexts: make(map[string]*contextEntry)}
}

// Begin transitions a session's context to running at turn start.
func (r *ContextRegistry) Begin(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.contexts[sessionID]
	if !ok {
		entry = &contextEntry{userID: userID, pending: make(map[string]struct{})}
		r.contexts[sessionID] = entry
	}
	entry.userID = userID
	entry.state = StateRunning
	entry.status = ""
	entry.updated = time.Now().UTC()
}

// Finish records the terminal state of a turn. Completed is only reached
// from running; a turn that ended while blocked stays observable as error.
func (r *ContextRegistry) Finish(sessionID string, state ContextState, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.contexts[sessionID]
	if !ok {
		return
	}
	if state == StateCompleted && entry.state != StateRunning {
		state = StateError
		if status == "" {
			status = "turn ended while blocked"
		}
	}
	entry.state = state
	entry.status = status
	entry.updated = time.Now().UTC()
}

// Remove drops a session's context, typically on instance eviction.
func (r *ContextRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, sessionID)
}

// Get returns a snapshot of a session's context.
func (r *ContextRegistry) Get(sessionID string) (*ExecutionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.contexts[sessionID]
	if !ok {
		return nil, false
	}
	return snapshot(sessionID, entry), true
}

// All returns snapshots of every tracked context.
func (r *ContextRegistry) All() []*ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ExecutionContext, 0, len(r.contexts))
	for id, entry := range r.contexts {
		out = append(out, snapshot(id, entry))
	}
	return out
}

// MarkWaiting records a pending consent request; the context shows
// waiting_permission while any request is outstanding.
func (r *ContextRegistry) MarkWaiting(sessionID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.contexts[sessionID]
	if !ok {
		entry = &contextEntry{pending: make(map[string]struct{})}
		r.contexts[sessionID] = entry
	}
	entry.pending[requestID] = struct{}{}
	entry.state = StateWaitingPermission
	entry.updated = time.Now().UTC()
}

// MarkResumed clears a consent request; the context returns to running
// once the pending list empties.
func (r *ContextRegistry) MarkResumed(sessionID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.contexts[sessionID]
	if !ok {
		return
	}
	delete(entry.pending, requestID)
	if len(entry.pending) == 0 && entry.state == StateWaitingPermission {
		entry.state = StateRunning
		entry.updated = time.Now().UTC()
	}
}

// FindRunning returns the session of the single context currently in
// running state. Ambiguity (zero or several candidates) reports no match;
// this fallback exists for tool calls that lost their session id and is
// logged at the call site.
func (r *ContextRegistry) FindRunning() (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var foundID, foundUser string
	count := 0
	for id, entry := range r.contexts {
		if entry.state == StateRunning {
			foundID, foundUser = id, entry.userID
			count++
		}
	}
	if count != 1 {
		return "", "", false
	}
	return foundID, foundUser, true
}

// OwnerOf maps a tracked session to its user.
func (r *ContextRegistry) OwnerOf(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.contexts[sessionID]
	if !ok || entry.userID == "" {
		return "", false
	}
	return entry.userID, true
}

func snapshot(sessionID string, entry *contextEntry) *ExecutionContext {
	pending := make([]string, 0, len(entry.pending))
	for id := range entry.pending {
		pending = append(pending, id)
	}
	state := entry.state
	if state == "" {
		state = StateIdle
	}
	return &ExecutionContext{
		SessionID:     sessionID,
		UserID:        entry.userID,
		State:         state,
		Pending:       pending,
		StatusMessage: entry.status,
		UpdatedAt:     entry.updated,
	}
}

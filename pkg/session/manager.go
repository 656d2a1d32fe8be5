package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/history"
	"github.com/parley-ai/parley/pkg/presence"
)

// Manager coordinates the two stores behind every session operation.
// History is authoritative: a history write failure fails the operation.
// Presence is a cache: presence failures are logged and the operation
// proceeds, at the cost of a later rehydration.
type Manager struct {
	history  history.Store
	presence presence.Store
	ttl      time.Duration
	logger   *slog.Logger
}

// NewManager wires a session manager over the given stores.
func NewManager(hist history.Store, pres presence.Store, cfg *config.SessionConfig) *Manager {
	return &Manager{
		history:  hist,
		presence: pres,
		ttl:      cfg.Timeout(),
		logger:   slog.Default().With("component", "session"),
	}
}

// Info pairs a descriptor with its derived status.
type Info struct {
	Descriptor
	Status Status `json:"status"`
}

// Create provisions a new session for the user. The session id is server
// generated; window id and initial context are caller supplied.
func (m *Manager) Create(ctx context.Context, userID, windowID string, initial map[string]any) (*Descriptor, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := time.Now().UTC()
	sessionID := uuid.NewString()
	desc := &Descriptor{
		SessionID:    sessionID,
		UserID:       userID,
		WindowID:     windowID,
		ThreadID:     ThreadID(userID, sessionID),
		CreatedAt:    now,
		LastActivity: now,
		Context:      initial,
	}

	rec := &history.SessionRecord{
		SessionID:    desc.SessionID,
		UserID:       desc.UserID,
		WindowID:     desc.WindowID,
		ThreadID:     desc.ThreadID,
		CreatedAt:    desc.CreatedAt,
		LastActivity: desc.LastActivity,
		Context:      desc.Context,
		Status:       history.StatusAvailable,
	}
	if err := m.history.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	m.cache(ctx, desc)
	m.logger.Info("session created",
		"session_id", desc.SessionID, "user_id", userID, "thread_id", desc.ThreadID)
	return desc, nil
}

// Get resolves a session for the user, restoring it from history when the
// presence entry has expired. Deleted and foreign sessions read as not
// found.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (*Descriptor, error) {
	if data, err := m.presence.GetSession(ctx, sessionID); err == nil {
		var desc Descriptor
		if err := json.Unmarshal(data, &desc); err == nil {
			if !desc.Owns(userID) {
				return nil, ErrNotFound
			}
			if err := m.presence.RefreshSession(ctx, sessionID, m.ttl); err != nil {
				m.logger.Warn("presence refresh failed", "session_id", sessionID, "error", err)
			}
			return &desc, nil
		}
		m.logger.Warn("corrupt presence descriptor, restoring from history", "session_id", sessionID)
	} else if !errors.Is(err, presence.ErrMiss) {
		m.logger.Warn("presence read failed, falling back to history", "session_id", sessionID, "error", err)
	}

	rec, err := m.history.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if rec.Status == history.StatusDeleted || rec.UserID != userID {
		return nil, ErrNotFound
	}

	desc := descriptorFromRecord(rec)
	m.cache(ctx, desc)
	m.logger.Info("session restored", "session_id", sessionID, "user_id", userID)
	return desc, nil
}

// Touch records activity on the session in both stores.
func (m *Manager) Touch(ctx context.Context, desc *Descriptor) {
	desc.LastActivity = time.Now().UTC()
	if err := m.history.UpdateSession(ctx, recordFromDescriptor(desc)); err != nil {
		m.logger.Warn("failed to persist last activity", "session_id", desc.SessionID, "error", err)
	}
	m.cache(ctx, desc)
}

// UpdateContext merge-patches the session context: nil values remove keys,
// everything else overwrites. The patched descriptor is returned.
func (m *Manager) UpdateContext(ctx context.Context, userID, sessionID string, patch map[string]any) (*Descriptor, error) {
	desc, err := m.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(desc.Context)+len(patch))
	for k, v := range desc.Context {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	desc.Context = merged
	desc.LastActivity = time.Now().UTC()

	if err := m.history.UpdateSession(ctx, recordFromDescriptor(desc)); err != nil {
		return nil, fmt.Errorf("failed to persist session context: %w", err)
	}
	m.cache(ctx, desc)
	return desc, nil
}

// Delete ends a session. With archive, history is soft-deleted and the
// transcript kept; without it the session and its messages are removed.
// Either way the session stops resolving.
func (m *Manager) Delete(ctx context.Context, userID, sessionID string, archive bool) error {
	desc, err := m.Get(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	if archive {
		if err := m.history.MarkDeleted(ctx, sessionID, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to archive session: %w", err)
		}
	} else {
		if err := m.history.RemoveSession(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to remove session: %w", err)
		}
	}

	if err := m.presence.DeleteSession(ctx, sessionID); err != nil {
		m.logger.Warn("presence delete failed", "session_id", sessionID, "error", err)
	}
	if err := m.presence.RemoveUserSession(ctx, userID, sessionID); err != nil {
		m.logger.Warn("presence user-set removal failed", "session_id", sessionID, "error", err)
	}

	m.logger.Info("session deleted",
		"session_id", sessionID, "user_id", desc.UserID, "archived", archive)
	return nil
}

// ListUser enumerates the user's sessions with derived status: active when
// the presence entry is live, inactive otherwise. Stale ids left behind in
// the presence user set are pruned as a side effect.
func (m *Manager) ListUser(ctx context.Context, userID string) ([]*Info, error) {
	recs, err := m.history.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	known := make(map[string]struct{}, len(recs))
	out := make([]*Info, 0, len(recs))
	for _, rec := range recs {
		known[rec.SessionID] = struct{}{}
		status := StatusInactive
		if _, err := m.presence.GetSession(ctx, rec.SessionID); err == nil {
			status = StatusActive
		}
		out = append(out, &Info{Descriptor: *descriptorFromRecord(rec), Status: status})
	}

	if ids, err := m.presence.UserSessions(ctx, userID); err == nil {
		for _, id := range ids {
			if _, ok := known[id]; !ok {
				if err := m.presence.RemoveUserSession(ctx, userID, id); err != nil {
					m.logger.Warn("failed to prune stale session id", "session_id", id, "error", err)
				}
			}
		}
	}

	return out, nil
}

// Status derives the user-visible state of a session without restoring it.
func (m *Manager) Status(ctx context.Context, userID, sessionID string) (Status, error) {
	rec, err := m.history.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if rec.UserID != userID {
		return "", ErrNotFound
	}
	if rec.Status == history.StatusDeleted {
		return StatusDeleted, nil
	}
	if _, err := m.presence.GetSession(ctx, sessionID); err == nil {
		return StatusActive, nil
	}
	return StatusInactive, nil
}

// TTL exposes the presence lifetime used for session descriptors.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// cache writes the descriptor and user-set entries into presence. Failures
// are logged, never fatal.
func (m *Manager) cache(ctx context.Context, desc *Descriptor) {
	data, err := json.Marshal(desc)
	if err != nil {
		m.logger.Warn("failed to encode descriptor", "session_id", desc.SessionID, "error", err)
		return
	}
	if err := m.presence.SetSession(ctx, desc.SessionID, data, m.ttl); err != nil {
		m.logger.Warn("presence write failed", "session_id", desc.SessionID, "error", err)
	}
	if err := m.presence.AddUserSession(ctx, desc.UserID, desc.SessionID, m.ttl); err != nil {
		m.logger.Warn("presence user-set write failed", "session_id", desc.SessionID, "error", err)
	}
}

func descriptorFromRecord(rec *history.SessionRecord) *Descriptor {
	return &Descriptor{
		SessionID:    rec.SessionID,
		UserID:       rec.UserID,
		WindowID:     rec.WindowID,
		ThreadID:     rec.ThreadID,
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
		Context:      rec.Context,
	}
}

func recordFromDescriptor(desc *Descriptor) *history.SessionRecord {
	return &history.SessionRecord{
		SessionID:    desc.SessionID,
		UserID:       desc.UserID,
		WindowID:     desc.WindowID,
		ThreadID:     desc.ThreadID,
		CreatedAt:    desc.CreatedAt,
		LastActivity: desc.LastActivity,
		Context:      desc.Context,
		Status:       history.StatusAvailable,
	}
}

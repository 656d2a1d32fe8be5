package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/history"
	"github.com/parley-ai/parley/pkg/presence"
)

func newTestManager(t *testing.T) (*Manager, history.Store, presence.Store) {
	t.Helper()
	hist, err := history.NewSQLStore(&config.HistoryConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	pres := presence.NewMemoryStore()
	mgr := NewManager(hist, pres, &config.SessionConfig{TimeoutSeconds: 60})
	return mgr, hist, pres
}

func TestThreadIDStable(t *testing.T) {
	a := ThreadID("alice", "s1")
	b := ThreadID("alice", "s1")
	assert.Equal(t, a, b)
	assert.Len(t, a, len("thread-")+16)
	assert.NotEqual(t, a, ThreadID("bob", "s1"))
	assert.NotEqual(t, a, ThreadID("alice", "s2"))
}

func TestCreateAndGet(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	desc, err := mgr.Create(ctx, "alice", "w1", map[string]any{"locale": "en"})
	require.NoError(t, err)
	assert.NotEmpty(t, desc.SessionID)
	assert.Equal(t, ThreadID("alice", desc.SessionID), desc.ThreadID)

	got, err := mgr.Get(ctx, "alice", desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, desc.SessionID, got.SessionID)
	assert.Equal(t, "en", got.Context["locale"])
}

func TestGetRejectsForeignUser(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	desc, err := mgr.Create(ctx, "alice", "", nil)
	require.NoError(t, err)

	_, err = mgr.Get(ctx, "mallory", desc.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRestoresAfterPresenceExpiry(t *testing.T) {
	mgr, _, pres := newTestManager(t)
	ctx := context.Background()

	desc, err := mgr.Create(ctx, "alice", "", nil)
	require.NoError(t, err)

	// Simulate TTL expiry.
	require.NoError(t, pres.DeleteSession(ctx, desc.SessionID))

	got, err := mgr.Get(ctx, "alice", desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, desc.ThreadID, got.ThreadID)

	// The restore re-populated presence.
	_, err = pres.GetSession(ctx, desc.SessionID)
	assert.NoError(t, err)
}

func TestUpdateContextMergePatch(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	desc, err := mgr.Create(ctx, "alice", "", map[string]any{"a": "1", "b": "2"})
	require.NoError(t, err)

	got, err := mgr.UpdateContext(ctx, "alice", desc.SessionID, map[string]any{
		"b": nil,
		"c": "3",
	})
	require.NoError(t, err)
	assert.Equal(t, "1", got.Context["a"])
	assert.NotContains(t, got.Context, "b")
	assert.Equal(t, "3", got.Context["c"])

	// The patch survives a presence miss.
	fresh, err := mgr.Get(ctx, "alice", desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "3", fresh.Context["c"])
}

func TestDeleteArchived(t *testing.T) {
	mgr, hist, _ := newTestManager(t)
	ctx := context.Background()

	desc, err := mgr.Create(ctx, "alice", "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, "alice", desc.SessionID, true))

	_, err = mgr.Get(ctx, "alice", desc.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	status, err := mgr.Status(ctx, "alice", desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, status)

	// Record survives for audit, marked deleted.
	rec, err := hist.GetSession(ctx, desc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusDeleted, rec.Status)
}

func TestDeleteHard(t *testing.T) {
	mgr, hist, _ := newTestManager(t)
	ctx := context.Background()

	desc, err := mgr.Create(ctx, "alice", "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, "alice", desc.SessionID, false))

	_, err = hist.GetSession(ctx, desc.SessionID)
	assert.ErrorIs(t, err, history.ErrNotFound)

	_, err = mgr.Status(ctx, "alice", desc.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUserDerivedStatus(t *testing.T) {
	mgr, _, pres := newTestManager(t)
	ctx := context.Background()

	active, err := mgr.Create(ctx, "alice", "", nil)
	require.NoError(t, err)
	idle, err := mgr.Create(ctx, "alice", "", nil)
	require.NoError(t, err)
	require.NoError(t, pres.DeleteSession(ctx, idle.SessionID))

	infos, err := mgr.ListUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := map[string]Status{}
	for _, info := range infos {
		byID[info.SessionID] = info.Status
	}
	assert.Equal(t, StatusActive, byID[active.SessionID])
	assert.Equal(t, StatusInactive, byID[idle.SessionID])
}

func TestListUserPrunesStaleIDs(t *testing.T) {
	mgr, _, pres := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "alice", "", nil)
	require.NoError(t, err)
	require.NoError(t, pres.AddUserSession(ctx, "alice", "ghost", time.Minute))

	infos, err := mgr.ListUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	ids, err := pres.UserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, ids, "ghost")
}

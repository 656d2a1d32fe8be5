package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := &config.PermissionConfig{}
	cfg.SetDefaults()
	c := NewCoordinator(cfg)
	t.Cleanup(c.Close)
	return c
}

func TestApproveUnblocksWaiter(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create("s1", "alice", "delete_file", map[string]any{"path": "/tmp/x"}, "high", time.Minute)

	go func() {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, c.Resolve(req.ID, true, ""))
	}()

	out, err := c.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, out.State)
}

func TestRejectCarriesReason(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create("s1", "alice", "send_email", nil, "high", time.Minute)

	go func() {
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, c.Resolve(req.ID, false, "wrong recipient"))
	}()

	out, err := c.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, "wrong recipient", out.Reason)
}

func TestWaitExpires(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create("s1", "alice", "delete_file", nil, "high", 50*time.Millisecond)

	start := time.Now()
	out, err := c.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, out.State)
	assert.Less(t, time.Since(start), 5*time.Second)

	// A late decision is recognizably stale, not unknown.
	assert.ErrorIs(t, c.Resolve(req.ID, true, ""), ErrAlreadyResolved)
}

func TestContextCancellation(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create("s1", "alice", "delete_file", nil, "high", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := c.Wait(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, out.State)
}

func TestRepeatDecisionRejected(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create("s1", "alice", "delete_file", nil, "high", time.Minute)

	require.NoError(t, c.Resolve(req.ID, true, ""))
	assert.ErrorIs(t, c.Resolve(req.ID, false, ""), ErrAlreadyResolved)

	out, err := c.Wait(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, out.State, "first decision wins")
}

func TestLookupOwnership(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create("s1", "alice", "delete_file", nil, "high", time.Minute)

	got, err := c.Lookup(req.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	_, err = c.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Resolve(req.ID, true, ""))
	_, err = c.Lookup(req.ID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestCancelSession(t *testing.T) {
	c := newTestCoordinator(t)
	a := c.Create("s1", "alice", "t1", nil, "high", time.Minute)
	b := c.Create("s1", "alice", "t2", nil, "high", time.Minute)
	other := c.Create("s2", "bob", "t3", nil, "high", time.Minute)

	done := make(chan Outcome, 2)
	for _, id := range []string{a.ID, b.ID} {
		go func(id string) {
			out, err := c.Wait(context.Background(), id)
			assert.NoError(t, err)
			done <- out
		}(id)
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, c.CancelSession("s1", "session deleted"))

	for i := 0; i < 2; i++ {
		select {
		case out := <-done:
			assert.Equal(t, StateCancelled, out.State)
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
	}

	_, err := c.Lookup(other.ID)
	assert.NoError(t, err, "other sessions untouched")
}

func TestPendingForOrdered(t *testing.T) {
	c := newTestCoordinator(t)
	first := c.Create("s1", "alice", "t1", nil, "high", time.Minute)
	time.Sleep(5 * time.Millisecond)
	second := c.Create("s1", "alice", "t2", nil, "high", time.Minute)

	reqs := c.PendingFor("s1")
	require.Len(t, reqs, 2)
	assert.Equal(t, first.ID, reqs[0].ID)
	assert.Equal(t, second.ID, reqs[1].ID)
}

func TestTimeoutCappedAtMax(t *testing.T) {
	cfg := &config.PermissionConfig{DefaultTimeoutSeconds: 1, MaxTimeoutSeconds: 2, SweepIntervalSeconds: 30}
	c := NewCoordinator(cfg)
	t.Cleanup(c.Close)

	req := c.Create("s1", "alice", "t", nil, "high", time.Hour)
	assert.LessOrEqual(t, time.Until(req.ExpiresAt), 2*time.Second+100*time.Millisecond)

	byDefault := c.Create("s1", "alice", "t", nil, "high", 0)
	assert.InDelta(t, time.Second.Seconds(), time.Until(byDefault.ExpiresAt).Seconds(), 0.5)
}

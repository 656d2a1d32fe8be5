package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetSession(ctx, "s1", []byte("payload"), 50*time.Millisecond))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	time.Sleep(80 * time.Millisecond)
	_, err = store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetSessionMiss(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetSession(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestUserSessionSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.AddUserSession(ctx, "alice", "s1", time.Minute))
	require.NoError(t, store.AddUserSession(ctx, "alice", "s2", time.Minute))

	ids, err := store.UserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	require.NoError(t, store.RemoveUserSession(ctx, "alice", "s1"))
	ids, err = store.UserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)
}

func TestMessageCacheWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, payload := range []string{"a", "b", "c"} {
		require.NoError(t, store.PushMessage(ctx, "s1", []byte(payload), time.Minute))
	}

	all, err := store.CachedMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	last, err := store.CachedMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, []byte("b"), last[0])
	assert.Equal(t, []byte("c"), last[1])
}

func TestDeleteSessionClearsMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SetSession(ctx, "s1", []byte("x"), time.Minute))
	require.NoError(t, store.PushMessage(ctx, "s1", []byte("m"), time.Minute))
	require.NoError(t, store.DeleteSession(ctx, "s1"))

	_, err := store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrMiss)

	msgs, err := store.CachedMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPubSub(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ch, cancel, err := store.Subscribe(ctx, Channel)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, store.Publish(ctx, Channel, []byte("event")))

	select {
	case got := <-ch:
		assert.Equal(t, []byte("event"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

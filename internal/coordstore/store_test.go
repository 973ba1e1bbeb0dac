package coordstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	doc := "doc-" + uuid.NewString()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	alice := Session{
		ID: "s-alice", UserID: "alice", DocumentID: doc,
		Roles:    []string{"editor"},
		Presence: map[string]string{"cursor": "4"},
		JoinedAt: now, LastHeartbeat: now,
	}
	bob := Session{ID: "s-bob", UserID: "bob", DocumentID: doc, JoinedAt: now, LastHeartbeat: now}
	other := Session{ID: "s-carol", UserID: "carol", DocumentID: doc + "-other", JoinedAt: now, LastHeartbeat: now}

	for _, sess := range []Session{bob, alice, other} {
		require.NoError(t, s.Put(ctx, sess, time.Minute))
	}

	got, ok, err := s.Get(ctx, "s-alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", got.Presence["cursor"])
	assert.Equal(t, []string{"editor"}, got.Roles)
	assert.True(t, got.LastHeartbeat.Equal(now))

	list, err := s.List(ctx, doc)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s-alice", list[0].ID)
	assert.Equal(t, "s-bob", list[1].ID)

	later := now.Add(10 * time.Second)
	alice.LastHeartbeat = later
	require.NoError(t, s.Put(ctx, alice, time.Minute))
	got, _, err = s.Get(ctx, "s-alice")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.Equal(later))

	require.NoError(t, s.Delete(ctx, doc, "s-bob"))
	_, ok, err = s.Get(ctx, "s-bob")
	require.NoError(t, err)
	assert.False(t, ok)

	alice.Presence = map[string]string{"cursor": "9"}
	ok, err = s.Refresh(ctx, alice, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _, err = s.Get(ctx, "s-alice")
	require.NoError(t, err)
	assert.Equal(t, "9", got.Presence["cursor"])

	bob.LastHeartbeat = later
	ok, err = s.Refresh(ctx, bob, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a deleted session is not recreated")
	_, ok, err = s.Get(ctx, "s-bob")
	require.NoError(t, err)
	assert.False(t, ok)
	list, err = s.List(ctx, doc)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := Session{ID: "s", DocumentID: "d", Presence: map[string]string{"k": "v"}}
	require.NoError(t, s.Put(ctx, sess, 0))
	sess.Presence["k"] = "changed"

	got, _, err := s.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Presence["k"])
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s, err := NewRedisStore(context.Background(), addr, "collabtest-"+uuid.NewString())
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestSessionExpiresAt(t *testing.T) {
	now := time.Unix(100, 0)
	s := Session{LastHeartbeat: now}
	assert.Equal(t, now.Add(30*time.Second), s.ExpiresAt(30*time.Second))
}

package oplog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/op"
)

func insertOp(id string, text string) op.Operation {
	return op.Operation{
		ID:         id,
		DocumentID: "doc",
		AuthorID:   "alice",
		Stamp:      op.Stamp{Counter: 1, Author: "alice"},
		Kind:       op.KindInsert,
		Payload:    op.Payload{Field: "body", Edit: []op.Prim{op.Insert(0, text)}},
	}
}

// testStore runs the behaviour every Store implementation must share.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	doc := "doc-" + uuid.NewString()

	t.Run("unknown document", func(t *testing.T) {
		_, err := s.Append(ctx, doc, insertOp("x", "x"), 0)
		require.ErrorIs(t, err, op.ErrDocumentNotFound)
		_, err = s.Read(ctx, doc, 0)
		require.ErrorIs(t, err, op.ErrDocumentNotFound)
		ok, err := s.Exists(ctx, doc)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	require.NoError(t, s.Create(ctx, doc))
	require.ErrorIs(t, s.Create(ctx, doc), ErrExists)

	t.Run("append assigns sequences", func(t *testing.T) {
		seq, err := s.Append(ctx, doc, insertOp("op-1", "a"), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq)

		seq, err = s.Append(ctx, doc, insertOp("op-2", "b"), 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)

		head, err := s.Head(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), head)
	})

	t.Run("stale head is refused", func(t *testing.T) {
		_, err := s.Append(ctx, doc, insertOp("op-3", "c"), 1)
		require.ErrorIs(t, err, ErrHeadMoved)
		head, err := s.Head(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), head, "nothing was written")
	})

	t.Run("duplicate op id returns original sequence", func(t *testing.T) {
		seq, err := s.Append(ctx, doc, insertOp("op-1", "a"), 2)
		require.ErrorIs(t, err, ErrDuplicate)
		assert.Equal(t, uint64(1), seq)
	})

	t.Run("read is ordered and inclusive", func(t *testing.T) {
		ops, err := s.Read(ctx, doc, 0)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, "op-1", ops[0].ID)
		assert.Equal(t, uint64(1), ops[0].Seq())
		assert.Equal(t, "op-2", ops[1].ID)
		assert.Equal(t, []op.Prim{op.Insert(0, "b")}, ops[1].Payload.Edit)

		ops, err = s.Read(ctx, doc, 2)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, "op-2", ops[0].ID)

		ops, err = s.Read(ctx, doc, 3)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("lookup", func(t *testing.T) {
		o, ok, err := s.Lookup(ctx, doc, "op-2")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(2), o.Seq())

		_, ok, err = s.Lookup(ctx, doc, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent appends serialize", func(t *testing.T) {
		head, err := s.Head(ctx, doc)
		require.NoError(t, err)

		const writers = 8
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			moved int
			won   []uint64
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				seq, err := s.Append(ctx, doc, insertOp(fmt.Sprintf("race-%d", i), "r"), head)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					assert.ErrorIs(t, err, ErrHeadMoved)
					moved++
					return
				}
				won = append(won, seq)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, []uint64{head + 1}, won, "exactly one writer wins the head")
		assert.Equal(t, writers-1, moved)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	testStore(t, s)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "doc"))
	_, err = s.Append(ctx, "doc", insertOp("op-1", "persisted"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()

	ops, err := s.Read(ctx, "doc", 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "persisted", ops[0].Payload.Edit[0].Text)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := OpenPostgres(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	testStore(t, s)
}

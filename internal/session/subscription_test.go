package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/op"
	"collabtext/internal/oplog"
)

// scriptedSub delivers whatever the test sends on ch.
type scriptedSub struct {
	ch    chan op.Operation
	acked uint64
}

func (s *scriptedSub) C() <-chan op.Operation { return s.ch }
func (s *scriptedSub) Ack(seq uint64)         { s.acked = max(s.acked, seq) }
func (s *scriptedSub) Acked() uint64          { return s.acked }
func (s *scriptedSub) Err() error             { return nil }
func (s *scriptedSub) Close() error           { return nil }

func loggedDoc(t *testing.T, n int) (*oplog.MemoryStore, []op.Operation) {
	t.Helper()
	ctx := context.Background()
	log := oplog.NewMemoryStore()
	require.NoError(t, log.Create(ctx, "doc"))
	for i := range n {
		o := insert(string(rune('a'+i)), i, "x", "")
		o.DocumentID, o.AuthorID = "doc", "alice"
		o.Stamp = op.Stamp{Counter: uint64(i + 1), Author: "alice"}
		_, err := log.Append(ctx, "doc", o, uint64(i))
		require.NoError(t, err)
	}
	ops, err := log.Read(ctx, "doc", 1)
	require.NoError(t, err)
	return log, ops
}

func receive(t *testing.T, ch <-chan op.Operation) op.Operation {
	t.Helper()
	select {
	case o, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an operation")
	}
	return op.Operation{}
}

func TestSubscriptionFillsGapsFromLog(t *testing.T) {
	log, ops := loggedDoc(t, 5)
	inner := &scriptedSub{ch: make(chan op.Operation, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	sub := newLogFilledSub(ctx, cancel, inner, log, "doc", 1)
	defer sub.Close()

	// The medium refused seq 2 and 3 as stale and later redelivers 1.
	inner.ch <- ops[0]
	inner.ch <- ops[3]
	inner.ch <- ops[0]
	inner.ch <- ops[4]

	var got []uint64
	for range 5 {
		got = append(got, receive(t, sub.C()).Seq())
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)

	sub.Ack(5)
	assert.Equal(t, uint64(5), sub.Acked())
	select {
	case o := <-sub.C():
		t.Fatalf("unexpected delivery of %d", o.Seq())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionStartsMidLog(t *testing.T) {
	log, ops := loggedDoc(t, 4)
	inner := &scriptedSub{ch: make(chan op.Operation, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	sub := newLogFilledSub(ctx, cancel, inner, log, "doc", 3)

	inner.ch <- ops[1]
	inner.ch <- ops[3]
	assert.Equal(t, uint64(3), receive(t, sub.C()).Seq())
	assert.Equal(t, uint64(4), receive(t, sub.C()).Seq())

	require.NoError(t, sub.Close())
	_, open := <-sub.C()
	assert.False(t, open)
}

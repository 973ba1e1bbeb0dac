package distribution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"collabtext/internal/op"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func accepted(doc string, seq uint64) op.Operation {
	return op.Operation{
		ID:         fmt.Sprintf("op-%d", seq),
		DocumentID: doc,
		AuthorID:   "alice",
		Stamp:      op.Stamp{Counter: seq, Author: "alice", Seq: seq},
		Kind:       op.KindInsert,
		Payload:    op.Payload{Field: "body", Edit: []op.Prim{op.Insert(0, "x")}},
	}
}

func receive(t *testing.T, s Subscription) op.Operation {
	t.Helper()
	select {
	case o, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operation")
		return op.Operation{}
	}
}

func assertQuiet(t *testing.T, s Subscription) {
	t.Helper()
	select {
	case o := <-s.C():
		t.Fatalf("unexpected operation %d", o.Seq())
	case <-time.After(50 * time.Millisecond):
	}
}

// testBroker runs the behaviour every Broker implementation must share.
func testBroker(t *testing.T, b Broker) {
	ctx := context.Background()
	doc := "doc-" + uuid.NewString()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, b.Publish(ctx, accepted(doc, seq)))
	}

	t.Run("replays from the requested sequence", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, doc, 2)
		require.NoError(t, err)
		defer sub.Close()
		assert.Equal(t, uint64(2), receive(t, sub).Seq())
		assert.Equal(t, uint64(3), receive(t, sub).Seq())
		assertQuiet(t, sub)
	})

	t.Run("follows new publishes and restarts after the ack", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, doc, 0)
		require.NoError(t, err)
		for want := uint64(1); want <= 3; want++ {
			o := receive(t, sub)
			assert.Equal(t, want, o.Seq())
			sub.Ack(o.Seq())
		}
		require.NoError(t, b.Publish(ctx, accepted(doc, 4)))
		assert.Equal(t, uint64(4), receive(t, sub).Seq())
		// Not acknowledged: a restart must see 4 again.
		acked := sub.Acked()
		require.NoError(t, sub.Close())
		assert.Equal(t, uint64(3), acked)

		sub, err = b.Subscribe(ctx, doc, acked+1)
		require.NoError(t, err)
		defer sub.Close()
		assert.Equal(t, uint64(4), receive(t, sub).Seq())
	})

	t.Run("republishing is harmless", func(t *testing.T) {
		require.NoError(t, b.Publish(ctx, accepted(doc, 2)))
		sub, err := b.Subscribe(ctx, doc, 4)
		require.NoError(t, err)
		defer sub.Close()
		assert.Equal(t, uint64(4), receive(t, sub).Seq())
		assertQuiet(t, sub)
	})

	t.Run("pending operations are refused", func(t *testing.T) {
		o := accepted(doc, 0)
		require.ErrorIs(t, b.Publish(ctx, o), op.ErrInvalidOperation)
	})

	t.Run("presence", func(t *testing.T) {
		ps, err := b.SubscribePresence(ctx, doc)
		require.NoError(t, err)
		defer ps.Close()

		require.NoError(t, b.PublishPresence(ctx, PresenceEvent{
			Kind: PresenceJoined, DocumentID: doc, SessionID: "s1", UserID: "alice", At: time.Now().UTC(),
		}))
		select {
		case ev := <-ps.C():
			assert.Equal(t, PresenceJoined, ev.Kind)
			assert.Equal(t, "alice", ev.UserID)
		case <-time.After(2 * time.Second):
			t.Fatal("no presence event")
		}
	})

	require.NoError(t, b.Ping(ctx))
}

func TestHub(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	testBroker(t, h)
}

func TestRedisBroker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	b, err := NewRedisBroker(context.Background(), RedisConfig{
		Addr:      addr,
		Prefix:    "collabtest-" + uuid.NewString(),
		ReadBlock: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()
	testBroker(t, b)
}

func TestHubHoldsBackGaps(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx := context.Background()

	sub, err := h.Subscribe(ctx, "doc", 1)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, h.Publish(ctx, accepted("doc", 1)))
	require.NoError(t, h.Publish(ctx, accepted("doc", 3)))
	assert.Equal(t, uint64(1), receive(t, sub).Seq())
	assertQuiet(t, sub)

	require.NoError(t, h.Publish(ctx, accepted("doc", 2)))
	assert.Equal(t, uint64(2), receive(t, sub).Seq())
	assert.Equal(t, uint64(3), receive(t, sub).Seq())
}

func TestHubSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx := context.Background()

	slow, err := h.Subscribe(ctx, "doc", 1)
	require.NoError(t, err)
	defer slow.Close()
	fast, err := h.Subscribe(ctx, "doc", 1)
	require.NoError(t, err)
	defer fast.Close()

	for seq := uint64(1); seq <= 50; seq++ {
		require.NoError(t, h.Publish(ctx, accepted("doc", seq)))
	}
	for seq := uint64(1); seq <= 50; seq++ {
		assert.Equal(t, seq, receive(t, fast).Seq())
	}
	assert.Equal(t, uint64(1), receive(t, slow).Seq())
}

func TestHubUnavailable(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx := context.Background()

	h.SetAvailable(false)
	require.ErrorIs(t, h.Publish(ctx, accepted("doc", 1)), ErrUnavailable)
	require.ErrorIs(t, h.Ping(ctx), ErrUnavailable)

	h.SetAvailable(true)
	require.NoError(t, h.Publish(ctx, accepted("doc", 1)))
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	h := NewHub(nil)
	sub, err := h.Subscribe(context.Background(), "doc", 1)
	require.NoError(t, err)
	ps, err := h.SubscribePresence(context.Background(), "doc")
	require.NoError(t, err)

	require.NoError(t, h.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)
	_, ok = <-ps.C()
	assert.False(t, ok)
	require.NoError(t, sub.Close())
	require.NoError(t, ps.Close())

	_, err = h.Subscribe(context.Background(), "doc", 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := h.Subscribe(ctx, "doc", 1)
	require.NoError(t, err)
	ps, err := h.SubscribePresence(ctx, "doc")
	require.NoError(t, err)
	cancel()

	_, ok := <-sub.C()
	assert.False(t, ok)
	_, ok = <-ps.C()
	assert.False(t, ok)
}

// flaky fails the first n publishes.
type flaky struct {
	Broker
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flaky) Publish(ctx context.Context, o op.Operation) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.Join(ErrUnavailable, errors.New("connection reset"))
	}
	return f.Broker.Publish(ctx, o)
}

func TestRetryPublisherRecovers(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	f := &flaky{Broker: h}
	f.failures.Store(2)

	p := NewRetryPublisher(f, RetryConfig{InitialInterval: time.Millisecond, MaxElapsed: time.Second}, nil)
	require.NoError(t, p.Publish(context.Background(), accepted("doc", 1)))
	assert.Equal(t, int32(3), f.calls.Load())

	sub, err := p.Subscribe(context.Background(), "doc", 1)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, uint64(1), receive(t, sub).Seq())
}

func TestRetryPublisherGivesUp(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	h.SetAvailable(false)

	p := NewRetryPublisher(h, RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      30 * time.Millisecond,
	}, nil)
	err := p.Publish(context.Background(), accepted("doc", 1))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRetryPublisherStopsOnCancel(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	h.SetAvailable(false)

	p := NewRetryPublisher(h, RetryConfig{InitialInterval: time.Millisecond, MaxElapsed: time.Minute}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Publish(ctx, accepted("doc", 1)))
}

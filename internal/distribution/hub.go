package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"collabtext/internal/op"
)

const defaultPresenceBuffer = 64

// Hub is an in-process Broker. Every document has a retained, gap-free
// history of published operations; subscribers read it through their own
// cursor so a slow subscriber never holds back the others.
type Hub struct {
	logger *slog.Logger

	mu        sync.Mutex
	topics    map[string]*topic
	available bool
	closed    bool
	done      chan struct{}
}

type topic struct {
	ops  map[uint64]op.Operation
	head uint64
	// changed is closed and replaced whenever head advances.
	changed  chan struct{}
	presence map[*presenceSub]struct{}
}

var _ Broker = (*Hub)(nil)

// NewHub returns an empty available hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger.With(slog.String("component", "hub")),
		topics:    make(map[string]*topic),
		available: true,
		done:      make(chan struct{}),
	}
}

// SetAvailable toggles whether the hub accepts publishes. An unavailable hub
// behaves like an unreachable broker.
func (h *Hub) SetAvailable(ok bool) {
	h.mu.Lock()
	h.available = ok
	h.mu.Unlock()
}

func (h *Hub) topicLocked(documentID string) *topic {
	t, ok := h.topics[documentID]
	if !ok {
		t = &topic{
			ops:      make(map[uint64]op.Operation),
			changed:  make(chan struct{}),
			presence: make(map[*presenceSub]struct{}),
		}
		h.topics[documentID] = t
	}
	return t
}

func (h *Hub) checkLocked() error {
	if h.closed {
		return ErrClosed
	}
	if !h.available {
		return ErrUnavailable
	}
	return nil
}

func (h *Hub) Publish(ctx context.Context, o op.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !o.Stamp.Accepted() {
		return fmt.Errorf("publish %s: %w", o.ID, op.ErrInvalidOperation)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkLocked(); err != nil {
		return fmt.Errorf("publish %s: %w", o.ID, err)
	}

	t := h.topicLocked(o.DocumentID)
	seq := o.Seq()
	if _, seen := t.ops[seq]; seen || seq <= t.head {
		return nil
	}
	t.ops[seq] = o
	advanced := false
	for {
		if _, ok := t.ops[t.head+1]; !ok {
			break
		}
		t.head++
		advanced = true
	}
	if advanced {
		close(t.changed)
		t.changed = make(chan struct{})
	}
	return nil
}

// Subscribe starts a subscription that first replays the retained history
// from sequence from and then follows new publishes.
func (h *Hub) Subscribe(ctx context.Context, documentID string, from uint64) (Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.topicLocked(documentID)
	h.mu.Unlock()

	if from == 0 {
		from = 1
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &hubSub{
		ackCursor: newAckCursor(from - 1),
		out:       make(chan op.Operation),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(subCtx, h, documentID, from)
	return s, nil
}

// next returns the operation at seq, or a channel that is closed once the
// topic advances.
func (h *Hub) next(documentID string, seq uint64) (op.Operation, bool, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[documentID]
	if seq <= t.head {
		return t.ops[seq], true, nil
	}
	return op.Operation{}, false, t.changed
}

type hubSub struct {
	ackCursor
	out    chan op.Operation
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *hubSub) run(ctx context.Context, h *Hub, documentID string, seq uint64) {
	defer close(s.done)
	defer close(s.out)
	for {
		o, ok, wait := h.next(documentID, seq)
		if !ok {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			case <-h.done:
				return
			}
		}
		select {
		case s.out <- o:
			seq++
		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

func (s *hubSub) C() <-chan op.Operation { return s.out }

func (s *hubSub) Err() error { return nil }

func (s *hubSub) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (h *Hub) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkLocked(); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	for sub := range h.topicLocked(ev.DocumentID).presence {
		select {
		case sub.out <- ev:
		default:
			h.logger.Warn("presence subscriber full, dropping event",
				slog.String("document_id", ev.DocumentID),
				slog.String("kind", string(ev.Kind)))
		}
	}
	return nil
}

func (h *Hub) SubscribePresence(ctx context.Context, documentID string) (PresenceSubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	sub := &presenceSub{hub: h, documentID: documentID, out: make(chan PresenceEvent, defaultPresenceBuffer)}
	h.topicLocked(documentID).presence[sub] = struct{}{}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { sub.Close() })
		sub.stop = stop
	}
	return sub, nil
}

type presenceSub struct {
	hub        *Hub
	documentID string
	out        chan PresenceEvent
	stop       func() bool
	once       sync.Once
}

func (s *presenceSub) C() <-chan PresenceEvent { return s.out }

func (s *presenceSub) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if t, ok := s.hub.topics[s.documentID]; ok {
			if _, live := t.presence[s]; live {
				delete(t.presence, s)
				close(s.out)
			}
		}
	})
	return nil
}

func (h *Hub) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkLocked()
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)
	for _, t := range h.topics {
		for sub := range t.presence {
			delete(t.presence, sub)
			close(sub.out)
		}
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"sync"

	"collabtext/internal/distribution"
	"collabtext/internal/op"
	"collabtext/internal/oplog"
)

// logFilledSub follows a broker subscription and fills sequence gaps from
// the operation log. A republish the medium refused as stale still reaches
// the subscriber, in order.
type logFilledSub struct {
	distribution.Subscription

	log        oplog.Store
	documentID string
	out        chan op.Operation
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once

	mu  sync.Mutex
	err error
}

func newLogFilledSub(ctx context.Context, cancel context.CancelFunc, inner distribution.Subscription, log oplog.Store, documentID string, from uint64) *logFilledSub {
	s := &logFilledSub{
		Subscription: inner,
		log:          log,
		documentID:   documentID,
		out:          make(chan op.Operation),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.run(ctx, max(from, 1))
	return s
}

func (s *logFilledSub) run(ctx context.Context, next uint64) {
	defer close(s.done)
	defer close(s.out)
	for {
		var o op.Operation
		select {
		case got, ok := <-s.Subscription.C():
			if !ok {
				return
			}
			o = got
		case <-ctx.Done():
			return
		}

		if o.Seq() < next {
			continue
		}
		if o.Seq() > next {
			missing, err := s.log.Read(ctx, s.documentID, next)
			if err != nil {
				s.setErr(fmt.Errorf("fill %s from %d: %w", s.documentID, next, err))
				return
			}
			for _, m := range missing {
				if m.Seq() >= o.Seq() {
					break
				}
				if !s.send(ctx, m) {
					return
				}
			}
		}
		if !s.send(ctx, o) {
			return
		}
		next = o.Seq() + 1
	}
}

func (s *logFilledSub) send(ctx context.Context, o op.Operation) bool {
	select {
	case s.out <- o:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *logFilledSub) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *logFilledSub) C() <-chan op.Operation { return s.out }

func (s *logFilledSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return s.Subscription.Err()
}

func (s *logFilledSub) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return s.Subscription.Close()
}

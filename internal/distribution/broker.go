// Package distribution fans accepted operations out to every instance that
// holds a replica of a document, and carries presence events between
// instances.
//
// Delivery is at-least-once. Subscriptions are lazy, infinite and resumable
// from the last acknowledged sequence number; consumers deduplicate by op_id.
package distribution

import (
	"context"
	"errors"
	"time"

	"collabtext/internal/op"
)

// ErrUnavailable is returned when the distribution medium cannot be reached.
var ErrUnavailable = errors.New("distribution: medium unavailable")

// ErrClosed is returned by operations on a closed broker or subscription.
var ErrClosed = errors.New("distribution: closed")

// Broker is the distribution medium: one ordered operation channel and one
// presence channel per document.
type Broker interface {
	// Publish makes an accepted operation available to subscribers of its
	// document. Publishing a sequence number twice is harmless.
	Publish(ctx context.Context, o op.Operation) error
	// Subscribe streams the document's operations with sequence >= from.
	Subscribe(ctx context.Context, documentID string, from uint64) (Subscription, error)
	PublishPresence(ctx context.Context, ev PresenceEvent) error
	SubscribePresence(ctx context.Context, documentID string) (PresenceSubscription, error)
	// Ping reports whether the medium is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a resumable stream of operations for one document.
type Subscription interface {
	// C delivers operations in sequence order. It is closed when the
	// subscription ends.
	C() <-chan op.Operation
	// Ack records that every operation up to seq has been applied.
	Ack(seq uint64)
	// Acked returns the last acknowledged sequence; resubscribe from Acked()+1.
	Acked() uint64
	// Err returns the error that ended the subscription, if any.
	Err() error
	Close() error
}

// PresenceSubscription streams presence events for one document.
type PresenceSubscription interface {
	C() <-chan PresenceEvent
	Close() error
}

// PresenceKind is the kind of a presence event.
type PresenceKind string

const (
	PresenceJoined   PresenceKind = "joined"
	PresenceLeft     PresenceKind = "left"
	PresenceActive   PresenceKind = "heartbeat"
	PresenceDeferred PresenceKind = "conflict-deferred"
)

// PresenceEvent tells the other sessions of a document that someone joined,
// left or is still active, or that a conflict awaits a decision.
type PresenceEvent struct {
	Kind       PresenceKind      `json:"kind"`
	DocumentID string            `json:"document_id"`
	SessionID  string            `json:"session_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Instance   string            `json:"instance,omitempty"`
	ConflictID string            `json:"conflict_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	At         time.Time         `json:"at"`
}

// ackCursor is the acknowledgement bookkeeping shared by subscriptions.
type ackCursor struct {
	acked chan uint64
}

func newAckCursor(start uint64) ackCursor {
	c := ackCursor{acked: make(chan uint64, 1)}
	c.acked <- start
	return c
}

func (c ackCursor) Ack(seq uint64) {
	cur := <-c.acked
	if seq > cur {
		cur = seq
	}
	c.acked <- cur
}

func (c ackCursor) Acked() uint64 {
	cur := <-c.acked
	c.acked <- cur
	return cur
}

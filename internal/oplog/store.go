// Package oplog is the durable, append-only operation log: the per-document
// ground truth for replay and conflict detection.
package oplog

import (
	"context"
	"errors"

	"collabtext/internal/op"
)

var (
	// ErrHeadMoved is returned by Append when the log head is not the
	// sequence the caller expected. Nothing was written.
	ErrHeadMoved = errors.New("oplog: head moved")
	// ErrDuplicate is returned by Append when the op_id is already in the
	// log. The returned sequence is the one it was accepted at.
	ErrDuplicate = errors.New("oplog: duplicate op_id")
	// ErrExists is returned by Create for a document that already exists.
	ErrExists = errors.New("oplog: document exists")
)

// Store is a per-document append-only log. Appends are atomic and reads are
// monotonic: a read never returns fewer operations than an earlier read
// from the same position.
type Store interface {
	// Create registers a new, empty document.
	Create(ctx context.Context, documentID string) error
	// Exists reports whether the document has been created.
	Exists(ctx context.Context, documentID string) (bool, error)
	// Append writes o at sequence after+1 and returns that sequence. It fails
	// with ErrHeadMoved if the head is not after, and with ErrDuplicate if
	// o.ID was appended before.
	Append(ctx context.Context, documentID string, o op.Operation, after uint64) (uint64, error)
	// Read returns the operations with sequence >= from, in order.
	Read(ctx context.Context, documentID string, from uint64) ([]op.Operation, error)
	// Lookup returns the accepted operation with the given op_id.
	Lookup(ctx context.Context, documentID, opID string) (op.Operation, bool, error)
	// Head returns the last assigned sequence number.
	Head(ctx context.Context, documentID string) (uint64, error)
	Close() error
}

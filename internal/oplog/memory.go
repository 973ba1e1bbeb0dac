package oplog

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"collabtext/internal/op"
)

type memDoc struct {
	ops []op.Operation
	ids map[string]uint64
}

// MemoryStore keeps the log in process memory. It is used by tests and by
// single-instance deployments that accept losing the log on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memDoc
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memDoc)}
}

func (s *MemoryStore) Create(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; ok {
		return fmt.Errorf("create %s: %w", documentID, ErrExists)
	}
	s.docs[documentID] = &memDoc{ids: make(map[string]uint64)}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, documentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[documentID]
	return ok, nil
}

func (s *MemoryStore) Append(_ context.Context, documentID string, o op.Operation, after uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[documentID]
	if !ok {
		return 0, fmt.Errorf("append to %s: %w", documentID, op.ErrDocumentNotFound)
	}
	if seq, dup := d.ids[o.ID]; dup {
		return seq, fmt.Errorf("append %s: %w", o.ID, ErrDuplicate)
	}
	head := uint64(len(d.ops))
	if head != after {
		return 0, fmt.Errorf("append %s after %d, head %d: %w", o.ID, after, head, ErrHeadMoved)
	}

	o.Stamp.Seq = head + 1
	d.ops = append(d.ops, o)
	d.ids[o.ID] = o.Stamp.Seq
	return o.Stamp.Seq, nil
}

func (s *MemoryStore) Read(_ context.Context, documentID string, from uint64) ([]op.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", documentID, op.ErrDocumentNotFound)
	}
	if from == 0 {
		from = 1
	}
	if from > uint64(len(d.ops)) {
		return nil, nil
	}
	return slices.Clone(d.ops[from-1:]), nil
}

func (s *MemoryStore) Lookup(_ context.Context, documentID, opID string) (op.Operation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[documentID]
	if !ok {
		return op.Operation{}, false, fmt.Errorf("lookup in %s: %w", documentID, op.ErrDocumentNotFound)
	}
	seq, ok := d.ids[opID]
	if !ok {
		return op.Operation{}, false, nil
	}
	return d.ops[seq-1], true, nil
}

func (s *MemoryStore) Head(_ context.Context, documentID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[documentID]
	if !ok {
		return 0, fmt.Errorf("head of %s: %w", documentID, op.ErrDocumentNotFound)
	}
	return uint64(len(d.ops)), nil
}

func (s *MemoryStore) Close() error { return nil }

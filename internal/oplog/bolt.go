package oplog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/internal/op"
)

var (
	bucketDocs = []byte("documents")
	bucketOps  = []byte("ops")
	bucketIDs  = []byte("ids")
)

// BoltStore keeps the log in an embedded bbolt file: one bucket per
// document holding an "ops" bucket keyed by big-endian sequence and an "ids"
// bucket mapping op_id to sequence. bbolt serializes writers, so the head
// check and the write are atomic.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the log file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt log %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt log: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func docBucket(tx *bolt.Tx, documentID string) *bolt.Bucket {
	return tx.Bucket(bucketDocs).Bucket([]byte(documentID))
}

func (s *BoltStore) Create(_ context.Context, documentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocs)
		if docs.Bucket([]byte(documentID)) != nil {
			return fmt.Errorf("create %s: %w", documentID, ErrExists)
		}
		doc, err := docs.CreateBucket([]byte(documentID))
		if err != nil {
			return fmt.Errorf("create %s: %w", documentID, err)
		}
		if _, err := doc.CreateBucket(bucketOps); err != nil {
			return err
		}
		_, err = doc.CreateBucket(bucketIDs)
		return err
	})
}

func (s *BoltStore) Exists(_ context.Context, documentID string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = docBucket(tx, documentID) != nil
		return nil
	})
	return ok, err
}

func (s *BoltStore) Append(_ context.Context, documentID string, o op.Operation, after uint64) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		doc := docBucket(tx, documentID)
		if doc == nil {
			return fmt.Errorf("append to %s: %w", documentID, op.ErrDocumentNotFound)
		}
		ops, ids := doc.Bucket(bucketOps), doc.Bucket(bucketIDs)

		if v := ids.Get([]byte(o.ID)); v != nil {
			seq = binary.BigEndian.Uint64(v)
			return fmt.Errorf("append %s: %w", o.ID, ErrDuplicate)
		}
		if head := ops.Sequence(); head != after {
			return fmt.Errorf("append %s after %d, head %d: %w", o.ID, after, head, ErrHeadMoved)
		}

		next, err := ops.NextSequence()
		if err != nil {
			return err
		}
		o.Stamp.Seq = next
		body, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode %s: %w", o.ID, err)
		}
		if err := ops.Put(seqKey(next), body); err != nil {
			return err
		}
		if err := ids.Put([]byte(o.ID), seqKey(next)); err != nil {
			return err
		}
		seq = next
		return nil
	})
	return seq, err
}

func (s *BoltStore) Read(_ context.Context, documentID string, from uint64) ([]op.Operation, error) {
	var out []op.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		doc := docBucket(tx, documentID)
		if doc == nil {
			return fmt.Errorf("read %s: %w", documentID, op.ErrDocumentNotFound)
		}
		c := doc.Bucket(bucketOps).Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			var o op.Operation
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decode %s seq %d: %w", documentID, binary.BigEndian.Uint64(k), err)
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Lookup(_ context.Context, documentID, opID string) (op.Operation, bool, error) {
	var (
		o     op.Operation
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		doc := docBucket(tx, documentID)
		if doc == nil {
			return fmt.Errorf("lookup in %s: %w", documentID, op.ErrDocumentNotFound)
		}
		key := doc.Bucket(bucketIDs).Get([]byte(opID))
		if key == nil {
			return nil
		}
		found = true
		return json.Unmarshal(doc.Bucket(bucketOps).Get(key), &o)
	})
	return o, found, err
}

func (s *BoltStore) Head(_ context.Context, documentID string) (uint64, error) {
	var head uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		doc := docBucket(tx, documentID)
		if doc == nil {
			return fmt.Errorf("head of %s: %w", documentID, op.ErrDocumentNotFound)
		}
		head = doc.Bucket(bucketOps).Sequence()
		return nil
	})
	return head, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

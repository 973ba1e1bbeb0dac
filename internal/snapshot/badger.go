// Package snapshot persists replica snapshots so a document can be loaded by
// restoring the newest snapshot and replaying only the log tail.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"collabtext/internal/replica"
)

// Store saves and loads the latest snapshot per document.
type Store interface {
	Save(ctx context.Context, s replica.Snapshot) error
	Load(ctx context.Context, documentID string) (replica.Snapshot, bool, error)
	Close() error
}

// Config configures a BadgerStore.
type Config struct {
	// Path is the database directory; ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every save.
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// BadgerStore keeps snapshots in BadgerDB under "snapshot/<document_id>".
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens the snapshot database.
func OpenBadger(cfg Config) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("snapshot: path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func snapshotKey(documentID string) []byte {
	return []byte("snapshot/" + documentID)
}

// Save stores s unless a newer snapshot of the same document exists.
func (b *BadgerStore) Save(_ context.Context, s replica.Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.DocumentID, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		current, ok, err := get(txn, s.DocumentID)
		if err != nil {
			return err
		}
		if ok && current.Seq >= s.Seq {
			return nil
		}
		return txn.Set(snapshotKey(s.DocumentID), body)
	})
}

// Load returns the newest snapshot of a document.
func (b *BadgerStore) Load(_ context.Context, documentID string) (replica.Snapshot, bool, error) {
	var (
		s  replica.Snapshot
		ok bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		s, ok, err = get(txn, documentID)
		return err
	})
	return s, ok, err
}

func get(txn *badger.Txn, documentID string) (replica.Snapshot, bool, error) {
	var s replica.Snapshot
	item, err := txn.Get(snapshotKey(documentID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	if err != nil {
		return s, false, fmt.Errorf("decode snapshot %s: %w", documentID, err)
	}
	return s, true, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/internal/op"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	head       BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS operations (
	document_id TEXT   NOT NULL REFERENCES documents (id),
	seq         BIGINT NOT NULL,
	op_id       TEXT   NOT NULL,
	kind        TEXT   NOT NULL,
	body        JSONB  NOT NULL,
	PRIMARY KEY (document_id, seq),
	UNIQUE (document_id, op_id)
);`

// PostgresStore keeps the log in PostgreSQL. The documents row is locked for
// the duration of an append, which makes the head check and the insert one
// atomic step across every instance sharing the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to databaseURL and creates the schema if needed.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, documentID string) error {
	tag, err := s.pool.Exec(ctx, `INSERT INTO documents (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, documentID)
	if err != nil {
		return fmt.Errorf("create %s: %w", documentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create %s: %w", documentID, ErrExists)
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, documentID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, documentID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", documentID, err)
	}
	return ok, nil
}

func (s *PostgresStore) Append(ctx context.Context, documentID string, o op.Operation, after uint64) (uint64, error) {
	var seq uint64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var head int64
		err := tx.QueryRow(ctx, `SELECT head FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&head)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("append to %s: %w", documentID, op.ErrDocumentNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock %s: %w", documentID, err)
		}

		var existing int64
		err = tx.QueryRow(ctx, `SELECT seq FROM operations WHERE document_id = $1 AND op_id = $2`, documentID, o.ID).Scan(&existing)
		switch {
		case err == nil:
			seq = uint64(existing)
			return fmt.Errorf("append %s: %w", o.ID, ErrDuplicate)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check %s: %w", o.ID, err)
		}

		if uint64(head) != after {
			return fmt.Errorf("append %s after %d, head %d: %w", o.ID, after, head, ErrHeadMoved)
		}

		o.Stamp.Seq = uint64(head) + 1
		body, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode %s: %w", o.ID, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO operations (document_id, seq, op_id, kind, body) VALUES ($1, $2, $3, $4, $5)`,
			documentID, int64(o.Stamp.Seq), o.ID, string(o.Kind), body)
		if err != nil {
			return fmt.Errorf("insert %s: %w", o.ID, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE documents SET head = $2 WHERE id = $1`, documentID, int64(o.Stamp.Seq)); err != nil {
			return fmt.Errorf("advance head of %s: %w", documentID, err)
		}
		seq = o.Stamp.Seq
		return nil
	})
	return seq, err
}

func (s *PostgresStore) Read(ctx context.Context, documentID string, from uint64) ([]op.Operation, error) {
	ok, err := s.Exists(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("read %s: %w", documentID, op.ErrDocumentNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT body FROM operations WHERE document_id = $1 AND seq >= $2 ORDER BY seq`,
		documentID, int64(from))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", documentID, err)
	}
	ops, err := pgx.CollectRows(rows, scanOperation)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", documentID, err)
	}
	return ops, nil
}

func scanOperation(row pgx.CollectableRow) (op.Operation, error) {
	var (
		body []byte
		o    op.Operation
	)
	if err := row.Scan(&body); err != nil {
		return o, err
	}
	err := json.Unmarshal(body, &o)
	return o, err
}

func (s *PostgresStore) Lookup(ctx context.Context, documentID, opID string) (op.Operation, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM operations WHERE document_id = $1 AND op_id = $2`, documentID, opID)
	if err != nil {
		return op.Operation{}, false, fmt.Errorf("lookup %s: %w", opID, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOperation)
	if errors.Is(err, pgx.ErrNoRows) {
		return op.Operation{}, false, nil
	}
	if err != nil {
		return op.Operation{}, false, fmt.Errorf("lookup %s: %w", opID, err)
	}
	return o, true, nil
}

func (s *PostgresStore) Head(ctx context.Context, documentID string) (uint64, error) {
	var head int64
	err := s.pool.QueryRow(ctx, `SELECT head FROM documents WHERE id = $1`, documentID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("head of %s: %w", documentID, op.ErrDocumentNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("head of %s: %w", documentID, err)
	}
	return uint64(head), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

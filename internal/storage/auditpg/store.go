// Package auditpg is an audit sink writing events to PostgreSQL.
package auditpg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/tightloop/internal/services/audit"
)

const defaultTimeout = 4 * time.Second

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS audit_events (
		run_id       TEXT        NOT NULL,
		seq          BIGINT      NOT NULL,
		category     TEXT        NOT NULL,
		logical_time TIMESTAMPTZ NOT NULL,
		wall_time    TIMESTAMPTZ NOT NULL,
		payload      JSONB       NOT NULL,
		PRIMARY KEY (run_id, seq)
	);
	CREATE INDEX IF NOT EXISTS audit_events_category_idx ON audit_events (run_id, category, seq);
`

// Store is an audit.Sink over a pgx pool.
type Store struct {
	db      *pgxpool.Pool
	owned   bool
	timeout time.Duration
}

// New wraps an existing pool. Closing the store leaves the pool open.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db, timeout: defaultTimeout}
}

// Connect opens a pool for dsn, checks it and creates the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("incorrect 'audit.postgres_dsn' param in yaml config: empty")
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open audit database")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping audit database")
	}

	s := &Store{db: db, owned: true, timeout: defaultTimeout}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the audit table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.Exec(ctx, schemaSQL)
	return errors.Wrap(err, "create audit schema")
}

// Append implements audit.Sink. Re-appending a (run, seq) pair is a no-op.
func (s *Store) Append(ctx context.Context, e audit.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const insertSQL = `
		INSERT INTO audit_events (run_id, seq, category, logical_time, wall_time, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, seq) DO NOTHING
	`
	_, err := s.db.Exec(ctx, insertSQL,
		e.RunID, int64(e.Seq), string(e.Category), e.Logical, e.Wall, string(e.Payload))
	return errors.Wrapf(err, "insert %s audit event", e.Category)
}

// Events lists a run's events of one category in sequence order.
func (s *Store) Events(ctx context.Context, runID string, category audit.Category) ([]audit.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT run_id, seq, category, logical_time, wall_time, payload
		FROM audit_events
		WHERE run_id = $1 AND category = $2
		ORDER BY seq
	`, runID, string(category))
	if err != nil {
		return nil, errors.Wrap(err, "query audit events")
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]audit.Event, error) {
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			seq      int64
			category string
			payload  []byte
		)
		if err := rows.Scan(&e.RunID, &seq, &category, &e.Logical, &e.Wall, &payload); err != nil {
			return nil, errors.Wrap(err, "scan audit event")
		}
		e.Seq = uint64(seq)
		e.Category = audit.Category(category)
		e.Payload = payload
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate audit events")
}

// Close implements audit.Sink.
func (s *Store) Close() error {
	if s.owned {
		s.db.Close()
	}
	return nil
}

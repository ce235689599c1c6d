package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store backed by Postgres.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("journal database url is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal database: %w", err)
	}
	store, err := NewPostgresStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool reuses an existing pool.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if err := ensureTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("create journal table: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

func ensureTable(ctx context.Context, db *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS segpush_runs (
  id text PRIMARY KEY,
  table_name text NOT NULL,
  table_type text NOT NULL,
  mode text NOT NULL,
  entry_id text NOT NULL DEFAULT '',
  segments_to text[] NOT NULL DEFAULT '{}',
  state text NOT NULL,
  error text NOT NULL DEFAULT '',
  started_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS segpush_runs_open_idx ON segpush_runs (table_name, table_type, state);
`
	_, err := db.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Begin(ctx context.Context, run *Run) error {
	prepare(run, time.Now().UTC())
	_, err := s.db.Exec(ctx, `INSERT INTO segpush_runs
  (id, table_name, table_type, mode, entry_id, segments_to, state, error, started_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, run.Table, run.TableType, run.Mode, run.EntryID, segmentsOrEmpty(run.SegmentsTo),
		string(run.State), run.Error, run.StartedAt, run.UpdatedAt)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `UPDATE segpush_runs
SET entry_id=$2, segments_to=$3, state=$4, error=$5, updated_at=$6
WHERE id=$1`,
		run.ID, run.EntryID, segmentsOrEmpty(run.SegmentsTo), string(run.State), run.Error, run.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

const selectRun = `SELECT id, table_name, table_type, mode, entry_id, segments_to, state, error, started_at, updated_at FROM segpush_runs`

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var state string
	if err := row.Scan(&run.ID, &run.Table, &run.TableType, &run.Mode, &run.EntryID, &run.SegmentsTo,
		&state, &run.Error, &run.StartedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.State = State(state)
	return &run, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, selectRun+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresStore) ListOpen(ctx context.Context, table, tableType string) ([]Run, error) {
	rows, err := s.db.Query(ctx, selectRun+` WHERE table_name=$1 AND table_type=$2 AND state = ANY($3) ORDER BY started_at`,
		table, tableType, []string{string(StateStarted), string(StateUploaded)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func segmentsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

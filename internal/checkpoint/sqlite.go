package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// DefaultKeepRevisions is how many revisions per run SQLiteStore retains.
const DefaultKeepRevisions = 10

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	schema     TEXT NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, revision)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at);
`

// SQLiteStore keeps the last keep revisions of every run in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	keep  int
	locks *keyedMutex
}

// OpenSQLite opens (creating if needed) the checkpoint database at path.
// keep <= 0 uses DefaultKeepRevisions.
func OpenSQLite(path string, keep int) (*SQLiteStore, error) {
	if keep <= 0 {
		keep = DefaultKeepRevisions
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(checkpointSchema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrating checkpoint database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("migrating checkpoint database: %w", err)
	}
	return &SQLiteStore{db: db, keep: keep, locks: newKeyedMutex()}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save implements Store. The stale check, insert and pruning happen in one
// transaction.
func (s *SQLiteStore) Save(ctx context.Context, c Checkpoint) error {
	data, err := encode(c)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(c.RunID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(revision) FROM checkpoints WHERE run_id = ?`, c.RunID).Scan(&latest); err != nil {
		return fmt.Errorf("reading latest revision: %w", err)
	}
	if latest.Valid && c.Revision <= latest.Int64 {
		return stale(c.RunID, c.Revision, latest.Int64)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, revision, schema, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Revision, c.Schema, string(c.State.Status), string(data), c.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE run_id = ? AND revision NOT IN (
			SELECT revision FROM checkpoints WHERE run_id = ? ORDER BY revision DESC LIMIT ?
		)`, c.RunID, c.RunID, s.keep); err != nil {
		return fmt.Errorf("pruning checkpoints: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE run_id = ? ORDER BY revision DESC LIMIT 1`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, notFound(runID)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint: %w", err)
	}
	return decode([]byte(payload))
}

// LoadRevision returns a specific retained revision of a run.
func (s *SQLiteStore) LoadRevision(ctx context.Context, runID string, revision int64) (Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE run_id = ? AND revision = ?`, runID, revision).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("run %s revision %d: %w", runID, revision, errors.ErrCheckpointNotFound)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("loading checkpoint: %w", err)
	}
	return decode([]byte(payload))
}

// Revisions returns the retained revisions of a run, newest first.
func (s *SQLiteStore) Revisions(ctx context.Context, runID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT revision FROM checkpoints WHERE run_id = ? ORDER BY revision DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing revisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var rev int64
		if err := rows.Scan(&rev); err != nil {
			return nil, fmt.Errorf("scanning revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.payload FROM checkpoints c
		JOIN (SELECT run_id, MAX(revision) AS rev FROM checkpoints GROUP BY run_id) latest
		  ON c.run_id = latest.run_id AND c.revision = latest.rev`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		c, err := decode([]byte(payload))
		if err != nil {
			continue
		}
		out = append(out, c.Summarize())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	unlock := s.locks.Lock(runID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("deleting checkpoints: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(runID)
	}
	return nil
}

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	fingerprint TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_entries_created ON memory_entries(created_at);
`

// SQLitePersister stores memory entries in a SQLite database. Embeddings are
// not stored; they are recomputed from the query on load.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the memory database at path.
func OpenSQLite(path string) (*SQLitePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(memorySchema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("migrating memory database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("migrating memory database: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// Save implements Persister. An existing row is replaced only by a strictly
// newer entry for the same fingerprint.
func (p *SQLitePersister) Save(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO memory_entries (fingerprint, query, payload, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			query = excluded.query,
			payload = excluded.payload,
			created_at = excluded.created_at
		WHERE excluded.created_at > memory_entries.created_at`,
		e.Fingerprint, e.Query, string(payload), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upserting memory entry: %w", err)
	}
	return nil
}

// LoadAll implements Persister.
func (p *SQLitePersister) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT fingerprint, query, payload, created_at FROM memory_entries ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying memory entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
			created int64
		)
		if err := rows.Scan(&e.Fingerprint, &e.Query, &payload, &created); err != nil {
			return nil, fmt.Errorf("scanning memory entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", e.Fingerprint, err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close implements Persister.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

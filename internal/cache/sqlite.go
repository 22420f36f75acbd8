package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
    fingerprint TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    provider TEXT,
    inserted_at INTEGER NOT NULL,
    ttl_ns INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

// SQLiteBackend persists entries in a SQLite database
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the cache database at path
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running cache migrations: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Get(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT payload, provider, inserted_at, ttl_ns
		FROM cache_entries WHERE fingerprint = ?
	`, fp.String())

	var (
		payload    []byte
		provider   sql.NullString
		insertedAt int64
		ttl        int64
	)
	if err := row.Scan(&payload, &provider, &insertedAt, &ttl); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &Entry{
		Fingerprint: fp,
		Payload:     payload,
		InsertedAt:  time.Unix(0, insertedAt),
		TTL:         time.Duration(ttl),
		Provider:    provider.String,
	}, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, e *Entry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, payload, provider, inserted_at, ttl_ns, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			payload = excluded.payload,
			provider = excluded.provider,
			inserted_at = excluded.inserted_at,
			ttl_ns = excluded.ttl_ns,
			expires_at = excluded.expires_at
	`,
		e.Fingerprint.String(),
		e.Payload,
		e.Provider,
		e.InsertedAt.UnixNano(),
		int64(e.TTL),
		e.ExpiresAt().UnixNano(),
	)
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fp.String())
	return err
}

// Sweep deletes entries expired at now
func (b *SQLiteBackend) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	merosserrors "github.com/aicarmic/meross-lan/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_state (
    device_id   TEXT PRIMARY KEY,
    payload     BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// SQLiteStore persists snapshots in a local SQLite database. The database is
// opened in WAL mode so a reader never blocks the session's writer.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the snapshot database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string { return s.path }

// Persist implements the Store interface with an upsert, so re-persisting
// the same device is idempotent.
func (s *SQLiteStore) Persist(ctx context.Context, deviceID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_state (device_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, deviceID, []byte(payload), time.Now().Unix())
	if err != nil {
		return merosserrors.PersistFailed(err, deviceID)
	}
	return nil
}

// Load implements the Store interface.
func (s *SQLiteStore) Load(ctx context.Context, deviceID string) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM device_state WHERE device_id = ?
	`, deviceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, merosserrors.PersistFailed(err, deviceID)
	}
	return payload, nil
}

// Close implements the Store interface.
func (s *SQLiteStore) Close() error { return s.db.Close() }

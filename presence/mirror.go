package presence

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Mirror is a durable, best-effort reflection of presence state. Both
// trackers write through a Mirror when one is configured; failures are
// logged and swallowed so presence never blocks on storage.
type Mirror interface {
	Upsert(rec Record) error
	Delete(identity string) error
}

// SQLiteMirror persists presence records in a local SQLite database.
type SQLiteMirror struct {
	db *sql.DB
}

// OpenSQLiteMirror opens (creating if needed) the presence database at
// path and prepares its schema.
func OpenSQLiteMirror(path string) (*SQLiteMirror, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("presence db path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open presence db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping presence db: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS presence (
		identity      TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		connections   INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create presence schema: %w", err)
	}

	return &SQLiteMirror{db: db}, nil
}

// Upsert writes or replaces the record for an identity.
func (m *SQLiteMirror) Upsert(rec Record) error {
	const query = `INSERT INTO presence (identity, status, connections, last_activity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			status = excluded.status,
			connections = excluded.connections,
			last_activity = excluded.last_activity,
			updated_at = excluded.updated_at`
	_, err := m.db.Exec(query,
		rec.Identity,
		string(rec.Status),
		rec.Connections,
		toMillis(rec.LastActivity),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert presence record: %w", err)
	}
	return nil
}

// Delete removes the record for an identity, if present.
func (m *SQLiteMirror) Delete(identity string) error {
	if _, err := m.db.Exec(`DELETE FROM presence WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete presence record: %w", err)
	}
	return nil
}

// Load reads back the record for an identity. Used by operational
// tooling and tests; the trackers themselves never read the mirror.
func (m *SQLiteMirror) Load(identity string) (Record, bool, error) {
	const query = `SELECT identity, status, connections, last_activity, updated_at
		FROM presence WHERE identity = ?`

	var rec Record
	var status string
	var lastActivity, updatedAt int64
	err := m.db.QueryRow(query, identity).Scan(&rec.Identity, &status, &rec.Connections, &lastActivity, &updatedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load presence record: %w", err)
	}
	rec.Status = Status(status)
	rec.LastActivity = fromMillis(lastActivity)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, true, nil
}

// Close releases the underlying database handle.
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

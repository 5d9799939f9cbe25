// Package catalog is the durable SQLite store behind ingestion: conversations
// and their messages, the content-hash identity table used for
// deduplication, compressed raw snapshots keyed by path, and the processing
// job log that records every success and failure.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is stored in PRAGMA user_version.
const SchemaVersion = 1

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Catalog wraps the SQLite database.
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := &Catalog{db: db, path: path}
	if err := c.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Path returns the database file path.
func (c *Catalog) Path() string {
	return c.path
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL UNIQUE,
	agent         TEXT NOT NULL DEFAULT '',
	source_path   TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	started_at    TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_source ON conversations(source_path);

CREATE TABLE IF NOT EXISTS content_hashes (
	hash            TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_content_hashes_conversation ON content_hashes(conversation_id);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	line            INTEGER NOT NULL,
	uuid            TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL DEFAULT '',
	timestamp       TEXT NOT NULL DEFAULT '',
	raw             TEXT NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_uuid ON messages(conversation_id, uuid);

CREATE TABLE IF NOT EXISTS raw_files (
	path            TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL,
	size            INTEGER NOT NULL,
	codec           INTEGER NOT NULL,
	data            BLOB,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id              TEXT PRIMARY KEY,
	source_type     TEXT NOT NULL,
	path            TEXT NOT NULL,
	status          TEXT NOT NULL,
	change_type     TEXT NOT NULL DEFAULT '',
	conversation_id TEXT NOT NULL DEFAULT '',
	messages        INTEGER NOT NULL DEFAULT 0,
	attempts        INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	started_at      TEXT NOT NULL,
	finished_at     TEXT NOT NULL,
	processing_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON processing_jobs(status, finished_at);
CREATE INDEX IF NOT EXISTS idx_jobs_path ON processing_jobs(path);
`

func (c *Catalog) migrate(ctx context.Context) error {
	var version int
	if err := c.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("catalog schema version %d is newer than supported %d", version, SchemaVersion)
	}
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if version < SchemaVersion {
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, retrying the whole transaction on
// transient contention.
func (c *Catalog) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnContention(ctx, func() error {
		sqlTx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(&Tx{tx: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// Stats summarises catalog contents.
type Stats struct {
	Conversations int64 `json:"conversations" yaml:"conversations"`
	Messages      int64 `json:"messages" yaml:"messages"`
	RawFiles      int64 `json:"raw_files" yaml:"raw_files"`
	FailedJobs    int64 `json:"failed_jobs" yaml:"failed_jobs"`
}

// Stats returns row counts.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM raw_files),
			(SELECT COUNT(*) FROM processing_jobs WHERE status != 'completed')`,
	).Scan(&s.Conversations, &s.Messages, &s.RawFiles, &s.FailedJobs)
	if err != nil {
		return Stats{}, fmt.Errorf("catalog stats: %w", err)
	}
	return s, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

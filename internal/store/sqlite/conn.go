package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) a SQLite database at the given path with WAL
// journal mode and foreign keys enabled, and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	return open(dsn)
}

// OpenInMemory opens a private in-memory database, used by tests.
func OpenInMemory() (*sql.DB, error) {
	return open("file::memory:?_pragma=foreign_keys(ON)")
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent chat ticks.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    chat_id       TEXT PRIMARY KEY,
    encrypted_key TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    session_key        TEXT PRIMARY KEY,
    chat_id            TEXT NOT NULL REFERENCES chats(chat_id),
    started_at         TEXT NOT NULL,
    ended_at           TEXT,
    last_user_message  TEXT,
    last_user_activity TEXT,
    last_bot_message   TEXT,
    last_bot_activity  TEXT,
    message_count      INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active
    ON sessions(chat_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS guided_flows (
    flow_key           TEXT PRIMARY KEY,
    chat_id            TEXT NOT NULL,
    session_key        TEXT NOT NULL REFERENCES sessions(session_key),
    flow_type          TEXT NOT NULL,
    state              TEXT NOT NULL,
    started_at         TEXT NOT NULL,
    completed_at       TEXT,
    encrypted_metadata TEXT NOT NULL DEFAULT '',
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS guided_flows_chat ON guided_flows(chat_id, flow_type, state);

CREATE TABLE IF NOT EXISTS context_artifacts (
    artifact_key      TEXT PRIMARY KEY,
    chat_id           TEXT NOT NULL,
    session_key       TEXT,
    artifact_type     TEXT NOT NULL,
    encrypted_content TEXT NOT NULL,
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS context_artifacts_chat ON context_artifacts(chat_id, artifact_type, created_at);

CREATE TABLE IF NOT EXISTS events (
    event_key      TEXT PRIMARY KEY,
    chat_id        TEXT NOT NULL,
    session_key    TEXT NOT NULL,
    message_id     TEXT NOT NULL,
    kind           TEXT NOT NULL,
    sender         TEXT NOT NULL,
    encrypted_body TEXT NOT NULL,
    reacts_to      TEXT,
    mime_type      TEXT,
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_session ON events(session_key, created_at);

CREATE TABLE IF NOT EXISTS notifications (
    id         TEXT PRIMARY KEY,
    chat_id    TEXT NOT NULL,
    content    TEXT NOT NULL,
    status     TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_pending ON notifications(chat_id, status, created_at);
`

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

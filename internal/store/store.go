// Package store implements the embedded, single-file store (§4.1): the
// system of record for chats, messages, registered workspaces, sessions,
// router cursors, scheduled tasks, and their run history. It never holds
// IPC requests — those live on the filesystem (§6.4/§6.5) and are handled
// by internal/ipc.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nanoclaw/nanoclaw/internal/common/sqlite"
	"github.com/nanoclaw/nanoclaw/internal/db"
)

// Store is the embedded store, backed by one SQLite file with a dedicated
// single-connection writer pool and a multi-connection read pool (§4.1).
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens (creating if necessary) the store at path, runs schema setup
// and auto-upgrade, and returns a ready Store.
func Open(path string) (*Store, error) {
	writerDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store writer: %w", err)
	}
	readerDB, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writerDB.Close()
		return nil, fmt.Errorf("failed to open store reader: %w", err)
	}

	s := &Store{
		writer: sqlx.NewDb(writerDB, "sqlite3"),
		reader: sqlx.NewDb(readerDB, "sqlite3"),
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	if err := s.upgradeSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to upgrade store schema: %w", err)
	}

	return s, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	writerErr := s.writer.Close()
	readerErr := s.reader.Close()
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id    TEXT PRIMARY KEY,
	jid        TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL,
	sender      TEXT NOT NULL,
	body        TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	from_self   INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp ON messages(chat_id, timestamp);

CREATE TABLE IF NOT EXISTS registered_groups (
	folder          TEXT PRIMARY KEY,
	chat_jid        TEXT NOT NULL UNIQUE,
	privileged      INTEGER NOT NULL DEFAULT 0,
	sandbox_engine  TEXT NOT NULL DEFAULT '',
	agent_cli       TEXT NOT NULL DEFAULT '',
	trigger_pattern TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	workspace_folder TEXT PRIMARY KEY,
	agent_cli        TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS router_state (
	workspace_folder      TEXT PRIMARY KEY,
	last_timestamp        INTEGER NOT NULL DEFAULT 0,
	last_agent_timestamp  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id               TEXT PRIMARY KEY,
	workspace_folder TEXT NOT NULL,
	schedule_type    TEXT NOT NULL,
	schedule_expr    TEXT NOT NULL,
	prompt           TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'active',
	next_run         INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status_next_run ON scheduled_tasks(status, next_run);

CREATE TABLE IF NOT EXISTS task_run_logs (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	status      TEXT NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_run_logs_task ON task_run_logs(task_id, started_at);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *Store) initSchema() error {
	_, err := s.writer.Exec(schema)
	return err
}

// upgradeSchema adds columns introduced after a table's initial release,
// using EnsureColumn so existing installs migrate in place (§4.1).
func (s *Store) upgradeSchema() error {
	underlying := s.writer.DB
	if err := sqlite.EnsureColumn(underlying, "registered_groups", "trigger_pattern", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := sqlite.EnsureColumn(underlying, "scheduled_tasks", "chat_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := sqlite.EnsureColumn(underlying, "scheduled_tasks", "context_mode", "TEXT NOT NULL DEFAULT 'isolated'"); err != nil {
		return err
	}
	return nil
}

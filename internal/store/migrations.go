package store

import "fmt"

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "sessions and agents: multi-agent coordination scopes",
		SQL: `
CREATE TABLE sessions (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    owner_user_id TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'closed')),
    created_at    INTEGER NOT NULL
);

CREATE INDEX idx_sessions_owner ON sessions(owner_user_id);

CREATE TABLE agents (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    name          TEXT NOT NULL,
    endpoint      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'connected' CHECK (status IN ('connected', 'disconnected')),
    last_activity INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,

    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX idx_agents_session ON agents(session_id);
`,
	},
	{
		Version:     2,
		Description: "file_locks: time-bounded path claims",
		SQL: `
CREATE TABLE file_locks (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    agent_id   TEXT NOT NULL,
    path       TEXT NOT NULL,
    operation  TEXT NOT NULL CHECK (operation IN ('read', 'write', 'delete')),
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,

    UNIQUE (session_id, path, agent_id),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX idx_locks_session_path ON file_locks(session_id, path);
CREATE INDEX idx_locks_expiry       ON file_locks(expires_at);
`,
	},
	{
		Version:     3,
		Description: "task_progress: one row per (session, agent, task)",
		SQL: `
CREATE TABLE task_progress (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    agent_id       TEXT NOT NULL,
    task_id        TEXT NOT NULL,
    status         TEXT NOT NULL CHECK (status IN ('started', 'in_progress', 'completed', 'failed', 'blocked')),
    percentage     INTEGER,
    message        TEXT NOT NULL DEFAULT '',
    affected_files TEXT NOT NULL DEFAULT '[]',
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL,

    UNIQUE (session_id, agent_id, task_id),
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX idx_progress_session ON task_progress(session_id);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

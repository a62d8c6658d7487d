// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// migrations holds one SQL script per schema version, applied in
// order. Never edit a shipped entry; append a new one.
var migrations = []string{
	// Version 1: initial schema.
	`
	CREATE TABLE sessions (
		id             INTEGER PRIMARY KEY,
		identity       TEXT NOT NULL,
		workspace      TEXT NOT NULL,
		continuation   TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'active',
		turn_count     INTEGER NOT NULL DEFAULT 0,
		message_count  INTEGER NOT NULL DEFAULT 0,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		UNIQUE (identity, workspace)
	);
	CREATE INDEX sessions_by_identity ON sessions (identity, last_active_at);

	CREATE TABLE turns (
		id             INTEGER PRIMARY KEY,
		identity       TEXT NOT NULL,
		workspace      TEXT NOT NULL,
		source         TEXT NOT NULL,
		prompt         TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		response_chars INTEGER NOT NULL DEFAULT 0,
		cost_usd       REAL NOT NULL DEFAULT 0,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		continuation   TEXT NOT NULL DEFAULT '',
		started_at     INTEGER NOT NULL
	);
	CREATE INDEX turns_by_identity ON turns (identity, started_at);

	CREATE TABLE tool_invocations (
		id          INTEGER PRIMARY KEY,
		turn_id     INTEGER NOT NULL REFERENCES turns (id),
		tool        TEXT NOT NULL,
		decision    TEXT NOT NULL,
		rule        TEXT NOT NULL DEFAULT '',
		arguments   BLOB,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX tool_invocations_by_turn ON tool_invocations (turn_id);

	CREATE TABLE scheduled_jobs (
		id           INTEGER PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		expression   TEXT NOT NULL,
		payload      BLOB NOT NULL,
		created_by   TEXT NOT NULL DEFAULT '',
		enabled      INTEGER NOT NULL DEFAULT 1,
		next_fire_at INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	);

	CREATE TABLE webhook_deliveries (
		provider    TEXT NOT NULL,
		delivery_id TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (provider, delivery_id)
	) WITHOUT ROWID;

	CREATE TABLE cost_ledger (
		identity  TEXT NOT NULL,
		day       TEXT NOT NULL,
		spent_usd REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (identity, day)
	) WITHOUT ROWID;
	`,
}

// migrate brings the database to the current schema version. Each
// pending migration runs in its own transaction together with the
// version bump.
func migrate(conn *sqlite.Conn, logger *slog.Logger) error {
	if err := sqlitex.ExecuteTransient(conn, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`, nil); err != nil {
		return err
	}

	version := 0
	hasRow := false
	err := sqlitex.ExecuteTransient(conn, "SELECT version FROM schema_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			hasRow = true
			return nil
		},
	})
	if err != nil {
		return err
	}
	if !hasRow {
		if err := sqlitex.ExecuteTransient(conn, "INSERT INTO schema_version (version) VALUES (0)", nil); err != nil {
			return err
		}
	}

	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, len(migrations))
	}

	for next := version + 1; next <= len(migrations); next++ {
		err := func() (err error) {
			defer sqlitex.Transaction(conn)(&err)
			if err := sqlitex.ExecuteScript(conn, migrations[next-1], nil); err != nil {
				return fmt.Errorf("migration %d: %w", next, err)
			}
			return sqlitex.ExecuteTransient(conn, "UPDATE schema_version SET version = ?", &sqlitex.ExecOptions{
				Args: []any{next},
			})
		}()
		if err != nil {
			return err
		}
		logger.Info("schema migrated", "version", next)
	}
	return nil
}

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Session lifecycle states.
const (
	SessionActive  = "active"
	SessionExpired = "expired"
	SessionCleared = "cleared"
)

// SessionRow is one persisted conversation session, keyed by
// (identity, workspace).
type SessionRow struct {
	ID           int64
	Identity     string
	Workspace    string
	Continuation string
	Status       string
	TurnCount    int
	MessageCount int
	TotalCostUSD float64
	CreatedAt    time.Time
	LastActiveAt time.Time
}

func scanSession(stmt *sqlite.Stmt) SessionRow {
	return SessionRow{
		ID:           stmt.GetInt64("id"),
		Identity:     stmt.GetText("identity"),
		Workspace:    stmt.GetText("workspace"),
		Continuation: stmt.GetText("continuation"),
		Status:       stmt.GetText("status"),
		TurnCount:    int(stmt.GetInt64("turn_count")),
		MessageCount: int(stmt.GetInt64("message_count")),
		TotalCostUSD: stmt.GetFloat("total_cost_usd"),
		CreatedAt:    unixTime(stmt.GetInt64("created_at")),
		LastActiveAt: unixTime(stmt.GetInt64("last_active_at")),
	}
}

const sessionColumns = `id, identity, workspace, continuation, status,
	turn_count, message_count, total_cost_usd, created_at, last_active_at`

// GetSession fetches the session for (identity, workspace). The second
// return is false when none exists.
func (s *Store) GetSession(ctx context.Context, identity, workspace string) (SessionRow, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return SessionRow{}, false, err
	}
	defer s.pool.Put(conn)

	var row SessionRow
	found := false
	err = sqlitex.Execute(conn, `SELECT `+sessionColumns+`
		FROM sessions WHERE identity = ? AND workspace = ?`, &sqlitex.ExecOptions{
		Args: []any{identity, workspace},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row = scanSession(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return SessionRow{}, false, fmt.Errorf("store: get session: %w", err)
	}
	return row, found, nil
}

// CreateSession inserts a fresh active session, replacing any previous
// row for the same key, and returns it.
func (s *Store) CreateSession(ctx context.Context, identity, workspace string, now time.Time) (SessionRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return SessionRow{}, err
	}
	defer s.pool.Put(conn)

	epoch := now.Unix()
	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (identity, workspace, status, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity, workspace) DO UPDATE SET
			continuation = '', status = excluded.status,
			turn_count = 0, message_count = 0, total_cost_usd = 0,
			created_at = excluded.created_at, last_active_at = excluded.last_active_at`,
		&sqlitex.ExecOptions{
			Args: []any{identity, workspace, SessionActive, epoch, epoch},
		})
	if err != nil {
		return SessionRow{}, fmt.Errorf("store: create session: %w", err)
	}

	row, _, err := s.GetSession(ctx, identity, workspace)
	return row, err
}

// SaveSession writes back a session's mutable fields by ID.
func (s *Store) SaveSession(ctx context.Context, row SessionRow) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE sessions SET
			continuation = ?, status = ?, turn_count = ?, message_count = ?,
			total_cost_usd = ?, last_active_at = ?
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			row.Continuation, row.Status, row.TurnCount, row.MessageCount,
			row.TotalCostUSD, row.LastActiveAt.Unix(), row.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: save session: no row with id %d", row.ID)
	}
	return nil
}

// ClearSession drops the continuation and resets counters, marking the
// session cleared. Missing sessions are a no-op.
func (s *Store) ClearSession(ctx context.Context, identity, workspace string, now time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE sessions SET
			continuation = '', status = ?, turn_count = 0, message_count = 0,
			total_cost_usd = 0, last_active_at = ?
		WHERE identity = ? AND workspace = ?`, &sqlitex.ExecOptions{
		Args: []any{SessionCleared, now.Unix(), identity, workspace},
	})
	if err != nil {
		return fmt.Errorf("store: clear session: %w", err)
	}
	return nil
}

// ExpireSessionsIdleSince marks active sessions with no activity since
// cutoff as expired and returns how many were affected.
func (s *Store) ExpireSessionsIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE sessions SET status = ?
		WHERE status = ? AND last_active_at < ?`, &sqlitex.ExecOptions{
		Args: []any{SessionExpired, SessionActive, cutoff.Unix()},
	})
	if err != nil {
		return 0, fmt.Errorf("store: expire sessions: %w", err)
	}
	return conn.Changes(), nil
}

// CountActiveSessions returns the number of active sessions for an
// identity.
func (s *Store) CountActiveSessions(ctx context.Context, identity string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*) FROM sessions WHERE identity = ? AND status = ?`, &sqlitex.ExecOptions{
		Args: []any{identity, SessionActive},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return count, nil
}

// OldestActiveSession returns the least recently active session for an
// identity, used to evict when the per-identity cap is reached.
func (s *Store) OldestActiveSession(ctx context.Context, identity string) (SessionRow, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return SessionRow{}, false, err
	}
	defer s.pool.Put(conn)

	var row SessionRow
	found := false
	err = sqlitex.Execute(conn, `SELECT `+sessionColumns+`
		FROM sessions WHERE identity = ? AND status = ?
		ORDER BY last_active_at ASC LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{identity, SessionActive},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row = scanSession(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return SessionRow{}, false, fmt.Errorf("store: oldest session: %w", err)
	}
	return row, found, nil
}

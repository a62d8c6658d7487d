// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/liaison-dev/liaison/lib/codec"
)

// JobPayload is what a scheduled job runs: the prompt and where to
// direct the turn. Stored as deterministic CBOR.
type JobPayload struct {
	Prompt    string   `cbor:"prompt"`
	Identity  string   `cbor:"identity"`
	Workspace string   `cbor:"workspace"`
	Skill     string   `cbor:"skill,omitempty"`
	Targets   []string `cbor:"targets,omitempty"`
}

// JobRow is one persisted cron job.
type JobRow struct {
	ID         int64
	Name       string
	Expression string
	Payload    JobPayload
	CreatedBy  string
	Enabled    bool
	NextFireAt time.Time
	CreatedAt  time.Time
}

func (s *Store) scanJob(stmt *sqlite.Stmt) (JobRow, error) {
	row := JobRow{
		ID:         stmt.GetInt64("id"),
		Name:       stmt.GetText("name"),
		Expression: stmt.GetText("expression"),
		CreatedBy:  stmt.GetText("created_by"),
		Enabled:    stmt.GetInt64("enabled") != 0,
		NextFireAt: unixTime(stmt.GetInt64("next_fire_at")),
		CreatedAt:  unixTime(stmt.GetInt64("created_at")),
	}
	raw := make([]byte, stmt.GetLen("payload"))
	stmt.GetBytes("payload", raw)
	if err := codec.Unmarshal(raw, &row.Payload); err != nil {
		return JobRow{}, fmt.Errorf("decoding payload for job %q: %w", row.Name, err)
	}
	return row, nil
}

// AddJob inserts a job. The name must be unique among all jobs,
// including disabled ones.
func (s *Store) AddJob(ctx context.Context, row JobRow) (int64, error) {
	payload, err := codec.Marshal(row.Payload)
	if err != nil {
		return 0, fmt.Errorf("store: encoding job payload: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO scheduled_jobs (name, expression, payload, created_by, enabled, next_fire_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			row.Name, row.Expression, payload, row.CreatedBy,
			boolInt(row.Enabled), row.NextFireAt.Unix(), row.CreatedAt.Unix(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: add job %q: %w", row.Name, err)
	}
	return conn.LastInsertRowID(), nil
}

// DisableJob soft-deletes a job by name. Returns false when no such
// enabled job exists.
func (s *Store) DisableJob(ctx context.Context, name string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE scheduled_jobs SET enabled = 0 WHERE name = ? AND enabled = 1`, &sqlitex.ExecOptions{
		Args: []any{name},
	})
	if err != nil {
		return false, fmt.Errorf("store: disable job %q: %w", name, err)
	}
	return conn.Changes() > 0, nil
}

// SetJobNextFire persists a job's next firing time.
func (s *Store) SetJobNextFire(ctx context.Context, id int64, at time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE scheduled_jobs SET next_fire_at = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{at.Unix(), id},
	})
	if err != nil {
		return fmt.Errorf("store: set next fire: %w", err)
	}
	return nil
}

const jobColumns = `id, name, expression, payload, created_by, enabled, next_fire_at, created_at`

// ListJobs returns jobs ordered by name. With enabledOnly, disabled
// jobs are omitted.
func (s *Store) ListJobs(ctx context.Context, enabledOnly bool) ([]JobRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	var out []JobRow
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row, err := s.scanJob(stmt)
			if err != nil {
				return err
			}
			out = append(out, row)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return out, nil
}

// GetJob fetches one job by name.
func (s *Store) GetJob(ctx context.Context, name string) (JobRow, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return JobRow{}, false, err
	}
	defer s.pool.Put(conn)

	var row JobRow
	found := false
	err = sqlitex.Execute(conn, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			row, err = s.scanJob(stmt)
			found = err == nil
			return err
		},
	})
	if err != nil {
		return JobRow{}, false, fmt.Errorf("store: get job %q: %w", name, err)
	}
	return row, found, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

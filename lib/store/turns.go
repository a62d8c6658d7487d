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

// TurnRow records one completed (or failed) agent turn.
type TurnRow struct {
	ID            int64
	Identity      string
	Workspace     string
	Source        string // "message", "webhook:<provider>", "schedule:<job>"
	Prompt        string
	Outcome       string
	ResponseChars int
	CostUSD       float64
	Duration      time.Duration
	Continuation  string
	StartedAt     time.Time
}

// ToolInvocation is the audit record of one tool call inside a turn,
// with the gate's decision.
type ToolInvocation struct {
	ID         int64
	TurnID     int64
	Tool       string
	Decision   string
	Rule       string
	Arguments  map[string]any
	RecordedAt time.Time
}

// InsertTurn appends a turn record and returns its ID.
func (s *Store) InsertTurn(ctx context.Context, row TurnRow) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO turns (identity, workspace, source, prompt, outcome,
			response_chars, cost_usd, duration_ms, continuation, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			row.Identity, row.Workspace, row.Source, row.Prompt, row.Outcome,
			row.ResponseChars, row.CostUSD, row.Duration.Milliseconds(),
			row.Continuation, row.StartedAt.Unix(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: insert turn: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// InsertToolInvocation appends one tool audit record. Arguments are
// stored as deterministic CBOR.
func (s *Store) InsertToolInvocation(ctx context.Context, inv ToolInvocation) error {
	var arguments []byte
	if inv.Arguments != nil {
		var err error
		arguments, err = codec.Marshal(inv.Arguments)
		if err != nil {
			return fmt.Errorf("store: encoding tool arguments: %w", err)
		}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO tool_invocations (turn_id, tool, decision, rule, arguments, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			inv.TurnID, inv.Tool, inv.Decision, inv.Rule, arguments,
			inv.RecordedAt.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: insert tool invocation: %w", err)
	}
	return nil
}

// ToolInvocationsForTurn lists a turn's audit records in insertion
// order.
func (s *Store) ToolInvocationsForTurn(ctx context.Context, turnID int64) ([]ToolInvocation, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []ToolInvocation
	err = sqlitex.Execute(conn, `
		SELECT id, turn_id, tool, decision, rule, arguments, recorded_at
		FROM tool_invocations WHERE turn_id = ? ORDER BY id`, &sqlitex.ExecOptions{
		Args: []any{turnID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			inv := ToolInvocation{
				ID:         stmt.GetInt64("id"),
				TurnID:     stmt.GetInt64("turn_id"),
				Tool:       stmt.GetText("tool"),
				Decision:   stmt.GetText("decision"),
				Rule:       stmt.GetText("rule"),
				RecordedAt: unixTime(stmt.GetInt64("recorded_at")),
			}
			if length := stmt.GetLen("arguments"); length > 0 {
				raw := make([]byte, length)
				stmt.GetBytes("arguments", raw)
				if err := codec.Unmarshal(raw, &inv.Arguments); err != nil {
					return fmt.Errorf("decoding tool arguments: %w", err)
				}
			}
			out = append(out, inv)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: tool invocations: %w", err)
	}
	return out, nil
}

// RecentTurns lists an identity's newest turns, most recent first.
func (s *Store) RecentTurns(ctx context.Context, identity string, limit int) ([]TurnRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []TurnRow
	err = sqlitex.Execute(conn, `
		SELECT id, identity, workspace, source, prompt, outcome,
			response_chars, cost_usd, duration_ms, continuation, started_at
		FROM turns WHERE identity = ? ORDER BY id DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{identity, limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, TurnRow{
				ID:            stmt.GetInt64("id"),
				Identity:      stmt.GetText("identity"),
				Workspace:     stmt.GetText("workspace"),
				Source:        stmt.GetText("source"),
				Prompt:        stmt.GetText("prompt"),
				Outcome:       stmt.GetText("outcome"),
				ResponseChars: int(stmt.GetInt64("response_chars")),
				CostUSD:       stmt.GetFloat("cost_usd"),
				Duration:      time.Duration(stmt.GetInt64("duration_ms")) * time.Millisecond,
				Continuation:  stmt.GetText("continuation"),
				StartedAt:     unixTime(stmt.GetInt64("started_at")),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: recent turns: %w", err)
	}
	return out, nil
}

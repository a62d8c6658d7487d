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

// Day renders t as the UTC calendar day the cost ledger is keyed by.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ChargeCost adds amount to an identity's spend for a day.
func (s *Store) ChargeCost(ctx context.Context, identity, day string, amount float64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO cost_ledger (identity, day, spent_usd)
		VALUES (?, ?, ?)
		ON CONFLICT (identity, day) DO UPDATE SET spent_usd = spent_usd + excluded.spent_usd`,
		&sqlitex.ExecOptions{
			Args: []any{identity, day, amount},
		})
	if err != nil {
		return fmt.Errorf("store: charge cost: %w", err)
	}
	return nil
}

// SpentOn returns an identity's recorded spend for a day. Missing rows
// read as zero.
func (s *Store) SpentOn(ctx context.Context, identity, day string) (float64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var spent float64
	err = sqlitex.Execute(conn, `
		SELECT spent_usd FROM cost_ledger WHERE identity = ? AND day = ?`, &sqlitex.ExecOptions{
		Args: []any{identity, day},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			spent = stmt.ColumnFloat(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: spent on: %w", err)
	}
	return spent, nil
}

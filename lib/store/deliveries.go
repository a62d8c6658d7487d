// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"
)

// RecordDelivery registers a webhook delivery and reports whether it
// was new. The INSERT OR IGNORE is the dedup atomicity boundary: of
// two concurrent identical deliveries exactly one observes true.
func (s *Store) RecordDelivery(ctx context.Context, provider, deliveryID string, at time.Time) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO webhook_deliveries (provider, delivery_id, received_at)
		VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{provider, deliveryID, at.Unix()},
	})
	if err != nil {
		return false, fmt.Errorf("store: record delivery: %w", err)
	}
	return conn.Changes() > 0, nil
}

// DeleteDelivery removes a single dedup record. Callers use it to
// release a delivery ID when the event behind it was never handed off,
// so the provider's retry is not absorbed as a duplicate.
func (s *Store) DeleteDelivery(ctx context.Context, provider, deliveryID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		DELETE FROM webhook_deliveries WHERE provider = ? AND delivery_id = ?`, &sqlitex.ExecOptions{
		Args: []any{provider, deliveryID},
	})
	if err != nil {
		return fmt.Errorf("store: delete delivery: %w", err)
	}
	return nil
}

// PruneDeliveries removes dedup records older than cutoff and returns
// how many were dropped. Providers do not redeliver beyond a few days,
// so old records only grow the table.
func (s *Store) PruneDeliveries(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		DELETE FROM webhook_deliveries WHERE received_at < ?`, &sqlitex.ExecOptions{
		Args: []any{cutoff.Unix()},
	})
	if err != nil {
		return 0, fmt.Errorf("store: prune deliveries: %w", err)
	}
	return conn.Changes(), nil
}

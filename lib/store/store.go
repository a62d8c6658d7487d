// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the persistence layer: sessions, turn history, tool
// invocations, scheduled jobs, webhook delivery dedup, and the daily
// cost ledger, all in one SQLite database.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/liaison-dev/liaison/lib/sqlitepool"
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file, created if absent. Tests use a
	// file under t.TempDir(); in-memory databases do not survive the
	// connection pool.
	Path string

	// PoolSize is the connection pool size. Zero uses the pool default.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store provides typed access to the liaison database. All methods are
// safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens the database, applies pending schema migrations, and
// returns the Store. The caller must Close it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{pool: pool, logger: logger}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	migrateErr := migrate(conn, logger)
	pool.Put(conn)
	if migrateErr != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrating %s: %w", cfg.Path, migrateErr)
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// unixTime converts a stored epoch-seconds column to a UTC time.
func unixTime(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

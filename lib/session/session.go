// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks agent conversations per (identity, workspace)
// key: continuation tokens, per-session counters, and a lease table
// that serializes turns on the same key.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liaison-dev/liaison/lib/clock"
	"github.com/liaison-dev/liaison/lib/store"
)

// ErrSessionBusy is returned when a session's lease could not be
// acquired within the configured wait. The turn should be retried
// later or reported to the requester.
var ErrSessionBusy = errors.New("session: busy with another turn")

// Key identifies one conversation.
type Key struct {
	Identity  string
	Workspace string
}

// Session is a conversation's persistent state.
type Session struct {
	// Continuation is the agent's opaque resume token. Empty means the
	// next turn starts a fresh conversation.
	Continuation string

	Status       string
	TurnCount    int
	MessageCount int
	TotalCostUSD float64
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Config configures a Manager.
type Config struct {
	// Store persists sessions. Required.
	Store *store.Store

	// Clock drives acquire timeouts and timestamps. Nil means the real
	// clock.
	Clock clock.Clock

	// Logger receives lease and eviction records. Nil means discard.
	Logger *slog.Logger

	// AcquireTimeout is how long Acquire waits for a held lease. Zero
	// or negative means fail immediately when the key is busy.
	AcquireTimeout time.Duration

	// MaxPerIdentity caps active sessions per identity. When a new key
	// would exceed it, the identity's least recently active session is
	// cleared. Zero means no cap.
	MaxPerIdentity int
}

// Manager mediates session access. Safe for concurrent use.
type Manager struct {
	store          *store.Store
	clock          clock.Clock
	logger         *slog.Logger
	acquireTimeout time.Duration
	maxPerIdentity int

	mu     sync.Mutex
	leases map[Key]chan struct{}
	held   map[Key]*Lease
}

// NewManager builds a Manager. Store is required.
func NewManager(cfg Config) *Manager {
	if cfg.Store == nil {
		panic("session: Config.Store is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:          cfg.Store,
		clock:          clk,
		logger:         logger,
		acquireTimeout: cfg.AcquireTimeout,
		maxPerIdentity: cfg.MaxPerIdentity,
		leases:         make(map[Key]chan struct{}),
		held:           make(map[Key]*Lease),
	}
}

// Lease is exclusive access to one session key. Release it when the
// turn is over; Commit requires a live lease.
type Lease struct {
	manager *Manager
	key     Key

	mu       sync.Mutex
	released bool
	cancel   context.CancelFunc
}

// Key returns the session key the lease covers.
func (l *Lease) Key() Key { return l.key }

// SetCancel registers the cancel function for the work running under
// this lease. Clear on the same key invokes it, so an explicit
// end-session stops the turn in flight.
func (l *Lease) SetCancel(cancel context.CancelFunc) {
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
}

// Release returns the lease. Idempotent.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.manager.release(l)
}

func (l *Lease) live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

func (l *Lease) invokeCancel() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// semaphore returns the key's capacity-one lease channel, creating it
// on first use. Lease channels are never removed; the key space is
// bounded by the set of configured chats and workspaces.
func (m *Manager) semaphore(key Key) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.leases[key]
	if !ok {
		sem = make(chan struct{}, 1)
		m.leases[key] = sem
	}
	return sem
}

// Acquire takes the key's lease, waiting up to the configured acquire
// timeout. A busy key yields ErrSessionBusy; context cancellation
// aborts the wait.
func (m *Manager) Acquire(ctx context.Context, key Key) (*Lease, error) {
	sem := m.semaphore(key)

	if m.acquireTimeout <= 0 {
		select {
		case sem <- struct{}{}:
			return m.newLease(key), nil
		default:
			return nil, ErrSessionBusy
		}
	}

	deadline := m.clock.After(m.acquireTimeout)
	select {
	case sem <- struct{}{}:
		return m.newLease(key), nil
	case <-deadline:
		return nil, ErrSessionBusy
	case <-ctx.Done():
		return nil, fmt.Errorf("session: waiting for lease: %w", ctx.Err())
	}
}

// newLease records the key's holder. Called with the semaphore held, so
// there is at most one holder per key.
func (m *Manager) newLease(key Key) *Lease {
	l := &Lease{manager: m, key: key}
	m.mu.Lock()
	m.held[key] = l
	m.mu.Unlock()
	return l
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	if m.held[l.key] == l {
		delete(m.held, l.key)
	}
	m.mu.Unlock()
	<-m.semaphore(l.key)
}

// Get reads the session for a key without touching it.
func (m *Manager) Get(ctx context.Context, key Key) (Session, bool, error) {
	row, found, err := m.store.GetSession(ctx, key.Identity, key.Workspace)
	if err != nil || !found {
		return Session{}, false, err
	}
	return fromRow(row), true, nil
}

// GetOrCreate returns the key's active session, creating a fresh one
// when none exists or the stored one is expired or cleared. Creation
// enforces the per-identity cap by clearing the identity's least
// recently active session.
func (m *Manager) GetOrCreate(ctx context.Context, key Key) (Session, error) {
	row, found, err := m.store.GetSession(ctx, key.Identity, key.Workspace)
	if err != nil {
		return Session{}, err
	}
	if found && row.Status == store.SessionActive {
		return fromRow(row), nil
	}

	if !found && m.maxPerIdentity > 0 {
		count, err := m.store.CountActiveSessions(ctx, key.Identity)
		if err != nil {
			return Session{}, err
		}
		if count >= m.maxPerIdentity {
			oldest, ok, err := m.store.OldestActiveSession(ctx, key.Identity)
			if err != nil {
				return Session{}, err
			}
			if ok {
				m.logger.Info("session cap reached, clearing least recently active",
					"identity", key.Identity,
					"evicted_workspace", oldest.Workspace,
					"cap", m.maxPerIdentity)
				if err := m.Clear(ctx, Key{Identity: oldest.Identity, Workspace: oldest.Workspace}); err != nil {
					return Session{}, err
				}
			}
		}
	}

	created, err := m.store.CreateSession(ctx, key.Identity, key.Workspace, m.clock.Now())
	if err != nil {
		return Session{}, err
	}
	return fromRow(created), nil
}

// Commit persists a session under a live lease. It stamps last-active
// and forces the session active; committing is what keeps a session
// alive.
func (m *Manager) Commit(ctx context.Context, lease *Lease, s Session) error {
	if lease == nil || !lease.live() {
		return fmt.Errorf("session: commit without a live lease")
	}
	key := lease.key

	row, found, err := m.store.GetSession(ctx, key.Identity, key.Workspace)
	if err != nil {
		return err
	}
	if !found {
		row, err = m.store.CreateSession(ctx, key.Identity, key.Workspace, m.clock.Now())
		if err != nil {
			return err
		}
	}

	row.Continuation = s.Continuation
	row.Status = store.SessionActive
	row.TurnCount = s.TurnCount
	row.MessageCount = s.MessageCount
	row.TotalCostUSD = s.TotalCostUSD
	row.LastActiveAt = m.clock.Now()
	return m.store.SaveSession(ctx, row)
}

// Clear drops the key's continuation and resets its counters. A turn
// running under the key's lease is cancelled through the lease's
// registered cancel function. The next turn starts a fresh
// conversation.
func (m *Manager) Clear(ctx context.Context, key Key) error {
	m.mu.Lock()
	holder := m.held[key]
	m.mu.Unlock()
	if holder != nil {
		holder.invokeCancel()
	}
	return m.store.ClearSession(ctx, key.Identity, key.Workspace, m.clock.Now())
}

// ExpireInactive marks active sessions idle for longer than ttl as
// expired and returns how many were affected.
func (m *Manager) ExpireInactive(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-ttl)
	n, err := m.store.ExpireSessionsIdleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired idle sessions", "count", n, "ttl", ttl)
	}
	return n, nil
}

func fromRow(row store.SessionRow) Session {
	return Session{
		Continuation: row.Continuation,
		Status:       row.Status,
		TurnCount:    row.TurnCount,
		MessageCount: row.MessageCount,
		TotalCostUSD: row.TotalCostUSD,
		CreatedAt:    row.CreatedAt,
		LastActiveAt: row.LastActiveAt,
	}
}

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers agent responses to chat destinations. The
// Dispatcher throttles per destination, splits oversized messages at
// safe boundaries, and renders markdown to HTML for transports that
// want it. The chat platform itself sits behind the Transport
// interface.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"

	"github.com/liaison-dev/liaison/lib/bus"
)

// Format selects how a Transport wants message bodies.
type Format int

const (
	// FormatText sends the message body untouched.
	FormatText Format = iota

	// FormatHTML renders the body from markdown to HTML before
	// sending.
	FormatHTML
)

// Transport sends one message chunk to one destination.
type Transport interface {
	// Send delivers body to target. Called at most once per
	// MinSendInterval per target.
	Send(ctx context.Context, target, body string) error

	// Format reports how bodies should be encoded.
	Format() Format

	// MaxMessageSize is the transport's chunk limit in bytes. Zero
	// means the dispatcher default.
	MaxMessageSize() int
}

// Message is one notification.
type Message struct {
	// Text is the message body, markdown-flavored.
	Text string

	// Silent asks the transport for a notification without an alert.
	// Transports that cannot honor it ignore it.
	Silent bool
}

// Config configures a Dispatcher.
type Config struct {
	// Transport delivers chunks. Required.
	Transport Transport

	// DefaultTargets receive broadcasts when Deliver gets an empty
	// target. May be empty, in which case broadcasts are dropped with
	// a warning.
	DefaultTargets []string

	// MinSendInterval is the per-destination floor between sends. Zero
	// defaults to 1.1 seconds.
	MinSendInterval time.Duration

	// Logger receives delivery diagnostics. Nil means discard.
	Logger *slog.Logger
}

// Dispatcher fans messages out to destinations with per-destination
// throttling. Safe for concurrent use.
type Dispatcher struct {
	transport Transport
	defaults  []string
	interval  time.Duration
	logger    *slog.Logger
	markdown  goldmark.Markdown

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher builds a Dispatcher from cfg.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Transport == nil {
		panic("notify: Config.Transport is required")
	}
	interval := cfg.MinSendInterval
	if interval <= 0 {
		interval = 1100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		transport: cfg.Transport,
		defaults:  cfg.DefaultTargets,
		interval:  interval,
		logger:    logger,
		markdown:  goldmark.New(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Deliver sends msg to target, or to the configured defaults when
// target is empty. Oversized bodies are split into ordered chunks, all
// passed through the target's rate limiter. Returns the first send
// error; earlier chunks may already have been delivered.
func (d *Dispatcher) Deliver(ctx context.Context, target string, msg Message) error {
	targets := []string{target}
	if target == "" {
		if len(d.defaults) == 0 {
			d.logger.Warn("broadcast with no default targets, dropping",
				"chars", len(msg.Text))
			return nil
		}
		targets = d.defaults
	}

	body, err := d.render(msg.Text)
	if err != nil {
		return err
	}

	limit := d.transport.MaxMessageSize()
	if limit <= 0 {
		limit = 4096
	}
	chunks := chunkText(body, limit)

	for _, dest := range targets {
		for i, chunk := range chunks {
			if err := d.limiter(dest).Wait(ctx); err != nil {
				return fmt.Errorf("notify: throttle wait for %s: %w", dest, err)
			}
			if err := d.transport.Send(ctx, dest, chunk); err != nil {
				return fmt.Errorf("notify: sending chunk %d/%d to %s: %w",
					i+1, len(chunks), dest, err)
			}
		}
		d.logger.Debug("delivered", "target", dest, "chunks", len(chunks), "chars", len(body))
	}
	return nil
}

// HandleAgentResponse is the bus subscriber for finished turns. Wire it
// with bus.Subscribe(bus.TypeAgentResponse, d.HandleAgentResponse).
func (d *Dispatcher) HandleAgentResponse(ctx context.Context, event bus.Event) {
	response := event.AgentResponse
	if response == nil {
		d.logger.Error("agent-response event without payload", "id", event.ID)
		return
	}
	if response.Text == "" {
		return
	}

	targets := response.Targets
	if len(targets) == 0 {
		targets = []string{""}
	}
	for _, target := range targets {
		if err := d.Deliver(ctx, target, Message{Text: response.Text}); err != nil {
			d.logger.Error("delivering agent response",
				"target", target,
				"identity", response.Identity,
				"error", err,
			)
		}
	}
}

// render converts markdown to the transport's format.
func (d *Dispatcher) render(text string) (string, error) {
	if d.transport.Format() != FormatHTML {
		return text, nil
	}
	var buf bytes.Buffer
	if err := d.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("notify: rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// limiter returns the rate limiter for dest, creating it on first use.
// Limiters are never removed; the destination set is small and stable.
func (d *Dispatcher) limiter(dest string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[dest]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[dest] = limiter
	}
	return limiter
}

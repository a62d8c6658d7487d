// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the in-process event pipeline connecting trigger
// sources (operator messages, webhooks, the scheduler) to the agent
// handler and the notification dispatcher.
//
// Events flow through a single buffered queue. The dispatch loop hands
// each event to its subscribers on a dedicated goroutine, so a handler
// is free to publish follow-up events without wedging the queue, and
// slow turns for separate conversations proceed in parallel. The bus
// does not order events against each other; serializing turns within
// one conversation is the session lease's job. A panicking handler is
// recovered and logged and never starves other subscribers.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liaison-dev/liaison/lib/clock"
)

// Type tags an Event with its payload kind.
type Type string

const (
	// TypeUserMessage is a natural-language turn request from an
	// operator.
	TypeUserMessage Type = "user-message"

	// TypeWebhookReceived is a verified, deduplicated external
	// delivery.
	TypeWebhookReceived Type = "webhook-received"

	// TypeScheduledFired is a cron job firing.
	TypeScheduledFired Type = "scheduled-fired"

	// TypeAgentResponse is the outcome of an agent turn, consumed by
	// the notification dispatcher.
	TypeAgentResponse Type = "agent-response"
)

// Event is the single envelope: a Type tag plus exactly one non-nil
// payload pointer matching it.
type Event struct {
	// ID uniquely identifies the event. Publish fills it when empty.
	ID string

	// Type selects which payload field is set.
	Type Type

	// Time is when the event was published. Publish fills it when
	// zero.
	Time time.Time

	UserMessage   *UserMessageEvent
	Webhook       *WebhookEvent
	Scheduled     *ScheduledEvent
	AgentResponse *AgentResponseEvent
}

// UserMessageEvent is an operator asking for a turn.
type UserMessageEvent struct {
	Identity  string
	Workspace string
	Text      string

	// ReplyTo is the destination for the response and progress
	// updates.
	ReplyTo string
}

// WebhookEvent is a normalized external delivery.
type WebhookEvent struct {
	Provider   string
	DeliveryID string

	// Kind is the provider's event name, e.g. "issues" or "push".
	Kind string

	// Payload is the decoded request body, when it was JSON.
	Payload map[string]any

	Identity  string
	Workspace string
	Targets   []string
}

// ScheduledEvent is a cron job firing.
type ScheduledEvent struct {
	JobName   string
	Prompt    string
	Identity  string
	Workspace string
	Skill     string
	Targets   []string
}

// AgentResponseEvent is a finished turn's outcome.
type AgentResponseEvent struct {
	Identity  string
	Workspace string

	// Text is the agent's final response, or a short failure notice.
	Text string

	// Outcome is the turn outcome label ("success", "timeout", ...).
	Outcome string

	CostUSD float64

	// Targets are the delivery destinations. Empty means the notify
	// defaults.
	Targets []string
}

// Handler consumes one event. The ctx is the dispatch loop's context.
type Handler func(ctx context.Context, event Event)

// Config configures a Bus.
type Config struct {
	// QueueSize is the publish buffer. Zero defaults to 256.
	QueueSize int

	// Logger receives dispatch diagnostics. Nil means discard.
	Logger *slog.Logger

	// Clock stamps events. Nil means the real clock.
	Clock clock.Clock
}

// Bus routes events to subscribers. Create with New, register
// subscribers, then call Run.
type Bus struct {
	queue  chan Event
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	handlers map[Type][]Handler

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Bus from cfg.
func New(cfg Config) *Bus {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Bus{
		queue:    make(chan Event, queueSize),
		logger:   logger,
		clock:    clk,
		handlers: make(map[Type][]Handler),
		done:     make(chan struct{}),
	}
}

// Subscribe registers a handler for one event type. Safe to call
// while the bus is running; the new handler sees events dispatched
// after registration.
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish enqueues an event, stamping ID and Time if unset. It blocks
// while the queue is full and fails if ctx is cancelled or the bus has
// stopped.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("bus: event has no type")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = b.clock.Now()
	}

	select {
	case <-b.done:
		return fmt.Errorf("bus: stopped")
	default:
	}

	select {
	case b.queue <- event:
		return nil
	case <-b.done:
		return fmt.Errorf("bus: stopped")
	case <-ctx.Done():
		return fmt.Errorf("bus: publish %s: %w", event.Type, ctx.Err())
	}
}

// Run dispatches events until ctx is cancelled, then waits for
// in-flight handlers before returning. Each event's handlers run on
// their own goroutine; within one event they run sequentially in
// subscription order.
func (b *Bus) Run(ctx context.Context) {
	var inflight sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			b.closeOnce.Do(func() { close(b.done) })
			inflight.Wait()
			return
		case event := <-b.queue:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				b.dispatch(ctx, event)
			}()
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("event with no subscribers", "type", event.Type, "id", event.ID)
		return
	}

	for _, handler := range handlers {
		b.invoke(ctx, handler, event)
	}
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"type", event.Type,
				"id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(ctx, event)
}

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler connects the event bus to the agent runner. It
// subscribes to the three trigger types (operator messages, webhook
// deliveries, scheduled fires), serializes turns per session key,
// persists the turn record and tool audit, charges the cost ledger,
// and publishes the outcome back onto the bus for delivery.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/liaison-dev/liaison/lib/agent"
	"github.com/liaison-dev/liaison/lib/bus"
	"github.com/liaison-dev/liaison/lib/clock"
	"github.com/liaison-dev/liaison/lib/session"
	"github.com/liaison-dev/liaison/lib/store"
)

// TurnRunner executes one agent turn. *agent.Runner implements it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// Publisher is the bus surface the handler publishes responses to.
// *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Config configures a Handler.
type Config struct {
	// Runner executes turns. Required.
	Runner TurnRunner

	// Sessions mediates per-key leases and continuation tokens.
	// Required.
	Sessions *session.Manager

	// Store persists turn records, tool audits, and the cost ledger.
	// Required.
	Store *store.Store

	// Bus receives agent-response events. Required.
	Bus Publisher

	// Clock stamps records. Nil means the real clock.
	Clock clock.Clock

	// Logger receives turn diagnostics. Nil means discard.
	Logger *slog.Logger

	// DefaultWorkspace is used when a trigger names no workspace.
	DefaultWorkspace string

	// StreamProgress forwards tool activity notices to the requesting
	// chat while a turn runs. Applies to operator messages only.
	StreamProgress bool
}

// Handler routes trigger events into agent turns.
type Handler struct {
	runner           TurnRunner
	sessions         *session.Manager
	store            *store.Store
	bus              Publisher
	clock            clock.Clock
	logger           *slog.Logger
	defaultWorkspace string
	streamProgress   bool
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	if cfg.Runner == nil {
		panic("handler: Config.Runner is required")
	}
	if cfg.Sessions == nil {
		panic("handler: Config.Sessions is required")
	}
	if cfg.Store == nil {
		panic("handler: Config.Store is required")
	}
	if cfg.Bus == nil {
		panic("handler: Config.Bus is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		runner:           cfg.Runner,
		sessions:         cfg.Sessions,
		store:            cfg.Store,
		bus:              cfg.Bus,
		clock:            clk,
		logger:           logger,
		defaultWorkspace: cfg.DefaultWorkspace,
		streamProgress:   cfg.StreamProgress,
	}
}

// Register subscribes the handler to its trigger types.
func (h *Handler) Register(b *bus.Bus) {
	b.Subscribe(bus.TypeUserMessage, h.HandleUserMessage)
	b.Subscribe(bus.TypeWebhookReceived, h.HandleWebhook)
	b.Subscribe(bus.TypeScheduledFired, h.HandleScheduled)
}

// turn is one trigger resolved into runner inputs.
type turn struct {
	key     session.Key
	prompt  string
	source  string
	targets []string

	// interactive marks operator-originated turns: they get a busy
	// reply instead of a silent drop, and optional progress streaming.
	interactive bool
}

// HandleUserMessage runs a turn for an operator message.
func (h *Handler) HandleUserMessage(ctx context.Context, event bus.Event) {
	msg := event.UserMessage
	if msg == nil {
		h.logger.Error("user-message event without payload", "id", event.ID)
		return
	}
	h.execute(ctx, turn{
		key:         h.key(msg.Identity, msg.Workspace),
		prompt:      msg.Text,
		source:      "message",
		targets:     []string{msg.ReplyTo},
		interactive: true,
	})
}

// HandleWebhook runs a turn for a verified webhook delivery.
func (h *Handler) HandleWebhook(ctx context.Context, event bus.Event) {
	hook := event.Webhook
	if hook == nil {
		h.logger.Error("webhook event without payload", "id", event.ID)
		return
	}
	h.execute(ctx, turn{
		key:     h.key(hook.Identity, hook.Workspace),
		prompt:  webhookPrompt(hook),
		source:  "webhook:" + hook.Provider,
		targets: hook.Targets,
	})
}

// HandleScheduled runs a turn for a cron fire.
func (h *Handler) HandleScheduled(ctx context.Context, event bus.Event) {
	job := event.Scheduled
	if job == nil {
		h.logger.Error("scheduled event without payload", "id", event.ID)
		return
	}
	prompt := job.Prompt
	if job.Skill != "" {
		prompt = fmt.Sprintf("Apply the %q skill.\n\n%s", job.Skill, prompt)
	}
	h.execute(ctx, turn{
		key:     h.key(job.Identity, job.Workspace),
		prompt:  prompt,
		source:  "schedule:" + job.JobName,
		targets: job.Targets,
	})
}

func (h *Handler) key(identity, workspace string) session.Key {
	if workspace == "" {
		workspace = h.defaultWorkspace
	}
	return session.Key{Identity: identity, Workspace: workspace}
}

// execute runs one turn end to end under the key's lease.
func (h *Handler) execute(ctx context.Context, t turn) {
	lease, err := h.sessions.Acquire(ctx, t.key)
	if errors.Is(err, session.ErrSessionBusy) {
		if t.interactive {
			h.publishResponse(ctx, t, bus.AgentResponseEvent{
				Text:    "A turn is already running for this conversation. Try again in a moment.",
				Outcome: "busy",
			})
		} else {
			h.logger.Warn("session busy, dropping trigger",
				"identity", t.key.Identity, "workspace", t.key.Workspace, "source", t.source)
		}
		return
	}
	if err != nil {
		h.logger.Error("acquiring session lease",
			"identity", t.key.Identity, "source", t.source, "error", err)
		return
	}
	defer lease.Release()

	// An explicit end-session cancels the running turn through the
	// lease.
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	lease.SetCancel(cancelTurn)

	current, err := h.sessions.GetOrCreate(ctx, t.key)
	if err != nil {
		h.logger.Error("loading session",
			"identity", t.key.Identity, "workspace", t.key.Workspace, "error", err)
		return
	}

	var progress func(agent.Event)
	if t.interactive && h.streamProgress {
		progress = h.progressStreamer(ctx, t)
	}

	started := h.clock.Now()
	result, err := h.runner.RunTurn(turnCtx, agent.TurnRequest{
		Identity:     t.key.Identity,
		Workspace:    t.key.Workspace,
		Prompt:       t.prompt,
		Continuation: current.Continuation,
		Source:       t.source,
		Progress:     progress,
	})

	// A resume rejected by the agent process usually means the stored
	// token went stale. Drop the session and retry the turn once from
	// scratch.
	var failure *agent.TurnFailure
	if errors.As(err, &failure) && failure.Kind == agent.OutcomeError &&
		current.Continuation != "" && turnCtx.Err() == nil {
		h.logger.Warn("resume failed, retrying with a fresh session",
			"identity", t.key.Identity, "workspace", t.key.Workspace, "error", err)
		// Detach the lease cancel so clearing our own stale session
		// does not cancel the retry, then re-arm it.
		lease.SetCancel(nil)
		if clearErr := h.sessions.Clear(ctx, t.key); clearErr != nil {
			h.logger.Error("clearing stale session", "identity", t.key.Identity, "error", clearErr)
		} else {
			turnCtx, cancelTurn = context.WithCancel(ctx)
			defer cancelTurn()
			lease.SetCancel(cancelTurn)
			current = session.Session{}
			result, err = h.runner.RunTurn(turnCtx, agent.TurnRequest{
				Identity:  t.key.Identity,
				Workspace: t.key.Workspace,
				Prompt:    t.prompt,
				Source:    t.source,
				Progress:  progress,
			})
		}
	}

	// Cancelled through the lease, not by daemon shutdown.
	cleared := turnCtx.Err() != nil && ctx.Err() == nil
	outcome := h.finishTurn(ctx, t, lease, current, started, result, err, cleared)
	h.publishResponse(ctx, t, outcome)
}

// finishTurn commits session state on success, records the turn and
// its tool audit, and charges the ledger with the actual cost. When
// cleared is set the session was explicitly ended mid-turn: nothing is
// committed, so the clear sticks.
func (h *Handler) finishTurn(
	ctx context.Context,
	t turn,
	lease *session.Lease,
	current session.Session,
	started time.Time,
	result *agent.TurnResult,
	runErr error,
	cleared bool,
) bus.AgentResponseEvent {
	record := result
	response := bus.AgentResponseEvent{
		Identity:  t.key.Identity,
		Workspace: t.key.Workspace,
	}

	if runErr == nil && !cleared {
		response.Text = result.Response
		response.Outcome = string(agent.OutcomeSuccess)
		response.CostUSD = result.CostUSD

		if result.Continuation == "" {
			h.logger.Warn("turn succeeded without a continuation token, next turn starts fresh",
				"identity", t.key.Identity, "workspace", t.key.Workspace)
		}

		updated := current
		updated.Continuation = result.Continuation
		updated.TurnCount = current.TurnCount + 1
		updated.MessageCount = current.MessageCount + 1
		updated.TotalCostUSD = current.TotalCostUSD + result.CostUSD
		if err := h.sessions.Commit(ctx, lease, updated); err != nil {
			h.logger.Error("committing session",
				"identity", t.key.Identity, "workspace", t.key.Workspace, "error", err)
		}
	} else if cleared {
		response.Outcome = "cancelled"
		response.Text = "The turn was stopped because the session was ended."
		if runErr != nil {
			var failure *agent.TurnFailure
			if errors.As(runErr, &failure) {
				record = failure.Partial
			} else {
				record = nil
			}
		}
		if record != nil {
			response.CostUSD = record.CostUSD
		}
		h.logger.Info("turn cancelled by session clear",
			"identity", t.key.Identity, "workspace", t.key.Workspace, "source", t.source)
	} else {
		var failure *agent.TurnFailure
		if errors.As(runErr, &failure) {
			record = failure.Partial
			response.Outcome = string(failure.Kind)
			response.Text = failureNotice(failure)
			if record != nil {
				response.CostUSD = record.CostUSD
			}
		} else {
			response.Outcome = string(agent.OutcomeError)
			response.Text = "The agent could not start. Check the daemon log."
			h.logger.Error("running turn",
				"identity", t.key.Identity, "source", t.source, "error", runErr)
		}
	}

	if record != nil {
		turnID, err := h.store.InsertTurn(ctx, store.TurnRow{
			Identity:      t.key.Identity,
			Workspace:     t.key.Workspace,
			Source:        t.source,
			Prompt:        t.prompt,
			Outcome:       response.Outcome,
			ResponseChars: len(record.Response),
			CostUSD:       record.CostUSD,
			Duration:      record.Duration,
			Continuation:  record.Continuation,
			StartedAt:     started,
		})
		if err != nil {
			h.logger.Error("recording turn", "identity", t.key.Identity, "error", err)
		} else {
			for _, call := range record.ToolCalls {
				if err := h.store.InsertToolInvocation(ctx, store.ToolInvocation{
					TurnID:     turnID,
					Tool:       call.Tool,
					Decision:   call.Decision,
					Rule:       call.Rule,
					Arguments:  call.Arguments,
					RecordedAt: h.clock.Now(),
				}); err != nil {
					h.logger.Error("recording tool invocation",
						"turn", turnID, "tool", call.Tool, "error", err)
				}
			}
		}

		if record.CostUSD > 0 {
			day := store.Day(started)
			if err := h.store.ChargeCost(ctx, t.key.Identity, day, record.CostUSD); err != nil {
				h.logger.Error("charging cost ledger",
					"identity", t.key.Identity, "day", day, "error", err)
			}
		}
	}

	return response
}

// progressStreamer publishes short tool activity notices to the
// requesting chat while the turn runs.
func (h *Handler) progressStreamer(ctx context.Context, t turn) func(agent.Event) {
	return func(event agent.Event) {
		if event.Type != agent.EventTypeToolCall || event.ToolCall == nil {
			return
		}
		notice := bus.AgentResponseEvent{
			Identity:  t.key.Identity,
			Workspace: t.key.Workspace,
			Text:      fmt.Sprintf("_running %s..._", event.ToolCall.Name),
			Outcome:   "progress",
			Targets:   t.targets,
		}
		if err := h.bus.Publish(ctx, bus.Event{Type: bus.TypeAgentResponse, AgentResponse: &notice}); err != nil {
			h.logger.Warn("publishing progress notice", "error", err)
		}
	}
}

func (h *Handler) publishResponse(ctx context.Context, t turn, response bus.AgentResponseEvent) {
	response.Identity = t.key.Identity
	response.Workspace = t.key.Workspace
	response.Targets = t.targets
	if response.Text == "" {
		return
	}
	err := h.bus.Publish(ctx, bus.Event{
		Type:          bus.TypeAgentResponse,
		AgentResponse: &response,
	})
	if err != nil {
		h.logger.Error("publishing agent response",
			"identity", t.key.Identity, "outcome", response.Outcome, "error", err)
	}
}

// failureNotice renders a turn failure as a short user-facing message.
// Partial output is appended when the turn produced any.
func failureNotice(failure *agent.TurnFailure) string {
	var notice string
	switch failure.Kind {
	case agent.OutcomeTimeout:
		notice = "The turn hit its time limit and was stopped."
	case agent.OutcomeCostExceeded:
		notice = "The daily cost ceiling was reached, the turn was stopped."
	default:
		notice = "The turn failed with a process error."
	}
	if failure.Partial != nil && strings.TrimSpace(failure.Partial.Response) != "" {
		notice += "\n\nPartial output:\n\n" + failure.Partial.Response
	}
	return notice
}

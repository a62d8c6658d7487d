// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/liaison-dev/liaison/lib/authz"
	"github.com/liaison-dev/liaison/lib/clock"
	"github.com/liaison-dev/liaison/lib/store"
)

// Outcome classifies how a turn ended.
type Outcome string

const (
	// OutcomeSuccess means the process completed the turn and reported
	// a final result.
	OutcomeSuccess Outcome = "success"

	// OutcomeTimeout means the turn hit its wall-clock limit and was
	// interrupted.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeCostExceeded means the identity's daily cost ceiling was
	// reached, either before the turn started or mid-stream.
	OutcomeCostExceeded Outcome = "cost-exceeded"

	// OutcomeError means the process exited abnormally or its stream
	// could not be parsed.
	OutcomeError Outcome = "error"
)

// TurnFailure is the error returned for every non-success outcome.
// Partial carries whatever the turn produced before it ended; its
// Continuation is empty so callers never commit a token from a failed
// turn.
type TurnFailure struct {
	Kind    Outcome
	Partial *TurnResult
	Err     error
}

func (f *TurnFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("agent: turn failed (%s): %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("agent: turn failed (%s)", f.Kind)
}

func (f *TurnFailure) Unwrap() error { return f.Err }

// TurnRequest describes one turn to execute.
type TurnRequest struct {
	// Identity is the chat/operator identity the turn is billed to.
	Identity string

	// Workspace is the absolute directory the agent works in. It is
	// also the boundary for the authorization gate's path checks.
	Workspace string

	// Prompt is the natural-language instruction.
	Prompt string

	// Continuation resumes a prior conversation when non-empty.
	Continuation string

	// Source names what produced the prompt: "message",
	// "webhook:<provider>", or "schedule:<job>".
	Source string

	// Progress, when non-nil, receives every stream event as it
	// arrives. Called from the runner's goroutine; must not block for
	// long.
	Progress func(Event)
}

// ToolCallRecord is the gate's verdict on one proposed tool call,
// kept for the audit trail.
type ToolCallRecord struct {
	Tool      string
	Decision  string
	Rule      string
	Arguments map[string]any
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Outcome Outcome

	// Response is the concatenated non-reasoning text output.
	Response string

	// Continuation is the token that resumes this conversation. Set
	// only for success outcomes.
	Continuation string

	// CostUSD is the cost the process reported for this turn.
	CostUSD float64

	TurnCount int64
	Duration  time.Duration

	// ToolCalls holds the gate decision for every proposed tool call,
	// in stream order.
	ToolCalls []ToolCallRecord

	// TranscriptPath is the turn's transcript file, empty when
	// transcripts are disabled.
	TranscriptPath string
}

// CostLedger is the read side of the daily spend ledger. *store.Store
// implements it.
type CostLedger interface {
	SpentOn(ctx context.Context, identity, day string) (float64, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Driver spawns and speaks to the agent CLI. Required.
	Driver Driver

	// Gate authorizes tool calls. Required.
	Gate *authz.Gate

	// Ledger resolves the identity's spend for cost ceiling checks.
	// Nil disables the pre-start ceiling check.
	Ledger CostLedger

	// Clock drives timeouts. Nil means the real clock.
	Clock clock.Clock

	// Logger receives turn lifecycle records. Nil means discard.
	Logger *slog.Logger

	// MaxConcurrentTurns bounds simultaneously running subprocesses.
	// Values below 1 are treated as 1.
	MaxConcurrentTurns int

	// TurnTimeout is the wall-clock limit per turn. Zero disables the
	// limit.
	TurnTimeout time.Duration

	// DailyCostCeilingUSD caps an identity's spend per UTC day. Zero
	// disables the ceiling.
	DailyCostCeilingUSD float64

	// TranscriptDir, when non-empty, receives one JSONL transcript per
	// turn.
	TranscriptDir string

	// CompressTranscripts writes ".jsonl.zst" transcripts.
	CompressTranscripts bool
}

// killGrace is how long an interrupted process gets to exit before
// SIGKILL.
const killGrace = 5 * time.Second

// Runner executes agent turns with bounded concurrency. Safe for
// concurrent use.
type Runner struct {
	driver   Driver
	gate     *authz.Gate
	ledger   CostLedger
	clock    clock.Clock
	logger   *slog.Logger
	slots    chan struct{}
	timeout  time.Duration
	ceiling  float64
	dir      string
	compress bool
}

// NewRunner builds a Runner. Driver and Gate are required.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Driver == nil {
		panic("agent: RunnerConfig.Driver is required")
	}
	if cfg.Gate == nil {
		panic("agent: RunnerConfig.Gate is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	slots := cfg.MaxConcurrentTurns
	if slots < 1 {
		slots = 1
	}
	return &Runner{
		driver:   cfg.Driver,
		gate:     cfg.Gate,
		ledger:   cfg.Ledger,
		clock:    clk,
		logger:   logger,
		slots:    make(chan struct{}, slots),
		timeout:  cfg.TurnTimeout,
		ceiling:  cfg.DailyCostCeilingUSD,
		dir:      cfg.TranscriptDir,
		compress: cfg.CompressTranscripts,
	}
}

// RunTurn executes one turn. It blocks while all concurrency slots are
// taken. On success it returns the result; every other outcome returns
// a *TurnFailure whose Partial carries what the turn produced.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("agent: waiting for turn slot: %w", ctx.Err())
	}
	defer func() { <-r.slots }()

	started := r.clock.Now()

	// Resolve the remaining budget before spawning anything. A turn
	// that cannot afford to run is rejected without process cost.
	remaining := 0.0
	if r.ceiling > 0 && r.ledger != nil {
		spent, err := r.ledger.SpentOn(ctx, req.Identity, store.Day(started))
		if err != nil {
			return nil, fmt.Errorf("agent: resolving spend for %q: %w", req.Identity, err)
		}
		remaining = r.ceiling - spent
		if remaining <= 0 {
			r.logger.Warn("turn rejected, daily cost ceiling reached",
				"identity", req.Identity, "spent_usd", spent, "ceiling_usd", r.ceiling)
			return nil, &TurnFailure{
				Kind:    OutcomeCostExceeded,
				Partial: &TurnResult{Outcome: OutcomeCostExceeded},
			}
		}
	}

	var transcript *TranscriptWriter
	var transcriptPath string
	if r.dir != "" {
		transcriptPath = r.transcriptPath(req.Identity, started)
		var err error
		transcript, err = NewTranscriptWriter(transcriptPath, started)
		if err != nil {
			return nil, err
		}
		defer transcript.Close()
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	r.logger.Info("starting turn",
		"identity", req.Identity, "workspace", req.Workspace,
		"source", req.Source, "resume", req.Continuation != "")
	process, stdout, err := r.driver.Start(turnCtx, TurnConfig{
		Prompt:       req.Prompt,
		Continuation: req.Continuation,
		Workspace:    req.Workspace,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: starting process: %w", err)
	}
	defer stdout.Close()

	r.writeEvent(transcript, req.Progress, Event{
		Timestamp: started,
		Type:      EventTypePrompt,
		Prompt:    &PromptEvent{Content: req.Prompt, Source: req.Source},
	})

	// Watchdog: on timeout or external cancel, interrupt the process,
	// then SIGKILL after a grace period if it has not exited.
	var timeoutFired <-chan time.Time
	if r.timeout > 0 {
		timeoutFired = r.clock.After(r.timeout)
	}
	watchdogStop := make(chan struct{})
	watchdogTimedOut := make(chan struct{}, 1)
	go func() {
		select {
		case <-watchdogStop:
			return
		case <-timeoutFired:
			watchdogTimedOut <- struct{}{}
			r.logger.Warn("turn timeout, interrupting agent",
				"identity", req.Identity, "timeout", r.timeout)
		case <-turnCtx.Done():
			r.logger.Info("turn cancelled, interrupting agent", "identity", req.Identity)
		}
		if err := r.driver.Interrupt(process); err != nil {
			r.logger.Warn("interrupting agent", "error", err)
		}
		select {
		case <-watchdogStop:
		case <-r.clock.After(killGrace):
			r.logger.Warn("agent did not exit after interrupt, killing", "identity", req.Identity)
			process.Signal(syscall.SIGKILL)
		}
	}()

	events := make(chan Event, 64)
	parseErr := make(chan error, 1)
	go func() {
		parseErr <- r.driver.ParseStream(turnCtx, stdout, events)
		close(events)
	}()

	// Drain the stream: gate tool calls, collect text, track the final
	// result, cancel gracefully when the running cost exceeds the
	// remaining budget.
	var response strings.Builder
	var records []ToolCallRecord
	var final *ResultEvent
	var streamErr string
	costExceeded := false
	for event := range events {
		if event.Type == EventTypeToolCall && event.ToolCall != nil {
			verdict := r.gate.Check(authz.Request{
				Tool:      event.ToolCall.Name,
				Arguments: event.ToolCall.Arguments,
				Workspace: req.Workspace,
			})
			records = append(records, ToolCallRecord{
				Tool:      event.ToolCall.Name,
				Decision:  verdict.Decision.String(),
				Rule:      verdict.Rule,
				Arguments: event.ToolCall.Arguments,
			})
			if verdict.Decision == authz.Deny {
				if transcript != nil {
					transcript.RecordDenial()
				}
				if err := r.driver.DenyTool(process, event.ToolCall, verdict.Reason); err != nil {
					r.logger.Warn("injecting tool denial", "tool", event.ToolCall.Name, "error", err)
				}
			}
		}

		r.writeEvent(transcript, req.Progress, event)

		switch event.Type {
		case EventTypeText:
			if event.Text != nil && !event.Text.Reasoning {
				response.WriteString(event.Text.Content)
			}
		case EventTypeResult:
			if event.Result != nil {
				final = event.Result
				if !costExceeded && r.ceiling > 0 && r.ledger != nil && final.CostUSD > remaining {
					costExceeded = true
					r.logger.Warn("turn cost exceeded remaining budget, interrupting",
						"identity", req.Identity,
						"cost_usd", final.CostUSD, "remaining_usd", remaining)
					if err := r.driver.Interrupt(process); err != nil {
						r.logger.Warn("interrupting agent", "error", err)
					}
				}
			}
		case EventTypeError:
			if event.Error != nil {
				streamErr = event.Error.Message
			}
		}
	}

	processErr := process.Wait()
	close(watchdogStop)

	timedOut := false
	select {
	case <-watchdogTimedOut:
		timedOut = true
	default:
	}

	result := &TurnResult{
		Response:       response.String(),
		Duration:       r.clock.Now().Sub(started),
		ToolCalls:      records,
		TranscriptPath: transcriptPath,
	}
	if final != nil {
		result.CostUSD = final.CostUSD
		result.TurnCount = final.TurnCount
	}

	fail := func(kind Outcome, err error) (*TurnResult, error) {
		result.Outcome = kind
		r.logger.Warn("turn failed",
			"identity", req.Identity, "outcome", kind,
			"duration", result.Duration, "error", err)
		return nil, &TurnFailure{Kind: kind, Partial: result, Err: err}
	}

	switch {
	case costExceeded:
		return fail(OutcomeCostExceeded, nil)
	case timedOut:
		return fail(OutcomeTimeout, nil)
	case processErr != nil:
		return fail(OutcomeError, processErr)
	}
	if err := <-parseErr; err != nil && turnCtx.Err() == nil {
		return fail(OutcomeError, err)
	}
	if final == nil || final.Status == "error" {
		err := fmt.Errorf("agent: stream ended without a result")
		if streamErr != "" {
			err = fmt.Errorf("agent: %s", streamErr)
		}
		return fail(OutcomeError, err)
	}

	result.Outcome = OutcomeSuccess
	result.Continuation = final.Continuation
	r.logger.Info("turn complete",
		"identity", req.Identity, "duration", result.Duration,
		"cost_usd", result.CostUSD, "tool_calls", len(records))
	return result, nil
}

// transcriptPath builds a unique per-turn transcript file name.
func (r *Runner) transcriptPath(identity string, started time.Time) string {
	name := fmt.Sprintf("%s-%d.jsonl", sanitizeName(identity), started.UnixMilli())
	if r.compress {
		name += ".zst"
	}
	return filepath.Join(r.dir, name)
}

// sanitizeName maps an identity to a filesystem-safe name.
func sanitizeName(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		}
		return '-'
	}, identity)
}

func (r *Runner) writeEvent(transcript *TranscriptWriter, progress func(Event), event Event) {
	if transcript != nil {
		if err := transcript.Write(event); err != nil {
			r.logger.Warn("writing transcript event", "error", err)
		}
	}
	if progress != nil {
		progress(event)
	}
}

var _ CostLedger = (*store.Store)(nil)

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package codex implements the agent.Driver for the Codex CLI. Turns
// run as `codex exec --json` subprocesses; conversations resume with
// `codex exec resume <thread-id>`.
package codex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/liaison-dev/liaison/lib/agent"
)

// Config configures the Codex CLI driver.
type Config struct {
	// Binary is the explicit path to the codex binary. Empty falls
	// back to $CODEX_CLI_PATH, then "codex" on $PATH.
	Binary string

	// SandboxMode is passed as --sandbox for fresh conversations, e.g.
	// "workspace-write". `codex exec resume` rejects the flag, so it
	// is never sent on resume. Empty omits the flag.
	SandboxMode string

	// Model is passed as --model when non-empty.
	Model string

	// ExtraArgs are appended before the prompt. Sandbox flags are
	// stripped from them on resume.
	ExtraArgs []string

	// InputUSDPerMTok and OutputUSDPerMTok, when set, convert streamed
	// token usage to a running USD cost. The Codex stream itself does
	// not report spend.
	InputUSDPerMTok  float64
	OutputUSDPerMTok float64

	// Logger receives driver diagnostics. Nil means discard.
	Logger *slog.Logger
}

// Driver spawns and parses Codex CLI processes. Safe for concurrent
// use; per-stream parse state lives in ParseStream.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Driver.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{cfg: cfg, logger: logger}
}

// process wraps an exec.Cmd to implement agent.Process.
type process struct {
	command *exec.Cmd
	stdin   io.WriteCloser
}

func (p *process) Wait() error      { return p.command.Wait() }
func (p *process) Stdin() io.Writer { return p.stdin }

func (p *process) Signal(sig os.Signal) error {
	if p.command.Process == nil {
		return fmt.Errorf("codex: process not started")
	}
	return p.command.Process.Signal(sig)
}

// Start spawns a codex exec process for one turn.
func (d *Driver) Start(ctx context.Context, cfg agent.TurnConfig) (agent.Process, io.ReadCloser, error) {
	arguments := d.buildArgs(cfg)
	binary := d.binaryPath()

	command := exec.CommandContext(ctx, binary, arguments...)
	command.Dir = cfg.Workspace
	command.Stderr = os.Stderr
	command.Env = append(os.Environ(), cfg.ExtraEnv...)

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("codex: creating stdin pipe: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("codex: creating stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("codex: starting %q: %w", binary, err)
	}

	d.logger.Debug("codex process started",
		"binary", binary, "resume", cfg.Continuation != "", "workspace", cfg.Workspace)
	return &process{command: command, stdin: stdin}, stdout, nil
}

// Interrupt sends SIGINT; codex finishes the in-flight tool call and
// exits.
func (d *Driver) Interrupt(p agent.Process) error {
	return p.Signal(syscall.SIGINT)
}

// DenyTool reports a rejected tool call to the process as a failed
// tool outcome, so the agent can adapt instead of aborting the turn.
func (d *Driver) DenyTool(p agent.Process, call *agent.ToolCallEvent, reason string) error {
	if reason == "" {
		reason = "rejected by policy"
	}
	_, err := fmt.Fprintf(p.Stdin(), "Tool %s failed: %s\n", call.Name, reason)
	if err != nil {
		return fmt.Errorf("codex: injecting tool denial: %w", err)
	}
	return nil
}

// binaryPath resolves the codex binary: explicit config, then
// $CODEX_CLI_PATH, then $PATH.
func (d *Driver) binaryPath() string {
	if d.cfg.Binary != "" {
		return d.cfg.Binary
	}
	if path := os.Getenv("CODEX_CLI_PATH"); path != "" {
		return path
	}
	return "codex"
}

// continuePrompt substitutes for an empty prompt on resume. Codex
// needs a non-empty prompt for reliable non-interactive runs.
const continuePrompt = "Please continue where we left off."

// buildArgs assembles the codex exec argument list. On resume, options
// must precede the thread ID, and sandbox flags are rejected by the
// CLI and therefore stripped.
func (d *Driver) buildArgs(cfg agent.TurnConfig) []string {
	resume := cfg.Continuation != ""

	arguments := []string{"exec"}
	if resume {
		arguments = append(arguments, "resume")
	}
	arguments = append(arguments, "--json", "--skip-git-repo-check")

	if !resume {
		sandbox := cfg.SandboxMode
		if sandbox == "" {
			sandbox = d.cfg.SandboxMode
		}
		if sandbox != "" {
			arguments = append(arguments, "--sandbox", sandbox)
		}
	}
	if d.cfg.Model != "" {
		arguments = append(arguments, "--model", d.cfg.Model)
	}

	extra := d.cfg.ExtraArgs
	if resume {
		extra = stripSandboxArgs(extra)
	}
	arguments = append(arguments, extra...)

	if resume {
		arguments = append(arguments, cfg.Continuation)
	}

	prompt := cfg.Prompt
	if resume && strings.TrimSpace(prompt) == "" {
		prompt = continuePrompt
	}
	return append(arguments, prompt)
}

// stripSandboxArgs removes --sandbox (and its value) from an argument
// list.
func stripSandboxArgs(arguments []string) []string {
	out := make([]string, 0, len(arguments))
	skipNext := false
	for _, argument := range arguments {
		if skipNext {
			skipNext = false
			continue
		}
		if argument == "--sandbox" {
			skipNext = true
			continue
		}
		if strings.HasPrefix(argument, "--sandbox=") {
			continue
		}
		out = append(out, argument)
	}
	return out
}

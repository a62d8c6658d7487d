// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs coding-agent subprocess turns: a Driver
// abstraction over the agent CLI, a typed event stream parsed from its
// output, and a Runner that enforces concurrency, timeout, and cost
// limits while writing a session transcript.
package agent

import (
	"context"
	"io"
	"os"
)

// Process is a handle to a running agent subprocess.
type Process interface {
	// Wait blocks until the process exits and returns its exit error.
	Wait() error

	// Stdin returns a writer connected to the process's stdin.
	Stdin() io.Writer

	// Signal sends a signal to the process.
	Signal(os.Signal) error
}

// TurnConfig is the per-turn configuration handed to a Driver.
type TurnConfig struct {
	// Prompt is the natural-language instruction for this turn.
	Prompt string

	// Continuation resumes a prior conversation when non-empty. Empty
	// starts a fresh conversation.
	Continuation string

	// Workspace is the absolute directory the process runs in.
	Workspace string

	// SandboxMode selects the agent CLI's sandbox policy, e.g.
	// "workspace-write". Empty uses the CLI's default.
	SandboxMode string

	// ExtraEnv is appended to the process environment.
	ExtraEnv []string
}

// Driver abstracts a specific agent CLI: how to spawn it, how to parse
// its output stream, and how to talk back to it.
type Driver interface {
	// Start spawns the agent process and returns its stdout for
	// ParseStream.
	Start(ctx context.Context, cfg TurnConfig) (Process, io.ReadCloser, error)

	// ParseStream reads the process's output and emits structured
	// events. It returns when the stream ends; the caller closes the
	// events channel afterward.
	ParseStream(ctx context.Context, stdout io.Reader, events chan<- Event) error

	// Interrupt asks the process to stop gracefully, finishing any
	// in-flight tool call.
	Interrupt(process Process) error

	// DenyTool tells the process that a proposed tool call was
	// rejected, phrased as a tool failure so the agent can adapt and
	// continue the turn.
	DenyTool(process Process, call *ToolCallEvent, reason string) error
}

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of structured event emitted by a
// driver while a turn is running.
type EventType string

const (
	// EventTypePrompt records the prompt that started the turn.
	EventTypePrompt EventType = "prompt"

	// EventTypeText is a fragment of agent output: response text or,
	// when Reasoning is set, thinking that should not be surfaced as
	// the final answer.
	EventTypeText EventType = "text"

	// EventTypeToolCall is the agent proposing a tool invocation.
	EventTypeToolCall EventType = "tool-call"

	// EventTypeToolResult is the outcome of a completed tool
	// invocation.
	EventTypeToolResult EventType = "tool-result"

	// EventTypeResult carries the turn's final accounting: the
	// continuation token, cost, token counts, and status.
	EventTypeResult EventType = "result"

	// EventTypeError is a fatal or non-fatal error reported by the
	// agent process.
	EventTypeError EventType = "error"

	// EventTypeRaw preserves stream lines the driver could not map to
	// a structured event.
	EventTypeRaw EventType = "raw"
)

// Event is a single structured event from the agent's output stream.
// Exactly one payload pointer matching Type is non-nil.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	Prompt     *PromptEvent     `json:"prompt,omitempty"`
	Text       *TextEvent       `json:"text,omitempty"`
	ToolCall   *ToolCallEvent   `json:"tool_call,omitempty"`
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`
	Result     *ResultEvent     `json:"result,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
	Raw        *RawEvent        `json:"raw,omitempty"`
}

// PromptEvent records the prompt injected at turn start.
type PromptEvent struct {
	Content string `json:"content"`

	// Source names what produced the prompt: "message",
	// "webhook:<provider>", or "schedule:<job>".
	Source string `json:"source"`
}

// TextEvent is a fragment of agent text output.
type TextEvent struct {
	Content string `json:"content"`

	// Reasoning marks thinking output. Reasoning fragments are logged
	// but excluded from the turn's response text.
	Reasoning bool `json:"reasoning,omitempty"`
}

// ToolCallEvent is a proposed tool invocation. Arguments are decoded
// from the driver's native argument encoding so the authorization gate
// can inspect them.
type ToolCallEvent struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResultEvent is the outcome of a tool invocation.
type ToolResultEvent struct {
	ID      string `json:"id"`
	IsError bool   `json:"is_error,omitempty"`
	Output  string `json:"output,omitempty"`
}

// ResultEvent is the turn's final accounting as reported by the agent
// process.
type ResultEvent struct {
	// Continuation is the opaque token that resumes this conversation
	// in a later turn. Empty when the process reported none.
	Continuation string `json:"continuation,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	CachedTokens int64 `json:"cached_tokens,omitempty"`

	// CostUSD is the cumulative cost of the turn so far. Drivers that
	// stream intermediate results report a running total.
	CostUSD float64 `json:"cost_usd,omitempty"`

	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	TurnCount       int64   `json:"turn_count,omitempty"`

	// Status is the process's own verdict, e.g. "completed" or
	// "error".
	Status string `json:"status,omitempty"`
}

// ErrorEvent is an error reported in the agent's stream.
type ErrorEvent struct {
	Message string `json:"message"`
}

// RawEvent preserves an unrecognized stream line verbatim.
type RawEvent struct {
	Line json.RawMessage `json:"line"`
}

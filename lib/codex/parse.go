// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/liaison-dev/liaison/lib/agent"
)

// streamLine is the envelope of one `codex exec --json` output line.
// Codex has shipped several stream dialects; the envelope covers the
// fields of all of them and parseLine picks what applies.
type streamLine struct {
	Type      string         `json:"type"`
	ThreadID  string         `json:"thread_id"`
	SessionID string         `json:"session_id"`
	Delta     string         `json:"delta"`
	Item      *streamItem    `json:"item"`
	Usage     *streamUsage   `json:"usage"`
	Error     *streamError   `json:"error"`
	Message   string         `json:"message"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input"`
}

type streamItem struct {
	ID               string         `json:"id"`
	ItemType         string         `json:"item_type"`
	Text             string         `json:"text"`
	Command          string         `json:"command"`
	AggregatedOutput string         `json:"aggregated_output"`
	ExitCode         *int64         `json:"exit_code"`
	Name             string         `json:"name"`
	Arguments        map[string]any `json:"arguments"`
}

type streamUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

type streamError struct {
	Message string `json:"message"`
}

// parser holds per-stream state: the thread ID that becomes the
// continuation token, the turn counter, and the running cost total.
type parser struct {
	driver   *Driver
	threadID string
	turns    int64
	costUSD  float64
}

// ParseStream reads codex JSONL output line by line and emits
// structured events until the stream ends.
func (d *Driver) ParseStream(ctx context.Context, stdout io.Reader, events chan<- agent.Event) error {
	p := &parser{driver: d}
	scanner := bufio.NewScanner(stdout)
	// Command output items can carry large aggregated output.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if event, ok := p.parseLine(line); ok {
			events <- event
		}
	}
	return scanner.Err()
}

// parseLine maps one stream line to at most one event. Lines that only
// update parser state (thread IDs, turn starts) emit nothing.
func (p *parser) parseLine(line []byte) (agent.Event, bool) {
	now := time.Now()

	var parsed streamLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return rawEvent(now, line), true
	}

	if id := firstNonEmpty(parsed.ThreadID, parsed.SessionID); id != "" {
		p.threadID = id
	}

	switch {
	case parsed.Type == "thread.started" || parsed.Type == "session_configured":
		return agent.Event{}, false

	case parsed.Type == "turn.started":
		p.turns++
		return agent.Event{}, false

	case parsed.Type == "turn.completed":
		return p.resultEvent(now, parsed.Usage), true

	case isErrorType(parsed.Type):
		return agent.Event{
			Timestamp: now,
			Type:      agent.EventTypeError,
			Error:     &agent.ErrorEvent{Message: errorText(parsed)},
		}, true

	case strings.Contains(parsed.Type, "delta") && parsed.Delta != "":
		return agent.Event{
			Timestamp: now,
			Type:      agent.EventTypeText,
			Text:      &agent.TextEvent{Content: parsed.Delta},
		}, true

	case parsed.Item != nil:
		return p.itemEvent(now, parsed.Type, parsed.Item, line)

	case parsed.ToolName != "":
		// Generic top-level tool call shape.
		return agent.Event{
			Timestamp: now,
			Type:      agent.EventTypeToolCall,
			ToolCall: &agent.ToolCallEvent{
				Name:      CanonicalTool(parsed.ToolName),
				Arguments: parsed.Input,
			},
		}, true
	}

	return rawEvent(now, line), true
}

// itemEvent maps item.started/item.completed lines. Command executions
// surface as a tool call when they start (so they can be gated before
// output accumulates) and as a tool result when they complete.
func (p *parser) itemEvent(now time.Time, lineType string, item *streamItem, line []byte) (agent.Event, bool) {
	completed := lineType == "item.completed"

	switch item.ItemType {
	case "assistant_message", "agent_message":
		if !completed {
			return agent.Event{}, false
		}
		return agent.Event{
			Timestamp: now,
			Type:      agent.EventTypeText,
			Text:      &agent.TextEvent{Content: item.Text},
		}, true

	case "reasoning":
		if !completed {
			return agent.Event{}, false
		}
		return agent.Event{
			Timestamp: now,
			Type:      agent.EventTypeText,
			Text:      &agent.TextEvent{Content: item.Text, Reasoning: true},
		}, true

	case "command_execution":
		if completed {
			return agent.Event{
				Timestamp: now,
				Type:      agent.EventTypeToolResult,
				ToolResult: &agent.ToolResultEvent{
					ID:      item.ID,
					IsError: item.ExitCode != nil && *item.ExitCode != 0,
					Output:  item.AggregatedOutput,
				},
			}, true
		}
		return agent.Event{
			Timestamp: now,
			Type:      agent.EventTypeToolCall,
			ToolCall: &agent.ToolCallEvent{
				ID:        item.ID,
				Name:      "Bash",
				Arguments: map[string]any{"command": item.Command},
			},
		}, true

	case "mcp_tool_call", "tool_call":
		if completed {
			return agent.Event{}, false
		}
		return agent.Event{
			Timestamp: now,
			Type:      agent.EventTypeToolCall,
			ToolCall: &agent.ToolCallEvent{
				ID:        item.ID,
				Name:      CanonicalTool(item.Name),
				Arguments: item.Arguments,
			},
		}, true
	}

	return rawEvent(now, line), true
}

// resultEvent builds the turn accounting event from a turn.completed
// line. CostUSD is a running total across the stream; tokens are
// per-result increments.
func (p *parser) resultEvent(now time.Time, usage *streamUsage) agent.Event {
	result := &agent.ResultEvent{
		Continuation: p.threadID,
		TurnCount:    p.turns,
		Status:       "completed",
	}
	if usage != nil {
		result.InputTokens = usage.InputTokens
		result.OutputTokens = usage.OutputTokens
		result.CachedTokens = usage.CachedInputTokens
		p.costUSD += float64(usage.InputTokens)*p.driver.cfg.InputUSDPerMTok/1e6 +
			float64(usage.OutputTokens)*p.driver.cfg.OutputUSDPerMTok/1e6
	}
	result.CostUSD = p.costUSD
	return agent.Event{Timestamp: now, Type: agent.EventTypeResult, Result: result}
}

func rawEvent(now time.Time, line []byte) agent.Event {
	return agent.Event{
		Timestamp: now,
		Type:      agent.EventTypeRaw,
		Raw:       &agent.RawEvent{Line: json.RawMessage(append([]byte(nil), line...))},
	}
}

func isErrorType(lineType string) bool {
	switch lineType {
	case "error", "turn.failed", "response.failed", "session.failed":
		return true
	}
	return false
}

// errorText composes a message from whichever error fields the line
// carries.
func errorText(parsed streamLine) string {
	if parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	return parsed.Type
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// toolAliases maps the tool spellings seen across Codex stream
// dialects to the canonical names the authorization gate is configured
// with.
var toolAliases = map[string]string{
	"read":          "Read",
	"read_file":     "Read",
	"write":         "Write",
	"write_file":    "Write",
	"edit":          "Edit",
	"edit_file":     "Edit",
	"multi_edit":    "MultiEdit",
	"multiedit":     "MultiEdit",
	"bash":          "Bash",
	"shell":         "Bash",
	"glob":          "Glob",
	"grep":          "Grep",
	"ls":            "LS",
	"task":          "Task",
	"web_fetch":     "WebFetch",
	"webfetch":      "WebFetch",
	"web_search":    "WebSearch",
	"websearch":     "WebSearch",
	"todo_read":     "TodoRead",
	"todo_write":    "TodoWrite",
	"notebook_read": "NotebookRead",
	"notebook_edit": "NotebookEdit",
}

// CanonicalTool maps a stream tool name to its canonical form. Unknown
// names pass through unchanged so deny lists can still match them.
func CanonicalTool(name string) string {
	if canonical, ok := toolAliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

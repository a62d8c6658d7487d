// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// TranscriptWriter writes turn events as JSONL (one JSON object per
// line) to a transcript file. A path ending in ".zst" produces a
// zstd-compressed stream. Safe for concurrent use.
type TranscriptWriter struct {
	file       *os.File
	compressor *zstd.Encoder
	encoder    *json.Encoder
	mutex      sync.Mutex
	closed     bool

	// Aggregated summary counters, protected by mutex.
	startTime     time.Time
	eventCount    int64
	toolCallCount int64
	denialCount   int64
	errorCount    int64
	inputTokens   int64
	outputTokens  int64
	cachedTokens  int64
	costUSD       float64
	turnCount     int64
}

// NewTranscriptWriter creates (or truncates) a transcript file at the
// given path.
func NewTranscriptWriter(path string, startTime time.Time) (*TranscriptWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("agent: creating transcript %q: %w", path, err)
	}

	writer := &TranscriptWriter{
		file:      file,
		startTime: startTime,
	}

	var sink io.Writer = file
	if strings.HasSuffix(path, ".zst") {
		compressor, err := zstd.NewWriter(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("agent: creating transcript compressor: %w", err)
		}
		writer.compressor = compressor
		sink = compressor
	}

	writer.encoder = json.NewEncoder(sink)
	writer.encoder.SetEscapeHTML(false)
	return writer, nil
}

// Write appends one event and updates the summary counters.
func (writer *TranscriptWriter) Write(event Event) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()

	if writer.closed {
		return fmt.Errorf("agent: transcript is closed")
	}
	if err := writer.encoder.Encode(event); err != nil {
		return fmt.Errorf("agent: encoding transcript event: %w", err)
	}

	// Flush so events survive a crash. Turn streams are low-throughput,
	// tens of events per second at most.
	if writer.compressor != nil {
		if err := writer.compressor.Flush(); err != nil {
			return fmt.Errorf("agent: flushing transcript: %w", err)
		}
	} else if err := writer.file.Sync(); err != nil {
		return fmt.Errorf("agent: syncing transcript: %w", err)
	}

	writer.eventCount++
	switch event.Type {
	case EventTypeToolCall:
		writer.toolCallCount++
	case EventTypeError:
		writer.errorCount++
	case EventTypeResult:
		if event.Result != nil {
			writer.inputTokens += event.Result.InputTokens
			writer.outputTokens += event.Result.OutputTokens
			writer.cachedTokens += event.Result.CachedTokens
			writer.costUSD = event.Result.CostUSD
			writer.turnCount += event.Result.TurnCount
		}
	}
	return nil
}

// RecordDenial bumps the denied tool call counter. Denials are already
// counted as tool calls by Write; this tracks how many of them the
// gate rejected.
func (writer *TranscriptWriter) RecordDenial() {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	writer.denialCount++
}

// Close finishes the compressed stream (if any) and closes the file.
// Idempotent.
func (writer *TranscriptWriter) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return nil
	}
	writer.closed = true
	if writer.compressor != nil {
		if err := writer.compressor.Close(); err != nil {
			writer.file.Close()
			return fmt.Errorf("agent: closing transcript compressor: %w", err)
		}
	}
	return writer.file.Close()
}

// TranscriptSummary aggregates the counters of a transcript.
type TranscriptSummary struct {
	EventCount    int64         `json:"event_count"`
	ToolCallCount int64         `json:"tool_call_count"`
	DenialCount   int64         `json:"denial_count"`
	ErrorCount    int64         `json:"error_count"`
	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	CachedTokens  int64         `json:"cached_tokens"`
	CostUSD       float64       `json:"cost_usd"`
	TurnCount     int64         `json:"turn_count"`
	Duration      time.Duration `json:"duration"`
}

// Summary returns the counters accumulated so far. Duration is
// measured from the writer's start time to now.
func (writer *TranscriptWriter) Summary(now time.Time) TranscriptSummary {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return TranscriptSummary{
		EventCount:    writer.eventCount,
		ToolCallCount: writer.toolCallCount,
		DenialCount:   writer.denialCount,
		ErrorCount:    writer.errorCount,
		InputTokens:   writer.inputTokens,
		OutputTokens:  writer.outputTokens,
		CachedTokens:  writer.cachedTokens,
		CostUSD:       writer.costUSD,
		TurnCount:     writer.turnCount,
		Duration:      now.Sub(writer.startTime),
	}
}

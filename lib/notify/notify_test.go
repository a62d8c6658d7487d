// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/liaison-dev/liaison/lib/bus"
)

type fakeTransport struct {
	format  Format
	maxSize int
	sendErr error

	sent []sentMessage
}

type sentMessage struct {
	target string
	body   string
}

func (t *fakeTransport) Send(ctx context.Context, target, body string) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, sentMessage{target: target, body: body})
	return nil
}

func (t *fakeTransport) Format() Format { return t.format }

func (t *fakeTransport) MaxMessageSize() int { return t.maxSize }

func newTestDispatcher(transport *fakeTransport, adjust func(*Config)) *Dispatcher {
	cfg := Config{
		Transport: transport,
		// A nanosecond floor keeps tests fast while still exercising
		// the limiter path.
		MinSendInterval: time.Nanosecond,
	}
	if adjust != nil {
		adjust(&cfg)
	}
	return NewDispatcher(cfg)
}

func TestDeliverSingleMessage(t *testing.T) {
	transport := &fakeTransport{}
	d := newTestDispatcher(transport, nil)

	if err := d.Deliver(context.Background(), "chat:1", Message{Text: "hello"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(transport.sent))
	}
	if transport.sent[0].target != "chat:1" || transport.sent[0].body != "hello" {
		t.Fatalf("sent %+v", transport.sent[0])
	}
}

func TestDeliverBroadcastUsesDefaults(t *testing.T) {
	transport := &fakeTransport{}
	d := newTestDispatcher(transport, func(cfg *Config) {
		cfg.DefaultTargets = []string{"chat:1", "chat:2"}
	})

	if err := d.Deliver(context.Background(), "", Message{Text: "ping"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(transport.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(transport.sent))
	}
	if transport.sent[0].target != "chat:1" || transport.sent[1].target != "chat:2" {
		t.Fatalf("targets = %q, %q", transport.sent[0].target, transport.sent[1].target)
	}
}

func TestDeliverBroadcastWithoutDefaultsDrops(t *testing.T) {
	transport := &fakeTransport{}
	d := newTestDispatcher(transport, nil)

	if err := d.Deliver(context.Background(), "", Message{Text: "ping"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("sent %d messages, want 0", len(transport.sent))
	}
}

func TestDeliverChunksInOrder(t *testing.T) {
	transport := &fakeTransport{maxSize: 10}
	d := newTestDispatcher(transport, nil)

	text := "aaaa bbbb cccc dddd eeee"
	if err := d.Deliver(context.Background(), "chat:1", Message{Text: text}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(transport.sent) < 3 {
		t.Fatalf("sent %d chunks, want at least 3", len(transport.sent))
	}
	var rebuilt strings.Builder
	for _, msg := range transport.sent {
		if len(msg.body) > 10 {
			t.Fatalf("chunk %q exceeds the size limit", msg.body)
		}
		rebuilt.WriteString(msg.body)
	}
	if rebuilt.String() != text {
		t.Fatalf("concatenated chunks = %q, want %q", rebuilt.String(), text)
	}
}

func TestDeliverHTMLRendering(t *testing.T) {
	transport := &fakeTransport{format: FormatHTML}
	d := newTestDispatcher(transport, nil)

	if err := d.Deliver(context.Background(), "chat:1", Message{Text: "**bold** move"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(transport.sent))
	}
	if !strings.Contains(transport.sent[0].body, "<strong>bold</strong>") {
		t.Fatalf("body = %q, want rendered HTML", transport.sent[0].body)
	}
}

func TestDeliverSendErrorSurfaces(t *testing.T) {
	sendErr := errors.New("transport down")
	transport := &fakeTransport{sendErr: sendErr}
	d := newTestDispatcher(transport, nil)

	err := d.Deliver(context.Background(), "chat:1", Message{Text: "hello"})
	if !errors.Is(err, sendErr) {
		t.Fatalf("Deliver = %v, want wrapped transport error", err)
	}
}

func TestDeliverThrottleHonorsContext(t *testing.T) {
	transport := &fakeTransport{}
	d := newTestDispatcher(transport, func(cfg *Config) {
		cfg.MinSendInterval = time.Hour
	})

	// First send consumes the burst token.
	if err := d.Deliver(context.Background(), "chat:1", Message{Text: "one"}); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Deliver(ctx, "chat:1", Message{Text: "two"})
	if err == nil {
		t.Fatal("Deliver with cancelled ctx during throttle wait should fail")
	}
	if len(transport.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(transport.sent))
	}
}

func TestHandleAgentResponse(t *testing.T) {
	transport := &fakeTransport{}
	d := newTestDispatcher(transport, func(cfg *Config) {
		cfg.DefaultTargets = []string{"chat:default"}
	})

	d.HandleAgentResponse(context.Background(), bus.Event{
		Type: bus.TypeAgentResponse,
		AgentResponse: &bus.AgentResponseEvent{
			Identity: "ops",
			Text:     "done",
			Targets:  []string{"chat:9"},
		},
	})
	if len(transport.sent) != 1 || transport.sent[0].target != "chat:9" {
		t.Fatalf("sent = %+v, want one message to chat:9", transport.sent)
	}

	// No explicit targets falls back to the broadcast defaults.
	transport.sent = nil
	d.HandleAgentResponse(context.Background(), bus.Event{
		Type: bus.TypeAgentResponse,
		AgentResponse: &bus.AgentResponseEvent{
			Identity: "ops",
			Text:     "also done",
		},
	})
	if len(transport.sent) != 1 || transport.sent[0].target != "chat:default" {
		t.Fatalf("sent = %+v, want one message to chat:default", transport.sent)
	}

	// Empty text is dropped.
	transport.sent = nil
	d.HandleAgentResponse(context.Background(), bus.Event{
		Type:          bus.TypeAgentResponse,
		AgentResponse: &bus.AgentResponseEvent{Identity: "ops"},
	})
	if len(transport.sent) != 0 {
		t.Fatalf("sent = %+v, want nothing for empty text", transport.sent)
	}
}

func TestChunkTextShortTextUntouched(t *testing.T) {
	chunks := chunkText("short", 4096)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("chunks = %q", chunks)
	}
}

func TestChunkTextPrefersParagraphBreak(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	chunks := chunkText(text, 80)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n\n") {
		t.Fatalf("first chunk should end at the paragraph break, got %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 50) {
		t.Fatalf("second chunk = %q", chunks[1])
	}
}

func TestChunkTextPrefersNewlineOverSpace(t *testing.T) {
	text := "one two three\nfour five " + strings.Repeat("x", 30)
	chunks := chunkText(text, 20)
	if chunks[0] != "one two three\n" {
		t.Fatalf("first chunk = %q, want the newline split", chunks[0])
	}
}

func TestChunkTextNeverSplitsRunes(t *testing.T) {
	// 3-byte runes; a 10-byte limit cannot hold an exact number of
	// them, forcing the hard split path to back off.
	text := strings.Repeat("日", 9)
	chunks := chunkText(text, 10)

	var rebuilt strings.Builder
	for _, chunk := range chunks {
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %q is not valid UTF-8", chunk)
		}
		if len(chunk) > 10 {
			t.Fatalf("chunk is %d bytes, limit 10", len(chunk))
		}
		rebuilt.WriteString(chunk)
	}
	if rebuilt.String() != text {
		t.Fatal("concatenated chunks do not reproduce the input")
	}
}

func TestChunkTextExactReassembly(t *testing.T) {
	text := strings.Repeat("word boundary test éè ", 500)
	chunks := chunkText(text, 4096)
	var rebuilt strings.Builder
	for _, chunk := range chunks {
		if len(chunk) > 4096 {
			t.Fatalf("chunk is %d bytes, limit 4096", len(chunk))
		}
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk is not valid UTF-8")
		}
		rebuilt.WriteString(chunk)
	}
	if rebuilt.String() != text {
		t.Fatal("concatenated chunks do not reproduce the input")
	}
}

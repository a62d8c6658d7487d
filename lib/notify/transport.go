// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPTransport delivers messages as JSON POSTs to a single outbound
// endpoint. The receiving side (a chat bridge, a relay) owns the
// platform specifics; the body carries the destination so one endpoint
// serves every target.
type HTTPTransport struct {
	url     string
	format  Format
	maxSize int
	client  *http.Client
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	// URL is the outbound endpoint. Required.
	URL string

	// HTML renders message bodies to HTML before sending.
	HTML bool

	// MaxMessageSize is the chunk limit in bytes. Zero means the
	// dispatcher default.
	MaxMessageSize int

	// Timeout bounds one POST. Zero defaults to 30 seconds.
	Timeout time.Duration
}

// NewHTTPTransport builds an HTTPTransport.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.URL == "" {
		panic("notify: HTTPTransportConfig.URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	format := FormatText
	if cfg.HTML {
		format = FormatHTML
	}
	return &HTTPTransport{
		url:     cfg.URL,
		format:  format,
		maxSize: cfg.MaxMessageSize,
		client:  &http.Client{Timeout: timeout},
	}
}

// outboundMessage is the POST body.
type outboundMessage struct {
	Target string `json:"target"`
	Body   string `json:"body"`
	Format string `json:"format"`
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, target, body string) error {
	format := "text"
	if t.format == FormatHTML {
		format = "html"
	}
	payload, err := json.Marshal(outboundMessage{Target: target, Body: body, Format: format})
	if err != nil {
		return fmt.Errorf("notify: encoding outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: building outbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: posting to %s: %w", t.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: outbound endpoint returned %s", resp.Status)
	}
	return nil
}

// Format implements Transport.
func (t *HTTPTransport) Format() Format { return t.format }

// MaxMessageSize implements Transport.
func (t *HTTPTransport) MaxMessageSize() int { return t.maxSize }

// LogTransport writes deliveries to a logger. It stands in when no
// outbound endpoint is configured, so responses stay visible in the
// daemon log.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport builds a LogTransport. A nil logger discards.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogTransport{logger: logger}
}

// Send implements Transport.
func (t *LogTransport) Send(ctx context.Context, target, body string) error {
	t.logger.Info("notification", "target", target, "body", body)
	return nil
}

// Format implements Transport.
func (t *LogTransport) Format() Format { return FormatText }

// MaxMessageSize implements Transport.
func (t *LogTransport) MaxMessageSize() int { return 0 }

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportSend(t *testing.T) {
	var received outboundMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{URL: server.URL, HTML: true})
	if err := transport.Send(context.Background(), "chat:1", "<b>hi</b>"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received.Target != "chat:1" || received.Body != "<b>hi</b>" || received.Format != "html" {
		t.Fatalf("received = %+v", received)
	}
}

func TestHTTPTransportErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPTransportConfig{URL: server.URL})
	if err := transport.Send(context.Background(), "chat:1", "hi"); err == nil {
		t.Fatal("Send against a failing endpoint should error")
	}
}

func TestLogTransportNeverFails(t *testing.T) {
	transport := NewLogTransport(nil)
	if err := transport.Send(context.Background(), "chat:1", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if transport.MaxMessageSize() != 0 || transport.Format() != FormatText {
		t.Fatal("log transport should use dispatcher defaults and plain text")
	}
}

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package webhook ingests external deliveries over HTTP: it verifies
// each request against the provider's credential, deduplicates it by
// delivery ID, and publishes a normalized event on the bus.
package webhook

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/zeebo/blake3"

	"github.com/liaison-dev/liaison/lib/bus"
	"github.com/liaison-dev/liaison/lib/clock"
	"github.com/liaison-dev/liaison/lib/store"
)

// maxBodyBytes bounds webhook payload size. Forge payloads are small,
// rarely past 100KB.
const maxBodyBytes = 1 << 20

// deliveryHeaders are checked in order for a provider-supplied
// delivery ID before falling back to a body hash.
var deliveryHeaders = []string{
	"X-GitHub-Delivery",
	"X-Gitlab-Event-UUID",
	"X-Delivery-ID",
}

// kindHeaders are checked in order for the provider's event name.
var kindHeaders = []string{
	"X-GitHub-Event",
	"X-Gitlab-Event",
	"X-Event-Kind",
}

// Provider is one configured webhook source. Exactly one of Secret and
// Token is set; config validation enforces this.
type Provider struct {
	// Secret is the HMAC-SHA256 signing secret.
	Secret []byte

	// Token is the bearer token alternative to Secret.
	Token []byte

	// Identity and Workspace route the delivery to a session.
	Identity  string
	Workspace string

	// Targets are the notification destinations for the resulting
	// agent response.
	Targets []string
}

// Publisher is the bus surface the server needs. *bus.Bus implements
// it.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Config configures a Server.
type Config struct {
	// Address is the TCP listen address, e.g. ":8090". Required.
	Address string

	// Providers maps the URL path segment to its configuration.
	Providers map[string]Provider

	// Store records deliveries for dedup. Required.
	Store *store.Store

	// Bus receives normalized webhook events. Required.
	Bus Publisher

	// Clock stamps deliveries. Nil means the real clock.
	Clock clock.Clock

	// Logger receives request records. Nil means discard.
	Logger *slog.Logger

	// ShutdownTimeout is the graceful drain window. Zero defaults to
	// 10 seconds.
	ShutdownTimeout time.Duration
}

// Server serves POST /webhooks/{provider} and GET /health. Serve
// blocks until the context is cancelled and in-flight requests drain.
type Server struct {
	address         string
	providers       map[string]Provider
	store           *store.Store
	bus             Publisher
	clock           clock.Clock
	logger          *slog.Logger
	shutdownTimeout time.Duration

	// ready is closed once the listener is bound.
	ready chan struct{}
	addr  net.Addr
}

// NewServer builds a Server.
func NewServer(cfg Config) *Server {
	if cfg.Address == "" {
		panic("webhook: Config.Address is required")
	}
	if cfg.Store == nil {
		panic("webhook: Config.Store is required")
	}
	if cfg.Bus == nil {
		panic("webhook: Config.Bus is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		address:         cfg.Address,
		providers:       cfg.Providers,
		store:           cfg.Store,
		bus:             cfg.Bus,
		clock:           clk,
		logger:          logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel closed once the server is accepting
// connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the resolved listen address, valid after Ready is closed.
// With port 0 it carries the OS-assigned port.
func (s *Server) Addr() net.Addr { return s.addr }

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhooks/{provider}", s.handleDelivery)
	return mux
}

// Serve accepts HTTP connections until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("webhook: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.Handler(),

		// Slow-client protection; payloads are small.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook: shutdown: %w", err)
	}
	s.logger.Info("webhook server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok\n")
}

// handleDelivery verifies, deduplicates, and publishes one delivery.
// Verification runs on the raw body before any parsing; failures get
// a bare 401 with no detail. Duplicates are absorbed with 200 and no
// published event.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	provider, ok := s.providers[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.authenticate(provider, body, r); err != nil {
		s.logger.Warn("webhook rejected", "provider", name, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	deliveryID := firstHeader(r, deliveryHeaders)
	if deliveryID == "" {
		digest := blake3.Sum256(body)
		deliveryID = hex.EncodeToString(digest[:])
	}

	fresh, err := s.store.RecordDelivery(r.Context(), name, deliveryID, s.clock.Now())
	if err != nil {
		s.logger.Error("recording delivery", "provider", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		s.logger.Info("duplicate delivery absorbed", "provider", name, "delivery_id", deliveryID)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "duplicate\n")
		return
	}

	// Best-effort payload decode; non-JSON bodies ship with no
	// structured payload.
	var payload map[string]any
	json.Unmarshal(body, &payload)

	event := bus.Event{
		Type: bus.TypeWebhookReceived,
		Webhook: &bus.WebhookEvent{
			Provider:   name,
			DeliveryID: deliveryID,
			Kind:       firstHeader(r, kindHeaders),
			Payload:    payload,
			Identity:   provider.Identity,
			Workspace:  provider.Workspace,
			Targets:    provider.Targets,
		},
	}
	if err := s.bus.Publish(r.Context(), event); err != nil {
		s.logger.Error("publishing webhook event", "provider", name, "error", err)
		// Release the dedup record so the provider's retry is not
		// absorbed as a duplicate of an event that never shipped. The
		// request context may already be dead at this point.
		if delErr := s.store.DeleteDelivery(context.WithoutCancel(r.Context()), name, deliveryID); delErr != nil {
			s.logger.Error("releasing delivery record", "provider", name, "delivery_id", deliveryID, "error", delErr)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("webhook accepted",
		"provider", name, "delivery_id", deliveryID, "kind", event.Webhook.Kind)
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, "accepted\n")
}

func (s *Server) authenticate(provider Provider, body []byte, r *http.Request) error {
	if len(provider.Secret) > 0 {
		return verifyHMAC(provider.Secret, body, r.Header.Get("X-Hub-Signature-256"))
	}
	return verifyBearer(provider.Token, r.Header.Get("Authorization"))
}

func firstHeader(r *http.Request, names []string) string {
	for _, name := range names {
		if value := r.Header.Get(name); value != "" {
			return value
		}
	}
	return ""
}

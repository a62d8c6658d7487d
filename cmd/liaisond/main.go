// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Liaisond is the liaison daemon. It drives a coding-agent CLI through
// natural-language turns on behalf of operators and automated
// triggers: an event bus connects the webhook listener, the cron
// scheduler, and operator messages to the agent runner, and the
// notification dispatcher delivers turn outcomes back out.
//
// On startup:
//  1. Loads and validates the config file (--config or LIAISON_CONFIG).
//  2. Opens the SQLite store (sessions, turns, jobs, dedup, ledger).
//  3. Wires the bus, authorization gate, agent driver, runner, session
//     manager, handler, scheduler, webhook listener, and dispatcher.
//  4. Runs until SIGINT/SIGTERM, then drains gracefully.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/liaison-dev/liaison/lib/agent"
	"github.com/liaison-dev/liaison/lib/authz"
	"github.com/liaison-dev/liaison/lib/bus"
	"github.com/liaison-dev/liaison/lib/clock"
	"github.com/liaison-dev/liaison/lib/codex"
	"github.com/liaison-dev/liaison/lib/config"
	"github.com/liaison-dev/liaison/lib/handler"
	"github.com/liaison-dev/liaison/lib/notify"
	"github.com/liaison-dev/liaison/lib/schedule"
	"github.com/liaison-dev/liaison/lib/secret"
	"github.com/liaison-dev/liaison/lib/session"
	"github.com/liaison-dev/liaison/lib/store"
	"github.com/liaison-dev/liaison/lib/version"
	"github.com/liaison-dev/liaison/lib/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// maintenanceInterval drives the periodic session-expiry and
// dedup-pruning sweep.
const maintenanceInterval = 15 * time.Minute

// deliveryRetention is how long webhook dedup records are kept.
// Providers redeliver within hours, not weeks.
const deliveryRetention = 7 * 24 * time.Hour

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the config file (overrides LIAISON_CONFIG)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("liaisond %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting liaisond",
		"version", version.Info(), "environment", string(cfg.Environment))

	db, err := store.Open(ctx, store.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	events := bus.New(bus.Config{Logger: logger.With("component", "bus")})

	gate := authz.New(authz.Config{
		AllowedTools:      cfg.Authz.AllowedTools,
		DeniedTools:       cfg.Authz.DeniedTools,
		DisableNameChecks: cfg.Authz.DisableNameChecks,
		StrictShell:       cfg.Authz.StrictShell,
		Logger:            logger.With("component", "authz"),
	})

	driver := codex.New(codex.Config{
		Binary:           cfg.Agent.Binary,
		SandboxMode:      cfg.Agent.SandboxMode,
		Model:            cfg.Agent.Model,
		InputUSDPerMTok:  cfg.Agent.InputUSDPerMTok,
		OutputUSDPerMTok: cfg.Agent.OutputUSDPerMTok,
		Logger:           logger.With("component", "codex"),
	})

	runner := agent.NewRunner(agent.RunnerConfig{
		Driver:              driver,
		Gate:                gate,
		Ledger:              db,
		Logger:              logger.With("component", "runner"),
		MaxConcurrentTurns:  cfg.Agent.MaxConcurrentTurns,
		TurnTimeout:         cfg.Agent.TurnTimeout.Std(),
		DailyCostCeilingUSD: cfg.Agent.DailyCostCeilingUSD,
		TranscriptDir:       cfg.Agent.TranscriptDir,
		CompressTranscripts: cfg.Agent.CompressTranscripts,
	})

	sessions := session.NewManager(session.Config{
		Store:          db,
		Logger:         logger.With("component", "session"),
		AcquireTimeout: cfg.Sessions.AcquireTimeout.Std(),
		MaxPerIdentity: cfg.Sessions.MaxPerIdentity,
	})

	agentHandler := handler.New(handler.Config{
		Runner:         runner,
		Sessions:       sessions,
		Store:          db,
		Bus:            events,
		Logger:         logger.With("component", "handler"),
		StreamProgress: true,
	})
	agentHandler.Register(events)

	dispatcher := notify.NewDispatcher(notify.Config{
		Transport:       buildTransport(cfg.Notify, logger),
		DefaultTargets:  cfg.Notify.DefaultTargets,
		MinSendInterval: cfg.Notify.MinSendInterval.Std(),
		Logger:          logger.With("component", "notify"),
	})
	events.Subscribe(bus.TypeAgentResponse, dispatcher.HandleAgentResponse)

	scheduler := schedule.New(schedule.Config{
		Store:        db,
		Bus:          events,
		Logger:       logger.With("component", "schedule"),
		TickInterval: cfg.Scheduler.TickInterval.Std(),
	})

	errs := make(chan error, 2)

	go events.Run(ctx)
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			errs <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	if cfg.Webhooks.ListenAddress != "" {
		providers, cleanup, err := buildProviders(cfg.Webhooks.Providers)
		if err != nil {
			return err
		}
		defer cleanup()

		server := webhook.NewServer(webhook.Config{
			Address:   cfg.Webhooks.ListenAddress,
			Providers: providers,
			Store:     db,
			Bus:       events,
			Logger:    logger.With("component", "webhook"),
		})
		go func() {
			if err := server.Serve(ctx); err != nil {
				errs <- fmt.Errorf("webhook server: %w", err)
			}
		}()
		<-server.Ready()
		logger.Info("webhook listener ready", "address", server.Addr().String())
	}

	go maintenanceLoop(ctx, clock.Real(), sessions, db, cfg.Sessions.InactivityTTL.Std(), logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errs:
		return err
	}
}

// buildTransport picks the outbound transport: an HTTP endpoint when
// configured, the daemon log otherwise.
func buildTransport(cfg config.NotifyConfig, logger *slog.Logger) notify.Transport {
	if cfg.OutboundURL == "" {
		logger.Warn("no notify.outbound_url configured, responses go to the daemon log")
		return notify.NewLogTransport(logger.With("component", "notify"))
	}
	return notify.NewHTTPTransport(notify.HTTPTransportConfig{
		URL:            cfg.OutboundURL,
		HTML:           cfg.HTMLFormatting,
		MaxMessageSize: cfg.ChunkLimit,
	})
}

// buildProviders reads each provider's secret material into the
// webhook server's shape. The returned cleanup zeroes the secrets.
func buildProviders(configured map[string]config.ProviderConfig) (map[string]webhook.Provider, func(), error) {
	providers := make(map[string]webhook.Provider, len(configured))
	var buffers []*secret.Buffer
	cleanup := func() {
		for _, b := range buffers {
			b.Close()
		}
	}

	for name, pc := range configured {
		provider := webhook.Provider{
			Identity:  pc.Identity,
			Workspace: pc.Workspace,
			Targets:   pc.Targets,
		}
		switch {
		case pc.SecretFile != "":
			buf, err := secret.ReadFromPath(pc.SecretFile)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("reading secret for provider %s: %w", name, err)
			}
			buffers = append(buffers, buf)
			provider.Secret = buf.Bytes()
		case pc.TokenFile != "":
			buf, err := secret.ReadFromPath(pc.TokenFile)
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("reading token for provider %s: %w", name, err)
			}
			buffers = append(buffers, buf)
			provider.Token = buf.Bytes()
		}
		providers[name] = provider
	}
	return providers, cleanup, nil
}

// maintenanceLoop periodically expires idle sessions and prunes old
// webhook dedup records.
func maintenanceLoop(ctx context.Context, clk clock.Clock, sessions *session.Manager, db *store.Store, ttl time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ttl > 0 {
				if _, err := sessions.ExpireInactive(ctx, ttl); err != nil {
					logger.Error("expiring idle sessions", "error", err)
				}
			}
			cutoff := clk.Now().Add(-deliveryRetention)
			if n, err := db.PruneDeliveries(ctx, cutoff); err != nil {
				logger.Error("pruning webhook deliveries", "error", err)
			} else if n > 0 {
				logger.Info("pruned webhook dedup records", "count", n)
			}
		}
	}
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

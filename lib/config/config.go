// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the liaison daemon.
//
// Configuration is loaded from a single file specified by:
//   - LIAISON_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The file is YAML by
// default; files ending in .json or .jsonc are parsed as JSON with
// comments and trailing commas allowed.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when the environment
// matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Duration is a time.Duration that unmarshals from strings like "90s"
// or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Agent     AgentConfig     `yaml:"agent"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Store     StoreConfig     `yaml:"store"`
	Authz     AuthzConfig     `yaml:"authorization"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the subset of sections that may vary per environment.
type Overrides struct {
	Agent    *AgentConfig    `yaml:"agent,omitempty"`
	Sessions *SessionsConfig `yaml:"sessions,omitempty"`
	Store    *StoreConfig    `yaml:"store,omitempty"`
	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`
	Notify   *NotifyConfig   `yaml:"notify,omitempty"`
}

// AgentConfig configures the agent subprocess and turn execution.
type AgentConfig struct {
	// Binary is the path to the agent CLI. Empty means resolve from
	// CODEX_CLI_PATH and then PATH.
	Binary string `yaml:"binary"`

	// SandboxMode is passed to the CLI's --sandbox flag. "danger" runs
	// with approvals disabled instead.
	SandboxMode string `yaml:"sandbox_mode"`

	// Model is passed to the CLI's --model flag when set.
	Model string `yaml:"model"`

	// InputUSDPerMTok and OutputUSDPerMTok convert the CLI's token
	// usage reports to USD. Required for cost ceiling enforcement; the
	// agent stream itself reports no spend.
	InputUSDPerMTok  float64 `yaml:"input_usd_per_mtok"`
	OutputUSDPerMTok float64 `yaml:"output_usd_per_mtok"`

	// TurnTimeout bounds a single turn's wall-clock time.
	TurnTimeout Duration `yaml:"turn_timeout"`

	// MaxConcurrentTurns caps simultaneously running agent processes.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`

	// DailyCostCeilingUSD is the per-identity spend limit per UTC day.
	// Zero disables cost enforcement.
	DailyCostCeilingUSD float64 `yaml:"daily_cost_ceiling_usd"`

	// TranscriptDir, when set, stores one JSONL transcript per turn.
	// Files get a .zst suffix when CompressTranscripts is true.
	TranscriptDir       string `yaml:"transcript_dir"`
	CompressTranscripts bool   `yaml:"compress_transcripts"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	// InactivityTTL expires sessions with no activity for this long.
	InactivityTTL Duration `yaml:"inactivity_ttl"`

	// AcquireTimeout bounds how long a caller waits for a busy session
	// before giving up.
	AcquireTimeout Duration `yaml:"acquire_timeout"`

	// MaxPerIdentity caps live sessions per identity; the least
	// recently active session is cleared to make room. Zero means no
	// cap.
	MaxPerIdentity int `yaml:"max_per_identity"`
}

// StoreConfig configures the SQLite database.
type StoreConfig struct {
	// Path is the database file, created on first start if absent.
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections. Default 4.
	PoolSize int `yaml:"pool_size"`
}

// AuthzConfig configures the tool authorization gate.
type AuthzConfig struct {
	AllowedTools []string `yaml:"allowed_tools"`
	DeniedTools  []string `yaml:"denied_tools"`

	// DisableNameChecks turns off the allow/deny name layers. Path and
	// shell checks always run.
	DisableNameChecks bool `yaml:"disable_name_checks"`

	// StrictShell enables the dangerous-pattern layer for shell
	// commands.
	StrictShell bool `yaml:"strict_shell"`
}

// WebhooksConfig configures the trigger HTTP listener.
type WebhooksConfig struct {
	// ListenAddress for the webhook server, e.g. "127.0.0.1:8787".
	// Empty disables the listener.
	ListenAddress string `yaml:"listen_address"`

	// Providers maps the {provider} URL segment to its settings.
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one webhook source.
type ProviderConfig struct {
	// SecretFile holds an HMAC-SHA256 signing secret; when set the
	// provider authenticates with a signature header. "-" reads the
	// secret from stdin at startup.
	SecretFile string `yaml:"secret_file"`

	// TokenFile holds a bearer token; when set the provider
	// authenticates with an Authorization header. Exactly one of
	// SecretFile and TokenFile must be set.
	TokenFile string `yaml:"token_file"`

	// Identity and Workspace select the session the trigger drives.
	Identity  string `yaml:"identity"`
	Workspace string `yaml:"workspace"`

	// Targets receive the agent's response. Empty means the notify
	// defaults.
	Targets []string `yaml:"targets"`
}

// SchedulerConfig configures cron jobs.
type SchedulerConfig struct {
	// TickInterval is how often due jobs are checked. Default 15s.
	TickInterval Duration `yaml:"tick_interval"`
}

// NotifyConfig configures outward delivery.
type NotifyConfig struct {
	// MinSendInterval is the per-destination throttle. Default 1.1s.
	MinSendInterval Duration `yaml:"min_send_interval"`

	// ChunkLimit is the transport's maximum message length in bytes.
	// Long responses are split at the limit without cutting a UTF-8
	// sequence. Default 4096.
	ChunkLimit int `yaml:"chunk_limit"`

	// DefaultTargets receive broadcasts and responses with no explicit
	// destination.
	DefaultTargets []string `yaml:"default_targets"`

	// OutboundURL, when set, delivers messages as JSON POSTs to this
	// endpoint. Empty writes deliveries to the daemon log instead.
	OutboundURL string `yaml:"outbound_url"`

	// HTMLFormatting renders markdown responses to HTML before
	// delivery.
	HTMLFormatting bool `yaml:"html_formatting"`
}

// Default returns the base configuration merged under the loaded file.
// The file is still required; these are zero-value fillers, not a
// discovery fallback.
func Default() *Config {
	return &Config{
		Environment: Development,
		Agent: AgentConfig{
			SandboxMode:        "workspace-write",
			TurnTimeout:        Duration(5 * time.Minute),
			MaxConcurrentTurns: 2,
		},
		Sessions: SessionsConfig{
			InactivityTTL:  Duration(24 * time.Hour),
			AcquireTimeout: Duration(10 * time.Second),
			MaxPerIdentity: 8,
		},
		Store: StoreConfig{
			PoolSize: 4,
		},
		Authz: AuthzConfig{
			StrictShell: true,
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(15 * time.Second),
		},
		Notify: NotifyConfig{
			MinSendInterval: Duration(1100 * time.Millisecond),
			ChunkLimit:      4096,
		},
	}
}

// Load loads configuration from the LIAISON_CONFIG environment
// variable. Fails if it is unset; there is no discovery.
func Load() (*Config, error) {
	path := os.Getenv("LIAISON_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("LIAISON_CONFIG environment variable not set; " +
			"set it to the path of your liaison.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path. Environment variables do
// not override file values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyOverrides()
	return cfg, nil
}

// applyOverrides merges the section matching cfg.Environment over the
// base values.
func (c *Config) applyOverrides() {
	var o *Overrides
	switch c.Environment {
	case Development:
		o = c.Development
	case Staging:
		o = c.Staging
	case Production:
		o = c.Production
	}
	if o == nil {
		return
	}

	if o.Agent != nil {
		c.Agent = *o.Agent
	}
	if o.Sessions != nil {
		c.Sessions = *o.Sessions
	}
	if o.Store != nil {
		c.Store = *o.Store
	}
	if o.Webhooks != nil {
		c.Webhooks = *o.Webhooks
	}
	if o.Notify != nil {
		c.Notify = *o.Notify
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("store.pool_size must be at least 1"))
	}
	if c.Agent.TurnTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.turn_timeout must be positive"))
	}
	if c.Agent.MaxConcurrentTurns < 1 {
		errs = append(errs, fmt.Errorf("agent.max_concurrent_turns must be at least 1"))
	}
	if c.Agent.DailyCostCeilingUSD < 0 {
		errs = append(errs, fmt.Errorf("agent.daily_cost_ceiling_usd must not be negative"))
	}
	if c.Notify.ChunkLimit < 16 {
		errs = append(errs, fmt.Errorf("notify.chunk_limit must be at least 16"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval must be positive"))
	}

	for name, provider := range c.Webhooks.Providers {
		hasSecret := provider.SecretFile != ""
		hasToken := provider.TokenFile != ""
		if hasSecret == hasToken {
			errs = append(errs, fmt.Errorf("webhooks.providers.%s: exactly one of secret_file and token_file must be set", name))
		}
		if provider.Identity == "" {
			errs = append(errs, fmt.Errorf("webhooks.providers.%s: identity is required", name))
		}
		if provider.Workspace == "" || !filepath.IsAbs(provider.Workspace) {
			errs = append(errs, fmt.Errorf("webhooks.providers.%s: workspace must be an absolute path", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

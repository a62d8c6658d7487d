// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz is the tool authorization gate. Every tool call the
// agent proposes passes through Check before it is surfaced; the
// result carries the decision and the rule that produced it so callers
// can log and audit it.
//
// Evaluation order is fixed: deny list, allow list, file path
// boundary, dangerous shell patterns, shell directory boundary,
// default allow. A path outside the workspace is denied even when the
// tool is on the allow list.
package authz

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Decision is the outcome of a gate check.
type Decision int

const (
	// Deny means the tool call must not run.
	Deny Decision = iota

	// Allow means the tool call may proceed.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Result is the outcome of one check: the decision, the rule that
// matched, and a human-readable reason for deny results.
type Result struct {
	Decision Decision

	// Rule names the layer and match that decided, e.g.
	// "deny-list:Delete" or "dangerous-pattern:sudo". "default-allow"
	// means no restricting rule matched.
	Rule string

	// Reason is a short sentence suitable for surfacing to the agent.
	// Empty for allows.
	Reason string
}

// Request is one proposed tool call.
type Request struct {
	// Tool is the canonical tool name, e.g. "Read", "Bash".
	Tool string

	// Arguments are the tool call arguments as decoded from the agent's
	// event stream.
	Arguments map[string]any

	// Workspace is the absolute directory the session is rooted in.
	// File and shell operations must stay inside it.
	Workspace string
}

// Config configures a Gate.
type Config struct {
	// AllowedTools, when non-empty, is the only set of permitted tool
	// names (after the deny list).
	AllowedTools []string

	// DeniedTools are rejected outright.
	DeniedTools []string

	// DisableNameChecks skips the allow/deny name layers. Path and
	// shell layers always run.
	DisableNameChecks bool

	// StrictShell enables the dangerous-pattern layer for shell
	// commands.
	StrictShell bool

	// Logger receives one record per decision. Nil means discard.
	Logger *slog.Logger
}

// Gate evaluates tool call requests. Safe for concurrent use.
type Gate struct {
	allowed     map[string]bool
	denied      map[string]bool
	nameChecks  bool
	strictShell bool
	logger      *slog.Logger
}

// New builds a Gate from cfg.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Gate{
		allowed:     make(map[string]bool, len(cfg.AllowedTools)),
		denied:      make(map[string]bool, len(cfg.DeniedTools)),
		nameChecks:  !cfg.DisableNameChecks,
		strictShell: cfg.StrictShell,
		logger:      logger,
	}
	for _, tool := range cfg.AllowedTools {
		g.allowed[tool] = true
	}
	for _, tool := range cfg.DeniedTools {
		g.denied[tool] = true
	}
	return g
}

// argumentKeys that carry filesystem paths subject to the boundary
// check.
var pathArgumentKeys = []string{"file_path", "path", "notebook_path"}

// shellTools are tool names whose "command" argument is a shell
// command line.
var shellTools = map[string]bool{"Bash": true, "Shell": true}

// Check evaluates one request. It never returns an error: a call the
// gate cannot understand is denied with a rule naming the problem.
func (g *Gate) Check(req Request) Result {
	result := g.evaluate(req)
	g.logger.Info("tool gate decision",
		"tool", req.Tool,
		"decision", result.Decision.String(),
		"rule", result.Rule,
	)
	return result
}

func (g *Gate) evaluate(req Request) Result {
	if g.nameChecks {
		if g.denied[req.Tool] {
			return Result{
				Decision: Deny,
				Rule:     "deny-list:" + req.Tool,
				Reason:   fmt.Sprintf("tool %s is denied by policy", req.Tool),
			}
		}
		if len(g.allowed) > 0 && !g.allowed[req.Tool] {
			return Result{
				Decision: Deny,
				Rule:     "not-in-allow-list:" + req.Tool,
				Reason:   fmt.Sprintf("tool %s is not on the allow list", req.Tool),
			}
		}
	}

	for _, key := range pathArgumentKeys {
		raw, ok := req.Arguments[key]
		if !ok {
			continue
		}
		path, ok := raw.(string)
		if !ok || path == "" {
			continue
		}
		if !g.pathInWorkspace(path, req.Workspace) {
			return Result{
				Decision: Deny,
				Rule:     "path-outside-workspace:" + key,
				Reason:   fmt.Sprintf("path %q resolves outside the workspace", path),
			}
		}
	}

	if shellTools[req.Tool] {
		if command, ok := req.Arguments["command"].(string); ok && command != "" {
			if result, denied := g.checkShell(command, req.Workspace); denied {
				return result
			}
		}
	}

	return Result{Decision: Allow, Rule: "default-allow"}
}

// pathInWorkspace reports whether path resolves inside workspace.
// Relative paths are joined to the workspace. Symlinks in the existing
// portion of the path are resolved, so a link out of the workspace
// does not slip through.
func (g *Gate) pathInWorkspace(path, workspace string) bool {
	if workspace == "" {
		return false
	}
	root, err := resolveExisting(workspace)
	if err != nil {
		return false
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	resolved, err := resolveExisting(filepath.Clean(path))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolveExisting resolves symlinks over the longest existing prefix
// of path and reattaches the nonexistent remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

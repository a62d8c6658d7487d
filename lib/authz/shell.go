// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"fmt"
	"strings"
)

// dangerousPatterns are substrings that make a shell command deniable
// in strict mode. Kept blunt on purpose: shell commands that need
// pipes or redirection can be allowed by turning strict mode off for
// trusted operators.
var dangerousPatterns = []struct {
	pattern string
	name    string
}{
	{"rm -rf", "recursive-force-delete"},
	{"rm -fr", "recursive-force-delete"},
	{"chmod 777", "world-writable"},
	{">", "redirection"},
	{"|", "pipe"},
	{"&", "background-or-chain"},
	{";", "command-chain"},
	{"$(", "command-substitution"},
	{"`", "command-substitution"},
}

// dangerousWords are program names denied in strict mode wherever they
// appear as a whole word. Word matching catches a bare trailing "sudo"
// and prefixed forms like "busybox su" without tripping on commands
// that merely contain the letters.
var dangerousWords = map[string]string{
	"sudo":   "sudo",
	"su":     "privilege-escalation",
	"doas":   "privilege-escalation",
	"curl":   "network-fetch",
	"wget":   "network-fetch",
	"nc":     "raw-socket",
	"netcat": "raw-socket",
}

// fsModifyingCommands create, move, or delete filesystem entries, so
// their path arguments must stay inside the workspace. Read-only
// commands are exempt from the boundary check.
var fsModifyingCommands = map[string]bool{
	"mkdir": true, "touch": true, "cp": true, "mv": true, "rm": true,
	"rmdir": true, "ln": true, "install": true, "tee": true,
}

// findMutatingActions turn a find invocation from read-only into
// filesystem-modifying.
var findMutatingActions = map[string]bool{
	"-delete": true, "-exec": true, "-execdir": true, "-ok": true, "-okdir": true,
}

// checkShell applies the strict pattern layer and the directory
// boundary layer to a shell command. The boolean is true when the
// command is denied.
func (g *Gate) checkShell(command, workspace string) (Result, bool) {
	if g.strictShell {
		lowered := strings.ToLower(command)
		for _, p := range dangerousPatterns {
			if strings.Contains(lowered, p.pattern) {
				return Result{
					Decision: Deny,
					Rule:     "dangerous-pattern:" + p.name,
					Reason:   fmt.Sprintf("shell command contains %q", p.pattern),
				}, true
			}
		}
		for _, word := range strings.Fields(lowered) {
			if name, ok := dangerousWords[word]; ok {
				return Result{
					Decision: Deny,
					Rule:     "dangerous-pattern:" + name,
					Reason:   fmt.Sprintf("shell command invokes %q", word),
				}, true
			}
		}
	}

	tokens, err := tokenize(command)
	if err != nil {
		return Result{
			Decision: Deny,
			Rule:     "shell-parse-error",
			Reason:   fmt.Sprintf("cannot parse shell command: %v", err),
		}, true
	}
	if len(tokens) == 0 {
		return Result{}, false
	}

	head := tokens[0]
	modifying := fsModifyingCommands[head]
	if head == "find" {
		for _, token := range tokens[1:] {
			if findMutatingActions[token] {
				modifying = true
				break
			}
		}
	}
	if !modifying {
		return Result{}, false
	}

	for _, token := range tokens[1:] {
		if strings.HasPrefix(token, "-") || !looksLikePath(token) {
			continue
		}
		if !g.pathInWorkspace(token, workspace) {
			return Result{
				Decision: Deny,
				Rule:     "shell-boundary:" + head,
				Reason:   fmt.Sprintf("%s would touch %q outside the workspace", head, token),
			}, true
		}
	}
	return Result{}, false
}

// looksLikePath filters option values and bare words that cannot be
// filesystem paths worth checking. Relative names count: they resolve
// against the workspace.
func looksLikePath(token string) bool {
	return token != "" && token != "." && !strings.Contains(token, "=")
}

// tokenize splits a command line into words with POSIX-style single
// and double quote handling. Backslash escapes the next character
// outside single quotes. Unterminated quotes are an error.
func tokenize(command string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inWord := false

	const (
		plain = iota
		single
		double
	)
	state := plain
	escaped := false

	for _, r := range command {
		if escaped {
			current.WriteRune(r)
			escaped = false
			inWord = true
			continue
		}
		switch state {
		case plain:
			switch {
			case r == '\\':
				escaped = true
			case r == '\'':
				state = single
				inWord = true
			case r == '"':
				state = double
				inWord = true
			case r == ' ' || r == '\t' || r == '\n':
				if inWord {
					tokens = append(tokens, current.String())
					current.Reset()
					inWord = false
				}
			default:
				current.WriteRune(r)
				inWord = true
			}
		case single:
			if r == '\'' {
				state = plain
			} else {
				current.WriteRune(r)
			}
		case double:
			switch r {
			case '"':
				state = plain
			case '\\':
				escaped = true
			default:
				current.WriteRune(r)
			}
		}
	}
	if escaped || state != plain {
		return nil, fmt.Errorf("unterminated quote or escape")
	}
	if inWord {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/liaison-dev/liaison/lib/bus"
)

const (
	// summaryMaxDepth bounds nested-object flattening. GitHub payloads
	// nest heavily; two levels carry the useful fields.
	summaryMaxDepth = 2

	// summaryMaxLines caps the flattened field list.
	summaryMaxLines = 40

	// summaryMaxValue truncates long field values.
	summaryMaxValue = 200
)

// webhookPrompt renders a webhook delivery as a natural-language turn
// prompt: a one-line header naming the provider and event kind,
// followed by a flattened summary of the payload's scalar fields.
func webhookPrompt(hook *bus.WebhookEvent) string {
	var b strings.Builder
	if hook.Kind != "" {
		fmt.Fprintf(&b, "A %q event arrived from the %s webhook.", hook.Kind, hook.Provider)
	} else {
		fmt.Fprintf(&b, "An event arrived from the %s webhook.", hook.Provider)
	}

	lines := flattenPayload(hook.Payload)
	if len(lines) > 0 {
		b.WriteString("\n\nPayload:\n")
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nReview the event and take any action it calls for.")
	return b.String()
}

// flattenPayload walks a decoded JSON object into sorted "path: value"
// lines, depth- and size-capped. Arrays report their length only;
// their elements rarely matter for a summary and can be huge.
func flattenPayload(payload map[string]any) []string {
	if len(payload) == 0 {
		return nil
	}
	var lines []string
	flattenInto(&lines, "", payload, 0)
	sort.Strings(lines)
	if len(lines) > summaryMaxLines {
		kept := lines[:summaryMaxLines]
		kept = append(kept, fmt.Sprintf("(%d more fields omitted)", len(lines)-summaryMaxLines))
		return kept
	}
	return lines
}

func flattenInto(lines *[]string, prefix string, value map[string]any, depth int) {
	for key, field := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch typed := field.(type) {
		case map[string]any:
			if depth+1 < summaryMaxDepth {
				flattenInto(lines, path, typed, depth+1)
			} else {
				*lines = append(*lines, fmt.Sprintf("%s: {%d fields}", path, len(typed)))
			}
		case []any:
			*lines = append(*lines, fmt.Sprintf("%s: [%d items]", path, len(typed)))
		case string:
			*lines = append(*lines, fmt.Sprintf("%s: %s", path, truncateValue(typed)))
		case nil:
			*lines = append(*lines, path+": null")
		default:
			*lines = append(*lines, fmt.Sprintf("%s: %v", path, typed))
		}
	}
}

func truncateValue(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= summaryMaxValue {
		return s
	}
	cut := summaryMaxValue
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

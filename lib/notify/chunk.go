// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import "strings"

// chunkText splits text into pieces of at most limit bytes, each a
// valid UTF-8 string. Split points prefer a paragraph break, then a
// newline, then a space; only when none falls in range does the text
// split at the largest rune boundary that fits. Concatenating the
// chunks in order reproduces the input exactly.
func chunkText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := splitPoint(text, limit)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// splitPoint picks where to cut the next chunk, in (0, limit].
func splitPoint(text string, limit int) int {
	window := text[:limit]

	// A break separator is kept with the leading chunk so the trailing
	// chunk does not start with blank lines.
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return i + 1
	}

	// Hard split. Back off any continuation bytes so the cut lands on
	// a rune boundary.
	cut := limit
	for cut > 0 && !utf8StartByte(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// utf8StartByte reports whether b begins a UTF-8 encoded rune.
func utf8StartByte(b byte) bool { return b&0xC0 != 0x80 }

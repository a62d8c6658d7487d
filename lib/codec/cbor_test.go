// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	payload := map[string]any{
		"prompt":    "summarize open tickets",
		"workspace": "/srv/projects/api",
		"targets":   []int64{100, 200},
	}
	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := Marshal(payload)
		if err != nil {
			t.Fatalf("Marshal (repeat %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestRoundTripStruct(t *testing.T) {
	type jobPayload struct {
		Prompt    string  `cbor:"prompt"`
		Workspace string  `cbor:"workspace"`
		Skill     string  `cbor:"skill,omitempty"`
		Budget    float64 `cbor:"budget"`
	}
	in := jobPayload{Prompt: "nightly report", Workspace: "/srv/projects/api", Budget: 2.5}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out jobPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: got %+v, want %+v", out, in)
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": int64(1)}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var v any
	if err := Unmarshal(data, &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", v)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type %T, want map[string]any", outer["outer"])
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"prompt": "p", "added_later": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out struct {
		Prompt string `cbor:"prompt"`
	}
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Prompt != "p" {
		t.Fatalf("Prompt = %q", out.Prompt)
	}
}

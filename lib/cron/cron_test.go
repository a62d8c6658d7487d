// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package cron

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expression string) Schedule {
	t.Helper()
	schedule, err := Parse(expression)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expression, err)
	}
	return schedule
}

func nextOf(t *testing.T, expression string, from time.Time) time.Time {
	t.Helper()
	next, err := mustParse(t, expression).Next(from)
	if err != nil {
		t.Fatalf("Next(%q, %v): %v", expression, from, err)
	}
	return next
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"@fortnightly",
		"* * * janx *",
	}
	for _, expression := range cases {
		if _, err := Parse(expression); err == nil {
			t.Errorf("Parse(%q): expected error", expression)
		}
	}
}

func TestNextBasic(t *testing.T) {
	from := time.Date(2026, 3, 10, 14, 25, 30, 0, time.UTC)

	cases := []struct {
		expression string
		want       time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 10, 14, 26, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)},
		{"30 14 * * *", time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)},
		{"0 9 * * *", time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 29 2 *", time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := nextOf(t, tc.expression, from); !got.Equal(tc.want) {
			t.Errorf("Next(%q) = %v, want %v", tc.expression, got, tc.want)
		}
	}
}

func TestNextIsStrictlyAfter(t *testing.T) {
	// From a time that matches exactly, Next returns the following
	// occurrence, not the same minute.
	from := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	got := nextOf(t, "0 9 * * *", from)
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNames(t *testing.T) {
	// 2026-03-10 is a Tuesday.
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	got := nextOf(t, "0 12 * * fri", from)
	want := time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("friday: got %v, want %v", got, want)
	}

	got = nextOf(t, "0 0 1 dec *", from)
	want = time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("december: got %v, want %v", got, want)
	}

	got = nextOf(t, "0 8 * * mon-fri", from)
	want = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("weekday range: got %v, want %v", got, want)
	}
}

func TestSundayAsSeven(t *testing.T) {
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	viaZero := nextOf(t, "0 0 * * 0", from)
	viaSeven := nextOf(t, "0 0 * * 7", from)
	if !viaZero.Equal(viaSeven) {
		t.Fatalf("dow 0 gives %v, dow 7 gives %v", viaZero, viaSeven)
	}
	if viaZero.Weekday() != time.Sunday {
		t.Fatalf("weekday = %v", viaZero.Weekday())
	}
}

func TestAliases(t *testing.T) {
	from := time.Date(2026, 3, 10, 14, 25, 0, 0, time.UTC)

	cases := []struct {
		alias      string
		equivalent string
	}{
		{"@hourly", "0 * * * *"},
		{"@daily", "0 0 * * *"},
		{"@midnight", "0 0 * * *"},
		{"@weekly", "0 0 * * 0"},
		{"@monthly", "0 0 1 * *"},
		{"@yearly", "0 0 1 1 *"},
		{"@annually", "0 0 1 1 *"},
	}
	for _, tc := range cases {
		if got, want := nextOf(t, tc.alias, from), nextOf(t, tc.equivalent, from); !got.Equal(want) {
			t.Errorf("%s: got %v, want %v (as %q)", tc.alias, got, want, tc.equivalent)
		}
	}
}

func TestDayFieldsBothRestrictedIsUnion(t *testing.T) {
	// Fire on the 15th or on Mondays. From Tue 2026-03-10 the 15th (a
	// Sunday) comes first, then Monday the 16th.
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	got := nextOf(t, "0 0 15 * mon", from)
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("first fire: got %v, want %v", got, want)
	}

	got = nextOf(t, "0 0 15 * mon", got)
	want = time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("second fire: got %v, want %v", got, want)
	}
}

func TestDayOfWeekAloneRestricted(t *testing.T) {
	// Only dow restricted: the dom wildcard must not widen this to
	// every day.
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	got := nextOf(t, "0 0 * * sat", from)
	want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestImpossibleScheduleErrors(t *testing.T) {
	schedule := mustParse(t, "0 0 31 2 *")
	if _, err := schedule.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); err == nil {
		t.Fatal("expected error for Feb 31")
	}
}

func TestNextNormalizesToUTC(t *testing.T) {
	zone := time.FixedZone("plus5", 5*3600)
	from := time.Date(2026, 3, 10, 14, 25, 0, 0, zone)
	got := nextOf(t, "* * * * *", from)
	if got.Location() != time.UTC {
		t.Fatalf("location = %v", got.Location())
	}
	want := time.Date(2026, 3, 10, 9, 26, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

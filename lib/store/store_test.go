// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestMigrationsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liaison.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s.CreateSession(ctx, "ops", "/srv/api", t0); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(ctx, Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s.Close()

	row, found, err := s.GetSession(ctx, "ops", "/srv/api")
	if err != nil || !found {
		t.Fatalf("GetSession after reopen: found=%v err=%v", found, err)
	}
	if row.Status != SessionActive {
		t.Errorf("Status = %q", row.Status)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetSession(ctx, "ops", "/srv/api")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if found {
		t.Fatal("found session before create")
	}

	row, err := s.CreateSession(ctx, "ops", "/srv/api", t0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if row.ID == 0 || row.Status != SessionActive || !row.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected row %+v", row)
	}

	row.Continuation = "thread-abc"
	row.TurnCount = 1
	row.MessageCount = 2
	row.TotalCostUSD = 0.35
	row.LastActiveAt = t0.Add(time.Minute)
	if err := s.SaveSession(ctx, row); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, found, err := s.GetSession(ctx, "ops", "/srv/api")
	if err != nil || !found {
		t.Fatalf("GetSession: found=%v err=%v", found, err)
	}
	if got.Continuation != "thread-abc" || got.TurnCount != 1 || got.TotalCostUSD != 0.35 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := s.ClearSession(ctx, "ops", "/srv/api", t0.Add(time.Hour)); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	got, _, err = s.GetSession(ctx, "ops", "/srv/api")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != SessionCleared || got.Continuation != "" || got.TurnCount != 0 {
		t.Fatalf("clear did not reset: %+v", got)
	}

	// Recreate over the cleared row resets everything.
	row, err = s.CreateSession(ctx, "ops", "/srv/api", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if row.Status != SessionActive || row.Continuation != "" {
		t.Fatalf("recreate state: %+v", row)
	}
}

func TestSaveSessionUnknownID(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveSession(context.Background(), SessionRow{ID: 9999, LastActiveAt: t0})
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestExpireSessionsIdleSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale, _ := s.CreateSession(ctx, "ops", "/srv/old", t0)
	stale.LastActiveAt = t0
	if err := s.SaveSession(ctx, stale); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	fresh, _ := s.CreateSession(ctx, "ops", "/srv/new", t0)
	fresh.LastActiveAt = t0.Add(2 * time.Hour)
	if err := s.SaveSession(ctx, fresh); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	count, err := s.ExpireSessionsIdleSince(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpireSessionsIdleSince: %v", err)
	}
	if count != 1 {
		t.Fatalf("expired %d, want 1", count)
	}

	got, _, _ := s.GetSession(ctx, "ops", "/srv/old")
	if got.Status != SessionExpired {
		t.Errorf("stale status = %q", got.Status)
	}
	got, _, _ = s.GetSession(ctx, "ops", "/srv/new")
	if got.Status != SessionActive {
		t.Errorf("fresh status = %q", got.Status)
	}
}

func TestOldestActiveSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, workspace := range []string{"/srv/a", "/srv/b", "/srv/c"} {
		row, _ := s.CreateSession(ctx, "ops", workspace, t0)
		row.LastActiveAt = t0.Add(time.Duration(i) * time.Minute)
		if err := s.SaveSession(ctx, row); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	if n, err := s.CountActiveSessions(ctx, "ops"); err != nil || n != 3 {
		t.Fatalf("CountActiveSessions = %d, %v", n, err)
	}

	oldest, found, err := s.OldestActiveSession(ctx, "ops")
	if err != nil || !found {
		t.Fatalf("OldestActiveSession: found=%v err=%v", found, err)
	}
	if oldest.Workspace != "/srv/a" {
		t.Fatalf("oldest = %q", oldest.Workspace)
	}
}

func TestTurnAndToolAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	turnID, err := s.InsertTurn(ctx, TurnRow{
		Identity:      "ops",
		Workspace:     "/srv/api",
		Source:        "webhook:github",
		Prompt:        "triage the new issue",
		Outcome:       "success",
		ResponseChars: 512,
		CostUSD:       0.12,
		Duration:      42 * time.Second,
		Continuation:  "thread-abc",
		StartedAt:     t0,
	})
	if err != nil {
		t.Fatalf("InsertTurn: %v", err)
	}

	err = s.InsertToolInvocation(ctx, ToolInvocation{
		TurnID:     turnID,
		Tool:       "Bash",
		Decision:   "deny",
		Rule:       "dangerous-pattern:sudo",
		Arguments:  map[string]any{"command": "sudo rm -rf /"},
		RecordedAt: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("InsertToolInvocation: %v", err)
	}

	invocations, err := s.ToolInvocationsForTurn(ctx, turnID)
	if err != nil {
		t.Fatalf("ToolInvocationsForTurn: %v", err)
	}
	if len(invocations) != 1 {
		t.Fatalf("got %d invocations", len(invocations))
	}
	inv := invocations[0]
	if inv.Tool != "Bash" || inv.Decision != "deny" || inv.Rule != "dangerous-pattern:sudo" {
		t.Fatalf("invocation %+v", inv)
	}
	if inv.Arguments["command"] != "sudo rm -rf /" {
		t.Fatalf("arguments %+v", inv.Arguments)
	}

	turns, err := s.RecentTurns(ctx, "ops", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 1 || turns[0].Duration != 42*time.Second || turns[0].CostUSD != 0.12 {
		t.Fatalf("turns %+v", turns)
	}
}

func TestJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := JobPayload{
		Prompt:    "post the nightly summary",
		Identity:  "scheduler",
		Workspace: "/srv/api",
		Targets:   []string{"chat:100"},
	}
	id, err := s.AddJob(ctx, JobRow{
		Name:       "nightly-summary",
		Expression: "0 6 * * *",
		Payload:    payload,
		CreatedBy:  "ops",
		Enabled:    true,
		NextFireAt: t0.Add(time.Hour),
		CreatedAt:  t0,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	// Duplicate names are rejected by the unique constraint.
	if _, err := s.AddJob(ctx, JobRow{Name: "nightly-summary", Expression: "* * * * *", CreatedAt: t0, NextFireAt: t0}); err == nil {
		t.Fatal("expected duplicate name error")
	}

	jobs, err := s.ListJobs(ctx, true)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Payload.Prompt != payload.Prompt || jobs[0].Payload.Targets[0] != "chat:100" {
		t.Fatalf("jobs %+v", jobs)
	}

	if err := s.SetJobNextFire(ctx, id, t0.Add(25*time.Hour)); err != nil {
		t.Fatalf("SetJobNextFire: %v", err)
	}
	job, found, err := s.GetJob(ctx, "nightly-summary")
	if err != nil || !found {
		t.Fatalf("GetJob: found=%v err=%v", found, err)
	}
	if !job.NextFireAt.Equal(t0.Add(25 * time.Hour)) {
		t.Fatalf("NextFireAt = %v", job.NextFireAt)
	}

	removed, err := s.DisableJob(ctx, "nightly-summary")
	if err != nil || !removed {
		t.Fatalf("DisableJob: removed=%v err=%v", removed, err)
	}
	removed, err = s.DisableJob(ctx, "nightly-summary")
	if err != nil || removed {
		t.Fatalf("second DisableJob: removed=%v err=%v", removed, err)
	}

	jobs, _ = s.ListJobs(ctx, true)
	if len(jobs) != 0 {
		t.Fatalf("enabled jobs after disable: %d", len(jobs))
	}
	jobs, _ = s.ListJobs(ctx, false)
	if len(jobs) != 1 {
		t.Fatalf("all jobs after disable: %d", len(jobs))
	}
}

func TestDeliveryDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.RecordDelivery(ctx, "github", "delivery-1", t0)
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if !inserted {
		t.Fatal("first delivery not inserted")
	}

	inserted, err = s.RecordDelivery(ctx, "github", "delivery-1", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordDelivery repeat: %v", err)
	}
	if inserted {
		t.Fatal("duplicate delivery reported as new")
	}

	// Same ID under a different provider is distinct.
	inserted, err = s.RecordDelivery(ctx, "generic", "delivery-1", t0)
	if err != nil || !inserted {
		t.Fatalf("cross-provider: inserted=%v err=%v", inserted, err)
	}

	pruned, err := s.PruneDeliveries(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneDeliveries: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned %d, want 2", pruned)
	}
}

func TestDeleteDeliveryReopensID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordDelivery(ctx, "github", "delivery-1", t0); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if err := s.DeleteDelivery(ctx, "github", "delivery-1"); err != nil {
		t.Fatalf("DeleteDelivery: %v", err)
	}

	inserted, err := s.RecordDelivery(ctx, "github", "delivery-1", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordDelivery after delete: %v", err)
	}
	if !inserted {
		t.Fatal("deleted delivery ID still treated as duplicate")
	}

	// Deleting an absent record is not an error.
	if err := s.DeleteDelivery(ctx, "github", "no-such"); err != nil {
		t.Fatalf("DeleteDelivery absent: %v", err)
	}
}

func TestCostLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := Day(t0)

	spent, err := s.SpentOn(ctx, "ops", day)
	if err != nil || spent != 0 {
		t.Fatalf("initial spend = %v, %v", spent, err)
	}

	if err := s.ChargeCost(ctx, "ops", day, 0.25); err != nil {
		t.Fatalf("ChargeCost: %v", err)
	}
	if err := s.ChargeCost(ctx, "ops", day, 0.50); err != nil {
		t.Fatalf("ChargeCost: %v", err)
	}

	spent, err = s.SpentOn(ctx, "ops", day)
	if err != nil {
		t.Fatalf("SpentOn: %v", err)
	}
	if spent < 0.74 || spent > 0.76 {
		t.Fatalf("spent = %v, want 0.75", spent)
	}

	// Different day and identity are independent.
	if spent, _ := s.SpentOn(ctx, "ops", Day(t0.AddDate(0, 0, 1))); spent != 0 {
		t.Fatalf("next day spend = %v", spent)
	}
	if spent, _ := s.SpentOn(ctx, "other", day); spent != 0 {
		t.Fatalf("other identity spend = %v", spent)
	}
}

func TestDayFormatsUTC(t *testing.T) {
	zone := time.FixedZone("minus8", -8*3600)
	// 23:30 local on Feb 28 is already Mar 1 in UTC.
	local := time.Date(2026, 2, 28, 23, 30, 0, 0, zone)
	if got := Day(local); got != "2026-03-01" {
		t.Fatalf("Day = %q", got)
	}
}

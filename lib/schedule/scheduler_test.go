// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/liaison-dev/liaison/lib/bus"
	"github.com/liaison-dev/liaison/lib/clock"
	"github.com/liaison-dev/liaison/lib/store"
	"github.com/liaison-dev/liaison/lib/testutil"
)

var scheduleEpoch = time.Date(2026, 3, 1, 11, 0, 30, 0, time.UTC)

type channelPublisher struct {
	events chan bus.Event
}

func (p *channelPublisher) Publish(ctx context.Context, event bus.Event) error {
	p.events <- event
	return nil
}

func openTestScheduler(t *testing.T) (*Scheduler, *store.Store, *channelPublisher, *clock.FakeClock) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "test.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pub := &channelPublisher{events: make(chan bus.Event, 16)}
	clk := clock.Fake(scheduleEpoch)
	sched := New(Config{
		Store:        db,
		Bus:          pub,
		Clock:        clk,
		TickInterval: 15 * time.Second,
	})
	return sched, db, pub, clk
}

func waitEvent(t *testing.T, pub *channelPublisher) bus.Event {
	t.Helper()
	return testutil.RequireReceive(t, pub.events, 5*time.Second, "waiting for a published event")
}

func TestAddComputesFirstFire(t *testing.T) {
	sched, _, _, _ := openTestScheduler(t)

	job, err := sched.Add(context.Background(), Job{
		Name:       "standup",
		Expression: "0 9 * * *",
		Prompt:     "Summarize overnight activity.",
		Identity:   "ops",
		Workspace:  "/work",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !job.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", job.NextFireAt, want)
	}
	if !job.Enabled {
		t.Fatal("added job should be enabled")
	}
}

func TestAddRejectsBadExpression(t *testing.T) {
	sched, _, _, _ := openTestScheduler(t)

	if _, err := sched.Add(context.Background(), Job{Name: "bad", Expression: "not cron"}); err == nil {
		t.Fatal("Add with an unparsable expression should fail")
	}
}

func TestRemoveDisablesJob(t *testing.T) {
	sched, db, _, _ := openTestScheduler(t)

	if _, err := sched.Add(context.Background(), Job{Name: "standup", Expression: "0 9 * * *"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	removed, err := sched.Remove(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Fatal("Remove should report true for an existing job")
	}

	enabled, err := db.ListJobs(context.Background(), true)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("enabled jobs after Remove = %d, want 0", len(enabled))
	}

	removed, err = sched.Remove(context.Background(), "standup")
	if err != nil {
		t.Fatalf("Remove again: %v", err)
	}
	if removed {
		t.Fatal("Remove should report false for an already-disabled job")
	}
}

func TestListIncludesDisabled(t *testing.T) {
	sched, _, _, _ := openTestScheduler(t)
	ctx := context.Background()

	if _, err := sched.Add(ctx, Job{Name: "a", Expression: "*/5 * * * *"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := sched.Add(ctx, Job{Name: "b", Expression: "0 * * * *"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := sched.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	jobs, err := sched.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("List returned %d jobs, want 2", len(jobs))
	}
	byName := map[string]Job{}
	for _, job := range jobs {
		byName[job.Name] = job
	}
	if byName["a"].Enabled {
		t.Fatal("job a should be disabled")
	}
	if !byName["b"].Enabled {
		t.Fatal("job b should be enabled")
	}
}

func TestRunFiresDueJob(t *testing.T) {
	sched, db, pub, clk := openTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := sched.Add(ctx, Job{
		Name:       "every-five",
		Expression: "*/5 * * * *",
		Prompt:     "Check the build queue.",
		Identity:   "ops",
		Workspace:  "/work",
		Skill:      "triage",
		Targets:    []string{"chat:42"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	clk.AwaitWaiters(1)

	// Next fire is 11:05:00; the first due tick lands after advancing
	// past it.
	clk.Advance(5 * time.Minute)
	event := waitEvent(t, pub)
	if event.Type != bus.TypeScheduledFired {
		t.Fatalf("event type = %q, want %q", event.Type, bus.TypeScheduledFired)
	}
	if event.Scheduled == nil {
		t.Fatal("scheduled payload missing")
	}
	if event.Scheduled.JobName != "every-five" {
		t.Fatalf("JobName = %q, want every-five", event.Scheduled.JobName)
	}
	if event.Scheduled.Prompt != "Check the build queue." {
		t.Fatalf("Prompt = %q", event.Scheduled.Prompt)
	}
	if event.Scheduled.Skill != "triage" {
		t.Fatalf("Skill = %q, want triage", event.Scheduled.Skill)
	}
	if len(event.Scheduled.Targets) != 1 || event.Scheduled.Targets[0] != "chat:42" {
		t.Fatalf("Targets = %v, want [chat:42]", event.Scheduled.Targets)
	}

	jobs, err := db.ListJobs(context.Background(), true)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	want := time.Date(2026, 3, 1, 11, 10, 0, 0, time.UTC)
	if len(jobs) != 1 || !jobs[0].NextFireAt.Equal(want) {
		t.Fatalf("next fire after firing = %v, want %v", jobs[0].NextFireAt, want)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunDoesNotFireEarly(t *testing.T) {
	sched, _, pub, clk := openTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := sched.Add(ctx, Job{Name: "hourly", Expression: "0 * * * *"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	clk.AwaitWaiters(1)

	// 11:00:45 is well before the 12:00:00 fire.
	clk.Advance(15 * time.Second)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case event := <-pub.events:
		t.Fatalf("unexpected event %+v before the fire time", event)
	default:
	}
}

func TestRunRecomputesStaleFiresOnStartup(t *testing.T) {
	sched, db, pub, clk := openTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A job whose persisted next fire is long past, as after daemon
	// downtime. Startup reschedules from now instead of replaying it.
	_, err := db.AddJob(ctx, store.JobRow{
		Name:       "daily",
		Expression: "0 9 * * *",
		Payload:    store.JobPayload{Prompt: "morning report"},
		Enabled:    true,
		NextFireAt: scheduleEpoch.Add(-48 * time.Hour),
		CreatedAt:  scheduleEpoch.Add(-72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	clk.AwaitWaiters(1)

	clk.Advance(15 * time.Second)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case event := <-pub.events:
		t.Fatalf("stale job fired immediately: %+v", event)
	default:
	}

	jobs, err := db.ListJobs(context.Background(), true)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if len(jobs) != 1 || !jobs[0].NextFireAt.Equal(want) {
		t.Fatalf("next fire after restart = %v, want %v", jobs[0].NextFireAt, want)
	}
}

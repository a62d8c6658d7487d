// Copyright 2026 The Liaison Authors
// SPDX-License-Identifier: Apache-2.0

// Package schedule fires persisted cron jobs. A single ticker drives
// all jobs: each pass fires every enabled job whose next-fire time has
// arrived, recomputes its next fire from the cron expression, and
// publishes a scheduled-fired event. Firing is at-least-once per pass;
// a restart recomputes next fires from now rather than replaying
// missed windows.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/liaison-dev/liaison/lib/bus"
	"github.com/liaison-dev/liaison/lib/clock"
	"github.com/liaison-dev/liaison/lib/cron"
	"github.com/liaison-dev/liaison/lib/store"
)

// Publisher is the bus surface the scheduler needs. *bus.Bus
// implements it.
type Publisher interface {
	Publish(ctx context.Context, event bus.Event) error
}

// Config configures a Scheduler.
type Config struct {
	// Store persists jobs. Required.
	Store *store.Store

	// Bus receives scheduled-fired events. Required.
	Bus Publisher

	// Clock drives the tick loop. Nil means the real clock.
	Clock clock.Clock

	// Logger receives fire records. Nil means discard.
	Logger *slog.Logger

	// TickInterval is how often due jobs are checked. Zero defaults to
	// 15 seconds.
	TickInterval time.Duration
}

// Scheduler manages and fires cron jobs. Safe for concurrent use; Run
// owns the tick loop.
type Scheduler struct {
	store  *store.Store
	bus    Publisher
	clock  clock.Clock
	logger *slog.Logger
	tick   time.Duration
}

// New builds a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Store == nil {
		panic("schedule: Config.Store is required")
	}
	if cfg.Bus == nil {
		panic("schedule: Config.Bus is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &Scheduler{
		store:  cfg.Store,
		bus:    cfg.Bus,
		clock:  clk,
		logger: logger,
		tick:   tick,
	}
}

// Job is the management view of one scheduled job.
type Job struct {
	Name       string
	Expression string
	Prompt     string
	Identity   string
	Workspace  string
	Skill      string
	Targets    []string
	CreatedBy  string
	Enabled    bool
	NextFireAt time.Time
}

// Add validates the cron expression, computes the first fire time, and
// persists the job.
func (s *Scheduler) Add(ctx context.Context, job Job) (Job, error) {
	schedule, err := cron.Parse(job.Expression)
	if err != nil {
		return Job{}, fmt.Errorf("schedule: parsing %q: %w", job.Expression, err)
	}
	now := s.clock.Now()
	next, err := schedule.Next(now)
	if err != nil {
		return Job{}, fmt.Errorf("schedule: %q never fires: %w", job.Expression, err)
	}

	row := store.JobRow{
		Name:       job.Name,
		Expression: job.Expression,
		Payload: store.JobPayload{
			Prompt:    job.Prompt,
			Identity:  job.Identity,
			Workspace: job.Workspace,
			Skill:     job.Skill,
			Targets:   job.Targets,
		},
		CreatedBy:  job.CreatedBy,
		Enabled:    true,
		NextFireAt: next,
		CreatedAt:  now,
	}
	if _, err := s.store.AddJob(ctx, row); err != nil {
		return Job{}, err
	}
	s.logger.Info("job added",
		"name", job.Name, "expression", job.Expression, "next_fire", next)

	job.Enabled = true
	job.NextFireAt = next
	return job, nil
}

// Remove disables a job by name. Returns false when no enabled job has
// that name.
func (s *Scheduler) Remove(ctx context.Context, name string) (bool, error) {
	removed, err := s.store.DisableJob(ctx, name)
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("job disabled", "name", name)
	}
	return removed, nil
}

// List returns all jobs, disabled ones included.
func (s *Scheduler) List(ctx context.Context) ([]Job, error) {
	rows, err := s.store.ListJobs(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Run reschedules every enabled job from now, then ticks until the
// context is cancelled. Rescheduling at startup means a window missed
// while the daemon was down fires once at most, at its next
// occurrence.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.rescheduleAll(ctx); err != nil {
		return err
	}

	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.firePass(ctx)
		}
	}
}

// rescheduleAll recomputes next-fire times from now for all enabled
// jobs.
func (s *Scheduler) rescheduleAll(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx, true)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, job := range jobs {
		schedule, err := cron.Parse(job.Expression)
		if err != nil {
			s.logger.Error("stored job has unparsable expression, skipping",
				"name", job.Name, "expression", job.Expression, "error", err)
			continue
		}
		next, err := schedule.Next(now)
		if err != nil {
			s.logger.Error("stored job never fires, skipping", "name", job.Name, "error", err)
			continue
		}
		if err := s.store.SetJobNextFire(ctx, job.ID, next); err != nil {
			return err
		}
	}
	return nil
}

// firePass fires every enabled job whose next-fire has arrived and
// persists the recomputed next fire. Publish failures are logged and
// the job is still rescheduled: delivery is at-least-once and the next
// window must not be blocked by a full queue.
func (s *Scheduler) firePass(ctx context.Context) {
	jobs, err := s.store.ListJobs(ctx, true)
	if err != nil {
		s.logger.Error("listing jobs", "error", err)
		return
	}
	now := s.clock.Now()
	for _, job := range jobs {
		if job.NextFireAt.After(now) {
			continue
		}

		schedule, err := cron.Parse(job.Expression)
		if err != nil {
			s.logger.Error("stored job has unparsable expression, skipping",
				"name", job.Name, "error", err)
			continue
		}
		next, err := schedule.Next(now)
		if err != nil {
			s.logger.Error("job never fires again, disabling", "name", job.Name, "error", err)
			s.store.DisableJob(ctx, job.Name)
			continue
		}
		if err := s.store.SetJobNextFire(ctx, job.ID, next); err != nil {
			s.logger.Error("persisting next fire", "name", job.Name, "error", err)
			continue
		}

		event := bus.Event{
			Type: bus.TypeScheduledFired,
			Scheduled: &bus.ScheduledEvent{
				JobName:   job.Name,
				Prompt:    job.Payload.Prompt,
				Identity:  job.Payload.Identity,
				Workspace: job.Payload.Workspace,
				Skill:     job.Payload.Skill,
				Targets:   job.Payload.Targets,
			},
		}
		if err := s.bus.Publish(ctx, event); err != nil {
			s.logger.Error("publishing scheduled fire", "name", job.Name, "error", err)
			continue
		}
		s.logger.Info("job fired", "name", job.Name, "next_fire", next)
	}
}

func fromRow(row store.JobRow) Job {
	return Job{
		Name:       row.Name,
		Expression: row.Expression,
		Prompt:     row.Payload.Prompt,
		Identity:   row.Payload.Identity,
		Workspace:  row.Payload.Workspace,
		Skill:      row.Payload.Skill,
		Targets:    row.Payload.Targets,
		CreatedBy:  row.CreatedBy,
		Enabled:    row.Enabled,
		NextFireAt: row.NextFireAt,
	}
}

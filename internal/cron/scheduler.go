// Package cron sweeps due schedules and dispatches their intents. A
// schedule row names an intent key and params; the sweep puts them
// through the same classification, policy, and audit pipeline as any
// operator request.
package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/otel"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner is the dispatch entry point the sweeper fires into.
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Config holds the dependencies for the schedule sweeper.
type Config struct {
	Store    *persistence.Store
	Runner   Runner
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and
// dispatches each one.
type Scheduler struct {
	store    *persistence.Store
	runner   Runner
	logger   *slog.Logger
	metrics  *otel.Metrics
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
	}
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedule sweeper started", "interval", s.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule sweeper stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep queries for due schedules and fires each one. Exported so the
// gateway can trigger an out-of-band sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("sweep: list due schedules", "error", err)
		return
	}
	if s.metrics != nil && s.metrics.ScheduleSweeps != nil {
		s.metrics.ScheduleSweeps.Add(ctx, 1)
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire dispatches one due schedule and advances or retires it.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	var params map[string]any
	if err := json.Unmarshal([]byte(sched.Params), &params); err != nil {
		s.logger.Error("sweep: schedule params are not valid JSON, disabling",
			"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
		s.retire(ctx, sched)
		return
	}

	res, err := s.runner.Dispatch(ctx, dispatch.Request{
		TenantID:  sched.TenantID,
		IntentKey: sched.IntentKey,
		Params:    params,
		Actor:     shared.Actor{Type: "system", ID: "scheduler"},
		Source:    "scheduled",
	})
	if err != nil {
		// Policy denials and domain failures are already in the audit log;
		// the schedule keeps its cadence either way.
		s.logger.Warn("sweep: scheduled dispatch failed",
			"schedule_id", sched.ID, "tenant_id", sched.TenantID,
			"intent_key", sched.IntentKey, "error", err)
	} else {
		s.logger.Info("sweep: schedule fired",
			"schedule_id", sched.ID, "tenant_id", sched.TenantID,
			"intent_key", sched.IntentKey, "run_id", res.RunID)
	}

	if sched.CronExpr == "" {
		// One-shot schedule.
		s.retire(ctx, sched)
		return
	}
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("sweep: bad cron expression, disabling",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		s.retire(ctx, sched)
		return
	}
	if err := s.store.MarkScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("sweep: mark schedule run", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) retire(ctx context.Context, sched persistence.Schedule) {
	if err := s.store.MarkScheduleRun(ctx, sched.ID, time.Now().UTC(), sched.NextRunAt); err != nil {
		s.logger.Error("sweep: mark schedule run", "schedule_id", sched.ID, "error", err)
	}
	if err := s.store.SetScheduleEnabled(ctx, sched.TenantID, sched.ID, false); err != nil {
		s.logger.Error("sweep: disable schedule", "schedule_id", sched.ID, "error", err)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

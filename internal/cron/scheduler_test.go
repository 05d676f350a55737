package cron_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/acadeon/chatops/internal/cron"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cron.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// recordingRunner captures every dispatched request.
type recordingRunner struct {
	mu       sync.Mutex
	requests []dispatch.Request
}

func (r *recordingRunner) Dispatch(_ context.Context, req dispatch.Request) (*dispatch.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &dispatch.Result{Status: dispatch.StatusOK, RunID: "run-test"}, nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *recordingRunner) last() dispatch.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func insertSchedule(t *testing.T, store *persistence.Store, cronExpr string, enabled bool, nextRunAt time.Time) string {
	t.Helper()
	sched := &persistence.Schedule{
		TenantID:  "t1",
		Name:      "test-" + t.Name(),
		CronExpr:  cronExpr,
		IntentKey: "attendance.query.unchecked",
		Params:    `{"date":"2026-08-27"}`,
		Enabled:   enabled,
		NextRunAt: nextRunAt,
	}
	if err := store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sched.ID
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	store := openTestStore(t)
	runner := &recordingRunner{}

	past := time.Now().UTC().Add(-5 * time.Minute)
	insertSchedule(t, store, "*/5 * * * *", true, past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Runner:   runner,
		Logger:   quietLogger(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return runner.count() > 0 })

	req := runner.last()
	if req.IntentKey != "attendance.query.unchecked" || req.TenantID != "t1" {
		t.Fatalf("dispatched request = %+v", req)
	}
	if req.Source != "scheduled" || req.Actor.Type != "system" {
		t.Fatalf("schedule provenance missing: %+v", req)
	}
	if req.Params["date"] != "2026-08-27" {
		t.Fatalf("params = %v", req.Params)
	}
}

func TestScheduler_AdvancesNextRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &recordingRunner{}

	past := time.Now().UTC().Add(-5 * time.Minute)
	insertSchedule(t, store, "0 9 * * *", true, past)

	sched := cron.NewScheduler(cron.Config{Store: store, Runner: runner, Logger: quietLogger()})
	sched.Sweep(ctx)

	if runner.count() != 1 {
		t.Fatalf("fired %d times, want 1", runner.count())
	}
	// Advanced into the future, so a second sweep finds nothing due.
	sched.Sweep(ctx)
	if runner.count() != 1 {
		t.Fatalf("fired %d times after advance, want 1", runner.count())
	}
}

func TestScheduler_OneShotRetiresAfterFiring(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	runner := &recordingRunner{}

	past := time.Now().UTC().Add(-time.Minute)
	insertSchedule(t, store, "", true, past) // no cron expression: one-shot

	sched := cron.NewScheduler(cron.Config{Store: store, Runner: runner, Logger: quietLogger()})
	sched.Sweep(ctx)
	sched.Sweep(ctx)

	if runner.count() != 1 {
		t.Fatalf("one-shot fired %d times, want 1", runner.count())
	}
	due, err := store.DueSchedules(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("one-shot still enabled after firing")
	}
}

func TestScheduler_DisabledSkipped(t *testing.T) {
	store := openTestStore(t)
	runner := &recordingRunner{}

	past := time.Now().UTC().Add(-5 * time.Minute)
	insertSchedule(t, store, "*/5 * * * *", false, past)

	sched := cron.NewScheduler(cron.Config{Store: store, Runner: runner, Logger: quietLogger()})
	sched.Sweep(context.Background())

	if runner.count() != 0 {
		t.Fatalf("disabled schedule fired %d times", runner.count())
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 27, 8, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := cron.NextRunTime("not a cron expr", after); err == nil {
		t.Fatal("malformed expression must be rejected")
	}
}

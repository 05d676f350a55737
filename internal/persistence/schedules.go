package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring automation dispatch.
type Schedule struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CronExpr  string    `json:"cron_expr"`
	IntentKey string    `json:"intent_key"`
	Params    string    `json:"params"`
	Enabled   bool      `json:"enabled"`
	NextRunAt time.Time `json:"next_run_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSchedule inserts a schedule with its first due time.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.Params == "" {
		sched.Params = "{}"
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, tenant_id, name, cron_expr, intent_key, params, enabled, next_run_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, sched.ID, sched.TenantID, sched.Name, sched.CronExpr, sched.IntentKey, sched.Params,
			boolToInt(sched.Enabled), formatTime(sched.NextRunAt), formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// DueSchedules returns enabled schedules whose next run time has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, cron_expr, intent_key, params, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var due []Schedule
	for rows.Next() {
		var sched Schedule
		var enabled int
		var nextRun, lastRun, createdAt string
		if err := rows.Scan(&sched.ID, &sched.TenantID, &sched.Name, &sched.CronExpr, &sched.IntentKey,
			&sched.Params, &enabled, &nextRun, &lastRun, &createdAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Enabled = enabled != 0
		sched.NextRunAt = parseTime(nextRun)
		sched.LastRunAt = parseTime(lastRun)
		sched.CreatedAt = parseTime(createdAt)
		due = append(due, sched)
	}
	return due, rows.Err()
}

// MarkScheduleRun records a fire and advances the next due time.
func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID string, ranAt, nextRunAt time.Time) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, formatTime(ranAt), formatTime(nextRunAt), scheduleID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

// SetScheduleEnabled flips a schedule on or off.
func (s *Store) SetScheduleEnabled(ctx context.Context, tenantID, scheduleID string, enabled bool) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ? WHERE id = ? AND tenant_id = ?;
		`, boolToInt(enabled), scheduleID, tenantID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

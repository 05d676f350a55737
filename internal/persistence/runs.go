package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acadeon/chatops/internal/bus"
)

// RunStatus is the lifecycle state of an execution audit run. Runs are
// append-only: once terminal they are never updated again.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunPending: {
		RunSucceeded: {},
		RunFailed:    {},
	},
}

// ErrRunNotFound is returned when a run id does not exist for the tenant.
var ErrRunNotFound = errors.New("audit run not found")

// Run is one row of the execution audit log.
type Run struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	IntentKey        string    `json:"intent_key"`
	OperationType    string    `json:"operation_type"`
	Status           RunStatus `json:"status"`
	Source           string    `json:"source"`
	ActorType        string    `json:"actor_type"`
	ActorID          string    `json:"actor_id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	Summary          string    `json:"summary,omitempty"`
	Result           string    `json:"result,omitempty"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	ErrorSummary     string    `json:"error_summary,omitempty"`
	SuccessCount     int       `json:"success_count"`
	FailedCount      int       `json:"failed_count"`
	DurationMS       int64     `json:"duration_ms"`
	ExecutionContext string    `json:"execution_context,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Step is one recorded step within a run.
type Step struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	Details    string    `json:"details,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BeginRun inserts a pending run. When the idempotency slot is already
// taken, no row is inserted and the holding run is returned so the caller
// can replay a stored result or refuse a duplicate in flight.
func (s *Store) BeginRun(ctx context.Context, run *Run) (created bool, existing *Run, err error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	run.Status = RunPending
	run.OccurredAt = now
	run.CreatedAt = now
	if run.ExecutionContext == "" {
		run.ExecutionContext = "{}"
	}

	err = retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO execution_audit_runs
				(id, tenant_id, intent_key, operation_type, status, source, actor_type, actor_id,
				 idempotency_key, execution_context, occurred_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.TenantID, run.IntentKey, run.OperationType, run.Status, run.Source,
			run.ActorType, run.ActorID, run.IdempotencyKey, run.ExecutionContext,
			formatTime(now), formatTime(now))
		return execErr
	})
	if err == nil {
		if s.bus != nil {
			s.bus.Publish(bus.TopicRunStarted, bus.RunEvent{
				RunID: run.ID, TenantID: run.TenantID, IntentKey: run.IntentKey,
				Status: string(RunPending), Source: run.Source,
			})
		}
		return true, nil, nil
	}
	if !isUniqueViolation(err, "execution_audit_runs") {
		return false, nil, fmt.Errorf("insert audit run: %w", err)
	}

	holder, findErr := s.findRunByIdempotencyKey(ctx, run.TenantID, run.IdempotencyKey)
	if findErr != nil {
		return false, nil, findErr
	}
	return false, holder, nil
}

func (s *Store) findRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM execution_audit_runs
		WHERE tenant_id = ? AND idempotency_key = ? AND status IN ('pending', 'succeeded')
		ORDER BY occurred_at DESC LIMIT 1;
	`, tenantID, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency holder vanished for key %q", key)
	}
	return run, err
}

// AppendStep records a step under a run.
func (s *Store) AppendStep(ctx context.Context, step *Step) error {
	if step.Details == "" {
		step.Details = "{}"
	}
	step.OccurredAt = time.Now().UTC()
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO execution_audit_steps (run_id, tenant_id, name, status, summary, details, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, step.RunID, step.TenantID, step.Name, step.Status, step.Summary, step.Details,
			formatTime(step.OccurredAt))
		if execErr != nil {
			return execErr
		}
		step.ID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return fmt.Errorf("append audit step: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRunStep, bus.RunStepEvent{
			RunID: step.RunID, TenantID: step.TenantID, Name: step.Name,
			Status: step.Status, Summary: step.Summary,
		})
	}
	return nil
}

// FinalizeRun moves a pending run to a terminal status. Finalizing a run
// that is not pending is a hard error: terminal runs are immutable.
func (s *Store) FinalizeRun(ctx context.Context, tenantID, runID string, to RunStatus, update RunUpdate) error {
	if _, ok := allowedRunTransitions[RunPending][to]; !ok {
		return fmt.Errorf("invalid run transition to %q", to)
	}
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE execution_audit_runs
			SET status = ?, summary = ?, result = ?, error_kind = ?, error_summary = ?,
			    success_count = ?, failed_count = ?, duration_ms = ?
			WHERE id = ? AND tenant_id = ? AND status = 'pending';
		`, to, update.Summary, update.Result, update.ErrorKind, update.ErrorSummary,
			update.SuccessCount, update.FailedCount, update.DurationMS, runID, tenantID)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize audit run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s is not pending, refusing to finalize", runID)
	}
	if s.bus != nil {
		topic := bus.TopicRunSucceeded
		if to == RunFailed {
			topic = bus.TopicRunFailed
		}
		s.bus.Publish(topic, bus.RunEvent{RunID: runID, TenantID: tenantID, Status: string(to)})
	}
	return nil
}

// RunUpdate carries the terminal fields written by FinalizeRun.
type RunUpdate struct {
	Summary      string
	Result       string
	ErrorKind    string
	ErrorSummary string
	SuccessCount int
	FailedCount  int
	DurationMS   int64
}

const runColumns = `id, tenant_id, intent_key, operation_type, status, source, actor_type, actor_id,
	idempotency_key, summary, result, error_kind, error_summary, success_count, failed_count,
	duration_ms, execution_context, occurred_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var occurredAt, createdAt string
	if err := row.Scan(&run.ID, &run.TenantID, &run.IntentKey, &run.OperationType, &run.Status,
		&run.Source, &run.ActorType, &run.ActorID, &run.IdempotencyKey, &run.Summary, &run.Result,
		&run.ErrorKind, &run.ErrorSummary, &run.SuccessCount, &run.FailedCount, &run.DurationMS,
		&run.ExecutionContext, &occurredAt, &createdAt); err != nil {
		return nil, err
	}
	run.OccurredAt = parseTime(occurredAt)
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}

// GetRun fetches one run scoped to a tenant.
func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM execution_audit_runs WHERE id = ? AND tenant_id = ?;
	`, runID, tenantID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit run: %w", err)
	}
	return run, nil
}

// ListSteps returns a run's steps in insertion order.
func (s *Store) ListSteps(ctx context.Context, tenantID, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, tenant_id, name, status, summary, details, occurred_at
		FROM execution_audit_steps
		WHERE run_id = ? AND tenant_id = ?
		ORDER BY id ASC;
	`, runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list audit steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		var occurredAt string
		if err := rows.Scan(&step.ID, &step.RunID, &step.TenantID, &step.Name, &step.Status,
			&step.Summary, &step.Details, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan audit step: %w", err)
		}
		step.OccurredAt = parseTime(occurredAt)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// RunFilter narrows ListRuns. Zero values mean no constraint.
type RunFilter struct {
	From          time.Time
	To            time.Time
	Status        RunStatus
	OperationType string
	Source        string
	IntentKey     string
	Query         string
	Cursor        string
	Limit         int
}

const defaultRunPageSize = 50
const maxRunPageSize = 200

// ListRuns pages through a tenant's runs, newest first. The returned
// cursor is opaque; pass it back to continue from the same position.
func (s *Store) ListRuns(ctx context.Context, tenantID string, filter RunFilter) (runs []Run, nextCursor string, hasMore bool, err error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunPageSize
	}
	if limit > maxRunPageSize {
		limit = maxRunPageSize
	}

	conditions := []string{"tenant_id = ?"}
	args := []any{tenantID}

	if !filter.From.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "occurred_at <= ?")
		args = append(args, formatTime(filter.To))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.OperationType != "" {
		conditions = append(conditions, "operation_type = ?")
		args = append(args, filter.OperationType)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.IntentKey != "" {
		conditions = append(conditions, "intent_key = ?")
		args = append(args, filter.IntentKey)
	}
	if filter.Query != "" {
		like := "%" + filter.Query + "%"
		conditions = append(conditions, "(summary LIKE ? OR error_summary LIKE ?)")
		args = append(args, like, like)
	}
	if filter.Cursor != "" {
		cursorAt, cursorID, ok := decodeRunCursor(filter.Cursor)
		if !ok {
			return nil, "", false, fmt.Errorf("malformed cursor %q", filter.Cursor)
		}
		conditions = append(conditions, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, cursorAt, cursorAt, cursorID)
	}

	query := `SELECT ` + runColumns + ` FROM execution_audit_runs WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY occurred_at DESC, id DESC LIMIT ?;`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", false, fmt.Errorf("list audit runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, "", false, fmt.Errorf("scan audit run: %w", scanErr)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, err
	}

	if len(runs) > limit {
		runs = runs[:limit]
		hasMore = true
		last := runs[len(runs)-1]
		nextCursor = encodeRunCursor(last.OccurredAt, last.ID)
	}
	return runs, nextCursor, hasMore, nil
}

func encodeRunCursor(occurredAt time.Time, id string) string {
	return formatTime(occurredAt) + "|" + id
}

func decodeRunCursor(cursor string) (occurredAt, id string, ok bool) {
	at, id, found := strings.Cut(cursor, "|")
	if !found || at == "" || id == "" {
		return "", "", false
	}
	if _, err := time.Parse(timeLayout, at); err != nil {
		return "", "", false
	}
	return at, id, true
}

// CountRuns returns run counts grouped by status for one tenant.
func (s *Store) CountRuns(ctx context.Context, tenantID string) (map[RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM execution_audit_runs WHERE tenant_id = ? GROUP BY status;
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count audit runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[RunStatus]int)
	for rows.Next() {
		var status RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

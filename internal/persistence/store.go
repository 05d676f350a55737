// Package persistence is the sqlite storage layer: the execution audit
// log, task cards, tenant settings, automation schedules, and the domain
// rows the handlers read and mutate.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/acadeon/chatops/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "co-v1-2026-08-kernel-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store wraps the sqlite handle. All writes go through a single
// connection; concurrent writers ride out briefly held locks via
// retryOnBusy.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chatops", "chatops.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the healthcheck.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation checks for a UNIQUE constraint failure on the given
// index or column spec.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, constraint)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if err := s.createSchemaV1Tx(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) createSchemaV1Tx(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tenant_settings (
			tenant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, key)
		);`,

		`CREATE TABLE IF NOT EXISTS execution_audit_runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			intent_key TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'succeeded', 'failed')),
			source TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error_summary TEXT NOT NULL DEFAULT '',
			success_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			execution_context TEXT NOT NULL DEFAULT '{}',
			occurred_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		// Failed runs stay immutable but never block a retry: only live
		// and completed runs hold the idempotency slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency
			ON execution_audit_runs (tenant_id, idempotency_key)
			WHERE status IN ('pending', 'succeeded');`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant_occurred
			ON execution_audit_runs (tenant_id, occurred_at DESC, id DESC);`,

		`CREATE TABLE IF NOT EXISTS execution_audit_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES execution_audit_runs(id),
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('success', 'failed')),
			summary TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON execution_audit_steps (run_id, id);`,

		`CREATE TABLE IF NOT EXISTS task_cards (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			intent_key TEXT NOT NULL,
			task_type TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			subtype TEXT NOT NULL DEFAULT '',
			trigger_source TEXT NOT NULL,
			window_label TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			suggested_action TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'executed')),
			run_id TEXT NOT NULL DEFAULT '',
			executed_run_id TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_cards_tenant_status
			ON task_cards (tenant_id, status, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			intent_key TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at TEXT NOT NULL,
			last_run_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (enabled, next_run_at);`,

		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('active', 'paused', 'discharged')),
			class_id TEXT NOT NULL DEFAULT '',
			guardian_phone TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_students_tenant ON students (tenant_id, status);`,

		`CREATE TABLE IF NOT EXISTS attendance_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			student_id TEXT NOT NULL REFERENCES students(id),
			date TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('present', 'late', 'absent', 'excused', 'early_leave', 'unchecked')),
			note TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			UNIQUE (tenant_id, student_id, date)
		);`,

		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			month TEXT NOT NULL,
			amount INTEGER NOT NULL,
			paid_amount INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK (status IN ('draft', 'issued', 'paid', 'partial', 'overdue', 'failed', 'refunded', 'void')),
			issued_at TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_tenant_month ON invoices (tenant_id, month, status);`,

		`CREATE TABLE IF NOT EXISTS classes (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			teacher TEXT NOT NULL DEFAULT '',
			capacity INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK (status IN ('open', 'closed')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS class_sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			class_id TEXT NOT NULL REFERENCES classes(id),
			starts_at TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('scheduled', 'moved', 'cancelled', 'done')),
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tenant_start ON class_sessions (tenant_id, starts_at);`,

		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS message_templates (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (tenant_id, name)
		);`,

		`CREATE TABLE IF NOT EXISTS message_log (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			channel TEXT NOT NULL,
			body TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('sent', 'failed', 'scheduled', 'cancelled')),
			run_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_message_log_tenant ON message_log (tenant_id, status, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// timeLayout is RFC 3339 with a fixed-width nanosecond fraction so that
// lexicographic order of stored timestamps matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nowUTC() string {
	return formatTime(time.Now())
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return time.Time{}
		}
	}
	return t
}

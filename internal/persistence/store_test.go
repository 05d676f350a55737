package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_SchemaInitAndReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen must pass the checksum gate.
	store2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = store2.Close()
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := Open(dbPath, nil); err == nil {
		t.Fatal("expected checksum mismatch on reopen")
	}
}

func TestBeginRun_IdempotencyLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		TenantID: "t1", IntentKey: "billing.exec.issue_invoices", OperationType: "billing.issue_invoices",
		Source: "manual", ActorType: "user", ActorID: "u1", IdempotencyKey: "key-1",
	}
	created, existing, err := store.BeginRun(ctx, run)
	if err != nil || !created || existing != nil {
		t.Fatalf("first begin: created=%v existing=%v err=%v", created, existing, err)
	}

	// Same key while pending: no new row, pending holder returned.
	dup := &Run{
		TenantID: "t1", IntentKey: "billing.exec.issue_invoices", OperationType: "billing.issue_invoices",
		Source: "manual", ActorType: "user", ActorID: "u1", IdempotencyKey: "key-1",
	}
	created, existing, err = store.BeginRun(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate begin: %v", err)
	}
	if created || existing == nil || existing.Status != RunPending || existing.ID != run.ID {
		t.Fatalf("expected pending holder %s, got created=%v existing=%+v", run.ID, created, existing)
	}

	// Succeed the run; the key now replays the stored result.
	if err := store.FinalizeRun(ctx, "t1", run.ID, RunSucceeded, RunUpdate{
		Summary: "issued 12 invoices", Result: `{"issued":12}`, SuccessCount: 12, DurationMS: 40,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	created, existing, err = store.BeginRun(ctx, dup)
	if err != nil || created || existing == nil {
		t.Fatalf("replay begin: created=%v existing=%v err=%v", created, existing, err)
	}
	if existing.Status != RunSucceeded || existing.Result != `{"issued":12}` {
		t.Fatalf("expected stored result replay, got %+v", existing)
	}

	// A different key is unaffected.
	other := &Run{
		TenantID: "t1", IntentKey: "billing.exec.issue_invoices", OperationType: "billing.issue_invoices",
		Source: "manual", ActorType: "user", ActorID: "u1", IdempotencyKey: "key-2",
	}
	created, _, err = store.BeginRun(ctx, other)
	if err != nil || !created {
		t.Fatalf("distinct key should insert: created=%v err=%v", created, err)
	}
}

func TestBeginRun_FailedRunFreesTheSlot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		TenantID: "t1", IntentKey: "student.exec.register", OperationType: "student.register",
		Source: "manual", ActorType: "user", ActorID: "u1", IdempotencyKey: "key-f",
	}
	if created, _, err := store.BeginRun(ctx, run); err != nil || !created {
		t.Fatalf("begin: %v", err)
	}
	if err := store.FinalizeRun(ctx, "t1", run.ID, RunFailed, RunUpdate{
		ErrorKind: "domain", ErrorSummary: "boom", FailedCount: 1,
	}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	// Retry with the same key inserts a fresh run.
	retry := &Run{
		TenantID: "t1", IntentKey: "student.exec.register", OperationType: "student.register",
		Source: "manual", ActorType: "user", ActorID: "u1", IdempotencyKey: "key-f",
	}
	created, existing, err := store.BeginRun(ctx, retry)
	if err != nil || !created || existing != nil {
		t.Fatalf("retry after failure: created=%v existing=%v err=%v", created, existing, err)
	}
	if retry.ID == run.ID {
		t.Fatal("retry must be a new run row")
	}

	// The failed run stayed immutable.
	failed, err := store.GetRun(ctx, "t1", run.ID)
	if err != nil {
		t.Fatalf("get failed run: %v", err)
	}
	if failed.Status != RunFailed || failed.ErrorSummary != "boom" {
		t.Fatalf("failed run mutated: %+v", failed)
	}
}

func TestFinalizeRun_TerminalRunsAreImmutable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		TenantID: "t1", IntentKey: "note.exec.create", OperationType: "note.create",
		Source: "manual", ActorType: "user", ActorID: "u1", IdempotencyKey: "key-i",
	}
	if _, _, err := store.BeginRun(ctx, run); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.FinalizeRun(ctx, "t1", run.ID, RunSucceeded, RunUpdate{Summary: "done"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := store.FinalizeRun(ctx, "t1", run.ID, RunFailed, RunUpdate{}); err == nil {
		t.Fatal("finalizing a terminal run must fail")
	}
	if err := store.FinalizeRun(ctx, "t1", run.ID, RunStatus("archived"), RunUpdate{}); err == nil {
		t.Fatal("unknown target status must fail")
	}
}

func TestAppendStep_OrderPreserved(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		TenantID: "t1", IntentKey: "attendance.exec.correct_record", OperationType: "attendance.correct_record",
		Source: "manual", ActorType: "user", ActorID: "u1", IdempotencyKey: "key-s",
	}
	if _, _, err := store.BeginRun(ctx, run); err != nil {
		t.Fatalf("begin: %v", err)
	}
	names := []string{"policy_check", "catalog_check", "handler_invoked", "handler_returned"}
	for _, name := range names {
		if err := store.AppendStep(ctx, &Step{RunID: run.ID, TenantID: "t1", Name: name, Status: "success"}); err != nil {
			t.Fatalf("append %s: %v", name, err)
		}
	}
	steps, err := store.ListSteps(ctx, "t1", run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != len(names) {
		t.Fatalf("expected %d steps, got %d", len(names), len(steps))
	}
	for i, step := range steps {
		if step.Name != names[i] {
			t.Fatalf("step %d = %q, want %q", i, step.Name, names[i])
		}
	}
}

func TestListRuns_PaginationAndFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		run := &Run{
			TenantID: "t1", IntentKey: "billing.query.overdue_month", OperationType: "billing.query",
			Source: "manual", ActorType: "user", ActorID: "u1",
			IdempotencyKey: "key-" + string(rune('a'+i)),
		}
		if _, _, err := store.BeginRun(ctx, run); err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		status, update := RunSucceeded, RunUpdate{Summary: "overdue scan ok"}
		if i%2 == 1 {
			status, update = RunFailed, RunUpdate{ErrorKind: "domain", ErrorSummary: "scan blew up"}
		}
		if err := store.FinalizeRun(ctx, "t1", run.ID, status, update); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// Another tenant's run must never leak in.
	foreign := &Run{
		TenantID: "t2", IntentKey: "billing.query.overdue_month", OperationType: "billing.query",
		Source: "manual", ActorType: "user", ActorID: "u9", IdempotencyKey: "key-x",
	}
	if _, _, err := store.BeginRun(ctx, foreign); err != nil {
		t.Fatalf("foreign begin: %v", err)
	}

	// Page through with limit 3: 3 + 3 + 1.
	var seen []string
	cursor := ""
	for page := 0; ; page++ {
		runs, next, hasMore, err := store.ListRuns(ctx, "t1", RunFilter{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("list page %d: %v", page, err)
		}
		for _, run := range runs {
			if run.TenantID != "t1" {
				t.Fatalf("tenant leak: %+v", run)
			}
			seen = append(seen, run.ID)
		}
		if !hasMore {
			break
		}
		cursor = next
	}
	if len(seen) != 7 {
		t.Fatalf("paged %d runs, want 7", len(seen))
	}
	unique := make(map[string]bool)
	for _, id := range seen {
		if unique[id] {
			t.Fatalf("run %s returned twice across pages", id)
		}
		unique[id] = true
	}

	// Status filter.
	failed, _, _, err := store.ListRuns(ctx, "t1", RunFilter{Status: RunFailed})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 3 {
		t.Fatalf("expected 3 failed runs, got %d", len(failed))
	}

	// Free-text filter hits error summaries too.
	matches, _, _, err := store.ListRuns(ctx, "t1", RunFilter{Query: "blew up"})
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 text matches, got %d", len(matches))
	}

	// Malformed cursor is rejected.
	if _, _, _, err := store.ListRuns(ctx, "t1", RunFilter{Cursor: "not-a-cursor"}); err == nil {
		t.Fatal("expected malformed cursor error")
	}
}

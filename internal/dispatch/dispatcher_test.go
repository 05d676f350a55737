package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/acadeon/chatops/internal/catalog"
	"github.com/acadeon/chatops/internal/intent"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/policy"
	"github.com/acadeon/chatops/internal/shared"
)

type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callCounter) bump(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[key]++
}

func (c *callCounter) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

// storeEmitter is the minimal emitter: one pending card per L1 dispatch.
type storeEmitter struct {
	store *persistence.Store
}

func (e *storeEmitter) Emit(ctx context.Context, tenantID string, def *intent.Definition, params map[string]any, source string) (*persistence.TaskCard, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	card := &persistence.TaskCard{
		TenantID:        tenantID,
		IntentKey:       def.Key,
		TaskType:        def.Task.TaskType,
		EntityType:      def.Task.EntityType,
		Subtype:         def.Task.Subtype,
		TriggerSource:   source,
		Title:           def.Description,
		SuggestedAction: string(raw),
	}
	if err := e.store.CreateTaskCard(ctx, card); err != nil {
		return nil, err
	}
	return card, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDispatcher wires a dispatcher over a real store with a counting
// stub handler per intent. failing names intents whose handler errors.
func newTestDispatcher(t *testing.T, failing ...string) (*Dispatcher, *persistence.Store, *callCounter) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cat := catalog.New()
	intents, err := intent.Load(cat)
	if err != nil {
		t.Fatalf("load intents: %v", err)
	}

	failSet := make(map[string]bool, len(failing))
	for _, key := range failing {
		failSet[key] = true
	}
	counter := &callCounter{calls: make(map[string]int)}
	handlers := NewRegistry()
	for _, def := range intents.All() {
		if def.Level == intent.L1 {
			continue
		}
		key := def.Key
		handlers.MustRegister(key, func(ctx context.Context, req Request) (*HandlerResult, error) {
			counter.bump(key)
			if failSet[key] {
				return nil, newError(KindDomain, "simulated domain failure for %s", key)
			}
			return &HandlerResult{
				Summary:      "handled " + key,
				Payload:      map[string]any{"intent": key},
				SuccessCount: 1,
			}, nil
		})
	}

	d, err := New(Options{
		Store:    store,
		Intents:  intents,
		Handlers: handlers,
		Catalog:  cat,
		Policies: policy.NewResolver(store, quietLogger()),
		Emitter:  &storeEmitter{store: store},
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if _, err := store.CreateTenant(context.Background(), "t1", "Test Academy", nil); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return d, store, counter
}

func enablePolicy(t *testing.T, store *persistence.Store, tenantID, path string) {
	t.Helper()
	if err := store.SetTenantConfigValue(context.Background(), tenantID, path, true); err != nil {
		t.Fatalf("enable %s: %v", path, err)
	}
}

func TestDispatch_UnknownIntentCreatesNoRun(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, Request{TenantID: "t1", IntentKey: "billing.exec.mint_money"})
	if KindOf(err) != KindClassification {
		t.Fatalf("expected classification error, got %v", err)
	}
	counts, err := store.CountRuns(ctx, "t1")
	if err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("unknown intent must leave no audit trace, got %v", counts)
	}
}

func TestDispatch_InvalidParamsCreateNoRun(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()
	enablePolicy(t, store, "t1", "automation.billing.issue_invoices.enabled")

	// The schema requires month in YYYY-MM form.
	_, err := d.Dispatch(ctx, Request{
		TenantID:  "t1",
		IntentKey: "billing.exec.issue_invoices",
		Params:    map[string]any{"month": "August"},
	})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if counter.count("billing.exec.issue_invoices") != 0 {
		t.Fatal("handler must not run on invalid params")
	}
	counts, _ := store.CountRuns(ctx, "t1")
	if len(counts) != 0 {
		t.Fatalf("invalid params must leave no audit trace, got %v", counts)
	}
}

func TestDispatch_PolicyDisabledRejects(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()
	// No config at all: fail-closed means disabled.

	res, err := d.Dispatch(ctx, Request{
		TenantID:  "t1",
		IntentKey: "billing.exec.issue_invoices",
		Params:    map[string]any{"month": "2026-08"},
		Actor:     shared.Actor{Type: "user", ID: "u1"},
	})
	if KindOf(err) != KindPolicyDenied {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if res == nil || res.Status != StatusRejected {
		t.Fatalf("expected rejected result, got %+v", res)
	}
	if counter.count("billing.exec.issue_invoices") != 0 {
		t.Fatal("handler must not run past a denied gate")
	}

	counts, _ := store.CountRuns(ctx, "t1")
	if counts[persistence.RunFailed] != 1 {
		t.Fatalf("denial must record one failed run, got %v", counts)
	}
	run, getErr := store.GetRun(ctx, "t1", res.RunID)
	if getErr != nil {
		t.Fatalf("get run: %v", getErr)
	}
	if run.ErrorKind != string(KindPolicyDenied) {
		t.Fatalf("run error kind = %q", run.ErrorKind)
	}
	if !strings.Contains(run.ErrorSummary, "automation.billing.issue_invoices.enabled") {
		t.Fatalf("run error summary = %q", run.ErrorSummary)
	}
}

func TestDispatch_ReadOnlyQueriesRunIndependently(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()

	for _, key := range []string{"key-a", "key-b"} {
		res, err := d.Dispatch(ctx, Request{
			TenantID:       "t1",
			IntentKey:      "student.query.profile",
			Params:         map[string]any{"student_id": "s1"},
			IdempotencyKey: key,
			Actor:          shared.Actor{Type: "user", ID: "u1"},
		})
		if err != nil {
			t.Fatalf("dispatch %s: %v", key, err)
		}
		if res.Status != StatusOK || res.Replayed {
			t.Fatalf("unexpected result for %s: %+v", key, res)
		}
	}
	if got := counter.count("student.query.profile"); got != 2 {
		t.Fatalf("handler ran %d times, want 2", got)
	}
	counts, _ := store.CountRuns(ctx, "t1")
	if counts[persistence.RunSucceeded] != 2 {
		t.Fatalf("expected two succeeded runs, got %v", counts)
	}
}

func TestDispatch_SucceededKeyReplaysStoredResult(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()
	enablePolicy(t, store, "t1", "automation.attendance.mark_excused.enabled")

	req := Request{
		TenantID:       "t1",
		IntentKey:      "attendance.exec.mark_excused",
		Params:         map[string]any{"student_id": "s1", "date": "2026-08-28"},
		IdempotencyKey: "excuse-s1-0828",
		Actor:          shared.Actor{Type: "user", ID: "u1"},
	}
	first, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if !second.Replayed || second.RunID != first.RunID {
		t.Fatalf("expected replay of run %s, got %+v", first.RunID, second)
	}
	if string(second.Payload) != string(first.Payload) {
		t.Fatalf("replayed payload differs: %s vs %s", second.Payload, first.Payload)
	}
	if got := counter.count("attendance.exec.mark_excused"); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
	counts, _ := store.CountRuns(ctx, "t1")
	if counts[persistence.RunSucceeded] != 1 {
		t.Fatalf("run count changed on replay: %v", counts)
	}
}

func TestDispatch_PendingKeyIsDuplicateInFlight(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()

	// Occupy the key with a pending run, as a concurrent dispatch would.
	holder := &persistence.Run{
		TenantID: "t1", IntentKey: "attendance.exec.mark_excused",
		OperationType: "attendance.mark_excused", Source: "chat",
		ActorType: "user", ActorID: "u2", IdempotencyKey: "contended",
	}
	if _, _, err := store.BeginRun(ctx, holder); err != nil {
		t.Fatalf("seed pending run: %v", err)
	}

	_, err := d.Dispatch(ctx, Request{
		TenantID:       "t1",
		IntentKey:      "attendance.exec.mark_excused",
		Params:         map[string]any{"student_id": "s1", "date": "2026-08-28"},
		IdempotencyKey: "contended",
		Actor:          shared.Actor{Type: "user", ID: "u1"},
	})
	if KindOf(err) != KindDuplicateInFlight {
		t.Fatalf("expected duplicate-in-flight, got %v", err)
	}
	if counter.count("attendance.exec.mark_excused") != 0 {
		t.Fatal("handler must not run behind a pending duplicate")
	}
}

func TestDispatch_ProposalEmitsCardOnly(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, Request{
		TenantID:  "t1",
		IntentKey: "attendance.task.flag_absence_followup",
		Params:    map[string]any{"student_id": "s1"},
		Actor:     shared.Actor{Type: "user", ID: "u1"},
		Source:    "chat",
	})
	if err != nil {
		t.Fatalf("dispatch proposal: %v", err)
	}
	if res.Status != StatusTaskCardCreated || res.TaskCardID == "" {
		t.Fatalf("expected task card result, got %+v", res)
	}

	card, err := store.GetTaskCard(ctx, "t1", res.TaskCardID)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if card.Status != persistence.CardPending {
		t.Fatalf("card status = %s, want pending", card.Status)
	}
	if counter.count("attendance.task.flag_absence_followup") != 0 {
		t.Fatal("no domain handler may run for a proposal")
	}
	counts, _ := store.CountRuns(ctx, "t1")
	if len(counts) != 0 {
		t.Fatalf("proposal must not create audit runs, got %v", counts)
	}
}

func TestDispatch_NotificationGatePerEventType(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()

	req := Request{
		TenantID:  "t1",
		IntentKey: "attendance.exec.notify_guardians_absent",
		Params:    map[string]any{"date": "2026-08-28"},
		Actor:     shared.Actor{Type: "system", ID: "scheduler"},
		Source:    "scheduled",
	}
	if _, err := d.Dispatch(ctx, req); KindOf(err) != KindPolicyDenied {
		t.Fatalf("expected denial before opt-in, got %v", err)
	}

	enablePolicy(t, store, "t1", "auto_notification.absence_first_day.enabled")
	req.IdempotencyKey = "after-optin"
	res, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("dispatch after opt-in: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("result = %+v", res)
	}
	if counter.count("attendance.exec.notify_guardians_absent") != 1 {
		t.Fatal("handler should have run exactly once")
	}
}

func TestDispatch_NotificationHonorsLegacyPolicyPath(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()

	// A pre-migration tenant config holds the retired event name; the
	// canonical path is absent.
	enablePolicy(t, store, "t1", "auto_notification.first_absence.enabled")

	res, err := d.Dispatch(ctx, Request{
		TenantID:  "t1",
		IntentKey: "attendance.exec.notify_guardians_absent",
		Params:    map[string]any{"date": "2026-08-28"},
		Actor:     shared.Actor{Type: "system", ID: "scheduler"},
	})
	if err != nil {
		t.Fatalf("dispatch with legacy opt-in: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("result = %+v", res)
	}
	if counter.count("attendance.exec.notify_guardians_absent") != 1 {
		t.Fatal("handler should have run under the legacy opt-in")
	}
}

func TestDispatch_HandlerDomainErrorFinalizesFailed(t *testing.T) {
	d, store, _ := newTestDispatcher(t, "billing.exec.issue_invoices")
	ctx := context.Background()
	enablePolicy(t, store, "t1", "automation.billing.issue_invoices.enabled")

	_, err := d.Dispatch(ctx, Request{
		TenantID:  "t1",
		IntentKey: "billing.exec.issue_invoices",
		Params:    map[string]any{"month": "2026-08"},
		Actor:     shared.Actor{Type: "user", ID: "u1"},
	})
	if KindOf(err) != KindDomain {
		t.Fatalf("expected domain error, got %v", err)
	}
	var de *Error
	if !asDispatchError(err, &de) || de.RunID == "" {
		t.Fatalf("domain failure must reference its run: %v", err)
	}

	run, getErr := store.GetRun(ctx, "t1", de.RunID)
	if getErr != nil {
		t.Fatalf("get run: %v", getErr)
	}
	if run.Status != persistence.RunFailed || run.ErrorKind != string(KindDomain) {
		t.Fatalf("run = %+v", run)
	}
	steps, _ := store.ListSteps(ctx, "t1", de.RunID)
	var names []string
	for _, s := range steps {
		names = append(names, s.Name+":"+s.Status)
	}
	want := []string{"policy_check:success", "catalog_check:success", "handler_invoked:success", "handler_returned:failed"}
	if len(names) != len(want) {
		t.Fatalf("steps = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("step %d = %q, want %q", i, names[i], want[i])
		}
	}

	// A failed run frees the key; retry executes again.
	if _, retryErr := d.Dispatch(ctx, Request{
		TenantID:       "t1",
		IntentKey:      "attendance.exec.mark_excused",
		Params:         map[string]any{"student_id": "s1", "date": "2026-08-28"},
		IdempotencyKey: run.IdempotencyKey,
		Actor:          shared.Actor{Type: "user", ID: "u1"},
	}); KindOf(retryErr) != KindPolicyDenied {
		t.Fatalf("key held by failed run must be free: %v", retryErr)
	}
}

func TestDispatch_DerivedKeyCollapsesIdenticalRequests(t *testing.T) {
	d, store, counter := newTestDispatcher(t)
	ctx := context.Background()
	enablePolicy(t, store, "t1", "automation.attendance.mark_excused.enabled")

	req := Request{
		TenantID:  "t1",
		IntentKey: "attendance.exec.mark_excused",
		Params:    map[string]any{"student_id": "s9", "date": "2026-08-28"},
		Actor:     shared.Actor{Type: "user", ID: "u1"},
	}
	first, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := d.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replayed || second.RunID != first.RunID {
		t.Fatalf("identical keyless requests must collapse: %+v vs %+v", first, second)
	}
	if counter.count("attendance.exec.mark_excused") != 1 {
		t.Fatal("handler must run once for collapsed requests")
	}
}

func asDispatchError(err error, target **Error) bool {
	de, ok := err.(*Error)
	if ok {
		*target = de
	}
	return ok
}

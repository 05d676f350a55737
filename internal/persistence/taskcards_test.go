package persistence

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestTaskCard_ReviewFlow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	card := &TaskCard{
		TenantID: "t1", IntentKey: "billing.exec.send_overdue_notices",
		TaskType: "review", EntityType: "invoice", TriggerSource: "scheduled",
		WindowLabel: "2026-08", Title: "8 overdue invoices need notices",
	}
	if err := store.CreateTaskCard(ctx, card); err != nil {
		t.Fatalf("create card: %v", err)
	}
	if card.Status != CardPending {
		t.Fatalf("new card status = %s, want pending", card.Status)
	}

	approved, err := store.TransitionTaskCard(ctx, "t1", card.ID, CardPending, CardApproved, "admin-1", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != CardApproved || approved.ResolvedBy != "admin-1" {
		t.Fatalf("approved card = %+v", approved)
	}

	// Approving twice must fail on the status guard.
	if _, err := store.TransitionTaskCard(ctx, "t1", card.ID, CardPending, CardApproved, "admin-2", ""); err == nil {
		t.Fatal("double approval must fail")
	}

	executed, err := store.TransitionTaskCard(ctx, "t1", card.ID, CardApproved, CardExecuted, "", "run-42")
	if err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if executed.Status != CardExecuted || executed.ExecutedRunID != "run-42" {
		t.Fatalf("executed card = %+v", executed)
	}
	if executed.ResolvedBy != "admin-1" {
		t.Fatalf("resolved_by overwritten: %q", executed.ResolvedBy)
	}
}

func TestTaskCard_IllegalTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	card := &TaskCard{
		TenantID: "t1", IntentKey: "student.exec.discharge",
		TaskType: "review", EntityType: "student", TriggerSource: "chat",
		Title: "discharge Kim",
	}
	if err := store.CreateTaskCard(ctx, card); err != nil {
		t.Fatalf("create card: %v", err)
	}

	// Executing straight from pending skips review.
	if _, err := store.TransitionTaskCard(ctx, "t1", card.ID, CardPending, CardExecuted, "", "run-1"); err == nil {
		t.Fatal("pending -> executed must be rejected")
	}

	if _, err := store.TransitionTaskCard(ctx, "t1", card.ID, CardPending, CardRejected, "admin-1", ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	// Rejected is terminal.
	if _, err := store.TransitionTaskCard(ctx, "t1", card.ID, CardRejected, CardApproved, "admin-1", ""); err == nil {
		t.Fatal("rejected -> approved must be rejected")
	}
}

func TestListTaskCards_StatusFilterAndTenantScope(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		card := &TaskCard{
			TenantID: "t1", IntentKey: "message.exec.resend_failed",
			TaskType: "review", EntityType: "message", TriggerSource: "scheduled",
			Title: "resend failed batch",
		}
		if err := store.CreateTaskCard(ctx, card); err != nil {
			t.Fatalf("create card %d: %v", i, err)
		}
		if i == 0 {
			if _, err := store.TransitionTaskCard(ctx, "t1", card.ID, CardPending, CardRejected, "admin", ""); err != nil {
				t.Fatalf("reject card: %v", err)
			}
		}
	}
	other := &TaskCard{
		TenantID: "t2", IntentKey: "message.exec.resend_failed",
		TaskType: "review", EntityType: "message", TriggerSource: "scheduled",
		Title: "other tenant",
	}
	if err := store.CreateTaskCard(ctx, other); err != nil {
		t.Fatalf("create foreign card: %v", err)
	}

	pending, err := store.ListTaskCards(ctx, "t1", CardPending, 0)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending cards, got %d", len(pending))
	}
	all, err := store.ListTaskCards(ctx, "t1", "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 cards for t1, got %d", len(all))
	}
}

func TestTenantSettings_RoundTripAndDottedPath(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tenant, err := store.CreateTenant(ctx, "", "Acadeon Academy", map[string]any{
		"automation": map[string]any{
			"billing.issue_invoices": map[string]any{"enabled": true},
		},
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	config, err := store.TenantConfig(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	automation, ok := config["automation"].(map[string]any)
	if !ok {
		t.Fatalf("automation section missing: %v", config)
	}
	if _, ok := automation["billing.issue_invoices"]; !ok {
		t.Fatalf("seeded default missing: %v", automation)
	}

	// Dotted-path write creates intermediate objects.
	if err := store.SetTenantConfigValue(ctx, tenant.ID, "auto_notification.payment_due_reminder.enabled", true); err != nil {
		t.Fatalf("set dotted path: %v", err)
	}
	config, err = store.TenantConfig(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("reread config: %v", err)
	}
	notif := config["auto_notification"].(map[string]any)["payment_due_reminder"].(map[string]any)
	if enabled, _ := notif["enabled"].(bool); !enabled {
		t.Fatalf("dotted write lost: %v", config)
	}

	// A scalar in the middle of the path is not silently replaced.
	if err := store.SetTenantConfigValue(ctx, tenant.ID, "flag", true); err != nil {
		t.Fatalf("set scalar: %v", err)
	}
	if err := store.SetTenantConfigValue(ctx, tenant.ID, "flag.nested.enabled", true); err == nil {
		t.Fatal("expected collision error for scalar path segment")
	}

	// No config row reads as nil, not an error.
	config, err = store.TenantConfig(ctx, "unknown-tenant")
	if err != nil {
		t.Fatalf("read missing config: %v", err)
	}
	if config != nil {
		t.Fatalf("expected nil config for unknown tenant, got %v", config)
	}
}

func TestSetTenantConfigValue_ConcurrentPathsAllPersist(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateTenant(ctx, "t1", "Academy", nil); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	paths := []string{
		"automation.billing.issue_invoices.enabled",
		"automation.student.discharge.enabled",
		"auto_notification.payment_due_reminder.enabled",
		"auto_notification.refund_spike.enabled",
	}
	var wg sync.WaitGroup
	errs := make([]error, len(paths))
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			errs[i] = store.SetTenantConfigValue(ctx, "t1", path, true)
		}(i, path)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent set %s: %v", paths[i], err)
		}
	}

	config, err := store.TenantConfig(ctx, "t1")
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	for _, path := range paths {
		node := any(config)
		for _, key := range strings.Split(path, ".") {
			m, ok := node.(map[string]any)
			if !ok {
				t.Fatalf("path %s lost: %v", path, config)
			}
			node = m[key]
		}
		if enabled, _ := node.(bool); !enabled {
			t.Fatalf("path %s lost: %v", path, config)
		}
	}
}

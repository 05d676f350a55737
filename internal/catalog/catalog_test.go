package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCatalog_BuiltinSize(t *testing.T) {
	c := New()
	if c.Size() != 48 {
		t.Fatalf("expected 48 built-in actions, got %d", c.Size())
	}
}

func TestCatalog_IsAllowed(t *testing.T) {
	c := New()
	if !c.IsAllowed("billing.issue_invoices") {
		t.Fatal("expected billing.issue_invoices to be allowed")
	}
	if c.IsAllowed("billing.delete_everything") {
		t.Fatal("unknown action must not be allowed")
	}
	if c.IsAllowed("") {
		t.Fatal("empty action must not be allowed")
	}
}

func TestCatalog_AssertAllowed(t *testing.T) {
	c := New()
	if err := c.AssertAllowed("student.register"); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	if err := c.AssertAllowed("student.expel"); err == nil {
		t.Fatal("expected deny for unlisted action")
	}
}

func TestCatalog_KeysSorted(t *testing.T) {
	c := New()
	keys := c.Keys()
	if len(keys) != 48 {
		t.Fatalf("expected 48 keys, got %d", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not sorted at %d: %q >= %q", i, keys[i-1], keys[i])
		}
	}
}

func TestCatalog_LoadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := "actions:\n  - billing.issue_invoices\n  - student.register\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	c := New()
	if err := c.LoadArtifact(path); err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if c.Size() != 2 {
		t.Fatalf("expected replacement set of 2, got %d", c.Size())
	}
	if c.IsAllowed("attendance.correct_record") {
		t.Fatal("built-in key should be gone after artifact replacement")
	}
}

func TestCatalog_LoadArtifact_RejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		content string
	}{
		{"empty", "actions: []\n"},
		{"bad_key", "actions:\n  - Billing.IssueInvoices\n"},
		{"duplicate", "actions:\n  - billing.close_month\n  - billing.close_month\n"},
		{"not_yaml", "actions: [unterminated\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			c := New()
			if err := c.LoadArtifact(path); err == nil {
				t.Fatal("expected artifact rejection")
			}
			// Rejection keeps the built-in set intact.
			if c.Size() != 48 {
				t.Fatalf("built-in set mutated on rejected artifact: %d", c.Size())
			}
		})
	}
}

func TestEvents_CatalogComplete(t *testing.T) {
	if got := len(EventTypes()); got != 39 {
		t.Fatalf("expected 39 event types, got %d", got)
	}
	for _, eventType := range EventTypes() {
		cat, ok := EventCategory(eventType)
		if !ok {
			t.Fatalf("event %q has no category", eventType)
		}
		found := false
		for _, known := range Categories() {
			if cat == known {
				found = true
			}
		}
		if !found {
			t.Fatalf("event %q has unknown category %q", eventType, cat)
		}
	}
}

func TestEvents_AssertEvent(t *testing.T) {
	if err := AssertEvent("absence_first_day"); err != nil {
		t.Fatalf("expected known event, got %v", err)
	}
	if err := AssertEvent("made_up_event"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

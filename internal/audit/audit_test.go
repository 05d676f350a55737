package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/acadeon/chatops/internal/bus"
)

func initTestLog(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init decision log: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	return filepath.Join(home, "logs", "decisions.jsonl")
}

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read decision log: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesDecisionEntry(t *testing.T) {
	path := initTestLog(t)

	Record("deny", "t1", "billing.exec.issue_invoices",
		"automation.billing.issue_invoices.enabled", "policy disabled", "v-abc")
	Record("allow", "t1", "attendance.exec.mark_excused",
		"automation.attendance.mark_excused.enabled", "", "v-abc")

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first["decision"] != "deny" || first["tenant_id"] != "t1" {
		t.Fatalf("first entry = %#v", first)
	}
	if first["policy_path"] != "automation.billing.issue_invoices.enabled" {
		t.Fatalf("policy_path = %#v", first["policy_path"])
	}
	if first["reason"] == "" || first["policy_version"] == "" {
		t.Fatalf("reason and policy_version required on denials: %#v", first)
	}
}

func TestDecisionLogAppendOnly(t *testing.T) {
	path := initTestLog(t)

	Record("allow", "t1", "student.query.profile", "p1", "", "v1")
	Record("deny", "t1", "billing.exec.close_month", "p2", "disabled", "v1")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	Record("allow", "t1", "note.exec.create", "p3", "", "v1")
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("log did not grow: before=%d after=%d", info1.Size(), info2.Size())
	}

	for i, e := range readEntries(t, path) {
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("entry %d missing timestamp", i)
		}
		if _, ok := e["decision"]; !ok {
			t.Fatalf("entry %d missing decision", i)
		}
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	path := initTestLog(t)

	Record("deny", "t1", "system.exec.run_healthcheck", "p1",
		"refused with api_key=sk-abcdef0123456789abcdef", "v1")

	entries := readEntries(t, path)
	last := entries[len(entries)-1]
	reason, _ := last["reason"].(string)
	if strings.Contains(reason, "sk-abcdef0123456789abcdef") {
		t.Fatalf("secret leaked into decision log: %q", reason)
	}
}

func TestWatchMirrorsPolicyEvents(t *testing.T) {
	path := initTestLog(t)
	before := DenyCount()

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, b)
	}()

	// Subscription races Publish; wait until the watcher is attached.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(bus.TopicPolicyDenied, bus.PolicyEvent{
		TenantID: "t1", IntentKey: "billing.exec.issue_invoices",
		Path: "automation.billing.issue_invoices.enabled", Enabled: false,
	})

	deadline = time.Now().Add(2 * time.Second)
	for DenyCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if DenyCount() == before {
		t.Fatal("deny was not recorded from the bus")
	}

	cancel()
	<-done

	entries := readEntries(t, path)
	last := entries[len(entries)-1]
	if last["decision"] != "deny" || last["intent_key"] != "billing.exec.issue_invoices" {
		t.Fatalf("last entry = %#v", last)
	}
}

// Package audit keeps the append-only policy decision log. Every gate
// verdict the dispatcher publishes is mirrored to a JSONL file so the
// full allow/deny history survives database compaction and can be
// shipped as-is.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acadeon/chatops/internal/bus"
	"github.com/acadeon/chatops/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	TenantID      string `json:"tenant_id"`
	IntentKey     string `json:"intent_key"`
	PolicyPath    string `json:"policy_path"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens the decision log under <home>/logs. Idempotent.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "decisions.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Reason passes through redaction before it
// is persisted.
func Record(decision, tenantID, intentKey, policyPath, reason, policyVersion string) {
	if decision == "deny" {
		denyCount.Add(1)
	}
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Decision:      decision,
		TenantID:      tenantID,
		IntentKey:     intentKey,
		PolicyPath:    policyPath,
		Reason:        reason,
		PolicyVersion: policyVersion,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Watch mirrors policy verdicts from the bus into the decision log until
// ctx is cancelled. Run it in its own goroutine.
func Watch(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("policy.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			pe, isPolicy := ev.Payload.(bus.PolicyEvent)
			if !isPolicy {
				continue
			}
			decision := "allow"
			reason := ""
			if !pe.Enabled {
				decision = "deny"
				reason = "policy disabled: " + pe.Path
			}
			Record(decision, pe.TenantID, pe.IntentKey, pe.Path, reason, "")
		}
	}
}

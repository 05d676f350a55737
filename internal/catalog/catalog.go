// Package catalog is the single source of truth for what automation may
// touch: the allow-list of canonical domain action keys that class B
// executions must name, and the catalog of automation event types that
// class A notifications are gated by.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// actionKeyPattern constrains canonical action keys to
// <domain>.<action> with lowercase snake_case segments.
var actionKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// domainActions is the built-in allow-list. A mutation key absent from
// this set is not executable no matter what any handler claims.
var domainActions = []string{
	"attendance.correct_record",
	"attendance.mark_excused",
	"attendance.bulk_update",
	"attendance.schedule_recheck",

	"billing.issue_invoices",
	"billing.reissue_invoice",
	"billing.record_manual_payment",
	"billing.apply_discount",
	"billing.apply_refund",
	"billing.create_installment_plan",
	"billing.fix_duplicate_invoices",
	"billing.sync_gateway",
	"billing.close_month",

	"message.cancel_scheduled",
	"message.create_template",
	"message.update_template",

	"student.register",
	"student.update_profile",
	"student.change_class",
	"student.pause",
	"student.resume",
	"student.discharge",
	"student.merge_duplicates",
	"student.update_guardian_contact",
	"student.assign_tags",
	"student.bulk_register",
	"student.bulk_update",
	"student.data_quality_apply_fix",
	"student.reactivate_from_discharged",

	"class.create",
	"class.update",
	"class.close",
	"class.bulk_reassign_teacher",

	"schedule.add_session",
	"schedule.move_session",
	"schedule.cancel_session",
	"schedule.bulk_shift",

	"note.create",
	"note.update",

	"report.generate_monthly_report",
	"report.generate_daily_brief",

	"system.run_healthcheck",
	"system.rebuild_search_index",
	"system.backfill_reports",
	"system.retry_failed_actions",

	"policy.enable_automation",
	"policy.update_threshold",

	"rbac.assign_role",
}

// Catalog holds the live action allow-list. The built-in set can be
// replaced wholesale from a YAML artifact; partial merges are not
// supported so the artifact stays the single source of truth once used.
type Catalog struct {
	mu      sync.RWMutex
	actions map[string]struct{}
}

// New returns a Catalog seeded with the built-in action set.
func New() *Catalog {
	c := &Catalog{actions: make(map[string]struct{}, len(domainActions))}
	for _, key := range domainActions {
		c.actions[key] = struct{}{}
	}
	return c
}

// IsAllowed reports whether actionKey is on the allow-list.
func (c *Catalog) IsAllowed(actionKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.actions[actionKey]
	return ok
}

// AssertAllowed returns an error when actionKey is not on the allow-list.
// Absence is a deny, never a pass-through.
func (c *Catalog) AssertAllowed(actionKey string) error {
	if !c.IsAllowed(actionKey) {
		return fmt.Errorf("action key %q is not in the domain action catalog", actionKey)
	}
	return nil
}

// Keys returns the allow-listed action keys in sorted order.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.actions))
	for key := range c.actions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the number of allow-listed action keys.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.actions)
}

type catalogFile struct {
	Actions []string `yaml:"actions"`
}

// LoadArtifact replaces the allow-list with the contents of a YAML
// artifact. An empty or malformed artifact is rejected and the current
// set stays in effect.
func (c *Catalog) LoadArtifact(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog artifact: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse catalog artifact: %w", err)
	}
	if len(file.Actions) == 0 {
		return fmt.Errorf("catalog artifact %s lists no actions", path)
	}
	next := make(map[string]struct{}, len(file.Actions))
	for _, key := range file.Actions {
		if !actionKeyPattern.MatchString(key) {
			return fmt.Errorf("catalog artifact %s: malformed action key %q", path, key)
		}
		if _, dup := next[key]; dup {
			return fmt.Errorf("catalog artifact %s: duplicate action key %q", path, key)
		}
		next[key] = struct{}{}
	}
	c.mu.Lock()
	c.actions = next
	c.mu.Unlock()
	return nil
}

package policy

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/acadeon/chatops/internal/catalog"
)

// SettingsReader supplies the tenant's automation config blob, the JSON
// value stored under key "config" in tenant settings. A nil map means the
// tenant has no config row.
type SettingsReader interface {
	TenantConfig(ctx context.Context, tenantID string) (map[string]any, error)
}

// Resolver answers policy questions against tenant settings.
type Resolver struct {
	settings SettingsReader
	logger   *slog.Logger

	// legacyWarned dedupes the migration warning per tenant and path.
	legacyWarned sync.Map
}

// NewResolver builds a Resolver over the given settings source.
func NewResolver(settings SettingsReader, logger *slog.Logger) *Resolver {
	return &Resolver{settings: settings, logger: logger}
}

// NotificationPath builds the class A policy path for an automation
// event. Unknown event types are rejected before any settings read.
func NotificationPath(eventType, field string) (string, error) {
	if err := catalog.AssertEvent(eventType); err != nil {
		return "", err
	}
	return "auto_notification." + eventType + "." + field, nil
}

// ActionPath builds the class B policy path for a canonical domain
// action key.
func ActionPath(actionKey string) string {
	return "automation." + actionKey + ".enabled"
}

// ThresholdPath builds the path for a category-scoped threshold value.
func ThresholdPath(key PolicyKey, field string) string {
	return "thresholds." + string(key) + "." + field
}

// Value resolves a dotted path inside the tenant config. Returns nil when
// the tenant has no config or the path is absent. When the canonical path
// is absent and a legacy path is registered, the legacy value is used and
// a one-time migration warning is logged; the legacy value is never
// written back.
func (r *Resolver) Value(ctx context.Context, tenantID, path string, legacyPaths ...string) (any, error) {
	if strings.HasPrefix(path, "auto_notification.") {
		parts := strings.Split(path, ".")
		if len(parts) >= 2 {
			if err := catalog.AssertEvent(parts[1]); err != nil {
				return nil, err
			}
		}
	}

	config, err := r.settings.TenantConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant config: %w", err)
	}
	if config == nil {
		return nil, nil
	}

	if v, ok := lookupPath(config, path); ok {
		return v, nil
	}
	for _, legacy := range legacyPaths {
		if v, ok := lookupPath(config, legacy); ok {
			warnKey := tenantID + "|" + legacy
			if _, seen := r.legacyWarned.LoadOrStore(warnKey, struct{}{}); !seen && r.logger != nil {
				r.logger.Warn("using legacy policy path",
					"tenant_id", tenantID, "legacy_path", legacy, "path", path)
			}
			return v, nil
		}
	}
	return nil, nil
}

// Enabled reports whether the boolean at path is exactly true. Absent,
// non-boolean, and false all mean disabled.
func (r *Resolver) Enabled(ctx context.Context, tenantID, path string, legacyPaths ...string) (bool, error) {
	v, err := r.Value(ctx, tenantID, path, legacyPaths...)
	if err != nil {
		return false, err
	}
	enabled, ok := v.(bool)
	return ok && enabled, nil
}

// Threshold returns the numeric value at path. The second return is
// false when the value is absent or not a number.
func (r *Resolver) Threshold(ctx context.Context, tenantID, path string) (float64, bool, error) {
	v, err := r.Value(ctx, tenantID, path)
	if err != nil {
		return 0, false, err
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	}
	return 0, false, nil
}

// Version returns a short fingerprint of the tenant's config, recorded in
// audit context so a run can be tied to the policy state it saw.
func (r *Resolver) Version(ctx context.Context, tenantID string) (string, error) {
	config, err := r.settings.TenantConfig(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("load tenant config: %w", err)
	}
	return versionFor(config), nil
}

func lookupPath(config map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	var current any = config
	for _, key := range keys {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func versionFor(config map[string]any) string {
	h := fnv.New64a()
	writeCanonical(h, config)
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeCanonical(h interface{ Write([]byte) (int, error) }, v any) {
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			writeCanonical(h, node[k])
		}
	case []any:
		for _, item := range node {
			writeCanonical(h, item)
		}
	default:
		h.Write([]byte(fmt.Sprintf("%v|", node)))
	}
}

// Package policy resolves tenant automation settings. All reads are fail
// closed: a missing setting disables the behavior it guards, and an
// unknown policy key is a hard validation error rather than a pass.
package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/acadeon/chatops/internal/catalog"
)

// PolicyKey is a purpose-category key in the v2 vocabulary. The six v2
// keys are shared with the automation event catalog's categories.
type PolicyKey string

const (
	KeyFinancialHealth      PolicyKey = catalog.CategoryFinancialHealth
	KeyCapacityOptimization PolicyKey = catalog.CategoryCapacityOptimization
	KeyCustomerRetention    PolicyKey = catalog.CategoryCustomerRetention
	KeyGrowthMarketing      PolicyKey = catalog.CategoryGrowthMarketing
	KeySafetyCompliance     PolicyKey = catalog.CategorySafetyCompliance
	KeyWorkforceOps         PolicyKey = catalog.CategoryWorkforceOps
)

// legacyAliases maps retired v1 keys to their v2 replacements. v1 keys
// are accepted on input only; they are never persisted and never appear
// in audit context. workforce_ops is new in v2 and has no alias.
var legacyAliases = map[string]PolicyKey{
	"revenue":   KeyFinancialHealth,
	"occupancy": KeyCapacityOptimization,
	"retention": KeyCustomerRetention,
	"marketing": KeyGrowthMarketing,
	"safety":    KeySafetyCompliance,
}

var canonicalKeys = map[PolicyKey]struct{}{
	KeyFinancialHealth:      {},
	KeyCapacityOptimization: {},
	KeyCustomerRetention:    {},
	KeyGrowthMarketing:      {},
	KeySafetyCompliance:     {},
	KeyWorkforceOps:         {},
}

// Normalize maps a raw policy key, v1 or v2, to its canonical v2 form.
// Unknown keys are a hard error; there is no permissive fallback.
// Normalize is idempotent over its own output.
func Normalize(raw string) (PolicyKey, error) {
	if _, ok := canonicalKeys[PolicyKey(raw)]; ok {
		return PolicyKey(raw), nil
	}
	if v2, ok := legacyAliases[raw]; ok {
		return v2, nil
	}
	return "", fmt.Errorf("unknown policy key %q", raw)
}

// legacyKeyWarned dedupes the migration warning per raw key.
var legacyKeyWarned sync.Map

// NormalizeLogged is Normalize plus a one-time migration warning when a
// retired v1 key is supplied.
func NormalizeLogged(raw string, logger *slog.Logger) (PolicyKey, error) {
	key, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	if IsLegacy(raw) && logger != nil {
		if _, seen := legacyKeyWarned.LoadOrStore(raw, struct{}{}); !seen {
			logger.Warn("legacy policy key supplied", "key", raw, "canonical", string(key))
		}
	}
	return key, nil
}

// IsLegacy reports whether raw is a retired v1 key.
func IsLegacy(raw string) bool {
	_, ok := legacyAliases[raw]
	return ok
}

// legacyNotificationEvents maps canonical event types to the retired v1
// event names still found in pre-migration tenant configs. Only renamed
// events appear here.
var legacyNotificationEvents = map[string]string{
	"overdue_outstanding_over_limit": "overdue",
	"absence_first_day":              "first_absence",
	"class_fill_rate_low_persistent": "low_fill_rate",
	"recurring_payment_failed":       "payment_failed",
	"checkout_missing_alert":         "checkout_missing",
}

// NotificationLegacyPaths returns the fallback read paths for an event
// field, empty when the event was never renamed.
func NotificationLegacyPaths(eventType, field string) []string {
	legacy, ok := legacyNotificationEvents[eventType]
	if !ok {
		return nil
	}
	return []string{"auto_notification." + legacy + "." + field}
}

// CanonicalKeys returns the six v2 keys.
func CanonicalKeys() []PolicyKey {
	return []PolicyKey{
		KeyFinancialHealth,
		KeyCapacityOptimization,
		KeyCustomerRetention,
		KeyGrowthMarketing,
		KeySafetyCompliance,
		KeyWorkforceOps,
	}
}

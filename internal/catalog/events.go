package catalog

import (
	"fmt"
	"sort"
)

// Automation purpose categories. These double as the v2 policy key
// vocabulary; every event type belongs to exactly one.
const (
	CategoryFinancialHealth      = "financial_health"
	CategoryCapacityOptimization = "capacity_optimization"
	CategoryCustomerRetention    = "customer_retention"
	CategoryGrowthMarketing      = "growth_marketing"
	CategorySafetyCompliance     = "safety_compliance"
	CategoryWorkforceOps         = "workforce_ops"
)

// eventCategories maps every known automation event type to its purpose
// category. Class A policy paths are auto_notification.<event>.enabled;
// an event type outside this map fails closed at registry load.
var eventCategories = map[string]string{
	// financial health
	"payment_due_reminder":          CategoryFinancialHealth,
	"invoice_partial_balance":       CategoryFinancialHealth,
	"recurring_payment_failed":      CategoryFinancialHealth,
	"revenue_target_under":          CategoryFinancialHealth,
	"collection_rate_drop":          CategoryFinancialHealth,
	"overdue_outstanding_over_limit": CategoryFinancialHealth,
	"revenue_required_per_day":      CategoryFinancialHealth,
	"top_overdue_customers_digest":  CategoryFinancialHealth,
	"refund_spike":                  CategoryFinancialHealth,
	"monthly_business_report":       CategoryFinancialHealth,

	// capacity optimization
	"class_fill_rate_low_persistent":  CategoryCapacityOptimization,
	"ai_suggest_class_merge":          CategoryCapacityOptimization,
	"time_slot_fill_rate_low":         CategoryCapacityOptimization,
	"high_fill_rate_expand_candidate": CategoryCapacityOptimization,
	"unused_class_persistent":         CategoryCapacityOptimization,
	"weekly_ops_summary":              CategoryCapacityOptimization,

	// customer retention
	"class_reminder_today":        CategoryCustomerRetention,
	"class_schedule_tomorrow":     CategoryCustomerRetention,
	"consultation_reminder":       CategoryCustomerRetention,
	"absence_first_day":           CategoryCustomerRetention,
	"churn_increase":              CategoryCustomerRetention,
	"ai_suggest_churn_focus":      CategoryCustomerRetention,
	"attendance_rate_drop_weekly": CategoryCustomerRetention,
	"risk_students_weekly_kpi":    CategoryCustomerRetention,

	// growth marketing
	"new_member_drop":           CategoryGrowthMarketing,
	"inquiry_conversion_drop":   CategoryGrowthMarketing,
	"birthday_greeting":         CategoryGrowthMarketing,
	"enrollment_anniversary":    CategoryGrowthMarketing,
	"regional_underperformance": CategoryGrowthMarketing,
	"regional_rank_drop":        CategoryGrowthMarketing,

	// safety and compliance
	"class_change_or_cancel":     CategorySafetyCompliance,
	"checkin_reminder":           CategorySafetyCompliance,
	"checkout_missing_alert":     CategorySafetyCompliance,
	"announcement_urgent":        CategorySafetyCompliance,
	"announcement_digest":        CategorySafetyCompliance,
	"consultation_summary_ready": CategorySafetyCompliance,
	"attendance_pattern_anomaly": CategorySafetyCompliance,

	// workforce ops
	"teacher_workload_imbalance":  CategoryWorkforceOps,
	"staff_absence_schedule_risk": CategoryWorkforceOps,
}

// IsKnownEvent reports whether eventType is in the automation event
// catalog.
func IsKnownEvent(eventType string) bool {
	_, ok := eventCategories[eventType]
	return ok
}

// AssertEvent returns an error for event types outside the catalog.
func AssertEvent(eventType string) error {
	if !IsKnownEvent(eventType) {
		return fmt.Errorf("event type %q is not in the automation event catalog", eventType)
	}
	return nil
}

// EventCategory returns the purpose category for a known event type.
func EventCategory(eventType string) (string, bool) {
	cat, ok := eventCategories[eventType]
	return cat, ok
}

// EventTypes returns all known event types in sorted order.
func EventTypes() []string {
	types := make([]string, 0, len(eventCategories))
	for eventType := range eventCategories {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}

// Categories returns the six purpose categories.
func Categories() []string {
	return []string{
		CategoryFinancialHealth,
		CategoryCapacityOptimization,
		CategoryCustomerRetention,
		CategoryGrowthMarketing,
		CategorySafetyCompliance,
		CategoryWorkforceOps,
	}
}

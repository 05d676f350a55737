package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/acadeon/chatops/internal/catalog"
	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/policy"
)

// rolePermissions maps a member role to what it may do through the
// kernel. Unknown roles get nothing.
var rolePermissions = map[string][]string{
	"owner":  {"query", "propose", "approve", "execute", "administer"},
	"admin":  {"query", "propose", "approve", "execute"},
	"staff":  {"query", "propose"},
	"viewer": {"query"},
}

func registerSystem(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	bindings := map[string]dispatch.Handler{
		"rbac.query.my_permissions": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			memberID := req.Actor.ID
			if memberID == "" {
				return nil, domainErrf("request carries no actor")
			}
			role := "viewer"
			if deps.Policies != nil {
				v, err := deps.Policies.Value(ctx, req.TenantID, "rbac.members."+memberID)
				if err != nil {
					return nil, err
				}
				if s, ok := v.(string); ok && s != "" {
					role = s
				}
			}
			perms := rolePermissions[role]
			return result(fmt.Sprintf("%s has role %s", memberID, role),
				map[string]any{"member_id": memberID, "role": role, "permissions": perms}), nil
		},

		"policy.query.automation_rules": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			if deps.Policies == nil {
				return nil, domainErrf("policy resolver not configured")
			}
			rules := make(map[string]bool)
			for _, key := range deps.Catalog.Keys() {
				enabled, err := deps.Policies.Enabled(ctx, req.TenantID, policy.ActionPath(key))
				if err != nil {
					return nil, err
				}
				rules["automation."+key] = enabled
			}
			for _, et := range catalog.EventTypes() {
				path, err := policy.NotificationPath(et, "enabled")
				if err != nil {
					return nil, err
				}
				enabled, err := deps.Policies.Enabled(ctx, req.TenantID, path)
				if err != nil {
					return nil, err
				}
				rules["auto_notification."+et] = enabled
			}
			enabledCount := 0
			for _, on := range rules {
				if on {
					enabledCount++
				}
			}
			return result(fmt.Sprintf("%d of %d automation rules enabled", enabledCount, len(rules)), rules), nil
		},

		"system.query.health": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			snapshot, err := healthSnapshot(ctx, store, req.TenantID)
			if err != nil {
				return nil, err
			}
			return result("kernel healthy", snapshot), nil
		},

		"policy.exec.enable_automation": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			enabled := boolParam(req.Params, "enabled", true)
			var path string
			switch {
			case strParam(req.Params, "action_key", "") != "":
				key := strParam(req.Params, "action_key", "")
				if err := deps.Catalog.AssertAllowed(key); err != nil {
					return nil, domainErr(err)
				}
				path = policy.ActionPath(key)
			case strParam(req.Params, "event_type", "") != "":
				var err error
				path, err = policy.NotificationPath(strParam(req.Params, "event_type", ""), "enabled")
				if err != nil {
					return nil, domainErr(err)
				}
			default:
				return nil, domainErrf("missing required param %q or %q", "action_key", "event_type")
			}
			if err := store.SetTenantConfigValue(ctx, req.TenantID, path, enabled); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("set %s = %t", path, enabled),
				map[string]any{"path": path, "enabled": enabled}), nil
		},

		"policy.exec.update_threshold": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			rawKey, err := requireStr(req.Params, "policy_key")
			if err != nil {
				return nil, err
			}
			key, err := policy.NormalizeLogged(rawKey, deps.Logger)
			if err != nil {
				return nil, domainErr(err)
			}
			field, err := requireStr(req.Params, "field")
			if err != nil {
				return nil, err
			}
			value, ok := req.Params["value"].(float64)
			if !ok {
				return nil, domainErrf("missing required param %q", "value")
			}
			path := policy.ThresholdPath(key, field)
			if err := store.SetTenantConfigValue(ctx, req.TenantID, path, value); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("set %s = %v", path, value),
				map[string]any{"path": path, "value": value}), nil
		},

		"rbac.exec.assign_role": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			memberID, err := requireStr(req.Params, "member_id")
			if err != nil {
				return nil, err
			}
			role, err := requireStr(req.Params, "role")
			if err != nil {
				return nil, err
			}
			if _, ok := rolePermissions[role]; !ok {
				return nil, domainErrf("unknown role %q", role)
			}
			if err := store.SetTenantConfigValue(ctx, req.TenantID, "rbac.members."+memberID, role); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("assigned role %s to %s", role, memberID),
				map[string]any{"member_id": memberID, "role": role}), nil
		},

		"system.exec.run_healthcheck": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			snapshot, err := healthSnapshot(ctx, store, req.TenantID)
			if err != nil {
				return nil, domainErr(err)
			}
			due, err := store.DueSchedules(ctx, time.Now().UTC())
			if err != nil {
				return nil, err
			}
			snapshot["due_schedules"] = len(due)
			return result("healthcheck passed", snapshot), nil
		},

		"system.exec.rebuild_search_index": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			// SQLite keeps query plans honest through its statistics tables;
			// rebuilding means reindexing and re-analyzing.
			for _, stmt := range []string{`REINDEX;`, `ANALYZE;`} {
				if _, err := store.DB().ExecContext(ctx, stmt); err != nil {
					return nil, domainErrf("rebuild index: %v", err)
				}
			}
			return result("search index rebuilt", map[string]any{"rebuilt": true}), nil
		},

		"system.exec.backfill_reports": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			months := intParam(req.Params, "months", 3)
			if months < 1 || months > 24 {
				return nil, domainErrf("months must be between 1 and 24")
			}
			now := time.Now().UTC()
			var reports []monthlyReport
			for i := 1; i <= months; i++ {
				month := now.AddDate(0, -i, 0).Format("2006-01")
				report, err := buildMonthlyReport(ctx, store, req.TenantID, month)
				if err != nil {
					return nil, err
				}
				reports = append(reports, *report)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("backfilled %d monthly reports", len(reports)),
				Payload:      map[string]any{"reports": reports},
				SuccessCount: len(reports),
			}, nil
		},

		"system.exec.retry_failed_actions": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			// Retry covers the two action classes that leave retryable
			// residue: failed deliveries and failed gateway payments.
			month := monthParam(req.Params, "month")

			failedMsgs, err := store.MessagesByStatus(ctx, req.TenantID, persistence.MessageFailed, 100)
			if err != nil {
				return nil, err
			}
			resent, stillFailed := 0, 0
			for _, msg := range failedMsgs {
				d := channels.Delivery{TenantID: req.TenantID, Recipient: msg.Recipient, Body: msg.Body}
				if sendErr := deps.Notifier.Send(ctx, d); sendErr != nil {
					stillFailed++
					continue
				}
				resent++
			}

			failedInvoices, err := store.InvoicesByMonthStatus(ctx, req.TenantID, month, persistence.InvoiceFailed)
			if err != nil {
				return nil, err
			}
			requeued := 0
			for _, inv := range failedInvoices {
				if err := store.UpdateInvoiceStatus(ctx, req.TenantID, inv.ID, persistence.InvoiceIssued,
					persistence.InvoiceFailed); err != nil {
					return nil, domainErr(err)
				}
				requeued++
			}

			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("resent %d messages, requeued %d invoices", resent, requeued),
				Payload:      map[string]any{"resent": resent, "still_failed": stillFailed, "requeued_invoices": requeued},
				SuccessCount: resent + requeued,
				FailedCount:  stillFailed,
			}, nil
		},
	}

	for key, h := range bindings {
		if err := reg.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}

// boolParam reads a boolean param with a fallback.
func boolParam(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

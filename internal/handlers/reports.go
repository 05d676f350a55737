package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

// monthlyReport is the generated business report document.
type monthlyReport struct {
	Month          string  `json:"month"`
	AttendanceRate float64 `json:"attendance_rate"`
	Records        int     `json:"attendance_records"`
	BilledTotal    int64   `json:"billed_total"`
	CollectedTotal int64   `json:"collected_total"`
	OverdueCount   int     `json:"overdue_count"`
	OverdueTotal   int64   `json:"overdue_total"`
	ActiveStudents int     `json:"active_students"`
}

func buildMonthlyReport(ctx context.Context, store *persistence.Store, tenantID, month string) (*monthlyReport, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, domainErrf("param %q is not a month: %v", "month", err)
	}
	from := start.Format("2006-01-02")
	to := start.AddDate(0, 1, -1).Format("2006-01-02")

	counts, err := store.AttendanceSummary(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	rate, total := attendanceRate(counts)

	kpi, err := store.BillingKPISummary(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	overdueCount, outstanding, err := store.OverdueSummary(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	active, err := store.StudentsByStatus(ctx, tenantID, persistence.StudentActive)
	if err != nil {
		return nil, err
	}
	return &monthlyReport{
		Month:          month,
		AttendanceRate: rate,
		Records:        total,
		BilledTotal:    kpi.BilledTotal,
		CollectedTotal: kpi.CollectedTotal,
		OverdueCount:   overdueCount,
		OverdueTotal:   outstanding,
		ActiveStudents: len(active),
	}, nil
}

func registerReports(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	bindings := map[string]dispatch.Handler{
		"report.query.dashboard_kpi": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			report, err := buildMonthlyReport(ctx, store, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("dashboard for %s: %.1f%% attendance, %d collected",
				month, report.AttendanceRate*100, report.CollectedTotal), report), nil
		},

		"report.query.attendance_summary": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, to := rangeParams(req.Params)
			counts, err := store.AttendanceSummary(ctx, req.TenantID, from, to)
			if err != nil {
				return nil, err
			}
			rate, total := attendanceRate(counts)
			return result(fmt.Sprintf("attendance %s to %s: %.1f%% over %d records", from, to, rate*100, total),
				map[string]any{"from": from, "to": to, "rate": rate, "counts": counts}), nil
		},

		"report.query.billing_summary": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			kpi, err := store.BillingKPISummary(ctx, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("billing %s: billed %d, collected %d", month, kpi.BilledTotal, kpi.CollectedTotal), kpi), nil
		},

		"report.query.export_dataset": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			report, err := buildMonthlyReport(ctx, store, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("dataset for %s exported", month),
				map[string]any{"month": month, "format": "json", "dataset": report}), nil
		},

		"report.query.health_snapshot": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			snapshot, err := healthSnapshot(ctx, store, req.TenantID)
			if err != nil {
				return nil, err
			}
			return result("health snapshot ready", snapshot), nil
		},

		"report.exec.send_report": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			report, err := buildMonthlyReport(ctx, store, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			recipients := strSlice(req.Params, "recipients")
			if len(recipients) == 0 {
				recipients = []string{"staff"}
			}
			body := fmt.Sprintf("Monthly report %s: attendance %.1f%%, billed %d, collected %d, %d overdue (%d outstanding), %d active students.",
				report.Month, report.AttendanceRate*100, report.BilledTotal, report.CollectedTotal,
				report.OverdueCount, report.OverdueTotal, report.ActiveStudents)
			var deliveries []channels.Delivery
			for _, r := range recipients {
				deliveries = append(deliveries, channels.Delivery{Recipient: r, Body: body})
			}
			return deliver(ctx, deps, req.TenantID, "staff", "monthly report", deliveries)
		},

		"report.exec.schedule_monthly_report": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			now := time.Now().UTC()
			// First day of next month.
			next := time.Date(now.Year(), now.Month(), 1, 9, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
			sched := &persistence.Schedule{
				TenantID:  req.TenantID,
				Name:      "monthly report delivery",
				CronExpr:  "0 9 1 * *",
				IntentKey: "report.exec.send_report",
				Params:    scheduleParams(req.Params),
				Enabled:   true,
				NextRunAt: next,
			}
			if err := store.CreateSchedule(ctx, sched); err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("monthly report scheduled, next delivery %s", next.Format("2006-01-02")),
				map[string]any{"schedule_id": sched.ID, "next_run_at": next}), nil
		},

		"report.exec.generate_monthly_report": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			report, err := buildMonthlyReport(ctx, store, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("monthly report generated for %s", month), report), nil
		},

		"report.exec.generate_daily_brief": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			date := dateParam(req.Params, "date")
			counts, err := store.AttendanceSummary(ctx, req.TenantID, date, date)
			if err != nil {
				return nil, err
			}
			unchecked, err := store.UncheckedStudents(ctx, req.TenantID, date)
			if err != nil {
				return nil, err
			}
			day, _ := time.Parse("2006-01-02", date)
			sessions, err := store.SessionsBetween(ctx, req.TenantID, day, day.AddDate(0, 0, 1))
			if err != nil {
				return nil, err
			}
			brief := fmt.Sprintf("Daily brief %s: %d present, %d late, %d absent, %d unchecked, %d sessions.",
				date, counts[persistence.AttendancePresent], counts[persistence.AttendanceLate],
				counts[persistence.AttendanceAbsent], len(unchecked), len(sessions))
			return result(fmt.Sprintf("daily brief generated for %s", date),
				map[string]any{"date": date, "brief": brief, "counts": counts, "sessions": len(sessions)}), nil
		},
	}

	for key, h := range bindings {
		if err := reg.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}

// healthSnapshot is a shallow operational check shared by the report
// query and the system healthcheck.
func healthSnapshot(ctx context.Context, store *persistence.Store, tenantID string) (map[string]any, error) {
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store unhealthy: %w", err)
	}
	runs, _, _, err := store.ListRuns(ctx, tenantID, persistence.RunFilter{
		Status: persistence.RunFailed,
		Limit:  10,
	})
	if err != nil {
		return nil, err
	}
	pending, err := store.ListTaskCards(ctx, tenantID, persistence.CardPending, 50)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"store":              "ok",
		"recent_failed_runs": len(runs),
		"pending_task_cards": len(pending),
		"checked_at":         time.Now().UTC(),
	}, nil
}

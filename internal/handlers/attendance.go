package handlers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

func registerAttendance(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	byStatus := func(status persistence.AttendanceStatus) dispatch.Handler {
		return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			date := dateParam(req.Params, "date")
			records, err := store.AttendanceByDateStatus(ctx, req.TenantID, date, status)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d students %s on %s", len(records), status, date), records), nil
		}
	}

	bindings := map[string]dispatch.Handler{
		"attendance.query.late":        byStatus(persistence.AttendanceLate),
		"attendance.query.absent":      byStatus(persistence.AttendanceAbsent),
		"attendance.query.early_leave": byStatus(persistence.AttendanceEarlyLeave),

		"attendance.query.by_student": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			from, to := rangeParams(req.Params)
			records, err := store.AttendanceForStudent(ctx, req.TenantID, studentID, from, to)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d records for student %s", len(records), studentID), records), nil
		},

		"attendance.query.unchecked": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			date := dateParam(req.Params, "date")
			students, err := store.UncheckedStudents(ctx, req.TenantID, date)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d students unchecked on %s", len(students), date), students), nil
		},

		"attendance.query.by_class": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			from, to := rangeParams(req.Params)
			roster, err := store.ClassRoster(ctx, req.TenantID, classID)
			if err != nil {
				return nil, err
			}
			counts := make(map[persistence.AttendanceStatus]int)
			for _, st := range roster {
				records, err := store.AttendanceForStudent(ctx, req.TenantID, st.ID, from, to)
				if err != nil {
					return nil, err
				}
				for _, rec := range records {
					counts[rec.Status]++
				}
			}
			return result(fmt.Sprintf("attendance for class %s, %d students", classID, len(roster)),
				map[string]any{"class_id": classID, "students": len(roster), "counts": counts}), nil
		},

		"attendance.query.streak_absent": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			minDays := intParam(req.Params, "min_days", 3)
			from, to := rangeParams(req.Params)
			students, err := store.StreakAbsentStudents(ctx, req.TenantID, minDays, from, to)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d students absent %d+ days", len(students), minDays), students), nil
		},

		"attendance.query.rate_summary": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, to := rangeParams(req.Params)
			counts, err := store.AttendanceSummary(ctx, req.TenantID, from, to)
			if err != nil {
				return nil, err
			}
			rate, total := attendanceRate(counts)
			return result(fmt.Sprintf("attendance rate %.1f%% over %d records", rate*100, total),
				map[string]any{"from": from, "to": to, "rate": rate, "counts": counts}), nil
		},

		"attendance.query.rate_drop": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			now := time.Now().UTC()
			curFrom, curTo := now.AddDate(0, 0, -7).Format("2006-01-02"), now.Format("2006-01-02")
			prevFrom, prevTo := now.AddDate(0, 0, -14).Format("2006-01-02"), now.AddDate(0, 0, -8).Format("2006-01-02")

			current, err := store.AttendanceSummary(ctx, req.TenantID, curFrom, curTo)
			if err != nil {
				return nil, err
			}
			previous, err := store.AttendanceSummary(ctx, req.TenantID, prevFrom, prevTo)
			if err != nil {
				return nil, err
			}
			curRate, _ := attendanceRate(current)
			prevRate, _ := attendanceRate(previous)
			drop := prevRate - curRate
			return result(fmt.Sprintf("attendance rate moved %.1f%% -> %.1f%% week over week", prevRate*100, curRate*100),
				map[string]any{"current_rate": curRate, "previous_rate": prevRate, "drop": drop}), nil
		},

		"attendance.query.late_rank": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, to := rangeParams(req.Params)
			limit := intParam(req.Params, "limit", 10)
			ranked, err := store.LateRank(ctx, req.TenantID, from, to, limit)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("top %d late arrivals", len(ranked)), ranked), nil
		},

		"attendance.query.export_csv": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, to := rangeParams(req.Params)
			counts, err := store.AttendanceSummary(ctx, req.TenantID, from, to)
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			w := csv.NewWriter(&sb)
			_ = w.Write([]string{"status", "count"})
			for _, status := range []persistence.AttendanceStatus{
				persistence.AttendancePresent, persistence.AttendanceLate, persistence.AttendanceAbsent,
				persistence.AttendanceExcused, persistence.AttendanceEarlyLeave, persistence.AttendanceUnchecked,
			} {
				_ = w.Write([]string{string(status), strconv.Itoa(counts[status])})
			}
			w.Flush()
			return result("attendance export ready", map[string]any{"format": "csv", "data": sb.String()}), nil
		},

		"attendance.exec.notify_guardians_late": notifyByStatus(deps, persistence.AttendanceLate,
			func(st persistence.Student) string {
				return fmt.Sprintf("%s arrived late today. Please check in with them.", st.Name)
			}),
		"attendance.exec.notify_guardians_absent": notifyByStatus(deps, persistence.AttendanceAbsent,
			func(st persistence.Student) string {
				return fmt.Sprintf("%s was absent today. We wanted to let you know.", st.Name)
			}),
		"attendance.exec.request_reason_message": notifyByStatus(deps, persistence.AttendanceAbsent,
			func(st persistence.Student) string {
				return fmt.Sprintf("%s was marked absent today. Could you share the reason?", st.Name)
			}),

		"attendance.exec.send_staff_summary": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			date := dateParam(req.Params, "date")
			counts, err := store.AttendanceSummary(ctx, req.TenantID, date, date)
			if err != nil {
				return nil, err
			}
			recipient := strParam(req.Params, "recipient", "staff")
			body := fmt.Sprintf("Attendance %s: %d present, %d late, %d absent, %d unchecked.",
				date, counts[persistence.AttendancePresent], counts[persistence.AttendanceLate],
				counts[persistence.AttendanceAbsent], counts[persistence.AttendanceUnchecked])
			return deliver(ctx, deps, req.TenantID, "staff", "attendance summary",
				[]channels.Delivery{{Recipient: recipient, Body: body}})
		},

		"attendance.exec.correct_record": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			status, err := requireStr(req.Params, "status")
			if err != nil {
				return nil, err
			}
			if !persistence.ValidAttendanceStatus(status) {
				return nil, domainErrf("unknown attendance status %q", status)
			}
			date := dateParam(req.Params, "date")
			rec := &persistence.AttendanceRecord{
				TenantID:  req.TenantID,
				StudentID: studentID,
				Date:      date,
				Status:    persistence.AttendanceStatus(status),
				Note:      strParam(req.Params, "note", ""),
			}
			if err := store.UpsertAttendance(ctx, rec); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("set %s to %s on %s", studentID, status, date), rec), nil
		},

		"attendance.exec.mark_excused": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			date := dateParam(req.Params, "date")
			rec := &persistence.AttendanceRecord{
				TenantID:  req.TenantID,
				StudentID: studentID,
				Date:      date,
				Status:    persistence.AttendanceExcused,
				Note:      strParam(req.Params, "reason", ""),
			}
			if err := store.UpsertAttendance(ctx, rec); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("excused %s on %s", studentID, date), rec), nil
		},

		"attendance.exec.bulk_update": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, err := requireStr(req.Params, "from_status")
			if err != nil {
				return nil, err
			}
			to, err := requireStr(req.Params, "to_status")
			if err != nil {
				return nil, err
			}
			date := dateParam(req.Params, "date")
			affected, err := store.BulkSetAttendance(ctx, req.TenantID, date,
				persistence.AttendanceStatus(from), persistence.AttendanceStatus(to))
			if err != nil {
				return nil, domainErr(err)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("moved %d records %s -> %s on %s", affected, from, to, date),
				Payload:      map[string]any{"affected": affected},
				SuccessCount: int(affected),
			}, nil
		},

		"attendance.exec.schedule_recheck": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			delayMin := intParam(req.Params, "delay_minutes", 60)
			sched := &persistence.Schedule{
				TenantID:  req.TenantID,
				Name:      "attendance recheck",
				IntentKey: "attendance.query.unchecked",
				Params:    scheduleParams(req.Params),
				Enabled:   true,
				NextRunAt: time.Now().UTC().Add(time.Duration(delayMin) * time.Minute),
			}
			if err := store.CreateSchedule(ctx, sched); err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("recheck scheduled in %d minutes", delayMin),
				map[string]any{"schedule_id": sched.ID, "next_run_at": sched.NextRunAt}), nil
		},
	}

	for key, h := range bindings {
		if err := reg.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}

// notifyByStatus builds the guardian-notification handler for one
// attendance status.
func notifyByStatus(deps Deps, status persistence.AttendanceStatus, body func(persistence.Student) string) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
		date := dateParam(req.Params, "date")
		records, err := deps.Store.AttendanceByDateStatus(ctx, req.TenantID, date, status)
		if err != nil {
			return nil, err
		}
		var students []persistence.Student
		for _, rec := range records {
			st, err := deps.Store.GetStudent(ctx, req.TenantID, rec.StudentID)
			if err != nil {
				return nil, err
			}
			students = append(students, *st)
		}
		deliveries := guardianDeliveries(students, body)
		if len(deliveries) == 0 {
			return &dispatch.HandlerResult{
				Summary: fmt.Sprintf("no reachable guardians for %s on %s", status, date),
				Payload: map[string]any{"sent": 0, "failed": 0},
			}, nil
		}
		return deliver(ctx, deps, req.TenantID, "guardian", "attendance notice", deliveries)
	}
}

// attendanceRate is present+late+excused over all checked records.
func attendanceRate(counts map[persistence.AttendanceStatus]int) (rate float64, total int) {
	for status, n := range counts {
		if status == persistence.AttendanceUnchecked {
			continue
		}
		total += n
	}
	if total == 0 {
		return 0, 0
	}
	attended := counts[persistence.AttendancePresent] + counts[persistence.AttendanceLate] + counts[persistence.AttendanceExcused]
	return float64(attended) / float64(total), total
}

func scheduleParams(params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

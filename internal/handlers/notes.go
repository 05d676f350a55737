package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

func registerNotes(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	bindings := map[string]dispatch.Handler{
		"note.query.by_student": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			notes, err := store.NotesForStudent(ctx, req.TenantID, studentID)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d notes for student %s", len(notes), studentID), notes), nil
		},

		"note.draft.consult_summary": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			st, err := studentFromParams(ctx, store, req)
			if err != nil {
				return nil, err
			}
			notes, err := store.NotesForStudent(ctx, req.TenantID, st.ID)
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Consultation summary for %s\n\n", st.Name)
			if len(notes) == 0 {
				sb.WriteString("No counseling notes on file.\n")
			}
			for _, n := range notes {
				fmt.Fprintf(&sb, "- %s: %s\n", n.CreatedAt.Format("2006-01-02"), n.Body)
			}
			return result(fmt.Sprintf("consultation draft for %s, %d notes", st.Name, len(notes)),
				map[string]any{"student_id": st.ID, "draft": sb.String()}), nil
		},

		"ai.summarize.student_history": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			st, err := studentFromParams(ctx, store, req)
			if err != nil {
				return nil, err
			}
			summary, err := studentHistory(ctx, store, req.TenantID, st)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("history summary for %s", st.Name),
				map[string]any{"student_id": st.ID, "summary": summary}), nil
		},

		"ai.summarize.class_history": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			roster, err := store.ClassRoster(ctx, req.TenantID, classID)
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "Class %s: %d enrolled students.\n", classID, len(roster))
			for _, st := range roster {
				line, histErr := studentHistory(ctx, store, req.TenantID, &st)
				if histErr != nil {
					return nil, histErr
				}
				fmt.Fprintf(&sb, "- %s\n", line)
			}
			return result(fmt.Sprintf("history summary for class %s", classID),
				map[string]any{"class_id": classID, "summary": sb.String()}), nil
		},

		"ai.generate.followup_message": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			st, err := studentFromParams(ctx, store, req)
			if err != nil {
				return nil, err
			}
			reason := strParam(req.Params, "reason", "recent attendance")
			draft := fmt.Sprintf("Hello, this is about %s. We noticed %s and wanted to check in. Could we find a time to talk this week?",
				st.Name, reason)
			return result(fmt.Sprintf("follow-up draft for %s", st.Name),
				map[string]any{"student_id": st.ID, "draft": draft}), nil
		},

		"ai.generate.counseling_agenda": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			st, err := studentFromParams(ctx, store, req)
			if err != nil {
				return nil, err
			}
			notes, err := store.NotesForStudent(ctx, req.TenantID, st.ID)
			if err != nil {
				return nil, err
			}
			agenda := []string{
				fmt.Sprintf("Review enrollment status (%s)", st.Status),
				"Attendance over the last month",
				"Billing standing",
			}
			if len(notes) > 0 {
				agenda = append(agenda, fmt.Sprintf("Follow up on last note (%s)", notes[0].CreatedAt.Format("2006-01-02")))
			}
			return result(fmt.Sprintf("counseling agenda for %s, %d items", st.Name, len(agenda)),
				map[string]any{"student_id": st.ID, "agenda": agenda}), nil
		},

		"ai.query.export_ai_briefing": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			from, to := rangeParams(req.Params)
			counts, err := store.AttendanceSummary(ctx, req.TenantID, from, to)
			if err != nil {
				return nil, err
			}
			streaks, err := store.StreakAbsentStudents(ctx, req.TenantID, 3, from, to)
			if err != nil {
				return nil, err
			}
			month := monthParam(req.Params, "month")
			overdueCount, outstanding, err := store.OverdueSummary(ctx, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			rate, total := attendanceRate(counts)
			briefing := fmt.Sprintf(
				"Briefing %s to %s: attendance %.1f%% over %d records, %d students on a 3+ day absence streak, %d overdue invoices totalling %d.",
				from, to, rate*100, total, len(streaks), overdueCount, outstanding)
			return result("briefing exported", map[string]any{
				"briefing":         briefing,
				"attendance_rate":  rate,
				"streak_absent":    len(streaks),
				"overdue_count":    overdueCount,
				"overdue_total":    outstanding,
			}), nil
		},

		"ai.exec.request_staff_review": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			subject, err := requireStr(req.Params, "subject")
			if err != nil {
				return nil, err
			}
			recipient := strParam(req.Params, "recipient", "staff")
			body := fmt.Sprintf("A generated summary is ready for review: %s", subject)
			return deliver(ctx, deps, req.TenantID, "staff", "review requested",
				[]channels.Delivery{{Recipient: recipient, Body: body}})
		},

		"ai.exec.escalate_emergency": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			signal, err := requireStr(req.Params, "signal")
			if err != nil {
				return nil, err
			}
			recipients := strSlice(req.Params, "recipients")
			if len(recipients) == 0 {
				recipients = []string{"staff"}
			}
			var deliveries []channels.Delivery
			for _, r := range recipients {
				deliveries = append(deliveries, channels.Delivery{
					Recipient: r,
					Body:      fmt.Sprintf("URGENT: %s. Immediate attention needed.", signal),
				})
			}
			return deliver(ctx, deps, req.TenantID, "staff", "URGENT", deliveries)
		},

		"note.exec.create": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			body, err := requireStr(req.Params, "body")
			if err != nil {
				return nil, err
			}
			note := &persistence.Note{TenantID: req.TenantID, StudentID: studentID, Body: body}
			if err := store.InsertNote(ctx, note); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("note created for student %s", studentID), note), nil
		},

		"note.exec.update": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			noteID, err := requireStr(req.Params, "note_id")
			if err != nil {
				return nil, err
			}
			body, err := requireStr(req.Params, "body")
			if err != nil {
				return nil, err
			}
			if err := store.UpdateNote(ctx, req.TenantID, noteID, body); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("note %s updated", noteID),
				map[string]any{"note_id": noteID}), nil
		},
	}

	for key, h := range bindings {
		if err := reg.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}

// studentHistory renders one line of enrollment, attendance, and note
// facts for a student.
func studentHistory(ctx context.Context, store *persistence.Store, tenantID string, st *persistence.Student) (string, error) {
	from, to := rangeParams(nil)
	records, err := store.AttendanceForStudent(ctx, tenantID, st.ID, from, to)
	if err != nil {
		return "", err
	}
	absences := 0
	for _, rec := range records {
		if rec.Status == persistence.AttendanceAbsent {
			absences++
		}
	}
	notes, err := store.NotesForStudent(ctx, tenantID, st.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%s): %d attendance records last week, %d absences, %d counseling notes",
		st.Name, st.Status, len(records), absences, len(notes)), nil
}

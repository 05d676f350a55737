package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

// templateVarPattern matches {{variable}} placeholders.
var templateVarPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// knownTemplateVars is the set a template may reference; everything is
// resolvable from the student row at send time.
var knownTemplateVars = map[string]struct{}{
	"student_name":   {},
	"guardian_phone": {},
	"class_id":       {},
	"month":          {},
	"amount":         {},
	"date":           {},
	"link":           {},
}

func registerMessages(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	messageLog := func(status persistence.MessageStatus, label string) dispatch.Handler {
		return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			limit := intParam(req.Params, "limit", 50)
			msgs, err := store.MessagesByStatus(ctx, req.TenantID, status, limit)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d %s messages", len(msgs), label), msgs), nil
		}
	}

	draft := func(kind string, body func(map[string]any) string) dispatch.Handler {
		return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			text := body(req.Params)
			return result(fmt.Sprintf("%s draft ready", kind),
				map[string]any{"kind": kind, "body": text}), nil
		}
	}

	bindings := map[string]dispatch.Handler{
		"message.query.sent_log":   messageLog(persistence.MessageSent, "sent"),
		"message.query.failed_log": messageLog(persistence.MessageFailed, "failed"),

		"message.query.variables_check": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			name, err := requireStr(req.Params, "template")
			if err != nil {
				return nil, err
			}
			tpl, err := store.GetTemplate(ctx, req.TenantID, name)
			if err != nil {
				return nil, domainErr(err)
			}
			var unknown []string
			for _, m := range templateVarPattern.FindAllStringSubmatch(tpl.Body, -1) {
				if _, ok := knownTemplateVars[m[1]]; !ok {
					unknown = append(unknown, m[1])
				}
			}
			summary := fmt.Sprintf("template %s checks out", name)
			if len(unknown) > 0 {
				summary = fmt.Sprintf("template %s references %d unknown variables", name, len(unknown))
			}
			return result(summary, map[string]any{"template": name, "unknown_variables": unknown}), nil
		},

		"message.draft.absence_notice": draft("absence_notice", func(p map[string]any) string {
			return fmt.Sprintf("{{student_name}} was absent on %s. Please let us know the reason.", dateParam(p, "date"))
		}),
		"message.draft.overdue_notice": draft("overdue_notice", func(p map[string]any) string {
			return fmt.Sprintf("The %s tuition for {{student_name}} is overdue. Please settle at your convenience.", monthParam(p, "month"))
		}),
		"message.draft.general_notice": draft("general_notice", func(p map[string]any) string {
			return strParam(p, "body", "Notice for the guardian of {{student_name}}.")
		}),
		"message.draft.payment_link_notice": draft("payment_link_notice", func(p map[string]any) string {
			return "Tuition for {{student_name}}: pay securely at {{link}}."
		}),

		"message.preview.audience": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			students, err := audienceStudents(ctx, store, req.TenantID, req.Params)
			if err != nil {
				return nil, err
			}
			reachable := 0
			for _, st := range students {
				if st.GuardianPhone != "" {
					reachable++
				}
			}
			return result(fmt.Sprintf("audience is %d students, %d reachable", len(students), reachable),
				map[string]any{"total": len(students), "reachable": reachable}), nil
		},

		"message.preview.template_render": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			name, err := requireStr(req.Params, "template")
			if err != nil {
				return nil, err
			}
			tpl, err := store.GetTemplate(ctx, req.TenantID, name)
			if err != nil {
				return nil, domainErr(err)
			}
			sample := map[string]string{
				"student_name": "Sample Student", "guardian_phone": "010-0000-0000",
				"class_id": "sample-class", "month": monthParam(req.Params, "month"),
				"amount": "100000", "date": dateParam(req.Params, "date"), "link": "https://pay.example/abc",
			}
			rendered := renderTemplate(tpl.Body, sample)
			return result(fmt.Sprintf("rendered template %s", name),
				map[string]any{"template": name, "rendered": rendered}), nil
		},

		"message.exec.send_to_guardian": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			st, err := studentFromParams(ctx, store, req)
			if err != nil {
				return nil, err
			}
			body, err := requireStr(req.Params, "body")
			if err != nil {
				return nil, err
			}
			if st.GuardianPhone == "" {
				return nil, domainErrf("student %s has no guardian contact", st.ID)
			}
			return deliver(ctx, deps, req.TenantID, "guardian", strParam(req.Params, "subject", "notice"),
				[]channels.Delivery{{Recipient: st.GuardianPhone, Body: renderForStudent(body, st)}})
		},

		"message.exec.send_bulk": bulkSend(deps, nil),

		"message.exec.optout_respect_audit": bulkSend(deps, func(st persistence.Student) (skip bool, reason string) {
			if strings.Contains(st.Tags, "optout") {
				return true, "opted out"
			}
			return false, ""
		}),

		"message.exec.schedule_bulk": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			if _, err := requireStr(req.Params, "body"); err != nil {
				return nil, err
			}
			delayHours := intParam(req.Params, "delay_hours", 1)
			sched := &persistence.Schedule{
				TenantID:  req.TenantID,
				Name:      "scheduled bulk send",
				IntentKey: "message.exec.send_bulk",
				Params:    scheduleParams(req.Params),
				Enabled:   true,
				NextRunAt: time.Now().UTC().Add(time.Duration(delayHours) * time.Hour),
			}
			if err := store.CreateSchedule(ctx, sched); err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("bulk send scheduled in %d hours", delayHours),
				map[string]any{"schedule_id": sched.ID, "next_run_at": sched.NextRunAt}), nil
		},

		"message.exec.resend_failed": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			limit := intParam(req.Params, "limit", 100)
			failed, err := store.MessagesByStatus(ctx, req.TenantID, persistence.MessageFailed, limit)
			if err != nil {
				return nil, err
			}
			var deliveries []channels.Delivery
			for _, msg := range failed {
				deliveries = append(deliveries, channels.Delivery{Recipient: msg.Recipient, Body: msg.Body})
			}
			if len(deliveries) == 0 {
				return &dispatch.HandlerResult{
					Summary: "no failed messages to resend",
					Payload: map[string]any{"sent": 0, "failed": 0},
				}, nil
			}
			return deliver(ctx, deps, req.TenantID, "guardian", "resend", deliveries)
		},

		"message.exec.staff_broadcast": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			body, err := requireStr(req.Params, "body")
			if err != nil {
				return nil, err
			}
			recipients := strSlice(req.Params, "recipients")
			if len(recipients) == 0 {
				recipients = []string{"staff"}
			}
			var deliveries []channels.Delivery
			for _, r := range recipients {
				deliveries = append(deliveries, channels.Delivery{Recipient: r, Body: body})
			}
			return deliver(ctx, deps, req.TenantID, "staff", strParam(req.Params, "subject", "staff notice"), deliveries)
		},

		"message.exec.class_schedule_change_notice": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			classID, err := requireStr(req.Params, "class_id")
			if err != nil {
				return nil, err
			}
			change, err := requireStr(req.Params, "change")
			if err != nil {
				return nil, err
			}
			roster, err := store.ClassRoster(ctx, req.TenantID, classID)
			if err != nil {
				return nil, err
			}
			deliveries := guardianDeliveries(roster, func(st persistence.Student) string {
				return fmt.Sprintf("Schedule change for %s's class: %s", st.Name, change)
			})
			if len(deliveries) == 0 {
				return nil, domainErrf("class %s has no reachable guardians", classID)
			}
			return deliver(ctx, deps, req.TenantID, "guardian", "schedule change", deliveries)
		},

		"message.exec.emergency_notice": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			body, err := requireStr(req.Params, "body")
			if err != nil {
				return nil, err
			}
			students, err := store.StudentsByStatus(ctx, req.TenantID, persistence.StudentActive)
			if err != nil {
				return nil, err
			}
			deliveries := guardianDeliveries(students, func(st persistence.Student) string {
				return body
			})
			if len(deliveries) == 0 {
				return nil, domainErrf("no reachable guardians")
			}
			return deliver(ctx, deps, req.TenantID, "broadcast", "URGENT", deliveries)
		},

		"message.exec.cancel_scheduled": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			messageID, err := requireStr(req.Params, "message_id")
			if err != nil {
				return nil, err
			}
			if err := store.CancelScheduledMessage(ctx, req.TenantID, messageID); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("cancelled scheduled message %s", messageID),
				map[string]any{"message_id": messageID}), nil
		},

		"message.exec.create_template": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			name, err := requireStr(req.Params, "name")
			if err != nil {
				return nil, err
			}
			body, err := requireStr(req.Params, "body")
			if err != nil {
				return nil, err
			}
			tpl := &persistence.Template{TenantID: req.TenantID, Name: name, Body: body}
			if err := store.InsertTemplate(ctx, tpl); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("created template %s", name), tpl), nil
		},

		"message.exec.update_template": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			name, err := requireStr(req.Params, "name")
			if err != nil {
				return nil, err
			}
			body, err := requireStr(req.Params, "body")
			if err != nil {
				return nil, err
			}
			if err := store.UpdateTemplate(ctx, req.TenantID, name, body); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("updated template %s", name),
				map[string]any{"name": name}), nil
		},
	}

	for key, h := range bindings {
		if err := reg.Register(key, h); err != nil {
			return err
		}
	}
	return nil
}

// bulkSend builds the audience from the filter params, applies the
// optional exclusion, and delivers the body to every reachable guardian.
func bulkSend(deps Deps, exclude func(persistence.Student) (bool, string)) dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
		body, err := requireStr(req.Params, "body")
		if err != nil {
			return nil, err
		}
		students, err := audienceStudents(ctx, deps.Store, req.TenantID, req.Params)
		if err != nil {
			return nil, err
		}
		var deliveries []channels.Delivery
		var excluded []map[string]string
		for _, st := range students {
			if exclude != nil {
				if skip, reason := exclude(st); skip {
					excluded = append(excluded, map[string]string{"student_id": st.ID, "reason": reason})
					continue
				}
			}
			if st.GuardianPhone == "" {
				continue
			}
			deliveries = append(deliveries, channels.Delivery{
				Recipient: st.GuardianPhone,
				Body:      renderForStudent(body, &st),
			})
		}
		if len(deliveries) == 0 {
			return &dispatch.HandlerResult{
				Summary: "audience empty after filtering",
				Payload: map[string]any{"sent": 0, "failed": 0, "excluded": excluded},
			}, nil
		}
		res, err := deliver(ctx, deps, req.TenantID, "broadcast", strParam(req.Params, "subject", "notice"), deliveries)
		if err != nil {
			return nil, err
		}
		if len(excluded) > 0 {
			payload, _ := res.Payload.(map[string]any)
			if payload != nil {
				payload["excluded"] = excluded
			}
			res.Summary = fmt.Sprintf("%s, %d excluded", res.Summary, len(excluded))
		}
		return res, nil
	}
}

// audienceStudents resolves a class or status filter into students.
func audienceStudents(ctx context.Context, store *persistence.Store, tenantID string, params map[string]any) ([]persistence.Student, error) {
	if classID := strParam(params, "class_id", ""); classID != "" {
		return store.ClassRoster(ctx, tenantID, classID)
	}
	status := strParam(params, "status", string(persistence.StudentActive))
	return store.StudentsByStatus(ctx, tenantID, persistence.StudentStatus(status))
}

func renderTemplate(body string, data map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(body, func(m string) string {
		key := templateVarPattern.FindStringSubmatch(m)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return m
	})
}

func renderForStudent(body string, st *persistence.Student) string {
	return renderTemplate(body, map[string]string{
		"student_name":   st.Name,
		"guardian_phone": st.GuardianPhone,
		"class_id":       st.ClassID,
		"date":           time.Now().UTC().Format("2006-01-02"),
	})
}

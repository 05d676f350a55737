package intent

import "github.com/acadeon/chatops/internal/policy"

func query(key string, pk policy.PolicyKey, desc string, examples ...string) Definition {
	return Definition{Key: key, Level: L0, PolicyKey: pk, Description: desc, Examples: examples}
}

func proposal(key string, pk policy.PolicyKey, taskType, entityType, subtype, desc string, examples ...string) Definition {
	return Definition{
		Key: key, Level: L1, PolicyKey: pk, Description: desc, Examples: examples,
		Task: &TaskSpec{TaskType: taskType, EntityType: entityType, Subtype: subtype},
	}
}

func notification(key, eventType, desc string, examples ...string) Definition {
	return Definition{Key: key, Level: L2, Class: ClassA, EventType: eventType, Description: desc, Examples: examples}
}

func mutation(key, actionKey string, pk policy.PolicyKey, desc string, examples ...string) Definition {
	return Definition{Key: key, Level: L2, Class: ClassB, ActionKey: actionKey, PolicyKey: pk, Description: desc, Examples: examples}
}

// definitions returns the full built-in intent set. Grouped by domain;
// within a domain the order is L0 queries, L1 proposals, class A
// notifications, class B mutations.
func definitions() []Definition {
	var defs []Definition
	defs = append(defs, attendanceIntents()...)
	defs = append(defs, studentIntents()...)
	defs = append(defs, billingIntents()...)
	defs = append(defs, messageIntents()...)
	defs = append(defs, classScheduleIntents()...)
	defs = append(defs, noteAIIntents()...)
	defs = append(defs, reportIntents()...)
	defs = append(defs, systemIntents()...)
	return defs
}

func attendanceIntents() []Definition {
	const pk = policy.KeyCustomerRetention
	return []Definition{
		query("attendance.query.late", pk, "List students who arrived late in the given range.",
			"who was late today", "show late arrivals this week"),
		query("attendance.query.by_student", pk, "Attendance history for one student."),
		query("attendance.query.absent", pk, "List students absent in the given range.",
			"who is absent today"),
		query("attendance.query.early_leave", pk, "List students who left early."),
		query("attendance.query.unchecked", pk, "List students with no check-in record for today."),
		query("attendance.query.by_class", pk, "Attendance roll-up for one class."),
		query("attendance.query.streak_absent", pk, "Students absent for N or more consecutive days."),
		query("attendance.query.rate_summary", pk, "Attendance rate summary for the period."),
		query("attendance.query.rate_drop", pk, "Classes whose attendance rate dropped week over week."),
		query("attendance.query.late_rank", pk, "Students ranked by late arrivals."),
		query("attendance.query.export_csv", pk, "Export attendance records as CSV."),

		proposal("attendance.task.flag_absence_followup", pk, "followup", "student", "absence",
			"Propose follow-up calls for students absent today."),
		proposal("attendance.task.flag_late_followup", pk, "followup", "student", "late",
			"Propose follow-up for repeatedly late students."),
		proposal("attendance.task.create_contact_list", pk, "contact_list", "student", "attendance",
			"Propose a guardian contact list from an attendance filter."),

		notification("attendance.exec.notify_guardians_late", "absence_first_day",
			"Notify guardians of today's late arrivals."),
		notification("attendance.exec.notify_guardians_absent", "absence_first_day",
			"Notify guardians of today's absences.", "text the parents of absent kids"),
		notification("attendance.exec.request_reason_message", "absence_first_day",
			"Ask guardians for an absence reason."),
		notification("attendance.exec.send_staff_summary", "announcement_digest",
			"Send today's attendance summary to staff."),

		mutation("attendance.exec.correct_record", "attendance.correct_record", pk,
			"Correct a single attendance record."),
		mutation("attendance.exec.mark_excused", "attendance.mark_excused", pk,
			"Mark an absence as excused."),
		mutation("attendance.exec.bulk_update", "attendance.bulk_update", pk,
			"Apply an attendance status to a filtered set of records."),
		mutation("attendance.exec.schedule_recheck", "attendance.schedule_recheck", pk,
			"Schedule a re-check of unchecked attendance."),
	}
}

func studentIntents() []Definition {
	const pk = policy.KeyCustomerRetention
	return []Definition{
		query("student.query.search", pk, "Search students by name, class, or tag.",
			"find student kim", "search for students in class b"),
		query("student.query.profile", pk, "Full profile for one student."),
		query("student.query.status_list", pk, "Students filtered by enrollment status."),
		query("student.query.missing_guardian_contact", pk, "Students with no usable guardian contact."),
		query("student.query.duplicates_suspected", pk, "Probable duplicate student records."),
		query("student.query.onboarding_needed", pk, "Recently registered students missing onboarding steps."),
		query("student.query.data_quality_scan", pk, "Data-quality issues across student records."),

		proposal("student.task.register_prefill", pk, "registration", "student", "prefill",
			"Propose a pre-filled registration from an inquiry."),
		proposal("student.task.collect_documents", pk, "documents", "student", "collect",
			"Propose a document-collection checklist for a student."),

		notification("student.exec.send_welcome_message", "new_member_drop",
			"Send the welcome message to a newly registered student's guardian."),
		notification("student.exec.request_documents_message", "new_member_drop",
			"Ask a guardian for outstanding documents."),

		mutation("student.exec.register", "student.register", pk,
			"Register a new student.", "register a new student named lee"),
		mutation("student.exec.update_profile", "student.update_profile", pk,
			"Update a student's profile fields."),
		mutation("student.exec.change_class", "student.change_class", pk,
			"Move a student to another class."),
		mutation("student.exec.pause", "student.pause", pk,
			"Pause a student's enrollment."),
		mutation("student.exec.resume", "student.resume", pk,
			"Resume a paused enrollment."),
		mutation("student.exec.discharge", "student.discharge", pk,
			"Discharge a student."),
		mutation("student.exec.merge_duplicates", "student.merge_duplicates", pk,
			"Merge duplicate student records into one."),
		mutation("student.exec.update_guardian_contact", "student.update_guardian_contact", pk,
			"Update a guardian's contact details."),
		mutation("student.exec.assign_tags", "student.assign_tags", pk,
			"Assign tags to students."),
		mutation("student.exec.bulk_register", "student.bulk_register", pk,
			"Register a batch of students from a prepared list."),
		mutation("student.exec.bulk_update", "student.bulk_update", pk,
			"Update a field across a filtered set of students."),
		mutation("student.exec.data_quality_apply_fix", "student.data_quality_apply_fix", pk,
			"Apply a proposed data-quality fix."),
		mutation("student.exec.reactivate_from_discharged", "student.reactivate_from_discharged", pk,
			"Reactivate a discharged student."),
	}
}

func billingIntents() []Definition {
	const pk = policy.KeyFinancialHealth
	return []Definition{
		query("billing.query.overdue_month", pk, "Overdue total and count for the month.",
			"how much is overdue this month"),
		query("billing.query.overdue_list", pk, "Overdue invoices with student and amount."),
		query("billing.query.by_student", pk, "Billing history for one student."),
		query("billing.query.invoice_status", pk, "Status of a specific invoice."),
		query("billing.query.failed_payments", pk, "Recent failed payment attempts."),
		query("billing.query.refund_candidates", pk, "Invoices eligible for refund review."),
		query("billing.query.kpi_summary", pk, "Collection rate and revenue KPIs."),
		query("billing.query.unissued_invoices", pk, "Students with no invoice issued this month."),
		query("billing.query.partial_payments", pk, "Invoices with a partial balance."),
		query("billing.query.export_statement", pk, "Export a billing statement."),

		proposal("billing.task.flag_overdue_followup", pk, "followup", "invoice", "overdue",
			"Propose follow-up on overdue invoices."),
		proposal("billing.task.prepare_invoice_batch", pk, "invoice_batch", "invoice", "issue",
			"Propose this month's invoice batch for review.", "prep the monthly invoices"),
		proposal("billing.task.prepare_refund_review", pk, "refund_review", "invoice", "refund",
			"Propose a refund review list."),
		proposal("billing.task.prepare_payment_link_batch", pk, "payment_links", "invoice", "link",
			"Propose a payment-link batch for unpaid invoices."),
		proposal("billing.task.flag_churn_risk_from_billing", pk, "churn_risk", "student", "billing",
			"Propose churn-risk flags derived from payment behavior."),

		notification("billing.exec.send_overdue_notice_1st", "overdue_outstanding_over_limit",
			"Send the first overdue notice."),
		notification("billing.exec.send_overdue_notice_2nd", "overdue_outstanding_over_limit",
			"Send the second overdue notice."),
		notification("billing.exec.send_payment_link", "payment_due_reminder",
			"Send a payment link to a guardian."),
		notification("billing.exec.schedule_overdue_notice", "overdue_outstanding_over_limit",
			"Schedule an overdue notice for later delivery."),

		mutation("billing.exec.issue_invoices", "billing.issue_invoices", pk,
			"Issue the monthly invoice batch.", "issue this month's invoices"),
		mutation("billing.exec.reissue_invoice", "billing.reissue_invoice", pk,
			"Reissue a corrected invoice."),
		mutation("billing.exec.record_manual_payment", "billing.record_manual_payment", pk,
			"Record a payment taken outside the gateway."),
		mutation("billing.exec.apply_discount", "billing.apply_discount", pk,
			"Apply a discount to an invoice."),
		mutation("billing.exec.apply_refund", "billing.apply_refund", pk,
			"Apply a refund."),
		mutation("billing.exec.create_installment_plan", "billing.create_installment_plan", pk,
			"Split an invoice into installments."),
		mutation("billing.exec.fix_duplicate_invoices", "billing.fix_duplicate_invoices", pk,
			"Void duplicate invoices for the same student and month."),
		mutation("billing.exec.sync_gateway", "billing.sync_gateway", pk,
			"Reconcile invoice state with the payment gateway."),
		mutation("billing.exec.close_month", "billing.close_month", pk,
			"Close the billing month."),
	}
}

func messageIntents() []Definition {
	const pk = policy.KeySafetyCompliance
	return []Definition{
		query("message.query.sent_log", pk, "Recently sent messages."),
		query("message.query.failed_log", pk, "Messages that failed to deliver."),
		query("message.query.variables_check", pk, "Check template variables against audience data."),
		query("message.draft.absence_notice", pk, "Draft an absence notice without sending."),
		query("message.draft.overdue_notice", pk, "Draft an overdue notice without sending."),
		query("message.draft.general_notice", pk, "Draft a general notice without sending."),
		query("message.draft.payment_link_notice", pk, "Draft a payment-link notice without sending."),
		query("message.preview.audience", pk, "Preview the audience a filter would reach."),
		query("message.preview.template_render", pk, "Render a template with sample data."),

		proposal("message.task.prepare_bulk_send", pk, "bulk_send", "message", "prepare",
			"Propose a bulk send for review."),
		proposal("message.task.test_send_request", pk, "test_send", "message", "request",
			"Propose a test send to staff."),

		notification("message.exec.send_to_guardian", "announcement_digest",
			"Send a message to one guardian."),
		notification("message.exec.send_bulk", "announcement_digest",
			"Send a reviewed bulk message."),
		notification("message.exec.schedule_bulk", "announcement_digest",
			"Schedule a bulk message."),
		notification("message.exec.resend_failed", "announcement_digest",
			"Resend messages that failed to deliver."),
		notification("message.exec.optout_respect_audit", "announcement_digest",
			"Send with opt-out filtering and record the exclusions."),
		notification("message.exec.staff_broadcast", "announcement_digest",
			"Broadcast to staff."),
		notification("message.exec.class_schedule_change_notice", "class_change_or_cancel",
			"Notify guardians of a class schedule change."),
		notification("message.exec.emergency_notice", "announcement_urgent",
			"Send an emergency notice immediately."),

		mutation("message.exec.cancel_scheduled", "message.cancel_scheduled", pk,
			"Cancel a scheduled message before delivery."),
		mutation("message.exec.create_template", "message.create_template", pk,
			"Create a message template."),
		mutation("message.exec.update_template", "message.update_template", pk,
			"Update a message template."),
	}
}

func classScheduleIntents() []Definition {
	const pk = policy.KeyCapacityOptimization
	return []Definition{
		query("class.query.list", pk, "List classes with fill rate."),
		query("class.query.roster", pk, "Roster for one class."),
		query("schedule.query.today", pk, "Today's sessions.", "what's on today"),
		query("schedule.query.by_teacher", pk, "Sessions for one teacher."),
		query("schedule.query.by_class", pk, "Sessions for one class."),
		query("schedule.query.export_timetable", pk, "Export the timetable."),

		proposal("schedule.task.propose_makeup_session", pk, "makeup", "session", "propose",
			"Propose a makeup session for a cancelled one."),

		notification("schedule.exec.notify_change", "class_change_or_cancel",
			"Notify affected guardians of a session change."),

		mutation("class.exec.create", "class.create", pk, "Create a class."),
		mutation("class.exec.update", "class.update", pk, "Update class settings."),
		mutation("class.exec.close", "class.close", pk, "Close a class."),
		mutation("class.exec.bulk_reassign_teacher", "class.bulk_reassign_teacher", pk,
			"Reassign a teacher across classes."),
		mutation("schedule.exec.add_session", "schedule.add_session", pk, "Add a session."),
		mutation("schedule.exec.move_session", "schedule.move_session", pk, "Move a session."),
		mutation("schedule.exec.cancel_session", "schedule.cancel_session", pk, "Cancel a session."),
		mutation("schedule.exec.bulk_shift", "schedule.bulk_shift", pk,
			"Shift a range of sessions by an offset."),
	}
}

func noteAIIntents() []Definition {
	const pk = policy.KeyCustomerRetention
	return []Definition{
		query("note.query.by_student", pk, "Counseling notes for one student."),
		query("note.draft.consult_summary", pk, "Draft a consultation summary."),
		query("ai.summarize.student_history", pk, "Summarize a student's history."),
		query("ai.summarize.class_history", pk, "Summarize a class's history."),
		query("ai.generate.followup_message", pk, "Generate a follow-up message draft."),
		query("ai.generate.counseling_agenda", pk, "Generate a counseling agenda."),
		query("ai.query.export_ai_briefing", pk, "Export the AI briefing."),

		proposal("ai.task.flag_risk_signals", pk, "risk_flag", "student", "signals",
			"Propose risk flags from recent signals."),
		proposal("ai.task.create_recommendations", pk, "recommendation", "student", "create",
			"Propose recommended actions for at-risk students."),
		proposal("ai.task.bulk_generate_taskcards", pk, "bulk_cards", "student", "generate",
			"Propose a batch of task cards from an analysis run."),

		notification("ai.exec.request_staff_review", "consultation_summary_ready",
			"Ask staff to review a generated summary."),
		notification("ai.exec.escalate_emergency", "announcement_urgent",
			"Escalate an urgent signal to staff."),

		mutation("note.exec.create", "note.create", pk, "Create a counseling note."),
		mutation("note.exec.update", "note.update", pk, "Update a counseling note."),
	}
}

func reportIntents() []Definition {
	const pk = policy.KeyFinancialHealth
	return []Definition{
		query("report.query.dashboard_kpi", pk, "Dashboard KPI snapshot."),
		query("report.query.attendance_summary", pk, "Attendance summary report."),
		query("report.query.billing_summary", pk, "Billing summary report."),
		query("report.query.export_dataset", pk, "Export a report dataset."),
		query("report.query.health_snapshot", pk, "Operational health snapshot."),

		proposal("report.task.prepare_monthly_report", pk, "report", "report", "monthly",
			"Propose the monthly report for review before generation."),

		notification("report.exec.send_report", "monthly_business_report",
			"Send a generated report to its recipients."),
		notification("report.exec.schedule_monthly_report", "monthly_business_report",
			"Schedule monthly report delivery."),

		mutation("report.exec.generate_monthly_report", "report.generate_monthly_report", pk,
			"Generate the monthly report."),
		mutation("report.exec.generate_daily_brief", "report.generate_daily_brief", pk,
			"Generate the daily brief."),
	}
}

func systemIntents() []Definition {
	const pk = policy.KeySafetyCompliance
	return []Definition{
		query("rbac.query.my_permissions", pk, "Show the caller's effective permissions."),
		query("policy.query.automation_rules", pk, "Show the tenant's automation rules."),
		query("system.query.health", pk, "Kernel health summary."),

		mutation("policy.exec.enable_automation", "policy.enable_automation", pk,
			"Enable or disable an automation rule.", "turn on invoice automation"),
		mutation("policy.exec.update_threshold", "policy.update_threshold", pk,
			"Update a policy threshold."),
		mutation("rbac.exec.assign_role", "rbac.assign_role", pk,
			"Assign a role to a member."),
		mutation("system.exec.run_healthcheck", "system.run_healthcheck", pk,
			"Run the system healthcheck."),
		mutation("system.exec.rebuild_search_index", "system.rebuild_search_index", pk,
			"Rebuild the search index."),
		mutation("system.exec.backfill_reports", "system.backfill_reports", pk,
			"Backfill missing report snapshots."),
		mutation("system.exec.retry_failed_actions", "system.retry_failed_actions", pk,
			"Retry failed automation actions."),
	}
}

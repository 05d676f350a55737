package persistence

import (
	"context"
	"testing"
)

func seedStudent(t *testing.T, store *Store, tenantID, name, phone string) *Student {
	t.Helper()
	st := &Student{TenantID: tenantID, Name: name, GuardianPhone: phone}
	if err := store.InsertStudent(context.Background(), st); err != nil {
		t.Fatalf("insert student %s: %v", name, err)
	}
	return st
}

func TestStudentTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "t1", "Kim Jiwoo", "010-1234-5678")

	if err := store.TransitionStudent(ctx, "t1", st.ID, StudentActive, StudentPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Pausing an already paused student trips the status guard.
	if err := store.TransitionStudent(ctx, "t1", st.ID, StudentActive, StudentPaused); err == nil {
		t.Fatal("stale from-status must fail")
	}
	if err := store.TransitionStudent(ctx, "t1", st.ID, StudentPaused, StudentDischarged); err != nil {
		t.Fatalf("discharge: %v", err)
	}
	// Discharged students can be reactivated.
	if err := store.TransitionStudent(ctx, "t1", st.ID, StudentDischarged, StudentActive); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	// Discharged -> paused is not a thing.
	if err := store.TransitionStudent(ctx, "t1", st.ID, StudentDischarged, StudentPaused); err == nil {
		t.Fatal("discharged -> paused must fail")
	}
}

func TestUpdateStudentFields_RejectsUnknownColumn(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "t1", "Lee Minho", "")

	if err := store.UpdateStudentFields(ctx, "t1", st.ID, map[string]any{"guardian_phone": "010-9999-0000"}); err != nil {
		t.Fatalf("update phone: %v", err)
	}
	if err := store.UpdateStudentFields(ctx, "t1", st.ID, map[string]any{"status": "discharged"}); err == nil {
		t.Fatal("status must not be writable through field updates")
	}
	got, err := store.GetStudent(ctx, "t1", st.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GuardianPhone != "010-9999-0000" || got.Status != StudentActive {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestAttendance_UpsertSummaryAndUnchecked(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := seedStudent(t, store, "t1", "Park Seo", "")
	b := seedStudent(t, store, "t1", "Choi Hana", "")
	date := "2026-08-28"

	if err := store.UpsertAttendance(ctx, &AttendanceRecord{
		TenantID: "t1", StudentID: a.ID, Date: date, Status: AttendanceAbsent,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Second write for the same day overwrites, no second row.
	if err := store.UpsertAttendance(ctx, &AttendanceRecord{
		TenantID: "t1", StudentID: a.ID, Date: date, Status: AttendanceExcused, Note: "doctor visit",
	}); err != nil {
		t.Fatalf("upsert overwrite: %v", err)
	}

	counts, err := store.AttendanceSummary(ctx, "t1", date, date)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if counts[AttendanceAbsent] != 0 || counts[AttendanceExcused] != 1 {
		t.Fatalf("summary after overwrite: %v", counts)
	}

	unchecked, err := store.UncheckedStudents(ctx, "t1", date)
	if err != nil {
		t.Fatalf("unchecked: %v", err)
	}
	if len(unchecked) != 1 || unchecked[0].ID != b.ID {
		t.Fatalf("expected only %s unchecked, got %+v", b.Name, unchecked)
	}

	if err := store.UpsertAttendance(ctx, &AttendanceRecord{
		TenantID: "t1", StudentID: a.ID, Date: date, Status: "vanished",
	}); err == nil {
		t.Fatal("unknown status must be rejected")
	}
}

func TestStreakAbsentStudents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "t1", "Jung Woo", "")
	other := seedStudent(t, store, "t1", "Han Sol", "")

	days := []string{"2026-08-24", "2026-08-25", "2026-08-26"}
	for _, day := range days {
		if err := store.UpsertAttendance(ctx, &AttendanceRecord{
			TenantID: "t1", StudentID: st.ID, Date: day, Status: AttendanceAbsent,
		}); err != nil {
			t.Fatalf("upsert %s: %v", day, err)
		}
	}
	if err := store.UpsertAttendance(ctx, &AttendanceRecord{
		TenantID: "t1", StudentID: other.ID, Date: days[0], Status: AttendanceAbsent,
	}); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	hit, err := store.StreakAbsentStudents(ctx, "t1", 3, days[0], days[2])
	if err != nil {
		t.Fatalf("streak: %v", err)
	}
	if len(hit) != 1 || hit[0].ID != st.ID {
		t.Fatalf("expected only the 3-day streak, got %+v", hit)
	}
}

func TestBilling_IssuePayAndCloseMonth(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := seedStudent(t, store, "t1", "Kang Min", "")
	b := seedStudent(t, store, "t1", "Yoon Ji", "")
	month := "2026-08"

	created, err := store.IssueMonthlyInvoices(ctx, "t1", month, 300_000)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if created != 2 {
		t.Fatalf("issued %d invoices, want 2", created)
	}
	// Re-issuing creates nothing new.
	created, err = store.IssueMonthlyInvoices(ctx, "t1", month, 300_000)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if created != 0 {
		t.Fatalf("reissue created %d, want 0", created)
	}

	invoices, err := store.InvoicesForStudent(ctx, "t1", a.ID)
	if err != nil || len(invoices) != 1 {
		t.Fatalf("invoices for %s: %v %v", a.Name, invoices, err)
	}

	// Partial payment, then settle.
	inv, err := store.RecordPayment(ctx, "t1", invoices[0].ID, 100_000)
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	if inv.Status != InvoicePartial || inv.PaidAmount != 100_000 {
		t.Fatalf("after partial: %+v", inv)
	}
	inv, err = store.RecordPayment(ctx, "t1", invoices[0].ID, 200_000)
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	if inv.Status != InvoicePaid {
		t.Fatalf("after full payment: %+v", inv)
	}
	// Paying a settled invoice fails the status guard.
	if _, err := store.RecordPayment(ctx, "t1", invoices[0].ID, 1); err == nil {
		t.Fatal("payment on paid invoice must fail")
	}

	// Month close rolls the unpaid one to overdue, leaves the paid one.
	rolled, err := store.CloseBillingMonth(ctx, "t1", month)
	if err != nil {
		t.Fatalf("close month: %v", err)
	}
	if rolled != 1 {
		t.Fatalf("rolled %d invoices, want 1", rolled)
	}
	count, outstanding, err := store.OverdueSummary(ctx, "t1", month)
	if err != nil {
		t.Fatalf("overdue summary: %v", err)
	}
	if count != 1 || outstanding != 300_000 {
		t.Fatalf("overdue = %d/%d", count, outstanding)
	}

	kpi, err := store.BillingKPISummary(ctx, "t1", month)
	if err != nil {
		t.Fatalf("kpi: %v", err)
	}
	if kpi.BilledTotal != 600_000 || kpi.CollectedTotal != 300_000 {
		t.Fatalf("kpi = %+v", kpi)
	}
	_ = b
}

func TestVoidDuplicateInvoices(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "t1", "Seo Yeon", "")
	month := "2026-08"

	for i := 0; i < 2; i++ {
		if err := store.InsertInvoice(ctx, &Invoice{
			TenantID: "t1", StudentID: st.ID, Month: month, Amount: 250_000,
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	dupes, err := store.DuplicateInvoices(ctx, "t1", month)
	if err != nil {
		t.Fatalf("duplicates: %v", err)
	}
	if len(dupes) == 0 {
		t.Fatal("expected duplicate detection to fire")
	}
	voided, err := store.VoidDuplicateInvoices(ctx, "t1", month)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided != 1 {
		t.Fatalf("voided %d, want 1", voided)
	}
	remaining, err := store.InvoicesByMonthStatus(ctx, "t1", month, InvoiceIssued)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected one live invoice, got %d", len(remaining))
	}
}

func TestMergeStudents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	keep := seedStudent(t, store, "t1", "Oh Hyun", "010-2222-3333")
	dupe := seedStudent(t, store, "t1", "Oh Hyun", "")

	// Attendance on both rows for the same day: the kept row wins.
	for _, st := range []*Student{keep, dupe} {
		if err := store.UpsertAttendance(ctx, &AttendanceRecord{
			TenantID: "t1", StudentID: st.ID, Date: "2026-08-27", Status: AttendancePresent,
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := store.InsertInvoice(ctx, &Invoice{
		TenantID: "t1", StudentID: dupe.ID, Month: "2026-08", Amount: 100_000,
	}); err != nil {
		t.Fatalf("invoice on dupe: %v", err)
	}

	suspects, err := store.SuspectedDuplicateStudents(ctx, "t1")
	if err != nil {
		t.Fatalf("suspects: %v", err)
	}
	if len(suspects) != 2 {
		t.Fatalf("expected both name-sharing rows, got %d", len(suspects))
	}

	if err := store.MergeStudents(ctx, "t1", keep.ID, []string{dupe.ID}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	merged, err := store.GetStudent(ctx, "t1", dupe.ID)
	if err != nil {
		t.Fatalf("get dupe: %v", err)
	}
	if merged.Status != StudentDischarged {
		t.Fatalf("dupe not discharged: %+v", merged)
	}
	invoices, err := store.InvoicesForStudent(ctx, "t1", keep.ID)
	if err != nil || len(invoices) != 1 {
		t.Fatalf("invoice not repointed: %v %v", invoices, err)
	}
	records, err := store.AttendanceForStudent(ctx, "t1", keep.ID, "2026-08-27", "2026-08-27")
	if err != nil || len(records) != 1 {
		t.Fatalf("attendance after merge: %v %v", records, err)
	}
}

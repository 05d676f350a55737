package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/persistence"
)

func registerBilling(reg *dispatch.Registry, deps Deps) error {
	store := deps.Store

	byMonthStatus := func(status persistence.InvoiceStatus, label string) dispatch.Handler {
		return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			invoices, err := store.InvoicesByMonthStatus(ctx, req.TenantID, month, status)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d %s invoices for %s", len(invoices), label, month), invoices), nil
		}
	}

	overdueNotice := func(round string) dispatch.Handler {
		return func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			invoices, err := store.InvoicesByMonthStatus(ctx, req.TenantID, month, persistence.InvoiceOverdue)
			if err != nil {
				return nil, err
			}
			var deliveries []channels.Delivery
			for _, inv := range invoices {
				st, err := store.GetStudent(ctx, req.TenantID, inv.StudentID)
				if err != nil {
					return nil, err
				}
				if st.GuardianPhone == "" {
					continue
				}
				outstanding := inv.Amount - inv.PaidAmount
				deliveries = append(deliveries, channels.Delivery{
					Recipient: st.GuardianPhone,
					Body: fmt.Sprintf("%s notice: the %s tuition for %s (%d) is still outstanding. Please settle at your convenience.",
						round, month, st.Name, outstanding),
				})
			}
			if len(deliveries) == 0 {
				return &dispatch.HandlerResult{
					Summary: fmt.Sprintf("no overdue invoices to notice for %s", month),
					Payload: map[string]any{"sent": 0, "failed": 0},
				}, nil
			}
			return deliver(ctx, deps, req.TenantID, "guardian", "payment overdue", deliveries)
		}
	}

	bindings := map[string]dispatch.Handler{
		"billing.query.overdue_month": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			count, outstanding, err := store.OverdueSummary(ctx, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d overdue invoices, %d outstanding for %s", count, outstanding, month),
				map[string]any{"month": month, "count": count, "outstanding": outstanding}), nil
		},

		"billing.query.overdue_list":     byMonthStatus(persistence.InvoiceOverdue, "overdue"),
		"billing.query.failed_payments":  byMonthStatus(persistence.InvoiceFailed, "failed"),
		"billing.query.partial_payments": byMonthStatus(persistence.InvoicePartial, "partially paid"),

		"billing.query.by_student": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			studentID, err := requireStr(req.Params, "student_id")
			if err != nil {
				return nil, err
			}
			invoices, err := store.InvoicesForStudent(ctx, req.TenantID, studentID)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d invoices for student %s", len(invoices), studentID), invoices), nil
		},

		"billing.query.invoice_status": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			invoiceID, err := requireStr(req.Params, "invoice_id")
			if err != nil {
				return nil, err
			}
			inv, err := store.GetInvoice(ctx, req.TenantID, invoiceID)
			if err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("invoice %s is %s", inv.ID, inv.Status), inv), nil
		},

		"billing.query.refund_candidates": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			// Paid invoices whose student has since left are the refund
			// review set.
			month := monthParam(req.Params, "month")
			paid, err := store.InvoicesByMonthStatus(ctx, req.TenantID, month, persistence.InvoicePaid)
			if err != nil {
				return nil, err
			}
			var candidates []persistence.Invoice
			for _, inv := range paid {
				st, err := store.GetStudent(ctx, req.TenantID, inv.StudentID)
				if err != nil {
					return nil, err
				}
				if st.Status == persistence.StudentDischarged {
					candidates = append(candidates, inv)
				}
			}
			return result(fmt.Sprintf("%d refund candidates for %s", len(candidates), month), candidates), nil
		},

		"billing.query.kpi_summary": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			kpi, err := store.BillingKPISummary(ctx, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("billed %d, collected %d for %s", kpi.BilledTotal, kpi.CollectedTotal, month), kpi), nil
		},

		"billing.query.unissued_invoices": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			students, err := store.UnissuedStudents(ctx, req.TenantID, month)
			if err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("%d students without a %s invoice", len(students), month), students), nil
		},

		"billing.query.export_statement": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			var sb strings.Builder
			w := csv.NewWriter(&sb)
			_ = w.Write([]string{"invoice_id", "student_id", "status", "amount", "paid_amount"})
			rows := 0
			for _, status := range []persistence.InvoiceStatus{
				persistence.InvoiceIssued, persistence.InvoicePartial, persistence.InvoicePaid,
				persistence.InvoiceOverdue, persistence.InvoiceFailed, persistence.InvoiceRefunded,
			} {
				invoices, err := store.InvoicesByMonthStatus(ctx, req.TenantID, month, status)
				if err != nil {
					return nil, err
				}
				for _, inv := range invoices {
					_ = w.Write([]string{inv.ID, inv.StudentID, string(inv.Status),
						strconv.FormatInt(inv.Amount, 10), strconv.FormatInt(inv.PaidAmount, 10)})
					rows++
				}
			}
			w.Flush()
			return result(fmt.Sprintf("statement for %s, %d invoices", month, rows),
				map[string]any{"month": month, "format": "csv", "data": sb.String()}), nil
		},

		"billing.exec.send_overdue_notice_1st": overdueNotice("First"),
		"billing.exec.send_overdue_notice_2nd": overdueNotice("Second"),

		"billing.exec.send_payment_link": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			invoiceID, err := requireStr(req.Params, "invoice_id")
			if err != nil {
				return nil, err
			}
			link, err := requireStr(req.Params, "link")
			if err != nil {
				return nil, err
			}
			inv, err := store.GetInvoice(ctx, req.TenantID, invoiceID)
			if err != nil {
				return nil, domainErr(err)
			}
			st, err := store.GetStudent(ctx, req.TenantID, inv.StudentID)
			if err != nil {
				return nil, domainErr(err)
			}
			if st.GuardianPhone == "" {
				return nil, domainErrf("student %s has no guardian contact", st.ID)
			}
			body := fmt.Sprintf("Tuition for %s (%s): pay securely at %s", st.Name, inv.Month, link)
			return deliver(ctx, deps, req.TenantID, "guardian", "payment link",
				[]channels.Delivery{{Recipient: st.GuardianPhone, Body: body}})
		},

		"billing.exec.schedule_overdue_notice": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			delayHours := intParam(req.Params, "delay_hours", 24)
			sched := &persistence.Schedule{
				TenantID:  req.TenantID,
				Name:      "overdue notice",
				IntentKey: "billing.exec.send_overdue_notice_1st",
				Params:    scheduleParams(req.Params),
				Enabled:   true,
				NextRunAt: time.Now().UTC().Add(time.Duration(delayHours) * time.Hour),
			}
			if err := store.CreateSchedule(ctx, sched); err != nil {
				return nil, err
			}
			return result(fmt.Sprintf("overdue notice scheduled in %d hours", delayHours),
				map[string]any{"schedule_id": sched.ID, "next_run_at": sched.NextRunAt}), nil
		},

		"billing.exec.issue_invoices": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			amount := int64Param(req.Params, "amount", 0)
			if amount <= 0 {
				return nil, domainErrf("missing required param %q", "amount")
			}
			created, err := store.IssueMonthlyInvoices(ctx, req.TenantID, month, amount)
			if err != nil {
				return nil, domainErr(err)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("issued %d invoices for %s", created, month),
				Payload:      map[string]any{"month": month, "issued": created},
				SuccessCount: created,
			}, nil
		},

		"billing.exec.reissue_invoice": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			invoiceID, err := requireStr(req.Params, "invoice_id")
			if err != nil {
				return nil, err
			}
			old, err := store.GetInvoice(ctx, req.TenantID, invoiceID)
			if err != nil {
				return nil, domainErr(err)
			}
			amount := int64Param(req.Params, "amount", old.Amount)
			if err := store.UpdateInvoiceStatus(ctx, req.TenantID, invoiceID, persistence.InvoiceVoid,
				persistence.InvoiceIssued, persistence.InvoiceOverdue, persistence.InvoiceFailed, persistence.InvoicePartial); err != nil {
				return nil, domainErr(err)
			}
			fresh := &persistence.Invoice{
				TenantID:  req.TenantID,
				StudentID: old.StudentID,
				Month:     old.Month,
				Amount:    amount,
				Status:    persistence.InvoiceIssued,
			}
			if err := store.InsertInvoice(ctx, fresh); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("reissued %s as %s", invoiceID, fresh.ID),
				map[string]any{"voided": invoiceID, "invoice": fresh}), nil
		},

		"billing.exec.record_manual_payment": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			invoiceID, err := requireStr(req.Params, "invoice_id")
			if err != nil {
				return nil, err
			}
			amount := int64Param(req.Params, "amount", 0)
			if amount <= 0 {
				return nil, domainErrf("payment amount must be positive")
			}
			inv, err := store.RecordPayment(ctx, req.TenantID, invoiceID, amount)
			if err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("payment of %d recorded, invoice %s now %s", amount, inv.ID, inv.Status), inv), nil
		},

		"billing.exec.apply_discount": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			invoiceID, err := requireStr(req.Params, "invoice_id")
			if err != nil {
				return nil, err
			}
			discount := int64Param(req.Params, "discount", 0)
			if discount <= 0 {
				return nil, domainErrf("discount must be positive")
			}
			old, err := store.GetInvoice(ctx, req.TenantID, invoiceID)
			if err != nil {
				return nil, domainErr(err)
			}
			if discount >= old.Amount {
				return nil, domainErrf("discount %d exceeds invoice amount %d", discount, old.Amount)
			}
			// A discounted invoice replaces the original so the audit trail
			// keeps both amounts.
			if err := store.UpdateInvoiceStatus(ctx, req.TenantID, invoiceID, persistence.InvoiceVoid,
				persistence.InvoiceIssued, persistence.InvoiceOverdue, persistence.InvoicePartial); err != nil {
				return nil, domainErr(err)
			}
			fresh := &persistence.Invoice{
				TenantID:   req.TenantID,
				StudentID:  old.StudentID,
				Month:      old.Month,
				Amount:     old.Amount - discount,
				PaidAmount: old.PaidAmount,
				Status:     persistence.InvoiceIssued,
			}
			if err := store.InsertInvoice(ctx, fresh); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("discounted %s by %d, reissued as %s", invoiceID, discount, fresh.ID),
				map[string]any{"voided": invoiceID, "invoice": fresh}), nil
		},

		"billing.exec.apply_refund": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			invoiceID, err := requireStr(req.Params, "invoice_id")
			if err != nil {
				return nil, err
			}
			if err := store.UpdateInvoiceStatus(ctx, req.TenantID, invoiceID, persistence.InvoiceRefunded,
				persistence.InvoicePaid, persistence.InvoicePartial); err != nil {
				return nil, domainErr(err)
			}
			return result(fmt.Sprintf("refunded invoice %s", invoiceID),
				map[string]any{"invoice_id": invoiceID, "status": persistence.InvoiceRefunded}), nil
		},

		"billing.exec.create_installment_plan": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			invoiceID, err := requireStr(req.Params, "invoice_id")
			if err != nil {
				return nil, err
			}
			parts := intParam(req.Params, "installments", 0)
			if parts < 2 {
				return nil, domainErrf("installment plan needs at least 2 parts")
			}
			old, err := store.GetInvoice(ctx, req.TenantID, invoiceID)
			if err != nil {
				return nil, domainErr(err)
			}
			if err := store.UpdateInvoiceStatus(ctx, req.TenantID, invoiceID, persistence.InvoiceVoid,
				persistence.InvoiceIssued, persistence.InvoiceOverdue, persistence.InvoicePartial); err != nil {
				return nil, domainErr(err)
			}
			base := old.Amount / int64(parts)
			remainder := old.Amount - base*int64(parts)
			monthStart, err := time.Parse("2006-01", old.Month)
			if err != nil {
				monthStart = time.Now().UTC()
			}
			var created []persistence.Invoice
			for i := 0; i < parts; i++ {
				amount := base
				if i == 0 {
					amount += remainder
				}
				inv := &persistence.Invoice{
					TenantID:  req.TenantID,
					StudentID: old.StudentID,
					Month:     monthStart.AddDate(0, i, 0).Format("2006-01"),
					Amount:    amount,
					Status:    persistence.InvoiceIssued,
				}
				if err := store.InsertInvoice(ctx, inv); err != nil {
					return nil, domainErr(err)
				}
				created = append(created, *inv)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("split %s into %d installments", invoiceID, parts),
				Payload:      map[string]any{"voided": invoiceID, "installments": created},
				SuccessCount: parts,
			}, nil
		},

		"billing.exec.fix_duplicate_invoices": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			voided, err := store.VoidDuplicateInvoices(ctx, req.TenantID, month)
			if err != nil {
				return nil, domainErr(err)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("voided %d duplicate invoices for %s", voided, month),
				Payload:      map[string]any{"month": month, "voided": voided},
				SuccessCount: int(voided),
			}, nil
		},

		"billing.exec.sync_gateway": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			// Failed gateway attempts are requeued as issued so the next
			// collection cycle picks them up.
			month := monthParam(req.Params, "month")
			failed, err := store.InvoicesByMonthStatus(ctx, req.TenantID, month, persistence.InvoiceFailed)
			if err != nil {
				return nil, err
			}
			requeued := 0
			for _, inv := range failed {
				if err := store.UpdateInvoiceStatus(ctx, req.TenantID, inv.ID, persistence.InvoiceIssued,
					persistence.InvoiceFailed); err != nil {
					return nil, domainErr(err)
				}
				requeued++
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("requeued %d failed invoices for %s", requeued, month),
				Payload:      map[string]any{"month": month, "requeued": requeued},
				SuccessCount: requeued,
			}, nil
		},

		"billing.exec.close_month": func(ctx context.Context, req dispatch.Request) (*dispatch.HandlerResult, error) {
			month := monthParam(req.Params, "month")
			rolled, err := store.CloseBillingMonth(ctx, req.TenantID, month)
			if err != nil {
				return nil, domainErr(err)
			}
			return &dispatch.HandlerResult{
				Summary:      fmt.Sprintf("closed %s, %d invoices rolled to overdue", month, rolled),
				Payload:      map[string]any{"month": month, "rolled_overdue": rolled},
				SuccessCount: int(rolled),
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

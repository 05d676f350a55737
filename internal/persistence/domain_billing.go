package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the collection state of an invoice. Amounts are in
// minor currency units.
type InvoiceStatus string

const (
	InvoiceDraft    InvoiceStatus = "draft"
	InvoiceIssued   InvoiceStatus = "issued"
	InvoicePaid     InvoiceStatus = "paid"
	InvoicePartial  InvoiceStatus = "partial"
	InvoiceOverdue  InvoiceStatus = "overdue"
	InvoiceFailed   InvoiceStatus = "failed"
	InvoiceRefunded InvoiceStatus = "refunded"
	InvoiceVoid     InvoiceStatus = "void"
)

// ErrInvoiceNotFound is returned for unknown invoice ids.
var ErrInvoiceNotFound = errors.New("invoice not found")

type Invoice struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	StudentID  string        `json:"student_id"`
	Month      string        `json:"month"`
	Amount     int64         `json:"amount"`
	PaidAmount int64         `json:"paid_amount"`
	Status     InvoiceStatus `json:"status"`
	IssuedAt   time.Time     `json:"issued_at,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

const invoiceColumns = `id, tenant_id, student_id, month, amount, paid_amount, status, issued_at, updated_at`

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	var issuedAt, updatedAt string
	if err := row.Scan(&inv.ID, &inv.TenantID, &inv.StudentID, &inv.Month, &inv.Amount,
		&inv.PaidAmount, &inv.Status, &issuedAt, &updatedAt); err != nil {
		return nil, err
	}
	inv.IssuedAt = parseTime(issuedAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return &inv, nil
}

// InsertInvoice writes one invoice row.
func (s *Store) InsertInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = InvoiceIssued
	}
	now := time.Now().UTC()
	inv.UpdatedAt = now
	issuedAt := ""
	if inv.Status == InvoiceIssued {
		inv.IssuedAt = now
		issuedAt = formatTime(now)
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO invoices (id, tenant_id, student_id, month, amount, paid_amount, status, issued_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, inv.ID, inv.TenantID, inv.StudentID, inv.Month, inv.Amount, inv.PaidAmount,
			inv.Status, issuedAt, formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

// GetInvoice fetches one invoice scoped to a tenant.
func (s *Store) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE id = ? AND tenant_id = ?;
	`, invoiceID, tenantID)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, scanErr := scanInvoice(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan invoice: %w", scanErr)
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// InvoicesByMonthStatus lists a month's invoices in one status.
func (s *Store) InvoicesByMonthStatus(ctx context.Context, tenantID, month string, status InvoiceStatus) ([]Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ? AND month = ? AND status = ?
		ORDER BY amount DESC;
	`, tenantID, month, status)
}

// InvoicesForStudent lists a student's invoices, newest month first.
func (s *Store) InvoicesForStudent(ctx context.Context, tenantID, studentID string) ([]Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ? AND student_id = ?
		ORDER BY month DESC;
	`, tenantID, studentID)
}

// OverdueSummary returns the count and outstanding total of overdue
// invoices for the month.
func (s *Store) OverdueSummary(ctx context.Context, tenantID, month string) (count int, outstanding int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount - paid_amount), 0)
		FROM invoices WHERE tenant_id = ? AND month = ? AND status = 'overdue';
	`, tenantID, month).Scan(&count, &outstanding)
	if err != nil {
		return 0, 0, fmt.Errorf("overdue summary: %w", err)
	}
	return count, outstanding, nil
}

// UpdateInvoiceStatus moves an invoice into a new status, guarded by the
// statuses it may currently hold.
func (s *Store) UpdateInvoiceStatus(ctx context.Context, tenantID, invoiceID string, to InvoiceStatus, allowedFrom ...InvoiceStatus) error {
	if len(allowedFrom) == 0 {
		return fmt.Errorf("no source statuses given for invoice update")
	}
	placeholders := ""
	args := []any{to, nowUTC(), invoiceID, tenantID}
	for i, from := range allowedFrom {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, from)
	}
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE invoices SET status = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status IN (`+placeholders+`);
		`, args...)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	if affected == 0 {
		inv, getErr := s.GetInvoice(ctx, tenantID, invoiceID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("invoice %s is %s, cannot move to %s", invoiceID, inv.Status, to)
	}
	return nil
}

// RecordPayment adds a paid amount and settles the status to paid or
// partial.
func (s *Store) RecordPayment(ctx context.Context, tenantID, invoiceID string, amount int64) (*Invoice, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("payment amount must be positive")
	}
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE invoices
			SET paid_amount = paid_amount + ?,
			    status = CASE WHEN paid_amount + ? >= amount THEN 'paid' ELSE 'partial' END,
			    updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status IN ('issued', 'partial', 'overdue', 'failed');
		`, amount, amount, nowUTC(), invoiceID, tenantID)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	if affected == 0 {
		inv, getErr := s.GetInvoice(ctx, tenantID, invoiceID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("invoice %s is %s, cannot take payment", invoiceID, inv.Status)
	}
	return s.GetInvoice(ctx, tenantID, invoiceID)
}

// UnissuedStudents lists active students with no invoice for the month.
func (s *Store) UnissuedStudents(ctx context.Context, tenantID, month string) ([]Student, error) {
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE tenant_id = ? AND status = 'active' AND id NOT IN (
			SELECT student_id FROM invoices WHERE tenant_id = ? AND month = ? AND status != 'void'
		)
		ORDER BY name ASC;
	`, tenantID, tenantID, month)
}

// IssueMonthlyInvoices creates an issued invoice for every active
// student lacking one for the month. The whole batch commits or none of
// it does.
func (s *Store) IssueMonthlyInvoices(ctx context.Context, tenantID, month string, amount int64) (created int, err error) {
	students, err := s.UnissuedStudents(ctx, tenantID, month)
	if err != nil {
		return 0, err
	}
	if len(students) == 0 {
		return 0, nil
	}
	err = retryOnBusy(ctx, 3, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		now := nowUTC()
		for _, st := range students {
			if _, execErr := tx.ExecContext(ctx, `
				INSERT INTO invoices (id, tenant_id, student_id, month, amount, paid_amount, status, issued_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, 'issued', ?, ?);
			`, uuid.NewString(), tenantID, st.ID, month, amount, now, now); execErr != nil {
				return fmt.Errorf("issue invoice for %s: %w", st.ID, execErr)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return len(students), nil
}

// DuplicateInvoices lists non-void invoices that share a student and
// month with another invoice.
func (s *Store) DuplicateInvoices(ctx context.Context, tenantID, month string) ([]Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ? AND month = ? AND status != 'void' AND student_id IN (
			SELECT student_id FROM invoices
			WHERE tenant_id = ? AND month = ? AND status != 'void'
			GROUP BY student_id HAVING COUNT(*) > 1
		)
		ORDER BY student_id ASC, updated_at ASC;
	`, tenantID, month, tenantID, month)
}

// VoidDuplicateInvoices voids all but the earliest invoice per student
// for the month. Returns the number voided.
func (s *Store) VoidDuplicateInvoices(ctx context.Context, tenantID, month string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE invoices SET status = 'void', updated_at = ?
			WHERE tenant_id = ? AND month = ? AND status != 'void' AND id NOT IN (
				SELECT MIN(id) FROM invoices
				WHERE tenant_id = ? AND month = ? AND status != 'void'
				GROUP BY student_id
			);
		`, nowUTC(), tenantID, month, tenantID, month)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("void duplicate invoices: %w", err)
	}
	return affected, nil
}

// CloseBillingMonth flags every unpaid invoice of the month overdue.
// Returns how many invoices moved.
func (s *Store) CloseBillingMonth(ctx context.Context, tenantID, month string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE invoices SET status = 'overdue', updated_at = ?
			WHERE tenant_id = ? AND month = ? AND status IN ('issued', 'partial', 'failed');
		`, nowUTC(), tenantID, month)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("close billing month: %w", err)
	}
	return affected, nil
}

// BillingKPI aggregates the month's collection numbers.
type BillingKPI struct {
	Month          string  `json:"month"`
	InvoiceCount   int     `json:"invoice_count"`
	BilledTotal    int64   `json:"billed_total"`
	CollectedTotal int64   `json:"collected_total"`
	CollectionRate float64 `json:"collection_rate"`
}

// BillingKPISummary computes the month's KPI roll-up.
func (s *Store) BillingKPISummary(ctx context.Context, tenantID, month string) (*BillingKPI, error) {
	kpi := &BillingKPI{Month: month}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(paid_amount), 0)
		FROM invoices WHERE tenant_id = ? AND month = ? AND status != 'void';
	`, tenantID, month).Scan(&kpi.InvoiceCount, &kpi.BilledTotal, &kpi.CollectedTotal)
	if err != nil {
		return nil, fmt.Errorf("billing kpi: %w", err)
	}
	if kpi.BilledTotal > 0 {
		kpi.CollectionRate = float64(kpi.CollectedTotal) / float64(kpi.BilledTotal)
	}
	return kpi, nil
}

package persistence

import (
	"context"
	"fmt"
	"time"
)

// AttendanceStatus is the per-day attendance state of a student.
type AttendanceStatus string

const (
	AttendancePresent    AttendanceStatus = "present"
	AttendanceLate       AttendanceStatus = "late"
	AttendanceAbsent     AttendanceStatus = "absent"
	AttendanceExcused    AttendanceStatus = "excused"
	AttendanceEarlyLeave AttendanceStatus = "early_leave"
	AttendanceUnchecked  AttendanceStatus = "unchecked"
)

// ValidAttendanceStatus reports whether raw names a known status.
func ValidAttendanceStatus(raw string) bool {
	switch AttendanceStatus(raw) {
	case AttendancePresent, AttendanceLate, AttendanceAbsent,
		AttendanceExcused, AttendanceEarlyLeave, AttendanceUnchecked:
		return true
	}
	return false
}

// AttendanceRecord is one student-day attendance row. StudentName is
// joined in on reads.
type AttendanceRecord struct {
	ID          int64            `json:"id"`
	TenantID    string           `json:"tenant_id"`
	StudentID   string           `json:"student_id"`
	StudentName string           `json:"student_name,omitempty"`
	Date        string           `json:"date"`
	Status      AttendanceStatus `json:"status"`
	Note        string           `json:"note,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// UpsertAttendance writes a student-day record, overwriting any prior
// status for that day.
func (s *Store) UpsertAttendance(ctx context.Context, rec *AttendanceRecord) error {
	if !ValidAttendanceStatus(string(rec.Status)) {
		return fmt.Errorf("unknown attendance status %q", rec.Status)
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO attendance_records (tenant_id, student_id, date, status, note, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, student_id, date)
			DO UPDATE SET status = excluded.status, note = excluded.note, updated_at = excluded.updated_at;
		`, rec.TenantID, rec.StudentID, rec.Date, rec.Status, rec.Note, nowUTC())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert attendance: %w", err)
	}
	return nil
}

func (s *Store) queryAttendance(ctx context.Context, query string, args ...any) ([]AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var records []AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		var updatedAt string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.StudentID, &rec.StudentName,
			&rec.Date, &rec.Status, &rec.Note, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		rec.UpdatedAt = parseTime(updatedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

const attendanceJoin = `
	SELECT a.id, a.tenant_id, a.student_id, s.name, a.date, a.status, a.note, a.updated_at
	FROM attendance_records a JOIN students s ON s.id = a.student_id`

// AttendanceByDateStatus lists records for a date with the given status.
func (s *Store) AttendanceByDateStatus(ctx context.Context, tenantID, date string, status AttendanceStatus) ([]AttendanceRecord, error) {
	return s.queryAttendance(ctx, attendanceJoin+`
		WHERE a.tenant_id = ? AND a.date = ? AND a.status = ?
		ORDER BY s.name ASC;
	`, tenantID, date, status)
}

// AttendanceForStudent lists a student's records between two dates
// inclusive.
func (s *Store) AttendanceForStudent(ctx context.Context, tenantID, studentID, from, to string) ([]AttendanceRecord, error) {
	return s.queryAttendance(ctx, attendanceJoin+`
		WHERE a.tenant_id = ? AND a.student_id = ? AND a.date >= ? AND a.date <= ?
		ORDER BY a.date DESC;
	`, tenantID, studentID, from, to)
}

// AttendanceSummary returns counts per status between two dates.
func (s *Store) AttendanceSummary(ctx context.Context, tenantID, from, to string) (map[AttendanceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM attendance_records
		WHERE tenant_id = ? AND date >= ? AND date <= ?
		GROUP BY status;
	`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("attendance summary: %w", err)
	}
	defer rows.Close()

	counts := make(map[AttendanceStatus]int)
	for rows.Next() {
		var status AttendanceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// StreakAbsentStudents lists students with at least minDays absences in
// the window ending today.
func (s *Store) StreakAbsentStudents(ctx context.Context, tenantID string, minDays int, from, to string) ([]Student, error) {
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE tenant_id = ? AND id IN (
			SELECT student_id FROM attendance_records
			WHERE tenant_id = ? AND status = 'absent' AND date >= ? AND date <= ?
			GROUP BY student_id HAVING COUNT(*) >= ?
		)
		ORDER BY name ASC;
	`, tenantID, tenantID, from, to, minDays)
}

// LateRank returns (student, late count) pairs for the window, most
// frequent first.
func (s *Store) LateRank(ctx context.Context, tenantID, from, to string, limit int) ([]AttendanceCount, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.student_id, s.name, COUNT(*)
		FROM attendance_records a JOIN students s ON s.id = a.student_id
		WHERE a.tenant_id = ? AND a.status = 'late' AND a.date >= ? AND a.date <= ?
		GROUP BY a.student_id ORDER BY COUNT(*) DESC LIMIT ?;
	`, tenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("late rank: %w", err)
	}
	defer rows.Close()

	var ranked []AttendanceCount
	for rows.Next() {
		var ac AttendanceCount
		if err := rows.Scan(&ac.StudentID, &ac.StudentName, &ac.Count); err != nil {
			return nil, err
		}
		ranked = append(ranked, ac)
	}
	return ranked, rows.Err()
}

// AttendanceCount pairs a student with an occurrence count.
type AttendanceCount struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	Count       int    `json:"count"`
}

// UncheckedStudents lists active students with no record for the date.
func (s *Store) UncheckedStudents(ctx context.Context, tenantID, date string) ([]Student, error) {
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE tenant_id = ? AND status = 'active' AND id NOT IN (
			SELECT student_id FROM attendance_records WHERE tenant_id = ? AND date = ?
		)
		ORDER BY name ASC;
	`, tenantID, tenantID, date)
}

// BulkSetAttendance rewrites every record matching (date, fromStatus).
func (s *Store) BulkSetAttendance(ctx context.Context, tenantID, date string, from, to AttendanceStatus) (int64, error) {
	if !ValidAttendanceStatus(string(from)) || !ValidAttendanceStatus(string(to)) {
		return 0, fmt.Errorf("unknown attendance status in bulk update")
	}
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE attendance_records SET status = ?, updated_at = ?
			WHERE tenant_id = ? AND date = ? AND status = ?;
		`, to, nowUTC(), tenantID, date, from)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk attendance update: %w", err)
	}
	return affected, nil
}

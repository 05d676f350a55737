package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StudentStatus is the enrollment state of a student.
type StudentStatus string

const (
	StudentActive     StudentStatus = "active"
	StudentPaused     StudentStatus = "paused"
	StudentDischarged StudentStatus = "discharged"
)

var allowedStudentTransitions = map[StudentStatus]map[StudentStatus]struct{}{
	StudentActive: {
		StudentPaused:     {},
		StudentDischarged: {},
	},
	StudentPaused: {
		StudentActive:     {},
		StudentDischarged: {},
	},
	StudentDischarged: {
		StudentActive: {}, // Reactivation.
	},
}

// ErrStudentNotFound is returned for unknown student ids.
var ErrStudentNotFound = errors.New("student not found")

type Student struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	Name          string        `json:"name"`
	Status        StudentStatus `json:"status"`
	ClassID       string        `json:"class_id,omitempty"`
	GuardianPhone string        `json:"guardian_phone,omitempty"`
	Tags          string        `json:"tags,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// InsertStudent registers a student row.
func (s *Store) InsertStudent(ctx context.Context, st *Student) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = StudentActive
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO students (id, tenant_id, name, status, class_id, guardian_phone, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, st.ID, st.TenantID, st.Name, st.Status, st.ClassID, st.GuardianPhone, st.Tags,
			formatTime(now), formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

const studentColumns = `id, tenant_id, name, status, class_id, guardian_phone, tags, created_at, updated_at`

func scanStudent(row rowScanner) (*Student, error) {
	var st Student
	var createdAt, updatedAt string
	if err := row.Scan(&st.ID, &st.TenantID, &st.Name, &st.Status, &st.ClassID,
		&st.GuardianPhone, &st.Tags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// GetStudent fetches one student scoped to a tenant.
func (s *Store) GetStudent(ctx context.Context, tenantID, studentID string) (*Student, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+studentColumns+` FROM students WHERE id = ? AND tenant_id = ?;
	`, studentID, tenantID)
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	return st, nil
}

func (s *Store) queryStudents(ctx context.Context, query string, args ...any) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		st, scanErr := scanStudent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan student: %w", scanErr)
		}
		students = append(students, *st)
	}
	return students, rows.Err()
}

// SearchStudents matches by name substring, tag, or class id.
func (s *Store) SearchStudents(ctx context.Context, tenantID, q string, limit int) ([]Student, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + q + "%"
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE tenant_id = ? AND (name LIKE ? OR tags LIKE ? OR class_id = ?)
		ORDER BY name ASC LIMIT ?;
	`, tenantID, like, like, q, limit)
}

// StudentsByStatus lists students in one enrollment state.
func (s *Store) StudentsByStatus(ctx context.Context, tenantID string, status StudentStatus) ([]Student, error) {
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students WHERE tenant_id = ? AND status = ? ORDER BY name ASC;
	`, tenantID, status)
}

// StudentsMissingGuardianContact lists active students without a usable
// guardian phone.
func (s *Store) StudentsMissingGuardianContact(ctx context.Context, tenantID string) ([]Student, error) {
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE tenant_id = ? AND status = 'active' AND TRIM(guardian_phone) = ''
		ORDER BY name ASC;
	`, tenantID)
}

// SuspectedDuplicateStudents lists students sharing a name within the
// tenant.
func (s *Store) SuspectedDuplicateStudents(ctx context.Context, tenantID string) ([]Student, error) {
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE tenant_id = ? AND name IN (
			SELECT name FROM students WHERE tenant_id = ? GROUP BY name HAVING COUNT(*) > 1
		)
		ORDER BY name ASC, created_at ASC;
	`, tenantID, tenantID)
}

// studentUpdatableColumns guards UpdateStudentFields against arbitrary
// column injection.
var studentUpdatableColumns = map[string]struct{}{
	"name":           {},
	"class_id":       {},
	"guardian_phone": {},
	"tags":           {},
}

// UpdateStudentFields sets a restricted set of profile columns.
func (s *Store) UpdateStudentFields(ctx context.Context, tenantID, studentID string, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}
	var sets []string
	var args []any
	for col, val := range fields {
		if _, ok := studentUpdatableColumns[col]; !ok {
			return fmt.Errorf("student column %q is not updatable", col)
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowUTC(), studentID, tenantID)

	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE students SET `+strings.Join(sets, ", ")+` WHERE id = ? AND tenant_id = ?;`, args...)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	if affected == 0 {
		return ErrStudentNotFound
	}
	return nil
}

// TransitionStudent moves a student between enrollment states.
func (s *Store) TransitionStudent(ctx context.Context, tenantID, studentID string, from, to StudentStatus) error {
	if _, ok := allowedStudentTransitions[from][to]; !ok {
		return fmt.Errorf("invalid student transition %s -> %s", from, to)
	}
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE students SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ? AND status = ?;
		`, to, nowUTC(), studentID, tenantID, from)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("transition student: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetStudent(ctx, tenantID, studentID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("student %s is %s, cannot move to %s", studentID, current.Status, to)
	}
	return nil
}

// MergeStudents folds duplicate rows into the kept student: attendance,
// invoices, and notes are repointed, then the duplicates are discharged.
func (s *Store) MergeStudents(ctx context.Context, tenantID, keepID string, dropIDs []string) error {
	if len(dropIDs) == 0 {
		return fmt.Errorf("no duplicate ids to merge")
	}
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, dropID := range dropIDs {
			if dropID == keepID {
				return fmt.Errorf("cannot merge student %s into itself", keepID)
			}
			for _, stmt := range []string{
				// The kept student's record wins on a same-day collision.
				`DELETE FROM attendance_records WHERE tenant_id = ? AND student_id = ? AND date IN
					(SELECT date FROM attendance_records WHERE tenant_id = ? AND student_id = ?);`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, tenantID, dropID, tenantID, keepID); err != nil {
					return fmt.Errorf("merge students: %w", err)
				}
			}
			repoints := []string{
				`UPDATE attendance_records SET student_id = ? WHERE tenant_id = ? AND student_id = ?;`,
				`UPDATE invoices SET student_id = ? WHERE tenant_id = ? AND student_id = ?;`,
				`UPDATE notes SET student_id = ? WHERE tenant_id = ? AND student_id = ?;`,
			}
			for _, stmt := range repoints {
				if _, err := tx.ExecContext(ctx, stmt, keepID, tenantID, dropID); err != nil {
					return fmt.Errorf("merge students: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE students SET status = 'discharged', tags = 'merged:' || ?, updated_at = ?
				WHERE id = ? AND tenant_id = ?;
			`, keepID, nowUTC(), dropID, tenantID); err != nil {
				return fmt.Errorf("merge students: %w", err)
			}
		}
		return tx.Commit()
	})
}

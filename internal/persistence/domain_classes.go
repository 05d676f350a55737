package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClassNotFound is returned for unknown class ids.
var ErrClassNotFound = errors.New("class not found")

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

type Class struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Teacher   string    `json:"teacher,omitempty"`
	Capacity  int       `json:"capacity"`
	Status    string    `json:"status"`
	Enrolled  int       `json:"enrolled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Session struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ClassID   string    `json:"class_id"`
	ClassName string    `json:"class_name,omitempty"`
	Teacher   string    `json:"teacher,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InsertClass creates a class.
func (s *Store) InsertClass(ctx context.Context, c *Class) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = "open"
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO classes (id, tenant_id, name, teacher, capacity, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, c.ID, c.TenantID, c.Name, c.Teacher, c.Capacity, c.Status, formatTime(now), formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert class: %w", err)
	}
	return nil
}

// ListClasses returns the tenant's classes with enrolled counts.
func (s *Store) ListClasses(ctx context.Context, tenantID string) ([]Class, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.tenant_id, c.name, c.teacher, c.capacity, c.status, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM students st WHERE st.tenant_id = c.tenant_id AND st.class_id = c.id AND st.status = 'active')
		FROM classes c WHERE c.tenant_id = ? ORDER BY c.name ASC;
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		var c Class
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Teacher, &c.Capacity, &c.Status,
			&createdAt, &updatedAt, &c.Enrolled); err != nil {
			return nil, fmt.Errorf("scan class: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

// GetClass fetches one class scoped to a tenant.
func (s *Store) GetClass(ctx context.Context, tenantID, classID string) (*Class, error) {
	var c Class
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, teacher, capacity, status, created_at, updated_at
		FROM classes WHERE id = ? AND tenant_id = ?;
	`, classID, tenantID).Scan(&c.ID, &c.TenantID, &c.Name, &c.Teacher, &c.Capacity, &c.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// UpdateClass sets name, teacher, and capacity.
func (s *Store) UpdateClass(ctx context.Context, tenantID, classID, name, teacher string, capacity int) error {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE classes SET name = ?, teacher = ?, capacity = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ?;
		`, name, teacher, capacity, nowUTC(), classID, tenantID)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update class: %w", err)
	}
	if affected == 0 {
		return ErrClassNotFound
	}
	return nil
}

// CloseClass marks a class closed and cancels its future sessions.
func (s *Store) CloseClass(ctx context.Context, tenantID, classID string) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE classes SET status = 'closed', updated_at = ? WHERE id = ? AND tenant_id = ? AND status = 'open';
		`, nowUTC(), classID, tenantID)
		if err != nil {
			return fmt.Errorf("close class: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("class %s is not open", classID)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE class_sessions SET status = 'cancelled', updated_at = ?
			WHERE tenant_id = ? AND class_id = ? AND status = 'scheduled' AND starts_at > ?;
		`, nowUTC(), tenantID, classID, nowUTC()); err != nil {
			return fmt.Errorf("cancel class sessions: %w", err)
		}
		return tx.Commit()
	})
}

// ReassignTeacher moves every class of one teacher to another. Returns
// the number of classes moved.
func (s *Store) ReassignTeacher(ctx context.Context, tenantID, fromTeacher, toTeacher string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE classes SET teacher = ?, updated_at = ?
			WHERE tenant_id = ? AND teacher = ? AND status = 'open';
		`, toTeacher, nowUTC(), tenantID, fromTeacher)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reassign teacher: %w", err)
	}
	return affected, nil
}

// ClassRoster lists active students assigned to the class.
func (s *Store) ClassRoster(ctx context.Context, tenantID, classID string) ([]Student, error) {
	return s.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students
		WHERE tenant_id = ? AND class_id = ? AND status = 'active'
		ORDER BY name ASC;
	`, tenantID, classID)
}

// InsertSession schedules one session.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = "scheduled"
	}
	now := time.Now().UTC()
	sess.UpdatedAt = now
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO class_sessions (id, tenant_id, class_id, starts_at, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sess.ID, sess.TenantID, sess.ClassID, formatTime(sess.StartsAt), sess.Status, formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startsAt, updatedAt string
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.ClassID, &sess.ClassName, &sess.Teacher,
			&startsAt, &sess.Status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartsAt = parseTime(startsAt)
		sess.UpdatedAt = parseTime(updatedAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const sessionJoin = `
	SELECT cs.id, cs.tenant_id, cs.class_id, c.name, c.teacher, cs.starts_at, cs.status, cs.updated_at
	FROM class_sessions cs JOIN classes c ON c.id = cs.class_id`

// SessionsBetween lists sessions starting inside [from, to).
func (s *Store) SessionsBetween(ctx context.Context, tenantID string, from, to time.Time) ([]Session, error) {
	return s.querySessions(ctx, sessionJoin+`
		WHERE cs.tenant_id = ? AND cs.starts_at >= ? AND cs.starts_at < ?
		ORDER BY cs.starts_at ASC;
	`, tenantID, formatTime(from), formatTime(to))
}

// SessionsByTeacher lists a teacher's upcoming sessions.
func (s *Store) SessionsByTeacher(ctx context.Context, tenantID, teacher string, from time.Time) ([]Session, error) {
	return s.querySessions(ctx, sessionJoin+`
		WHERE cs.tenant_id = ? AND c.teacher = ? AND cs.starts_at >= ?
		ORDER BY cs.starts_at ASC;
	`, tenantID, teacher, formatTime(from))
}

// SessionsByClass lists a class's sessions.
func (s *Store) SessionsByClass(ctx context.Context, tenantID, classID string) ([]Session, error) {
	return s.querySessions(ctx, sessionJoin+`
		WHERE cs.tenant_id = ? AND cs.class_id = ?
		ORDER BY cs.starts_at ASC;
	`, tenantID, classID)
}

// MoveSession reschedules a scheduled session.
func (s *Store) MoveSession(ctx context.Context, tenantID, sessionID string, newStart time.Time) error {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE class_sessions SET starts_at = ?, status = 'moved', updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status IN ('scheduled', 'moved');
		`, formatTime(newStart), nowUTC(), sessionID, tenantID)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("move session: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CancelSession cancels a scheduled or moved session.
func (s *Store) CancelSession(ctx context.Context, tenantID, sessionID string) error {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE class_sessions SET status = 'cancelled', updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status IN ('scheduled', 'moved');
		`, nowUTC(), sessionID, tenantID)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ShiftSessions moves every scheduled session in [from, to) by offset.
// Returns the number of sessions shifted.
func (s *Store) ShiftSessions(ctx context.Context, tenantID string, from, to time.Time, offset time.Duration) (int64, error) {
	sessions, err := s.SessionsBetween(ctx, tenantID, from, to)
	if err != nil {
		return 0, err
	}
	var shifted int64
	err = retryOnBusy(ctx, 3, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		shifted = 0
		for _, sess := range sessions {
			if sess.Status != "scheduled" && sess.Status != "moved" {
				continue
			}
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE class_sessions SET starts_at = ?, status = 'moved', updated_at = ? WHERE id = ?;
			`, formatTime(sess.StartsAt.Add(offset)), nowUTC(), sess.ID); execErr != nil {
				return fmt.Errorf("shift session %s: %w", sess.ID, execErr)
			}
			shifted++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return shifted, nil
}

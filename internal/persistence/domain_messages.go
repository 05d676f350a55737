package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the delivery state of a logged message.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageScheduled MessageStatus = "scheduled"
	MessageCancelled MessageStatus = "cancelled"
)

// ErrTemplateNotFound is returned for unknown template names.
var ErrTemplateNotFound = errors.New("message template not found")

// ErrMessageNotFound is returned for unknown message ids.
var ErrMessageNotFound = errors.New("message not found")

type Message struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	Recipient string        `json:"recipient"`
	Channel   string        `json:"channel"`
	Body      string        `json:"body"`
	Status    MessageStatus `json:"status"`
	RunID     string        `json:"run_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type Template struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogMessage records one delivery attempt.
func (s *Store) LogMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO message_log (id, tenant_id, recipient, channel, body, status, run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, msg.ID, msg.TenantID, msg.Recipient, msg.Channel, msg.Body, msg.Status, msg.RunID, formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

// MessagesByStatus lists a tenant's messages in one delivery state,
// newest first.
func (s *Store) MessagesByStatus(ctx context.Context, tenantID string, status MessageStatus, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, recipient, channel, body, status, run_id, created_at
		FROM message_log WHERE tenant_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT ?;
	`, tenantID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.TenantID, &msg.Recipient, &msg.Channel, &msg.Body,
			&msg.Status, &msg.RunID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = parseTime(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CancelScheduledMessage cancels a message before delivery. Only
// scheduled messages can be cancelled.
func (s *Store) CancelScheduledMessage(ctx context.Context, tenantID, messageID string) error {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE message_log SET status = 'cancelled'
			WHERE id = ? AND tenant_id = ? AND status = 'scheduled';
		`, messageID, tenantID)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("message %s is not scheduled", messageID)
	}
	return nil
}

// InsertTemplate creates a named template. Names are unique per tenant.
func (s *Store) InsertTemplate(ctx context.Context, tpl *Template) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tpl.UpdatedAt = now
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO message_templates (id, tenant_id, name, body, updated_at) VALUES (?, ?, ?, ?, ?);
		`, tpl.ID, tpl.TenantID, tpl.Name, tpl.Body, formatTime(now))
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err, "message_templates") {
			return fmt.Errorf("template %q already exists", tpl.Name)
		}
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// UpdateTemplate rewrites a template body by name.
func (s *Store) UpdateTemplate(ctx context.Context, tenantID, name, body string) error {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE message_templates SET body = ?, updated_at = ? WHERE tenant_id = ? AND name = ?;
		`, body, nowUTC(), tenantID, name)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if affected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

// GetTemplate fetches a template by name.
func (s *Store) GetTemplate(ctx context.Context, tenantID, name string) (*Template, error) {
	var tpl Template
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, body, updated_at FROM message_templates WHERE tenant_id = ? AND name = ?;
	`, tenantID, name).Scan(&tpl.ID, &tpl.TenantID, &tpl.Name, &tpl.Body, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	tpl.UpdatedAt = parseTime(updatedAt)
	return &tpl, nil
}

// Note is one counseling note.
type Note struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	StudentID string    `json:"student_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrNoteNotFound is returned for unknown note ids.
var ErrNoteNotFound = errors.New("note not found")

// InsertNote creates a counseling note.
func (s *Store) InsertNote(ctx context.Context, note *Note) error {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	note.CreatedAt = now
	note.UpdatedAt = now
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO notes (id, tenant_id, student_id, body, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, note.ID, note.TenantID, note.StudentID, note.Body, formatTime(now), formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// UpdateNote rewrites a note body.
func (s *Store) UpdateNote(ctx context.Context, tenantID, noteID, body string) error {
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE notes SET body = ?, updated_at = ? WHERE id = ? AND tenant_id = ?;
		`, body, nowUTC(), noteID, tenantID)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	if affected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// NotesForStudent lists a student's notes, newest first.
func (s *Store) NotesForStudent(ctx context.Context, tenantID, studentID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, student_id, body, created_at, updated_at
		FROM notes WHERE tenant_id = ? AND student_id = ?
		ORDER BY created_at DESC;
	`, tenantID, studentID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		var createdAt, updatedAt string
		if err := rows.Scan(&note.ID, &note.TenantID, &note.StudentID, &note.Body, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		note.CreatedAt = parseTime(createdAt)
		note.UpdatedAt = parseTime(updatedAt)
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acadeon/chatops/internal/bus"
)

// CardStatus is the lifecycle state of a task card.
type CardStatus string

const (
	CardPending  CardStatus = "pending"
	CardApproved CardStatus = "approved"
	CardRejected CardStatus = "rejected"
	CardExecuted CardStatus = "executed"
)

// allowedCardTransitions encodes the review flow: a card is reviewed
// once, and only an approved card can be marked executed.
var allowedCardTransitions = map[CardStatus]map[CardStatus]struct{}{
	CardPending: {
		CardApproved: {},
		CardRejected: {},
	},
	CardApproved: {
		CardExecuted: {},
	},
}

// ErrCardNotFound is returned when a task card id does not exist.
var ErrCardNotFound = errors.New("task card not found")

// TaskCard is a proposed piece of work awaiting human review.
type TaskCard struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	IntentKey       string     `json:"intent_key"`
	TaskType        string     `json:"task_type"`
	EntityType      string     `json:"entity_type"`
	Subtype         string     `json:"subtype,omitempty"`
	TriggerSource   string     `json:"trigger_source"`
	WindowLabel     string     `json:"window_label,omitempty"`
	Title           string     `json:"title"`
	SuggestedAction string     `json:"suggested_action,omitempty"`
	Status          CardStatus `json:"status"`
	RunID           string     `json:"run_id,omitempty"`
	ExecutedRunID   string     `json:"executed_run_id,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CreateTaskCard inserts a pending card.
func (s *Store) CreateTaskCard(ctx context.Context, card *TaskCard) error {
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	card.Status = CardPending
	card.CreatedAt = now
	card.UpdatedAt = now
	if card.SuggestedAction == "" {
		card.SuggestedAction = "{}"
	}
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO task_cards
				(id, tenant_id, intent_key, task_type, entity_type, subtype, trigger_source,
				 window_label, title, suggested_action, status, run_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, card.ID, card.TenantID, card.IntentKey, card.TaskType, card.EntityType, card.Subtype,
			card.TriggerSource, card.WindowLabel, card.Title, card.SuggestedAction, card.Status,
			card.RunID, formatTime(now), formatTime(now))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("create task card: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCardCreated, bus.TaskCardEvent{
			CardID: card.ID, TenantID: card.TenantID, IntentKey: card.IntentKey, Status: string(card.Status),
		})
	}
	return nil
}

const cardColumns = `id, tenant_id, intent_key, task_type, entity_type, subtype, trigger_source,
	window_label, title, suggested_action, status, run_id, executed_run_id, resolved_by,
	created_at, updated_at`

func scanCard(row rowScanner) (*TaskCard, error) {
	var card TaskCard
	var createdAt, updatedAt string
	if err := row.Scan(&card.ID, &card.TenantID, &card.IntentKey, &card.TaskType, &card.EntityType,
		&card.Subtype, &card.TriggerSource, &card.WindowLabel, &card.Title, &card.SuggestedAction,
		&card.Status, &card.RunID, &card.ExecutedRunID, &card.ResolvedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	card.CreatedAt = parseTime(createdAt)
	card.UpdatedAt = parseTime(updatedAt)
	return &card, nil
}

// GetTaskCard fetches one card scoped to a tenant.
func (s *Store) GetTaskCard(ctx context.Context, tenantID, cardID string) (*TaskCard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cardColumns+` FROM task_cards WHERE id = ? AND tenant_id = ?;
	`, cardID, tenantID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task card: %w", err)
	}
	return card, nil
}

// ListTaskCards returns a tenant's cards, optionally filtered by status,
// newest first.
func (s *Store) ListTaskCards(ctx context.Context, tenantID string, status CardStatus, limit int) ([]TaskCard, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cardColumns + ` FROM task_cards WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task cards: %w", err)
	}
	defer rows.Close()

	var cards []TaskCard
	for rows.Next() {
		card, scanErr := scanCard(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task card: %w", scanErr)
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// TransitionTaskCard moves a card between review states. Illegal
// transitions, including double-resolution, are rejected atomically via
// the status guard in the UPDATE.
func (s *Store) TransitionTaskCard(ctx context.Context, tenantID, cardID string, from, to CardStatus, resolvedBy, executedRunID string) (*TaskCard, error) {
	if _, ok := allowedCardTransitions[from][to]; !ok {
		return nil, fmt.Errorf("invalid task card transition %s -> %s", from, to)
	}
	var affected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE task_cards
			SET status = ?,
			    resolved_by = CASE WHEN ? != '' THEN ? ELSE resolved_by END,
			    executed_run_id = CASE WHEN ? != '' THEN ? ELSE executed_run_id END,
			    updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status = ?;
		`, to, resolvedBy, resolvedBy, executedRunID, executedRunID, nowUTC(), cardID, tenantID, from)
		if execErr != nil {
			return execErr
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition task card: %w", err)
	}
	if affected == 0 {
		card, getErr := s.GetTaskCard(ctx, tenantID, cardID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("task card %s is %s, cannot move to %s", cardID, card.Status, to)
	}

	card, err := s.GetTaskCard(ctx, tenantID, cardID)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCardResolved, bus.TaskCardEvent{
			CardID: card.ID, TenantID: card.TenantID, IntentKey: card.IntentKey, Status: string(card.Status),
		})
	}
	return card, nil
}

// Package taskcard turns L1 proposals into reviewable cards and walks
// approved cards through their follow-up execution. Emission is pure
// creation; execution is a brand-new dispatch carrying a reference back
// to the card, never an automatic continuation.
package taskcard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/intent"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/shared"
)

// SuggestedAction is the payload stored on a card: what to dispatch if
// a reviewer approves.
type SuggestedAction struct {
	IntentKey string         `json:"intent_key,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Emitter creates pending cards from L1 intent definitions.
type Emitter struct {
	store  *persistence.Store
	logger *slog.Logger
}

// NewEmitter builds an Emitter over the store.
func NewEmitter(store *persistence.Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: store, logger: logger}
}

// Emit creates one pending card for an L1 dispatch. The proposal params
// may name the follow-up under "execute_intent"; everything else rides
// along as the suggested params.
func (e *Emitter) Emit(ctx context.Context, tenantID string, def *intent.Definition, params map[string]any, source string) (*persistence.TaskCard, error) {
	if def.Task == nil {
		return nil, fmt.Errorf("intent %s carries no task spec", def.Key)
	}

	suggestion := SuggestedAction{Params: make(map[string]any, len(params))}
	for k, v := range params {
		if k == "execute_intent" {
			if key, ok := v.(string); ok {
				suggestion.IntentKey = key
			}
			continue
		}
		suggestion.Params[k] = v
	}
	raw, err := json.Marshal(suggestion)
	if err != nil {
		return nil, fmt.Errorf("encode suggested action: %w", err)
	}

	title := def.Description
	if t, ok := params["title"].(string); ok && t != "" {
		title = t
	}
	windowLabel, _ := params["window_label"].(string)

	card := &persistence.TaskCard{
		TenantID:        tenantID,
		IntentKey:       def.Key,
		TaskType:        def.Task.TaskType,
		EntityType:      def.Task.EntityType,
		Subtype:         def.Task.Subtype,
		TriggerSource:   source,
		WindowLabel:     windowLabel,
		Title:           title,
		SuggestedAction: string(raw),
	}
	if err := e.store.CreateTaskCard(ctx, card); err != nil {
		return nil, err
	}
	e.logger.Info("task card emitted",
		"tenant_id", tenantID, "intent_key", def.Key, "card_id", card.ID, "source", source)
	return card, nil
}

// Runner dispatches the follow-up execution of an approved card.
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Service is the review surface: approve, reject, execute.
type Service struct {
	store  *persistence.Store
	runner Runner
	logger *slog.Logger
}

// NewService builds the review service.
func NewService(store *persistence.Store, runner Runner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, runner: runner, logger: logger}
}

// Approve moves a pending card to approved.
func (s *Service) Approve(ctx context.Context, tenantID, cardID, reviewer string) (*persistence.TaskCard, error) {
	return s.store.TransitionTaskCard(ctx, tenantID, cardID, persistence.CardPending, persistence.CardApproved, reviewer, "")
}

// Reject moves a pending card to rejected. Terminal.
func (s *Service) Reject(ctx context.Context, tenantID, cardID, reviewer string) (*persistence.TaskCard, error) {
	return s.store.TransitionTaskCard(ctx, tenantID, cardID, persistence.CardPending, persistence.CardRejected, reviewer, "")
}

// Execute dispatches the approved card's suggested action as a fresh
// run and, only after that run succeeds, marks the card executed. A
// rejected or failed dispatch leaves the card approved so the reviewer
// can retry or withdraw it.
func (s *Service) Execute(ctx context.Context, tenantID, cardID string, actor shared.Actor) (*dispatch.Result, *persistence.TaskCard, error) {
	card, err := s.store.GetTaskCard(ctx, tenantID, cardID)
	if err != nil {
		return nil, nil, err
	}
	if card.Status != persistence.CardApproved {
		return nil, nil, fmt.Errorf("task card %s is %s, only approved cards execute", cardID, card.Status)
	}

	var suggestion SuggestedAction
	if err := json.Unmarshal([]byte(card.SuggestedAction), &suggestion); err != nil {
		return nil, nil, fmt.Errorf("decode suggested action for %s: %w", cardID, err)
	}
	if suggestion.IntentKey == "" {
		return nil, nil, fmt.Errorf("task card %s names no follow-up intent", cardID)
	}

	res, dispatchErr := s.runner.Dispatch(ctx, dispatch.Request{
		TenantID:   tenantID,
		IntentKey:  suggestion.IntentKey,
		Params:     suggestion.Params,
		Actor:      actor,
		Source:     "taskcard",
		TaskCardID: card.ID,
	})
	if dispatchErr != nil {
		s.logger.Warn("task card execution failed",
			"tenant_id", tenantID, "card_id", cardID, "intent_key", suggestion.IntentKey, "error", dispatchErr)
		return res, card, dispatchErr
	}

	updated, err := s.store.TransitionTaskCard(ctx, tenantID, cardID,
		persistence.CardApproved, persistence.CardExecuted, "", res.RunID)
	if err != nil {
		return res, card, err
	}
	s.logger.Info("task card executed",
		"tenant_id", tenantID, "card_id", cardID, "intent_key", suggestion.IntentKey, "run_id", res.RunID)
	return res, updated, nil
}

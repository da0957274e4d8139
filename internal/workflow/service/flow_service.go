package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
	"github.com/OpenNSW/cardflow/utils"
)

// FlowService moves cards through the department flow of their template.
type FlowService struct {
	db           *gorm.DB
	txRunner     Transactor
	flowRepo     FlowStatusRepository
	logRepo      OperationLogRepository
	stateMachine *FlowStatusStateMachine
}

// NewFlowService creates a new instance of FlowService.
func NewFlowService(db *gorm.DB, txRunner Transactor, flowRepo FlowStatusRepository, logRepo OperationLogRepository) *FlowService {
	return &FlowService{
		db:           db,
		txRunner:     txRunner,
		flowRepo:     flowRepo,
		logRepo:      logRepo,
		stateMachine: NewFlowStatusStateMachine(flowRepo),
	}
}

// InitializeCardFlow replaces the card's ledger with a fresh copy of its template flow and
// moves the card to the first step. A nil templateID uses the card's own template.
func (s *FlowService) InitializeCardFlow(ctx context.Context, cardID, templateID uuid.UUID) (*model.InitializeFlowResult, error) {
	const op = "InitializeCardFlow"
	var result *model.InitializeFlowResult
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		card, err := lockCardForUpdate(ctx, tx, op, cardID)
		if err != nil {
			return err
		}
		result, err = s.initializeInTx(ctx, tx, op, card, templateID)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "card flow initialized", "cardId", cardID, "totalSteps", result.TotalSteps)
	return result, nil
}

// ReinitializeCardFlow rebuilds the card's ledger from its own template, discarding any
// progress. Administrators only.
func (s *FlowService) ReinitializeCardFlow(ctx context.Context, actor *auth.Actor, cardID uuid.UUID) (*model.InitializeFlowResult, error) {
	if !actor.IsAdmin() {
		return nil, NewPermissionError("ReinitializeCardFlow", "only administrators can reinitialize a card flow", nil)
	}
	result, err := s.InitializeCardFlow(ctx, cardID, uuid.Nil)
	if err != nil {
		s.logFailure(ctx, "ReinitializeCardFlow", cardID, err)
		return nil, err
	}
	return result, nil
}

// StartCardFlow initializes the flow of a draft card and records the start in the audit log.
func (s *FlowService) StartCardFlow(ctx context.Context, actor *auth.Actor, cardID uuid.UUID) (*model.InitializeFlowResult, error) {
	const op = "StartCardFlow"
	if actor == nil {
		return nil, NewPermissionError(op, "authentication required", nil)
	}

	var result *model.InitializeFlowResult
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		card, err := lockCardForUpdate(ctx, tx, op, cardID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && card.CreatedBy != actor.ID {
			return NewPermissionError(op, "only the card creator or an administrator can start its flow", nil)
		}
		started := card.Status == model.CardStatusInProgress && card.CurrentDepartmentID != nil
		if card.Status != model.CardStatusDraft && (card.Status != model.CardStatusInProgress || started) {
			return NewStateError(op, fmt.Sprintf("card flow cannot be started while the card is %s", card.Status),
				map[string]any{"status": card.Status})
		}

		result, err = s.initializeInTx(ctx, tx, op, card, uuid.Nil)
		if err != nil {
			return err
		}
		return s.logRepo.AppendInTx(ctx, tx, &model.OperationLog{
			CardID:         card.ID,
			OperationType:  model.OperationStartFlow,
			ToDepartmentID: &result.CurrentDepartment.ID,
			OperatorID:     actor.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "card flow started", "cardId", cardID, "actorId", actor.ID)
	return result, nil
}

func (s *FlowService) initializeInTx(ctx context.Context, tx *gorm.DB, op string, card *model.Card, templateID uuid.UUID) (*model.InitializeFlowResult, error) {
	if templateID == uuid.Nil {
		templateID = card.TemplateID
	}
	if templateID != card.TemplateID {
		return nil, NewValidationError(op, "template does not match the card's template", nil)
	}

	var steps []model.TemplateFlowStep
	if err := tx.WithContext(ctx).
		Preload("Department").
		Where("template_id = ?", templateID).
		Order("flow_order ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve flow steps of template %s: %w", templateID, err)
	}

	records, err := s.stateMachine.InitializeLedger(ctx, tx, card.ID, steps)
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			svcErr.Op = op
		}
		return nil, err
	}

	now := time.Now().UTC()
	first := records[0]
	card.Status = model.CardStatusInProgress
	card.CurrentDepartmentID = &first.DepartmentID
	card.TotalFlowSteps = len(records)
	card.CompletedFlowSteps = 0
	card.FlowStartedAt = &now
	card.FlowCompletedAt = nil
	if err := saveCard(ctx, tx, card); err != nil {
		return nil, err
	}
	if err := s.stateMachine.VerifyLedger(card, records); err != nil {
		return nil, err
	}

	return &model.InitializeFlowResult{
		CurrentDepartment: departmentRef(first.DepartmentID, first.Department),
		TotalSteps:        len(records),
	}, nil
}

// GetCurrentStep returns the step currently holding the card, or nil when the card is not
// in progress.
func (s *FlowService) GetCurrentStep(ctx context.Context, cardID uuid.UUID) (*model.CurrentStep, error) {
	const op = "GetCurrentStep"
	card, err := getCard(ctx, s.db, op, cardID)
	if err != nil {
		return nil, err
	}
	if card.Status != model.CardStatusInProgress {
		return nil, nil
	}

	var records []model.FlowStatus
	if err := s.db.WithContext(ctx).
		Preload("Department").
		Where("card_id = ? AND status = ?", cardID, model.FlowStepStatusProcessing).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve current step of card %s: %w", cardID, err)
	}
	return currentStepOf(card, records), nil
}

// GetFlowStatus returns the card together with its ledger, current step and history.
func (s *FlowService) GetFlowStatus(ctx context.Context, actor *auth.Actor, cardID uuid.UUID) (*model.CardFlowStatusResponse, error) {
	const op = "GetFlowStatus"
	card, err := getCard(ctx, s.db, op, cardID, "Template", "CurrentDepartment")
	if err != nil {
		return nil, err
	}

	var records []model.FlowStatus
	if err := s.db.WithContext(ctx).
		Preload("Department").
		Where("card_id = ?", cardID).
		Order("flow_order ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve flow status of card %s: %w", cardID, err)
	}

	var history []model.OperationLog
	if err := s.db.WithContext(ctx).
		Preload("FromDepartment").
		Preload("ToDepartment").
		Where("card_id = ?", cardID).
		Order("created_at ASC").
		Find(&history).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve history of card %s: %w", cardID, err)
	}

	currentStep := currentStepOf(card, records)
	return &model.CardFlowStatusResponse{
		Card:               *card,
		Steps:              records,
		CurrentStep:        currentStep,
		History:            history,
		IsCurrentProcessor: currentStep != nil && (actor.IsAdmin() || actor.InDepartment(card.CurrentDepartmentID)),
	}, nil
}

// SubmitToNextDepartment completes the current step and hands the card to the next
// department, or completes the flow when the current step is the last one.
func (s *FlowService) SubmitToNextDepartment(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, notes string) (*model.SubmitResult, error) {
	const op = "SubmitToNextDepartment"
	if actor == nil {
		return nil, NewPermissionError(op, "authentication required", nil)
	}

	var result *model.SubmitResult
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		card, err := lockCardForUpdate(ctx, tx, op, cardID)
		if err != nil {
			return err
		}
		if card.Status != model.CardStatusInProgress {
			return NewStateError(op, fmt.Sprintf("card is %s, not in progress", card.Status),
				map[string]any{"status": card.Status})
		}
		records, err := s.flowRepo.GetFlowStatusesByCardIDInTx(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		if err := s.authorizeCurrentProcessor(op, actor, card, records); err != nil {
			return err
		}
		if card.CurrentDepartmentID == nil {
			return NewFlowStateError(op, "current step not found", map[string]any{"cardId": card.ID})
		}

		from := *card.CurrentDepartmentID
		transition, err := s.stateMachine.Advance(ctx, tx, records, from, actor.ID, optionalNotes(notes), card.TotalFlowSteps)
		if err != nil {
			return err
		}

		entry := &model.OperationLog{
			CardID:           card.ID,
			FromDepartmentID: &from,
			OperatorID:       actor.ID,
			Notes:            optionalNotes(notes),
		}
		if transition.IsLast {
			now := time.Now().UTC()
			card.Status = model.CardStatusCompleted
			card.CompletedFlowSteps = card.TotalFlowSteps
			card.FlowCompletedAt = &now
			entry.OperationType = model.OperationComplete
			result = &model.SubmitResult{Message: "Flow completed", IsCompleted: true}
		} else {
			next := transition.Next.DepartmentID
			card.CurrentDepartmentID = &next
			card.CompletedFlowSteps++
			entry.OperationType = model.OperationSubmitToNext
			entry.ToDepartmentID = &next
			ref := departmentRef(next, transition.Next.Department)
			result = &model.SubmitResult{Message: fmt.Sprintf("Submitted to %s", ref.Name), NextDepartment: ref}
		}

		if err := saveCard(ctx, tx, card); err != nil {
			return err
		}
		if err := s.stateMachine.VerifyLedger(card, records); err != nil {
			return err
		}
		return s.logRepo.AppendInTx(ctx, tx, entry)
	})
	if err != nil {
		s.logFailure(ctx, op, cardID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "card submitted", "cardId", cardID, "actorId", actor.ID, "completed", result.IsCompleted)
	return result, nil
}

// Reject ends the card's flow at the current step. Notes are mandatory.
func (s *FlowService) Reject(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, notes string) (*model.RejectResult, error) {
	const op = "Reject"
	if actor == nil {
		return nil, NewPermissionError(op, "authentication required", nil)
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, NewValidationError(op, "notes are required to reject a card", nil)
	}

	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		card, err := lockCardForUpdate(ctx, tx, op, cardID)
		if err != nil {
			return err
		}
		if card.Status != model.CardStatusInProgress {
			return NewStateError(op, fmt.Sprintf("card is %s, not in progress", card.Status),
				map[string]any{"status": card.Status})
		}
		records, err := s.flowRepo.GetFlowStatusesByCardIDInTx(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		if err := s.authorizeCurrentProcessor(op, actor, card, records); err != nil {
			return err
		}
		if card.CurrentDepartmentID == nil {
			return NewFlowStateError(op, "current step not found", map[string]any{"cardId": card.ID})
		}

		from := *card.CurrentDepartmentID
		if _, err := s.stateMachine.Reject(ctx, tx, records, from, actor.ID, notes); err != nil {
			return err
		}

		now := time.Now().UTC()
		card.Status = model.CardStatusRejected
		card.FlowCompletedAt = &now
		if err := saveCard(ctx, tx, card); err != nil {
			return err
		}
		if err := s.stateMachine.VerifyLedger(card, records); err != nil {
			return err
		}
		return s.logRepo.AppendInTx(ctx, tx, &model.OperationLog{
			CardID:           card.ID,
			OperationType:    model.OperationReject,
			FromDepartmentID: &from,
			OperatorID:       actor.ID,
			Notes:            &notes,
		})
	})
	if err != nil {
		s.logFailure(ctx, op, cardID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "card rejected", "cardId", cardID, "actorId", actor.ID)
	return &model.RejectResult{Message: "Card rejected"}, nil
}

// Restart reopens a completed or rejected card at the target department, or at the first
// step when target is nil. Only administrators may restart a flow.
func (s *FlowService) Restart(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, target *uuid.UUID) (*model.RestartResult, error) {
	const op = "Restart"
	if !actor.IsAdmin() {
		return nil, NewPermissionError(op, "only administrators can restart a flow", nil)
	}

	var result *model.RestartResult
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		card, err := lockCardForUpdate(ctx, tx, op, cardID)
		if err != nil {
			return err
		}
		if card.Status != model.CardStatusCompleted && card.Status != model.CardStatusRejected {
			return NewStateError(op, fmt.Sprintf("only completed or rejected cards can be restarted, card is %s", card.Status),
				map[string]any{"status": card.Status})
		}
		records, err := s.flowRepo.GetFlowStatusesByCardIDInTx(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return NewFlowStateError(op, "card has no flow status records", map[string]any{"cardId": card.ID})
		}

		targetRecord := &records[0]
		if target != nil {
			targetRecord = findFirstForDepartment(records, *target)
			if targetRecord == nil {
				return NewValidationError(op, fmt.Sprintf("department %s is not part of this card's flow", *target), nil)
			}
		}

		reset, err := s.stateMachine.Reset(ctx, tx, records, targetRecord.FlowOrder)
		if err != nil {
			return err
		}

		from := card.CurrentDepartmentID
		now := time.Now().UTC()
		to := reset.DepartmentID
		card.Status = model.CardStatusInProgress
		card.CurrentDepartmentID = &to
		card.CompletedFlowSteps = 0
		card.FlowStartedAt = &now
		card.FlowCompletedAt = nil
		if err := saveCard(ctx, tx, card); err != nil {
			return err
		}
		if err := s.stateMachine.VerifyLedger(card, records); err != nil {
			return err
		}

		ref := departmentRef(to, reset.Department)
		result = &model.RestartResult{
			Message:           fmt.Sprintf("Flow restarted at %s", ref.Name),
			CurrentDepartment: ref,
		}
		return s.logRepo.AppendInTx(ctx, tx, &model.OperationLog{
			CardID:           card.ID,
			OperationType:    model.OperationRestart,
			FromDepartmentID: from,
			ToDepartmentID:   &to,
			OperatorID:       actor.ID,
		})
	})
	if err != nil {
		s.logFailure(ctx, op, cardID, err)
		return nil, err
	}

	slog.InfoContext(ctx, "card flow restarted", "cardId", cardID, "actorId", actor.ID, "departmentId", result.CurrentDepartment.ID)
	return result, nil
}

// GetPendingCards lists the cards waiting on the actor's department. Administrators without a
// department see every card in progress.
func (s *FlowService) GetPendingCards(ctx context.Context, actor *auth.Actor, offset, limit *int) (*model.PendingCardListResult, error) {
	off, lim := utils.GetPaginationParams(offset, limit)
	result := &model.PendingCardListResult{Items: []model.PendingCard{}, Offset: off, Limit: lim}

	query := s.db.WithContext(ctx).Model(&model.Card{})
	switch {
	case actor != nil && actor.DepartmentID != nil:
		query = query.Where("current_department_id = ? AND status = ?", *actor.DepartmentID, model.CardStatusInProgress)
	case actor.IsAdmin():
		query = query.Where("status = ?", model.CardStatusInProgress)
	default:
		return result, nil
	}

	if err := query.Count(&result.TotalCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending cards: %w", err)
	}

	var cards []model.Card
	if err := query.Preload("CurrentDepartment").
		Order("flow_started_at ASC").
		Offset(off).
		Limit(lim).
		Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve pending cards: %w", err)
	}
	if len(cards) == 0 {
		return result, nil
	}

	cardIDs := make([]uuid.UUID, len(cards))
	for i, c := range cards {
		cardIDs[i] = c.ID
	}
	var records []model.FlowStatus
	if err := s.db.WithContext(ctx).
		Preload("Department").
		Where("card_id IN ? AND status = ?", cardIDs, model.FlowStepStatusProcessing).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve current steps of pending cards: %w", err)
	}
	byCard := make(map[uuid.UUID][]model.FlowStatus, len(cards))
	for _, r := range records {
		byCard[r.CardID] = append(byCard[r.CardID], r)
	}

	for i := range cards {
		step := currentStepOf(&cards[i], byCard[cards[i].ID])
		item := model.PendingCard{
			Card:           cards[i],
			CurrentStep:    step,
			TotalSteps:     cards[i].TotalFlowSteps,
			CompletedCount: cards[i].CompletedFlowSteps,
		}
		if step != nil {
			item.IsLast = step.IsLast
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// GetFlowHistory lists audit entries, newest first. Non-admins only see entries that moved a
// card from or to their own department.
func (s *FlowService) GetFlowHistory(ctx context.Context, actor *auth.Actor, filter model.HistoryFilter) (*model.HistoryListResult, error) {
	off, lim := utils.GetPaginationParams(filter.Offset, filter.Limit)
	result := &model.HistoryListResult{Items: []model.OperationLog{}, Offset: off, Limit: lim}

	query := s.db.WithContext(ctx).Model(&model.OperationLog{})
	if filter.CardID != nil {
		query = query.Where("card_id = ?", *filter.CardID)
	}
	if !actor.IsAdmin() {
		if actor == nil || actor.DepartmentID == nil {
			return result, nil
		}
		query = query.Where("(from_department_id = ? OR to_department_id = ?)", *actor.DepartmentID, *actor.DepartmentID)
	}

	if err := query.Count(&result.TotalCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count flow history: %w", err)
	}
	if err := query.Preload("FromDepartment").
		Preload("ToDepartment").
		Order("created_at DESC").
		Offset(off).
		Limit(lim).
		Find(&result.Items).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve flow history: %w", err)
	}
	return result, nil
}

// authorizeCurrentProcessor allows administrators and members of the card's current department.
func (s *FlowService) authorizeCurrentProcessor(op string, actor *auth.Actor, card *model.Card, records []model.FlowStatus) error {
	if actor.IsAdmin() || actor.InDepartment(card.CurrentDepartmentID) {
		return nil
	}
	details := map[string]any{"currentDepartmentId": card.CurrentDepartmentID}
	if card.CurrentDepartmentID != nil {
		if current := findProcessing(records, *card.CurrentDepartmentID); current != nil {
			details["currentStep"] = current.DepartmentName()
		}
	}
	return NewPermissionError(op, "only the current department can act on this card", details)
}

func (s *FlowService) logFailure(ctx context.Context, op string, cardID uuid.UUID, err error) {
	if IsFlowStateError(err) {
		slog.ErrorContext(ctx, "flow ledger invariant violated", "op", op, "cardId", cardID, "error", err)
		return
	}
	slog.WarnContext(ctx, "flow operation failed", "op", op, "cardId", cardID, "error", err)
}

func optionalNotes(notes string) *string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil
	}
	return &notes
}

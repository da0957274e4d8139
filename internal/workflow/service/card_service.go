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

// CardService manages transfer cards outside of flow transitions.
type CardService struct {
	db       *gorm.DB
	txRunner Transactor
	flow     *FlowService
	logRepo  OperationLogRepository
}

// NewCardService creates a new instance of CardService.
func NewCardService(db *gorm.DB, txRunner Transactor, flow *FlowService, logRepo OperationLogRepository) *CardService {
	return &CardService{
		db:       db,
		txRunner: txRunner,
		flow:     flow,
		logRepo:  logRepo,
	}
}

// CreateCard creates a draft card. With StartFlow set the flow is initialized in the same
// transaction.
func (s *CardService) CreateCard(ctx context.Context, actor *auth.Actor, req *model.CreateCardDTO) (*model.Card, error) {
	const op = "CreateCard"
	if !actor.IsAdmin() {
		return nil, NewPermissionError(op, "only administrators can create cards", nil)
	}
	if req == nil {
		return nil, NewValidationError(op, "request cannot be nil", nil)
	}
	req.CardNumber = strings.TrimSpace(req.CardNumber)
	if err := validateStruct(op, req); err != nil {
		return nil, err
	}

	card := &model.Card{
		CardNumber:  req.CardNumber,
		Title:       req.Title,
		Description: req.Description,
		TemplateID:  req.TemplateID,
		Status:      model.CardStatusDraft,
		CreatedBy:   actor.ID,
	}
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		card.ID = uuid.Nil
		var count int64
		if err := tx.WithContext(ctx).Model(&model.Template{}).Where("id = ?", req.TemplateID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check template %s: %w", req.TemplateID, err)
		}
		if count == 0 {
			return NewValidationError(op, fmt.Sprintf("template %s does not exist", req.TemplateID), nil)
		}

		if err := tx.WithContext(ctx).Create(card).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return NewValidationError(op, fmt.Sprintf("card number %s already exists", req.CardNumber), err)
			}
			return fmt.Errorf("failed to create card: %w", err)
		}

		if !req.StartFlow {
			return nil
		}
		started, err := s.flow.initializeInTx(ctx, tx, op, card, card.TemplateID)
		if err != nil {
			return err
		}
		return s.logRepo.AppendInTx(ctx, tx, &model.OperationLog{
			CardID:         card.ID,
			OperationType:  model.OperationStartFlow,
			ToDepartmentID: &started.CurrentDepartment.ID,
			OperatorID:     actor.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "card created", "cardId", card.ID, "cardNumber", card.CardNumber, "status", card.Status)
	return card, nil
}

// GetCard returns a card with its template and current department.
func (s *CardService) GetCard(ctx context.Context, cardID uuid.UUID) (*model.Card, error) {
	return getCard(ctx, s.db, "GetCard", cardID, "Template", "CurrentDepartment")
}

// ListCards lists the cards visible to the actor. Administrators see every card; other users
// see the cards they created and cards whose template grants their department any field.
func (s *CardService) ListCards(ctx context.Context, actor *auth.Actor, filter model.CardFilter) (*model.CardListResult, error) {
	off, lim := utils.GetPaginationParams(filter.Offset, filter.Limit)
	result := &model.CardListResult{Items: []model.CardSummary{}, Offset: off, Limit: lim}
	if actor == nil {
		return result, nil
	}

	query := s.db.WithContext(ctx).Model(&model.Card{})
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if !actor.IsAdmin() {
		if actor.DepartmentID != nil {
			granted := s.db.Model(&model.FieldPermission{}).
				Select("template_id").
				Where("department_id = ?", *actor.DepartmentID)
			query = query.Where("(created_by = ? OR template_id IN (?))", actor.ID, granted)
		} else {
			query = query.Where("created_by = ?", actor.ID)
		}
	}

	if err := query.Count(&result.TotalCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count cards: %w", err)
	}

	var cards []model.Card
	if err := query.Preload("CurrentDepartment").
		Order("created_at DESC").
		Offset(off).
		Limit(lim).
		Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve cards: %w", err)
	}
	if len(cards) == 0 {
		return result, nil
	}

	cardIDs := make([]uuid.UUID, len(cards))
	for i, c := range cards {
		cardIDs[i] = c.ID
	}
	var counts []struct {
		CardID uuid.UUID
		Total  int64
	}
	if err := s.db.WithContext(ctx).Model(&model.RowData{}).
		Select("card_id, COUNT(*) AS total").
		Where("card_id IN ?", cardIDs).
		Group("card_id").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count card rows: %w", err)
	}
	rowCounts := make(map[uuid.UUID]int64, len(counts))
	for _, c := range counts {
		rowCounts[c.CardID] = c.Total
	}

	for _, c := range cards {
		result.Items = append(result.Items, model.CardSummary{Card: c, RowCount: rowCounts[c.ID]})
	}
	return result, nil
}

// CancelCard cancels a draft or in-progress card. Cancelled cards cannot be restarted.
func (s *CardService) CancelCard(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, notes string) (*model.Card, error) {
	const op = "CancelCard"
	if !actor.IsAdmin() {
		return nil, NewPermissionError(op, "only administrators can cancel cards", nil)
	}

	var card *model.Card
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		var err error
		card, err = lockCardForUpdate(ctx, tx, op, cardID)
		if err != nil {
			return err
		}
		if card.Status != model.CardStatusDraft && card.Status != model.CardStatusInProgress {
			return NewStateError(op, fmt.Sprintf("card is %s and cannot be cancelled", card.Status),
				map[string]any{"status": card.Status})
		}

		// Only in_progress cards may hold a processing step.
		if err := tx.WithContext(ctx).Model(&model.FlowStatus{}).
			Where("card_id = ? AND status = ?", card.ID, model.FlowStepStatusProcessing).
			Updates(map[string]any{"status": model.FlowStepStatusPending, "started_at": nil}).Error; err != nil {
			return fmt.Errorf("failed to close the current step of card %s: %w", card.ID, err)
		}

		from := card.CurrentDepartmentID
		now := time.Now().UTC()
		card.Status = model.CardStatusCancelled
		card.FlowCompletedAt = &now
		if err := saveCard(ctx, tx, card); err != nil {
			return err
		}
		return s.logRepo.AppendInTx(ctx, tx, &model.OperationLog{
			CardID:           card.ID,
			OperationType:    model.OperationCancel,
			FromDepartmentID: from,
			OperatorID:       actor.ID,
			Notes:            optionalNotes(notes),
		})
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "card cancelled", "cardId", cardID, "actorId", actor.ID)
	return card, nil
}

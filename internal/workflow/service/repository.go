package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

// Transactor runs a unit of work inside a database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// FlowStatusRepository persists the flow status ledger. All methods run inside the
// caller's transaction.
type FlowStatusRepository interface {
	GetFlowStatusesByCardIDInTx(ctx context.Context, tx *gorm.DB, cardID uuid.UUID) ([]model.FlowStatus, error)
	CreateFlowStatusesInTx(ctx context.Context, tx *gorm.DB, records []model.FlowStatus) ([]model.FlowStatus, error)
	UpdateFlowStatusesInTx(ctx context.Context, tx *gorm.DB, records []model.FlowStatus) error
	DeleteFlowStatusesByCardIDInTx(ctx context.Context, tx *gorm.DB, cardID uuid.UUID) error
}

// OperationLogRepository is the append-only sink for flow audit entries.
type OperationLogRepository interface {
	AppendInTx(ctx context.Context, tx *gorm.DB, entry *model.OperationLog) error
}

type flowStatusRepository struct{}

// NewFlowStatusRepository returns the gorm backed FlowStatusRepository.
func NewFlowStatusRepository() FlowStatusRepository {
	return &flowStatusRepository{}
}

// GetFlowStatusesByCardIDInTx returns the card's ledger ordered by flow_order, with departments.
func (r *flowStatusRepository) GetFlowStatusesByCardIDInTx(ctx context.Context, tx *gorm.DB, cardID uuid.UUID) ([]model.FlowStatus, error) {
	var records []model.FlowStatus
	result := tx.WithContext(ctx).
		Preload("Department").
		Where("card_id = ?", cardID).
		Order("flow_order ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to retrieve flow status records for card %s: %w", cardID, result.Error)
	}
	return records, nil
}

func (r *flowStatusRepository) CreateFlowStatusesInTx(ctx context.Context, tx *gorm.DB, records []model.FlowStatus) ([]model.FlowStatus, error) {
	if len(records) == 0 {
		return records, nil
	}
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to create flow status records: %w", err)
	}
	return records, nil
}

func (r *flowStatusRepository) UpdateFlowStatusesInTx(ctx context.Context, tx *gorm.DB, records []model.FlowStatus) error {
	for i := range records {
		if err := tx.WithContext(ctx).Omit(clause.Associations).Save(&records[i]).Error; err != nil {
			return fmt.Errorf("failed to update flow status record %s: %w", records[i].ID, err)
		}
	}
	return nil
}

func (r *flowStatusRepository) DeleteFlowStatusesByCardIDInTx(ctx context.Context, tx *gorm.DB, cardID uuid.UUID) error {
	if err := tx.WithContext(ctx).Where("card_id = ?", cardID).Delete(&model.FlowStatus{}).Error; err != nil {
		return fmt.Errorf("failed to delete flow status records for card %s: %w", cardID, err)
	}
	return nil
}

type operationLogRepository struct{}

// NewOperationLogRepository returns the gorm backed OperationLogRepository.
func NewOperationLogRepository() OperationLogRepository {
	return &operationLogRepository{}
}

func (r *operationLogRepository) AppendInTx(ctx context.Context, tx *gorm.DB, entry *model.OperationLog) error {
	if entry == nil {
		return fmt.Errorf("operation log entry cannot be nil")
	}
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append %s operation log: %w", entry.OperationType, err)
	}
	return nil
}

// lockCardForUpdate reads the card holding an exclusive row lock until the transaction ends.
func lockCardForUpdate(ctx context.Context, tx *gorm.DB, op string, cardID uuid.UUID) (*model.Card, error) {
	return lockCard(ctx, tx, op, cardID, "UPDATE")
}

// lockCardForShare reads the card holding a shared row lock, which blocks concurrent flow
// transitions but not other row writers.
func lockCardForShare(ctx context.Context, tx *gorm.DB, op string, cardID uuid.UUID) (*model.Card, error) {
	return lockCard(ctx, tx, op, cardID, "SHARE")
}

func lockCard(ctx context.Context, tx *gorm.DB, op string, cardID uuid.UUID, strength string) (*model.Card, error) {
	var card model.Card
	result := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: strength}).
		Where("id = ?", cardID).
		Take(&card)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError(op, fmt.Sprintf("card %s not found", cardID))
		}
		return nil, fmt.Errorf("%s: failed to lock card %s: %w", op, cardID, result.Error)
	}
	return &card, nil
}

func getCard(ctx context.Context, db *gorm.DB, op string, cardID uuid.UUID, preloads ...string) (*model.Card, error) {
	query := db.WithContext(ctx)
	for _, p := range preloads {
		query = query.Preload(p)
	}
	var card model.Card
	if err := query.Where("id = ?", cardID).Take(&card).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError(op, fmt.Sprintf("card %s not found", cardID))
		}
		return nil, fmt.Errorf("%s: failed to retrieve card %s: %w", op, cardID, err)
	}
	return &card, nil
}

func saveCard(ctx context.Context, tx *gorm.DB, card *model.Card) error {
	if err := tx.WithContext(ctx).Omit(clause.Associations).Save(card).Error; err != nil {
		return fmt.Errorf("failed to update card %s: %w", card.ID, err)
	}
	return nil
}

// departmentName resolves a department name for error details; lookup failures yield "".
func departmentName(ctx context.Context, db *gorm.DB, departmentID *uuid.UUID) string {
	if departmentID == nil {
		return ""
	}
	var department model.Department
	if err := db.WithContext(ctx).Select("name").Where("id = ?", *departmentID).Take(&department).Error; err != nil {
		return ""
	}
	return department.Name
}

func departmentRef(id uuid.UUID, department *model.Department) *model.DepartmentRef {
	if department != nil {
		return department.Ref()
	}
	return &model.DepartmentRef{ID: id}
}

package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

// TemplateService reads and replaces template flow definitions. Changes only affect flows
// initialized afterwards; running cards keep their ledger.
type TemplateService struct {
	db       *gorm.DB
	txRunner Transactor
}

// NewTemplateService creates a new instance of TemplateService.
func NewTemplateService(db *gorm.DB, txRunner Transactor) *TemplateService {
	return &TemplateService{
		db:       db,
		txRunner: txRunner,
	}
}

// GetTemplateFlowSteps returns the template's steps ordered by flow order.
func (s *TemplateService) GetTemplateFlowSteps(ctx context.Context, templateID uuid.UUID) ([]model.TemplateFlowStep, error) {
	const op = "GetTemplateFlowSteps"
	if err := ensureTemplate(ctx, s.db, op, templateID); err != nil {
		return nil, err
	}
	return listFlowSteps(ctx, s.db, templateID)
}

// SetTemplateFlowSteps replaces the template's flow with req.Steps in the given order.
func (s *TemplateService) SetTemplateFlowSteps(ctx context.Context, actor *auth.Actor, templateID uuid.UUID, req *model.SetFlowStepsDTO) ([]model.TemplateFlowStep, error) {
	const op = "SetTemplateFlowSteps"
	if !actor.IsAdmin() {
		return nil, NewPermissionError(op, "only administrators can change template flows", nil)
	}
	if req == nil {
		return nil, NewValidationError(op, "request cannot be nil", nil)
	}
	if err := validateStruct(op, req); err != nil {
		return nil, err
	}

	departmentIDs := make([]uuid.UUID, 0, len(req.Steps))
	seen := make(map[uuid.UUID]bool, len(req.Steps))
	for _, step := range req.Steps {
		if !seen[step.DepartmentID] {
			seen[step.DepartmentID] = true
			departmentIDs = append(departmentIDs, step.DepartmentID)
		}
	}

	var steps []model.TemplateFlowStep
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		if err := ensureTemplate(ctx, tx, op, templateID); err != nil {
			return err
		}

		var count int64
		if err := tx.WithContext(ctx).Model(&model.Department{}).Where("id IN ?", departmentIDs).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check departments: %w", err)
		}
		if int(count) != len(departmentIDs) {
			return NewValidationError(op, "flow references an unknown department", nil)
		}

		if err := tx.WithContext(ctx).Where("template_id = ?", templateID).Delete(&model.TemplateFlowStep{}).Error; err != nil {
			return fmt.Errorf("failed to clear flow steps of template %s: %w", templateID, err)
		}

		created := make([]model.TemplateFlowStep, len(req.Steps))
		for i, in := range req.Steps {
			created[i] = model.TemplateFlowStep{
				TemplateID:   templateID,
				DepartmentID: in.DepartmentID,
				FlowOrder:    i + 1,
				IsRequired:   true,
				TimeoutHours: model.DefaultStepTimeoutHours,
			}
			if in.IsRequired != nil {
				created[i].IsRequired = *in.IsRequired
			}
			if in.AutoSkip != nil {
				created[i].AutoSkip = *in.AutoSkip
			}
			if in.TimeoutHours != nil {
				created[i].TimeoutHours = *in.TimeoutHours
			}
		}
		if err := tx.WithContext(ctx).Create(&created).Error; err != nil {
			return fmt.Errorf("failed to create flow steps of template %s: %w", templateID, err)
		}

		var err error
		steps, err = listFlowSteps(ctx, tx, templateID)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "template flow replaced", "templateId", templateID, "steps", len(steps), "actorId", actor.ID)
	return steps, nil
}

func ensureTemplate(ctx context.Context, db *gorm.DB, op string, templateID uuid.UUID) error {
	var count int64
	if err := db.WithContext(ctx).Model(&model.Template{}).Where("id = ?", templateID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check template %s: %w", templateID, err)
	}
	if count == 0 {
		return NewNotFoundError(op, fmt.Sprintf("template %s not found", templateID))
	}
	return nil
}

func listFlowSteps(ctx context.Context, db *gorm.DB, templateID uuid.UUID) ([]model.TemplateFlowStep, error) {
	var steps []model.TemplateFlowStep
	if err := db.WithContext(ctx).
		Preload("Department").
		Where("template_id = ?", templateID).
		Order("flow_order ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve flow steps of template %s: %w", templateID, err)
	}
	return steps, nil
}

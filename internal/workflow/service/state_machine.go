package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

// LedgerTransition is the outcome of advancing a card's ledger by one step.
type LedgerTransition struct {
	// Completed is the record that moved from processing to completed.
	Completed *model.FlowStatus

	// Next is the record that became processing. Nil when Completed was the last step.
	Next *model.FlowStatus

	// IsLast indicates the flow has no further steps.
	IsLast bool
}

// FlowStatusStateMachine owns every transition of the flow status ledger. Callers pass in the
// records they read inside the current transaction; transitions mutate those records in place
// and persist them through the repository.
type FlowStatusStateMachine struct {
	flowRepo FlowStatusRepository
}

// NewFlowStatusStateMachine creates a new instance of FlowStatusStateMachine.
func NewFlowStatusStateMachine(flowRepo FlowStatusRepository) *FlowStatusStateMachine {
	return &FlowStatusStateMachine{
		flowRepo: flowRepo,
	}
}

// InitializeLedger replaces the card's ledger with one pending record per template step, the
// first of which is processing. Ledger flow orders are the 1-based positions of the steps
// sorted by their template flow order.
func (sm *FlowStatusStateMachine) InitializeLedger(
	ctx context.Context,
	tx *gorm.DB,
	cardID uuid.UUID,
	steps []model.TemplateFlowStep,
) ([]model.FlowStatus, error) {
	const op = "InitializeLedger"
	if len(steps) == 0 {
		return nil, NewConfigurationError(op, "template has no flow steps configured")
	}

	ordered := make([]model.TemplateFlowStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].FlowOrder < ordered[j].FlowOrder
	})

	if err := sm.flowRepo.DeleteFlowStatusesByCardIDInTx(ctx, tx, cardID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records := make([]model.FlowStatus, 0, len(ordered))
	for i, step := range ordered {
		record := model.FlowStatus{
			CardID:       cardID,
			DepartmentID: step.DepartmentID,
			FlowOrder:    i + 1,
			Status:       model.FlowStepStatusPending,
		}
		if i == 0 {
			record.Status = model.FlowStepStatusProcessing
			record.StartedAt = &now
		}
		records = append(records, record)
	}

	created, err := sm.flowRepo.CreateFlowStatusesInTx(ctx, tx, records)
	if err != nil {
		return nil, err
	}
	for i := range created {
		created[i].Department = ordered[i].Department
	}
	return created, nil
}

// Advance completes the processing record held by departmentID and moves processing to the
// record with the next flow order. When the completed record is the last step no record
// becomes processing.
func (sm *FlowStatusStateMachine) Advance(
	ctx context.Context,
	tx *gorm.DB,
	records []model.FlowStatus,
	departmentID uuid.UUID,
	processedBy uuid.UUID,
	notes *string,
	totalSteps int,
) (*LedgerTransition, error) {
	const op = "Advance"
	current := findProcessing(records, departmentID)
	if current == nil {
		return nil, NewFlowStateError(op, "current step not found", map[string]any{"departmentId": departmentID})
	}
	if !sm.canTransitionToCompleted(current.Status) {
		return nil, NewFlowStateError(op, fmt.Sprintf("cannot complete step %d from status %s", current.FlowOrder, current.Status), nil)
	}

	transition := &LedgerTransition{
		Completed: current,
		IsLast:    current.FlowOrder >= totalSteps,
	}

	var next *model.FlowStatus
	if !transition.IsLast {
		next = findByOrder(records, current.FlowOrder+1)
		if next == nil {
			return nil, NewFlowStateError(op, "next step not found", map[string]any{"flowOrder": current.FlowOrder + 1})
		}
		if !sm.canTransitionToProcessing(next.Status) {
			return nil, NewFlowStateError(op, fmt.Sprintf("cannot start step %d from status %s", next.FlowOrder, next.Status), nil)
		}
	}

	now := time.Now().UTC()
	current.Status = model.FlowStepStatusCompleted
	current.CompletedAt = &now
	current.ProcessedBy = &processedBy
	current.Notes = notes
	toUpdate := []model.FlowStatus{*current}

	if next != nil {
		next.Status = model.FlowStepStatusProcessing
		next.StartedAt = &now
		next.CompletedAt = nil
		transition.Next = next
		toUpdate = append(toUpdate, *next)
	}

	if err := sm.persist(ctx, tx, toUpdate); err != nil {
		return nil, err
	}
	return transition, nil
}

// Reject closes the processing record held by departmentID. The record is marked completed
// with the rejecting user and notes; no other record changes.
func (sm *FlowStatusStateMachine) Reject(
	ctx context.Context,
	tx *gorm.DB,
	records []model.FlowStatus,
	departmentID uuid.UUID,
	processedBy uuid.UUID,
	notes string,
) (*model.FlowStatus, error) {
	const op = "Reject"
	current := findProcessing(records, departmentID)
	if current == nil {
		return nil, NewFlowStateError(op, "current step not found", map[string]any{"departmentId": departmentID})
	}
	if !sm.canTransitionToCompleted(current.Status) {
		return nil, NewFlowStateError(op, fmt.Sprintf("cannot reject step %d from status %s", current.FlowOrder, current.Status), nil)
	}

	now := time.Now().UTC()
	current.Status = model.FlowStepStatusCompleted
	current.CompletedAt = &now
	current.ProcessedBy = &processedBy
	current.Notes = &notes

	if err := sm.persist(ctx, tx, []model.FlowStatus{*current}); err != nil {
		return nil, err
	}
	return current, nil
}

// Reset sets every record back to pending and makes the record with targetOrder processing.
func (sm *FlowStatusStateMachine) Reset(
	ctx context.Context,
	tx *gorm.DB,
	records []model.FlowStatus,
	targetOrder int,
) (*model.FlowStatus, error) {
	const op = "Reset"
	target := findByOrder(records, targetOrder)
	if target == nil {
		return nil, NewFlowStateError(op, fmt.Sprintf("step %d not found", targetOrder), nil)
	}

	now := time.Now().UTC()
	for i := range records {
		records[i].Status = model.FlowStepStatusPending
		records[i].StartedAt = nil
		records[i].CompletedAt = nil
		records[i].ProcessedBy = nil
		records[i].Notes = nil
	}
	target.Status = model.FlowStepStatusProcessing
	target.StartedAt = &now

	toUpdate := make([]model.FlowStatus, len(records))
	copy(toUpdate, records)
	if err := sm.persist(ctx, tx, toUpdate); err != nil {
		return nil, err
	}
	return target, nil
}

// VerifyLedger checks the ledger against the card after a transition.
//
// An in-progress card has exactly one processing record, held by the card's current
// department, and every record after it is pending. Any other status has no processing
// record.
func (sm *FlowStatusStateMachine) VerifyLedger(card *model.Card, records []model.FlowStatus) error {
	const op = "VerifyLedger"
	details := map[string]any{"cardId": card.ID, "status": card.Status}

	var processing *model.FlowStatus
	count := 0
	for i := range records {
		if records[i].Status == model.FlowStepStatusProcessing {
			processing = &records[i]
			count++
		}
	}

	if card.Status != model.CardStatusInProgress {
		if count != 0 {
			return NewFlowStateError(op, fmt.Sprintf("card is %s but has %d processing steps", card.Status, count), details)
		}
		return nil
	}

	if count != 1 {
		return NewFlowStateError(op, fmt.Sprintf("in progress card has %d processing steps", count), details)
	}
	if !card.IsAtDepartment(&processing.DepartmentID) {
		return NewFlowStateError(op, "processing step does not match the card's current department", details)
	}
	for _, r := range records {
		if r.FlowOrder > processing.FlowOrder && r.Status != model.FlowStepStatusPending {
			return NewFlowStateError(op, fmt.Sprintf("step %d after the processing step is %s", r.FlowOrder, r.Status), details)
		}
	}
	return nil
}

func (sm *FlowStatusStateMachine) persist(ctx context.Context, tx *gorm.DB, records []model.FlowStatus) error {
	// Sort by ID to prevent deadlocks
	sortRecordsByID(records)
	if err := sm.flowRepo.UpdateFlowStatusesInTx(ctx, tx, records); err != nil {
		return fmt.Errorf("failed to update flow status records: %w", err)
	}
	return nil
}

func (sm *FlowStatusStateMachine) canTransitionToCompleted(status model.FlowStepStatus) bool {
	return status == model.FlowStepStatusProcessing
}

func (sm *FlowStatusStateMachine) canTransitionToProcessing(status model.FlowStepStatus) bool {
	return status == model.FlowStepStatusPending
}

func findProcessing(records []model.FlowStatus, departmentID uuid.UUID) *model.FlowStatus {
	for i := range records {
		if records[i].Status == model.FlowStepStatusProcessing && records[i].DepartmentID == departmentID {
			return &records[i]
		}
	}
	return nil
}

func findByOrder(records []model.FlowStatus, flowOrder int) *model.FlowStatus {
	for i := range records {
		if records[i].FlowOrder == flowOrder {
			return &records[i]
		}
	}
	return nil
}

// findFirstForDepartment returns the department's record with the lowest flow order.
func findFirstForDepartment(records []model.FlowStatus, departmentID uuid.UUID) *model.FlowStatus {
	var found *model.FlowStatus
	for i := range records {
		if records[i].DepartmentID != departmentID {
			continue
		}
		if found == nil || records[i].FlowOrder < found.FlowOrder {
			found = &records[i]
		}
	}
	return found
}

func sortRecordsByID(records []model.FlowStatus) {
	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].ID[:], records[j].ID[:]) < 0
	})
}

// currentStepOf derives the current step of an in-progress card from its ledger.
func currentStepOf(card *model.Card, records []model.FlowStatus) *model.CurrentStep {
	if card.Status != model.CardStatusInProgress || card.CurrentDepartmentID == nil {
		return nil
	}
	current := findProcessing(records, *card.CurrentDepartmentID)
	if current == nil {
		return nil
	}
	return &model.CurrentStep{
		FlowOrder:      current.FlowOrder,
		DepartmentID:   current.DepartmentID,
		DepartmentName: current.DepartmentName(),
		IsLast:         current.FlowOrder >= card.TotalFlowSteps,
		TotalSteps:     card.TotalFlowSteps,
	}
}

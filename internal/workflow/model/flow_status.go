package model

import (
	"time"

	"github.com/google/uuid"
)

// FlowStepStatus is the runtime state of one ledger record.
type FlowStepStatus string

const (
	FlowStepStatusPending    FlowStepStatus = "pending"
	FlowStepStatusProcessing FlowStepStatus = "processing" // at most one per card
	FlowStepStatusCompleted  FlowStepStatus = "completed"
)

// FlowStatus is a card's instantiation of a template flow step. Records are created from the
// template when the flow is initialized and are never re-read from the template afterwards.
type FlowStatus struct {
	BaseModel
	CardID       uuid.UUID      `gorm:"type:uuid;column:card_id;not null;uniqueIndex:idx_card_flow_order" json:"cardId"`
	DepartmentID uuid.UUID      `gorm:"type:uuid;column:department_id;not null;index" json:"departmentId"`
	FlowOrder    int            `gorm:"column:flow_order;not null;uniqueIndex:idx_card_flow_order" json:"flowOrder"`
	Status       FlowStepStatus `gorm:"type:varchar(20);column:status;not null" json:"status"`
	StartedAt    *time.Time     `gorm:"column:started_at" json:"startedAt"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completedAt"`
	ProcessedBy  *uuid.UUID     `gorm:"type:uuid;column:processed_by" json:"processedBy"`
	Notes        *string        `gorm:"type:text;column:notes" json:"notes"`
	Department   *Department    `gorm:"foreignKey:DepartmentID" json:"department,omitempty"`
}

func (f *FlowStatus) TableName() string {
	return "card_flow_status"
}

// DepartmentName returns the name of the preloaded department, or an empty string.
func (f *FlowStatus) DepartmentName() string {
	if f.Department == nil {
		return ""
	}
	return f.Department.Name
}

// CurrentStep describes the step that currently holds a card.
type CurrentStep struct {
	FlowOrder      int       `json:"flowOrder"`
	DepartmentID   uuid.UUID `json:"departmentId"`
	DepartmentName string    `json:"departmentName"`
	IsLast         bool      `json:"isLast"`
	TotalSteps     int       `json:"totalSteps"`
}

// InitializeFlowResult is returned when a card's flow is (re)initialized.
type InitializeFlowResult struct {
	CurrentDepartment *DepartmentRef `json:"currentDepartment"`
	TotalSteps        int            `json:"totalSteps"`
}

// SubmitResult is returned by a submit-to-next operation.
type SubmitResult struct {
	Message        string         `json:"message"`
	NextDepartment *DepartmentRef `json:"nextDepartment"`
	IsCompleted    bool           `json:"isCompleted"`
}

// RejectResult is returned by a reject operation.
type RejectResult struct {
	Message string `json:"message"`
}

// RestartResult is returned by a restart operation.
type RestartResult struct {
	Message           string         `json:"message"`
	CurrentDepartment *DepartmentRef `json:"currentDepartment"`
}

// FlowNotesDTO carries the optional notes of a submit or the mandatory notes of a reject.
type FlowNotesDTO struct {
	Notes string `json:"notes"`
}

// RestartFlowDTO selects the department a restarted flow resumes at. Nil means the first step.
type RestartFlowDTO struct {
	TargetDepartmentID *uuid.UUID `json:"targetDepartmentId"`
}

// CardFlowStatusResponse is the full flow view of a card.
type CardFlowStatusResponse struct {
	Card               Card           `json:"card"`
	Steps              []FlowStatus   `json:"steps"`
	CurrentStep        *CurrentStep   `json:"currentStep"`
	History            []OperationLog `json:"history"`
	IsCurrentProcessor bool           `json:"isCurrentProcessor"`
}

// PendingCard is a card waiting on the caller's department.
type PendingCard struct {
	Card           Card         `json:"card"`
	CurrentStep    *CurrentStep `json:"currentStep"`
	TotalSteps     int          `json:"totalSteps"`
	CompletedCount int          `json:"completedCount"`
	IsLast         bool         `json:"isLast"`
}

// PendingCardListResult is a page of pending cards.
type PendingCardListResult struct {
	TotalCount int64         `json:"totalCount"`
	Items      []PendingCard `json:"items"`
	Offset     int           `json:"offset"`
	Limit      int           `json:"limit"`
}

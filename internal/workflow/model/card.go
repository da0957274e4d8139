package model

import (
	"time"

	"github.com/google/uuid"
)

// CardStatus represents the lifecycle status of a transfer card.
type CardStatus string

const (
	CardStatusDraft      CardStatus = "draft"
	CardStatusInProgress CardStatus = "in_progress"
	CardStatusCompleted  CardStatus = "completed"
	CardStatusRejected   CardStatus = "rejected"
	CardStatusCancelled  CardStatus = "cancelled" // set outside the flow manager, never restartable
)

// IsTerminal reports whether no flow step can act on a card in this status.
func (s CardStatus) IsTerminal() bool {
	return s == CardStatusCompleted || s == CardStatusRejected || s == CardStatusCancelled
}

// Card is a transfer card that carries row data through a template's department flow.
type Card struct {
	BaseModel
	CardNumber          string      `gorm:"type:varchar(100);column:card_number;not null;uniqueIndex" json:"cardNumber"`
	Title               string      `gorm:"type:varchar(255);column:title" json:"title"`
	Description         string      `gorm:"type:text;column:description" json:"description,omitempty"`
	TemplateID          uuid.UUID   `gorm:"type:uuid;column:template_id;not null;index" json:"templateId"`
	Status              CardStatus  `gorm:"type:varchar(20);column:status;not null;index" json:"status"`
	CurrentDepartmentID *uuid.UUID  `gorm:"type:uuid;column:current_department_id;index" json:"currentDepartmentId"` // Null until the flow is initialized
	TotalFlowSteps      int         `gorm:"column:total_flow_steps;not null" json:"totalFlowSteps"`
	CompletedFlowSteps  int         `gorm:"column:completed_flow_steps;not null" json:"completedFlowSteps"`
	FlowStartedAt       *time.Time  `gorm:"column:flow_started_at" json:"flowStartedAt"`
	FlowCompletedAt     *time.Time  `gorm:"column:flow_completed_at" json:"flowCompletedAt"`
	CreatedBy           uuid.UUID   `gorm:"type:uuid;column:created_by;not null" json:"createdBy"`
	Template            *Template   `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
	CurrentDepartment   *Department `gorm:"foreignKey:CurrentDepartmentID" json:"currentDepartment,omitempty"`
}

func (c *Card) TableName() string {
	return "transfer_cards"
}

// IsAtDepartment reports whether the card's flow is currently held by the given department.
func (c *Card) IsAtDepartment(departmentID *uuid.UUID) bool {
	return c.CurrentDepartmentID != nil && departmentID != nil && *c.CurrentDepartmentID == *departmentID
}

// CreateCardDTO is the payload for creating a card.
type CreateCardDTO struct {
	CardNumber  string    `json:"cardNumber" validate:"required,max=100"`
	TemplateID  uuid.UUID `json:"templateId" validate:"required"`
	Title       string    `json:"title" validate:"max=255"`
	Description string    `json:"description"`
	StartFlow   bool      `json:"startFlow"` // initialize the department flow right away
}

// CardFilter narrows card listings.
type CardFilter struct {
	Status *CardStatus
	Offset *int
	Limit  *int
}

// CardSummary is a card listing entry.
type CardSummary struct {
	Card
	RowCount int64 `json:"rowCount"`
}

// CardListResult is a page of cards.
type CardListResult struct {
	TotalCount int64         `json:"totalCount"`
	Items      []CardSummary `json:"items"`
	Offset     int           `json:"offset"`
	Limit      int           `json:"limit"`
}

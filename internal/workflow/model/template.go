package model

import "github.com/google/uuid"

const (
	DefaultStepTimeoutHours = 24
)

// Template is the reusable definition of a card's field set and department flow.
type Template struct {
	BaseModel
	Name        string             `gorm:"type:varchar(255);column:name;not null" json:"name"`
	Description string             `gorm:"type:text;column:description" json:"description,omitempty"`
	FlowSteps   []TemplateFlowStep `gorm:"foreignKey:TemplateID" json:"flowSteps,omitempty"`
}

func (t *Template) TableName() string {
	return "templates"
}

// TemplateFlowStep is one (department, order) pair of a template's flow.
// AutoSkip and TimeoutHours are declarative and consumed by external schedulers only.
type TemplateFlowStep struct {
	BaseModel
	TemplateID   uuid.UUID   `gorm:"type:uuid;column:template_id;not null;uniqueIndex:idx_template_flow_order" json:"templateId"`
	DepartmentID uuid.UUID   `gorm:"type:uuid;column:department_id;not null" json:"departmentId"`
	FlowOrder    int         `gorm:"column:flow_order;not null;uniqueIndex:idx_template_flow_order" json:"flowOrder"` // 1-based position in the flow
	IsRequired   bool        `gorm:"column:is_required;not null" json:"isRequired"`
	AutoSkip     bool        `gorm:"column:auto_skip;not null" json:"autoSkip"`
	TimeoutHours int         `gorm:"column:timeout_hours;not null" json:"timeoutHours"`
	Department   *Department `gorm:"foreignKey:DepartmentID" json:"department,omitempty"`
}

func (s *TemplateFlowStep) TableName() string {
	return "template_flow_steps"
}

// FlowStepInput describes one step when replacing a template's flow definition.
// Optional attributes fall back to required, no auto-skip and DefaultStepTimeoutHours.
type FlowStepInput struct {
	DepartmentID uuid.UUID `json:"departmentId" validate:"required"`
	IsRequired   *bool     `json:"isRequired,omitempty"`
	AutoSkip     *bool     `json:"autoSkip,omitempty"`
	TimeoutHours *int      `json:"timeoutHours,omitempty" validate:"omitempty,gte=0"`
}

// SetFlowStepsDTO replaces the ordered step list of a template.
type SetFlowStepsDTO struct {
	Steps []FlowStepInput `json:"steps" validate:"required,min=1,dive"`
}

package model

import "github.com/google/uuid"

// OperationType classifies an audit trail entry.
type OperationType string

const (
	OperationStartFlow    OperationType = "start_flow"
	OperationSubmitToNext OperationType = "submit_to_next"
	OperationComplete     OperationType = "complete"
	OperationReject       OperationType = "reject"
	OperationRestart      OperationType = "restart"
	OperationCancel       OperationType = "cancel"
	OperationApprove      OperationType = "approve"
)

// OperationLog is an append-only audit entry for a flow transition.
type OperationLog struct {
	BaseModel
	CardID           uuid.UUID     `gorm:"type:uuid;column:card_id;not null;index" json:"cardId"`
	OperationType    OperationType `gorm:"type:varchar(32);column:operation_type;not null" json:"operationType"`
	FromDepartmentID *uuid.UUID    `gorm:"type:uuid;column:from_department_id;index" json:"fromDepartmentId"`
	ToDepartmentID   *uuid.UUID    `gorm:"type:uuid;column:to_department_id;index" json:"toDepartmentId"`
	OperatorID       uuid.UUID     `gorm:"type:uuid;column:operator_id;not null" json:"operatorId"`
	Notes            *string       `gorm:"type:text;column:notes" json:"notes"`
	FromDepartment   *Department   `gorm:"foreignKey:FromDepartmentID" json:"fromDepartment,omitempty"`
	ToDepartment     *Department   `gorm:"foreignKey:ToDepartmentID" json:"toDepartment,omitempty"`
}

func (l *OperationLog) TableName() string {
	return "flow_operation_logs"
}

// HistoryFilter narrows an operation log query.
type HistoryFilter struct {
	CardID *uuid.UUID
	Offset *int
	Limit  *int
}

// HistoryListResult is a page of operation log entries, newest first.
type HistoryListResult struct {
	TotalCount int64          `json:"totalCount"`
	Items      []OperationLog `json:"items"`
	Offset     int            `json:"offset"`
	Limit      int            `json:"limit"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// RowStatus is the submission state of a card row.
type RowStatus string

const (
	RowStatusDraft     RowStatus = "draft"
	RowStatusSubmitted RowStatus = "submitted" // locked against edits by anyone but the submitter and admins
	RowStatusApproved  RowStatus = "approved"
)

// RowData is one line of field values attached to a card.
type RowData struct {
	BaseModel
	CardID        uuid.UUID      `gorm:"type:uuid;column:card_id;not null;uniqueIndex:idx_card_row_number" json:"cardId"`
	RowNumber     int            `gorm:"column:row_number;not null;uniqueIndex:idx_card_row_number" json:"rowNumber"`
	Values        map[string]any `gorm:"type:jsonb;column:field_values;serializer:json;not null" json:"values"`
	Status        RowStatus      `gorm:"type:varchar(20);column:status;not null" json:"status"`
	SubmittedBy   *uuid.UUID     `gorm:"type:uuid;column:submitted_by" json:"submittedBy"`
	SubmittedAt   *time.Time     `gorm:"column:submitted_at" json:"submittedAt"`
	ApprovedBy    *uuid.UUID     `gorm:"type:uuid;column:approved_by" json:"approvedBy"`
	ApprovedAt    *time.Time     `gorm:"column:approved_at" json:"approvedAt"`
	Version       int64          `gorm:"column:version;not null" json:"version"`
	LastUpdatedBy *uuid.UUID     `gorm:"type:uuid;column:last_updated_by" json:"lastUpdatedBy"`
	LastUpdatedAt *time.Time     `gorm:"column:last_updated_at" json:"lastUpdatedAt"`
}

func (r *RowData) TableName() string {
	return "card_data"
}

// IsLockedFor reports whether userID is barred from editing the row. Submitted rows stay
// editable by their submitter only; approved rows are closed to every non-admin.
func (r *RowData) IsLockedFor(userID uuid.UUID) bool {
	switch r.Status {
	case RowStatusSubmitted:
		return r.SubmittedBy == nil || *r.SubmittedBy != userID
	case RowStatusApproved:
		return true
	default:
		return false
	}
}

// RowWriteDTO is a write to a single row. ExpectedVersion enables the optimistic version check.
type RowWriteDTO struct {
	RowNumber       int            `json:"rowNumber" validate:"gte=1"`
	Values          map[string]any `json:"values"`
	ExpectedVersion *int64         `json:"expectedVersion,omitempty" validate:"omitempty,gte=0"`
}

// WriteRowsDTO writes one or more rows of a card in one transaction.
type WriteRowsDTO struct {
	Rows   []RowWriteDTO `json:"rows" validate:"required,min=1,dive"`
	Submit bool          `json:"submit"`
}

// RowWriteResult reports the outcome for one row.
type RowWriteResult struct {
	RowNumber int       `json:"rowNumber"`
	Persisted bool      `json:"persisted"` // false for new rows that carried no data
	Version   int64     `json:"version"`
	Status    RowStatus `json:"status"`
	Applied   []string  `json:"applied"` // fields that changed
	Dropped   []string  `json:"dropped"` // fields the actor may not write
}

// WriteRowsResult is returned by a row write.
type WriteRowsResult struct {
	Message string           `json:"message"`
	Rows    []RowWriteResult `json:"rows"`
}

// ApproveRowsDTO lists the submitted rows an administrator approves.
type ApproveRowsDTO struct {
	RowNumbers []int `json:"rowNumbers" validate:"required,min=1,dive,gte=1"`
}

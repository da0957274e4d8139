package model

import "github.com/google/uuid"

// Department is an organisational unit that owns one or more steps of a template flow.
type Department struct {
	BaseModel
	Name        string `gorm:"type:varchar(100);column:name;not null;uniqueIndex" json:"name"`
	Description string `gorm:"type:text;column:description" json:"description,omitempty"`
}

func (d *Department) TableName() string {
	return "departments"
}

// DepartmentRef is the compact department representation returned by flow operations.
type DepartmentRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Ref returns the compact representation of the department, or nil for a nil receiver.
func (d *Department) Ref() *DepartmentRef {
	if d == nil {
		return nil
	}
	return &DepartmentRef{ID: d.ID, Name: d.Name}
}

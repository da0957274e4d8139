package model

import "github.com/google/uuid"

// FieldType drives how empty input is normalized before it is stored.
type FieldType string

const (
	FieldTypeText       FieldType = "text"
	FieldTypeNumber     FieldType = "number"
	FieldTypeDate       FieldType = "date"
	FieldTypeAttachment FieldType = "attachment" // value is the ID of an attachment on the same card
)

// FieldDefinition declares a field that may appear in a card row.
type FieldDefinition struct {
	BaseModel
	Name      string    `gorm:"type:varchar(100);column:name;not null;uniqueIndex" json:"name"`
	Label     string    `gorm:"type:varchar(255);column:label" json:"label"`
	FieldType FieldType `gorm:"type:varchar(20);column:field_type;not null" json:"fieldType"`
	Active    bool      `gorm:"column:active;not null" json:"active"`
}

func (f *FieldDefinition) TableName() string {
	return "fields"
}

// FieldPermission grants a department read and/or write access to one field of a template.
// A missing record means no access for non-admin actors.
type FieldPermission struct {
	BaseModel
	TemplateID   uuid.UUID `gorm:"type:uuid;column:template_id;not null;uniqueIndex:idx_template_field_department" json:"templateId"`
	FieldName    string    `gorm:"type:varchar(100);column:field_name;not null;uniqueIndex:idx_template_field_department" json:"fieldName"`
	DepartmentID uuid.UUID `gorm:"type:uuid;column:department_id;not null;uniqueIndex:idx_template_field_department" json:"departmentId"`
	CanRead      bool      `gorm:"column:can_read;not null" json:"canRead"`
	CanWrite     bool      `gorm:"column:can_write;not null" json:"canWrite"`
}

func (p *FieldPermission) TableName() string {
	return "template_field_permissions"
}

// FieldAccessView lists the fields an actor may read and write on a template.
type FieldAccessView struct {
	TemplateID     uuid.UUID `json:"templateId"`
	Unrestricted   bool      `json:"unrestricted"`
	ReadableFields []string  `json:"readableFields"`
	WritableFields []string  `json:"writableFields"`
}

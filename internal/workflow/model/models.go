package model

// All returns every persisted workflow model in dependency order, for migrations.
func All() []any {
	return []any{
		&Department{},
		&Template{},
		&TemplateFlowStep{},
		&FieldDefinition{},
		&FieldPermission{},
		&Card{},
		&FlowStatus{},
		&RowData{},
		&Attachment{},
		&OperationLog{},
	}
}

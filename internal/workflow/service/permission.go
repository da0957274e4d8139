package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

// FieldAccess is the resolved field permission set of one actor on one template.
type FieldAccess struct {
	templateID   uuid.UUID
	unrestricted bool
	permissions  map[string]model.FieldPermission
}

// CanRead reports whether the field may be returned to the actor. Write access implies read.
func (a *FieldAccess) CanRead(field string) bool {
	if a.unrestricted {
		return true
	}
	p, ok := a.permissions[field]
	return ok && (p.CanRead || p.CanWrite)
}

// CanWrite reports whether the actor may change the field.
func (a *FieldAccess) CanWrite(field string) bool {
	if a.unrestricted {
		return true
	}
	p, ok := a.permissions[field]
	return ok && p.CanWrite
}

// FilterReadable returns a copy of values holding only the readable fields.
func (a *FieldAccess) FilterReadable(values map[string]any) map[string]any {
	filtered := make(map[string]any, len(values))
	for name, v := range values {
		if a.CanRead(name) {
			filtered[name] = v
		}
	}
	return filtered
}

// FieldPermissionEvaluator resolves field permissions. Admins get unrestricted access here
// and nowhere else in the row path.
type FieldPermissionEvaluator struct {
	db *gorm.DB
}

// NewFieldPermissionEvaluator creates a new instance of FieldPermissionEvaluator.
func NewFieldPermissionEvaluator(db *gorm.DB) *FieldPermissionEvaluator {
	return &FieldPermissionEvaluator{db: db}
}

// Load resolves the actor's access on templateID using db, which may be a transaction.
// Actors without a department get no field access.
func (e *FieldPermissionEvaluator) Load(ctx context.Context, db *gorm.DB, actor *auth.Actor, templateID uuid.UUID) (*FieldAccess, error) {
	access := &FieldAccess{
		templateID:  templateID,
		permissions: map[string]model.FieldPermission{},
	}
	if actor.IsAdmin() {
		access.unrestricted = true
		return access, nil
	}
	if actor == nil || actor.DepartmentID == nil {
		return access, nil
	}

	var perms []model.FieldPermission
	if err := db.WithContext(ctx).
		Where("template_id = ? AND department_id = ?", templateID, *actor.DepartmentID).
		Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("failed to load field permissions for template %s: %w", templateID, err)
	}
	for _, p := range perms {
		access.permissions[p.FieldName] = p
	}
	return access, nil
}

// GetFieldAccess lists the fields the actor may read and write on a template.
func (e *FieldPermissionEvaluator) GetFieldAccess(ctx context.Context, actor *auth.Actor, templateID uuid.UUID) (*model.FieldAccessView, error) {
	const op = "GetFieldAccess"
	if err := ensureTemplate(ctx, e.db, op, templateID); err != nil {
		return nil, err
	}

	access, err := e.Load(ctx, e.db, actor, templateID)
	if err != nil {
		return nil, err
	}

	view := &model.FieldAccessView{
		TemplateID:     templateID,
		Unrestricted:   access.unrestricted,
		ReadableFields: []string{},
		WritableFields: []string{},
	}
	var names []string
	if access.unrestricted {
		if err := e.db.WithContext(ctx).Model(&model.FieldDefinition{}).
			Where("active = ?", true).
			Pluck("name", &names).Error; err != nil {
			return nil, fmt.Errorf("failed to list fields: %w", err)
		}
	} else {
		for name := range access.permissions {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if access.CanRead(name) {
			view.ReadableFields = append(view.ReadableFields, name)
		}
		if access.CanWrite(name) {
			view.WritableFields = append(view.WritableFields, name)
		}
	}
	return view, nil
}

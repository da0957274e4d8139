package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role is the coarse authorization role of a user.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is an account known to the service. Identity is established upstream; this table only
// resolves the role and department of the forwarded user ID.
type User struct {
	ID           uuid.UUID  `gorm:"type:uuid;column:id;not null;primaryKey" json:"id"`
	Username     string     `gorm:"type:varchar(100);column:username;not null;uniqueIndex" json:"username"`
	DisplayName  string     `gorm:"type:varchar(255);column:display_name" json:"displayName"`
	Role         Role       `gorm:"type:varchar(20);column:role;not null" json:"role"`
	DepartmentID *uuid.UUID `gorm:"type:uuid;column:department_id" json:"departmentId"`
	Active       bool       `gorm:"column:active;not null" json:"active"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName specifies the database table name for User
func (u *User) TableName() string {
	return "users"
}

// Actor is the caller of a service operation.
//
// Admins bypass field permissions, department ownership of flow steps and row submission
// locks. IsAdmin is the only place that rule is decided.
type Actor struct {
	ID           uuid.UUID  `json:"id"`
	Role         Role       `json:"role"`
	DepartmentID *uuid.UUID `json:"departmentId"`
}

// ActorFromUser builds the Actor for a persisted user.
func ActorFromUser(u *User) *Actor {
	return &Actor{ID: u.ID, Role: u.Role, DepartmentID: u.DepartmentID}
}

// IsAdmin reports whether the actor bypasses permission and ownership checks.
func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// InDepartment reports whether the actor belongs to the given department.
func (a *Actor) InDepartment(departmentID *uuid.UUID) bool {
	if a == nil || a.DepartmentID == nil || departmentID == nil {
		return false
	}
	return *a.DepartmentID == *departmentID
}

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ActorContextKey is the key for storing the Actor in a request context
	ActorContextKey ContextKey = "actor"
)

// WithActor returns a copy of ctx carrying the actor.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, actor)
}

// GetActor extracts the Actor from a request context.
// Returns nil if the request was not resolved to a user.
func GetActor(ctx context.Context) *Actor {
	actor, ok := ctx.Value(ActorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return actor
}

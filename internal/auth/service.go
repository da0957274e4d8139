package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrUnknownUser is returned when the forwarded user ID does not resolve to an active user.
var ErrUnknownUser = errors.New("unknown or inactive user")

// AuthService resolves forwarded user identities to actors.
type AuthService struct {
	db *gorm.DB
}

// NewAuthService creates a new AuthService instance
func NewAuthService(db *gorm.DB) *AuthService {
	return &AuthService{
		db: db,
	}
}

// ResolveActor loads the user with the given ID and returns its Actor.
// Inactive and missing users yield ErrUnknownUser.
func (as *AuthService) ResolveActor(ctx context.Context, userID uuid.UUID) (*Actor, error) {
	if userID == uuid.Nil {
		return nil, ErrUnknownUser
	}

	var user User
	result := as.db.WithContext(ctx).Where("id = ?", userID).Take(&user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			slog.DebugContext(ctx, "user not found", "user_id", userID)
			return nil, ErrUnknownUser
		}
		slog.ErrorContext(ctx, "failed to fetch user from database",
			"user_id", userID,
			"error", result.Error,
		)
		return nil, fmt.Errorf("failed to fetch user: %w", result.Error)
	}

	if !user.Active {
		slog.WarnContext(ctx, "inactive user attempted access", "user_id", userID)
		return nil, ErrUnknownUser
	}

	return ActorFromUser(&user), nil
}

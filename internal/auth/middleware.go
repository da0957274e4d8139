package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/moogar0880/problems"
)

// UserIDHeader carries the ID of the user already authenticated by the gateway.
const UserIDHeader = "X-User-ID"

// Middleware resolves the forwarded user ID into an Actor and injects it into the request
// context. Requests without the header, or with an ID that does not resolve, proceed without
// an actor; RequireActor decides whether that is acceptable.
func Middleware(authService *AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawID := c.GetHeader(UserIDHeader)
		if rawID == "" {
			slog.Debug("no user header provided", "path", c.Request.URL.Path)
			c.Next()
			return
		}

		userID, err := uuid.Parse(rawID)
		if err != nil {
			slog.Warn("malformed user header", "error", err)
			c.Next()
			return
		}

		actor, err := authService.ResolveActor(c.Request.Context(), userID)
		if err != nil {
			if !errors.Is(err, ErrUnknownUser) {
				slog.Warn("failed to resolve actor", "user_id", userID, "error", err)
			}
			c.Next()
			return
		}

		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), actor))
		slog.Debug("actor injected", "user_id", actor.ID, "role", actor.Role)

		c.Next()
	}
}

// RequireActor aborts with 401 when the request carries no resolved actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetActor(c.Request.Context()) == nil {
			slog.Warn("authentication required but not provided",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
			)
			problem := problems.NewStatusProblem(http.StatusUnauthorized).
				WithInstance(c.Request.URL.Path).
				WithType("unauthorized").
				WithDetail("authentication required")
			c.AbortWithStatusJSON(http.StatusUnauthorized, problem)
			return
		}
		c.Next()
	}
}

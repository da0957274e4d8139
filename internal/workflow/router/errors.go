package router

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"

	"github.com/OpenNSW/cardflow/internal/workflow/service"
)

// ProblemResponse is an RFC 7807 body extended with a machine readable code and the context
// a client needs to refresh or retry.
type ProblemResponse struct {
	*problems.Problem
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func newProblem(c *gin.Context, status int, problemType, code, detail string) *ProblemResponse {
	return &ProblemResponse{
		Problem: problems.NewStatusProblem(status).
			WithInstance(c.Request.URL.Path).
			WithType(problemType).
			WithDetail(detail),
		Code: code,
	}
}

func badRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, newProblem(c, http.StatusBadRequest, "validation_error", "VALIDATION_ERROR", detail))
}

// handleServiceError maps a service error to its HTTP status and problem body.
func handleServiceError(c *gin.Context, err error) {
	var (
		status      int
		problemType string
	)
	switch {
	case service.IsValidationError(err):
		status, problemType = http.StatusBadRequest, "validation_error"
	case service.IsPermissionError(err):
		status, problemType = http.StatusForbidden, "permission_denied"
	case service.IsNotFoundError(err):
		status, problemType = http.StatusNotFound, "not_found"
	case service.IsConflictError(err):
		status, problemType = http.StatusConflict, "conflict"
	case service.IsStateError(err):
		status, problemType = http.StatusConflict, "invalid_state"
	case service.IsConfigurationError(err):
		status, problemType = http.StatusInternalServerError, "configuration_error"
	case service.IsFlowStateError(err):
		status, problemType = http.StatusInternalServerError, "flow_state_error"
	default:
		slog.ErrorContext(c.Request.Context(), "unhandled service error",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, newProblem(c, http.StatusInternalServerError, "internal_error", "INTERNAL_ERROR", "internal server error"))
		return
	}

	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.Request.URL.Path, "error", err)
	}

	body := newProblem(c, status, problemType, "", err.Error())
	var conflict *service.ConflictError
	var svcErr *service.ServiceError
	switch {
	case errors.As(err, &conflict):
		body.Code = string(conflict.Code)
		body.Details = conflict.Details()
	case errors.As(err, &svcErr):
		body.Code = svcErr.Code
		body.Details = svcErr.Details
	}
	c.JSON(status, body)
}

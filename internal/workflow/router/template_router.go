package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/cardflow/internal/workflow/model"
	"github.com/OpenNSW/cardflow/internal/workflow/service"
)

type TemplateRouter struct {
	ts          *service.TemplateService
	permissions *service.FieldPermissionEvaluator
}

func NewTemplateRouter(ts *service.TemplateService, permissions *service.FieldPermissionEvaluator) *TemplateRouter {
	return &TemplateRouter{
		ts:          ts,
		permissions: permissions,
	}
}

// HandleGetFlowSteps handles GET /api/templates/:templateId/departments
// Response: array of TemplateFlowStep ordered by flow order
func (r *TemplateRouter) HandleGetFlowSteps(c *gin.Context) {
	templateID, ok := uuidParam(c, "templateId")
	if !ok {
		return
	}

	steps, err := r.ts.GetTemplateFlowSteps(c.Request.Context(), templateID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, steps)
}

// HandleSetFlowSteps handles PUT /api/templates/:templateId/departments
// Request body: SetFlowStepsDTO
// Response: array of TemplateFlowStep
func (r *TemplateRouter) HandleSetFlowSteps(c *gin.Context) {
	templateID, ok := uuidParam(c, "templateId")
	if !ok {
		return
	}
	var req model.SetFlowStepsDTO
	if !bindJSON(c, &req) {
		return
	}

	steps, err := r.ts.SetTemplateFlowSteps(c.Request.Context(), actorOf(c), templateID, &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, steps)
}

// HandleGetFieldAccess handles GET /api/templates/:templateId/field-access
// Response: FieldAccessView for the calling user
func (r *TemplateRouter) HandleGetFieldAccess(c *gin.Context) {
	templateID, ok := uuidParam(c, "templateId")
	if !ok {
		return
	}

	view, err := r.permissions.GetFieldAccess(c.Request.Context(), actorOf(c), templateID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

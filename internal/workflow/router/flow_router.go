package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/OpenNSW/cardflow/internal/workflow/model"
	"github.com/OpenNSW/cardflow/internal/workflow/service"
)

// FlowRouter exposes the department flow of cards.
type FlowRouter struct {
	fs *service.FlowService
}

func NewFlowRouter(fs *service.FlowService) *FlowRouter {
	return &FlowRouter{
		fs: fs,
	}
}

// HandleStartFlow handles POST /api/cards/:cardId/flow/start
// Response: InitializeFlowResult
func (r *FlowRouter) HandleStartFlow(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}

	result, err := r.fs.StartCardFlow(c.Request.Context(), actorOf(c), cardID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleInitialize handles POST /api/cards/:cardId/flow/initialize
// Admin only; rebuilds the ledger from the card's template.
// Response: InitializeFlowResult
func (r *FlowRouter) HandleInitialize(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}

	result, err := r.fs.ReinitializeCardFlow(c.Request.Context(), actorOf(c), cardID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleGetFlowStatus handles GET /api/cards/:cardId/flow
// Response: CardFlowStatusResponse
func (r *FlowRouter) HandleGetFlowStatus(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}

	status, err := r.fs.GetFlowStatus(c.Request.Context(), actorOf(c), cardID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// HandleGetCurrentStep handles GET /api/cards/:cardId/flow/current
// Response: {"currentStep": CurrentStep | null}
func (r *FlowRouter) HandleGetCurrentStep(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}

	step, err := r.fs.GetCurrentStep(c.Request.Context(), cardID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currentStep": step})
}

// HandleSubmit handles POST /api/cards/:cardId/flow/submit
// Request body (optional): FlowNotesDTO
// Response: SubmitResult
func (r *FlowRouter) HandleSubmit(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	var req model.FlowNotesDTO
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := r.fs.SubmitToNextDepartment(c.Request.Context(), actorOf(c), cardID, req.Notes)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleReject handles POST /api/cards/:cardId/flow/reject
// Request body: FlowNotesDTO, notes required
// Response: RejectResult
func (r *FlowRouter) HandleReject(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	var req model.FlowNotesDTO
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := r.fs.Reject(c.Request.Context(), actorOf(c), cardID, req.Notes)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleRestart handles POST /api/cards/:cardId/flow/restart
// Request body (optional): RestartFlowDTO
// Response: RestartResult
func (r *FlowRouter) HandleRestart(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	var req model.RestartFlowDTO
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := r.fs.Restart(c.Request.Context(), actorOf(c), cardID, req.TargetDepartmentID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleGetPendingCards handles GET /api/flow/pending?offset={offset}&limit={limit}
// Response: PendingCardListResult
func (r *FlowRouter) HandleGetPendingCards(c *gin.Context) {
	offset, limit, ok := paginationQuery(c)
	if !ok {
		return
	}

	pending, err := r.fs.GetPendingCards(c.Request.Context(), actorOf(c), offset, limit)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

// HandleGetFlowHistory handles GET /api/flow/history?cardId={cardId}&offset={offset}&limit={limit}
// Response: HistoryListResult
func (r *FlowRouter) HandleGetFlowHistory(c *gin.Context) {
	var filter model.HistoryFilter
	if raw := c.Query("cardId"); raw != "" {
		cardID, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid 'cardId' query parameter: "+err.Error())
			return
		}
		filter.CardID = &cardID
	}
	offset, limit, ok := paginationQuery(c)
	if !ok {
		return
	}
	filter.Offset, filter.Limit = offset, limit

	history, err := r.fs.GetFlowHistory(c.Request.Context(), actorOf(c), filter)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

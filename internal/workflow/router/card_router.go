package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/cardflow/internal/workflow/model"
	"github.com/OpenNSW/cardflow/internal/workflow/service"
)

type CardRouter struct {
	cs *service.CardService
}

func NewCardRouter(cs *service.CardService) *CardRouter {
	return &CardRouter{
		cs: cs,
	}
}

// HandleCreateCard handles POST /api/cards
// Request body: CreateCardDTO
// Response: Card
func (r *CardRouter) HandleCreateCard(c *gin.Context) {
	var req model.CreateCardDTO
	if !bindJSON(c, &req) {
		return
	}

	card, err := r.cs.CreateCard(c.Request.Context(), actorOf(c), &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

// HandleListCards handles GET /api/cards?status={status}&offset={offset}&limit={limit}
// Response: CardListResult
func (r *CardRouter) HandleListCards(c *gin.Context) {
	var filter model.CardFilter
	if status := c.Query("status"); status != "" {
		s := model.CardStatus(status)
		filter.Status = &s
	}
	offset, limit, ok := paginationQuery(c)
	if !ok {
		return
	}
	filter.Offset, filter.Limit = offset, limit

	cards, err := r.cs.ListCards(c.Request.Context(), actorOf(c), filter)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, cards)
}

// HandleGetCard handles GET /api/cards/:cardId
func (r *CardRouter) HandleGetCard(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}

	card, err := r.cs.GetCard(c.Request.Context(), cardID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

// HandleCancelCard handles POST /api/cards/:cardId/cancel
// Request body (optional): FlowNotesDTO
func (r *CardRouter) HandleCancelCard(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	var req model.FlowNotesDTO
	if !bindOptionalJSON(c, &req) {
		return
	}

	card, err := r.cs.CancelCard(c.Request.Context(), actorOf(c), cardID, req.Notes)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

package router

import (
	"github.com/gin-gonic/gin"
)

// Routers groups the workflow HTTP handlers.
type Routers struct {
	Cards       *CardRouter
	Flow        *FlowRouter
	Templates   *TemplateRouter
	Rows        *RowRouter
	Attachments *AttachmentRouter
}

// Register mounts every workflow route on rg, which is expected to be the /api group.
func (r *Routers) Register(rg *gin.RouterGroup) {
	cards := rg.Group("/cards")
	cards.POST("", r.Cards.HandleCreateCard)
	cards.GET("", r.Cards.HandleListCards)
	cards.GET("/:cardId", r.Cards.HandleGetCard)
	cards.POST("/:cardId/cancel", r.Cards.HandleCancelCard)

	cards.POST("/:cardId/flow/start", r.Flow.HandleStartFlow)
	cards.POST("/:cardId/flow/initialize", r.Flow.HandleInitialize)
	cards.GET("/:cardId/flow", r.Flow.HandleGetFlowStatus)
	cards.GET("/:cardId/flow/current", r.Flow.HandleGetCurrentStep)
	cards.POST("/:cardId/flow/submit", r.Flow.HandleSubmit)
	cards.POST("/:cardId/flow/reject", r.Flow.HandleReject)
	cards.POST("/:cardId/flow/restart", r.Flow.HandleRestart)

	cards.GET("/:cardId/rows", r.Rows.HandleReadRows)
	cards.PUT("/:cardId/rows", r.Rows.HandleWriteRows)
	cards.PUT("/:cardId/rows/:rowNumber", r.Rows.HandleWriteRow)
	cards.POST("/:cardId/rows/approve", r.Rows.HandleApproveRows)

	cards.POST("/:cardId/attachments", r.Attachments.HandleUpload)
	cards.GET("/:cardId/attachments", r.Attachments.HandleListAttachments)
	rg.GET("/attachments/:attachmentId", r.Attachments.HandleDownload)

	rg.GET("/flow/pending", r.Flow.HandleGetPendingCards)
	rg.GET("/flow/history", r.Flow.HandleGetFlowHistory)

	templates := rg.Group("/templates")
	templates.GET("/:templateId/departments", r.Templates.HandleGetFlowSteps)
	templates.PUT("/:templateId/departments", r.Templates.HandleSetFlowSteps)
	templates.GET("/:templateId/field-access", r.Templates.HandleGetFieldAccess)
}

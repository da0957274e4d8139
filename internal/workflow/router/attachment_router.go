package router

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/cardflow/internal/workflow/service"
)

type AttachmentRouter struct {
	as *service.AttachmentService
}

func NewAttachmentRouter(as *service.AttachmentService) *AttachmentRouter {
	return &AttachmentRouter{
		as: as,
	}
}

// HandleUpload handles POST /api/cards/:cardId/attachments
// Request: multipart form with a "file" part
// Response: Attachment
func (r *AttachmentRouter) HandleUpload(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		badRequest(c, "failed to read uploaded file")
		return
	}
	defer file.Close()

	attachment, err := r.as.Upload(c.Request.Context(), actorOf(c), cardID, header.Filename, file, header.Header.Get("Content-Type"))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, attachment)
}

// HandleListAttachments handles GET /api/cards/:cardId/attachments
func (r *AttachmentRouter) HandleListAttachments(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}

	attachments, err := r.as.ListAttachments(c.Request.Context(), cardID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, attachments)
}

// HandleDownload handles GET /api/attachments/:attachmentId
func (r *AttachmentRouter) HandleDownload(c *gin.Context) {
	attachmentID, ok := uuidParam(c, "attachmentId")
	if !ok {
		return
	}

	attachment, body, err := r.as.Open(c.Request.Context(), attachmentID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, attachment.Size, attachment.MimeType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", attachment.Name),
	})
}

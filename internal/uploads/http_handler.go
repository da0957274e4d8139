package uploads

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"
)

// HTTPHandler serves stored blobs under the local driver's public URL.
type HTTPHandler struct {
	Service *UploadService
}

func NewHTTPHandler(service *UploadService) *HTTPHandler {
	return &HTTPHandler{Service: service}
}

// Download handles GET /api/files/:key
func (h *HTTPHandler) Download(c *gin.Context) {
	key := path.Base(c.Param("key"))
	if key == "" || key == "." || key == "/" {
		h.problem(c, http.StatusBadRequest, "key is required")
		return
	}

	reader, contentType, err := h.Service.Download(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.problem(c, http.StatusNotFound, "file not found")
			return
		}
		slog.ErrorContext(c.Request.Context(), "download failed", "key", key, "error", err)
		h.problem(c, http.StatusInternalServerError, "download failed")
		return
	}
	defer reader.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", contentType)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		slog.WarnContext(c.Request.Context(), "download interrupted", "key", key, "error", err)
	}
}

func (h *HTTPHandler) problem(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, problems.NewStatusProblem(status).
		WithInstance(c.Request.URL.Path).
		WithDetail(detail))
}

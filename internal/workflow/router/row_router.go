package router

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/cardflow/internal/workflow/model"
	"github.com/OpenNSW/cardflow/internal/workflow/service"
)

type RowRouter struct {
	rs *service.RowService
}

func NewRowRouter(rs *service.RowService) *RowRouter {
	return &RowRouter{
		rs: rs,
	}
}

// writeRowRequest is the body of a single row write; the row number comes from the path.
type writeRowRequest struct {
	Values          map[string]any `json:"values"`
	ExpectedVersion *int64         `json:"expectedVersion,omitempty"`
	Submit          bool           `json:"submit"`
}

// HandleReadRows handles GET /api/cards/:cardId/rows
// Response: array of RowData with values limited to readable fields
func (r *RowRouter) HandleReadRows(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}

	rows, err := r.rs.ReadRows(c.Request.Context(), actorOf(c), cardID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// HandleWriteRows handles PUT /api/cards/:cardId/rows
// Request body: WriteRowsDTO
// Response: WriteRowsResult
func (r *RowRouter) HandleWriteRows(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	var req model.WriteRowsDTO
	if !bindJSON(c, &req) {
		return
	}

	result, err := r.rs.WriteRows(c.Request.Context(), actorOf(c), cardID, &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleWriteRow handles PUT /api/cards/:cardId/rows/:rowNumber
// Request body: {"values": {...}, "expectedVersion": n, "submit": bool}
// Response: RowWriteResult
func (r *RowRouter) HandleWriteRow(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	rowNumber, err := strconv.Atoi(c.Param("rowNumber"))
	if err != nil || rowNumber < 1 {
		badRequest(c, "invalid rowNumber, must be a positive integer")
		return
	}
	var req writeRowRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := r.rs.WriteRow(c.Request.Context(), actorOf(c), cardID, model.RowWriteDTO{
		RowNumber:       rowNumber,
		Values:          req.Values,
		ExpectedVersion: req.ExpectedVersion,
	}, req.Submit)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleApproveRows handles POST /api/cards/:cardId/rows/approve
// Request body: ApproveRowsDTO
// Response: WriteRowsResult
func (r *RowRouter) HandleApproveRows(c *gin.Context) {
	cardID, ok := uuidParam(c, "cardId")
	if !ok {
		return
	}
	var req model.ApproveRowsDTO
	if !bindJSON(c, &req) {
		return
	}

	result, err := r.rs.ApproveRows(c.Request.Context(), actorOf(c), cardID, &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

package workflow

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/cardflow/internal/testutil"
	"github.com/OpenNSW/cardflow/internal/uploads"
	"github.com/OpenNSW/cardflow/internal/uploads/drivers"
)

func TestManager_RegisterRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := testutil.NewFixture(t)
	driver, err := drivers.NewLocalFSDriver(t.TempDir(), "/api/files")
	require.NoError(t, err)

	m := NewManager(f.DB, f.TxRunner, uploads.NewUploadService(driver, 0))

	engine := gin.New()
	m.RegisterRoutes(engine.Group("/api"))

	registered := make(map[string]bool)
	for _, route := range engine.Routes() {
		registered[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		http.MethodPost + " /api/cards",
		http.MethodGet + " /api/cards/:cardId",
		http.MethodPost + " /api/cards/:cardId/flow/initialize",
		http.MethodPost + " /api/cards/:cardId/flow/submit",
		http.MethodPost + " /api/cards/:cardId/flow/reject",
		http.MethodPost + " /api/cards/:cardId/flow/restart",
		http.MethodPut + " /api/cards/:cardId/rows/:rowNumber",
		http.MethodPost + " /api/cards/:cardId/rows/approve",
		http.MethodGet + " /api/flow/pending",
		http.MethodGet + " /api/flow/history",
		http.MethodPut + " /api/templates/:templateId/departments",
		http.MethodGet + " /api/attachments/:attachmentId",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
}

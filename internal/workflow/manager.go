package workflow

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/uploads"
	"github.com/OpenNSW/cardflow/internal/workflow/router"
	"github.com/OpenNSW/cardflow/internal/workflow/service"
)

// Manager wires the card flow services to their HTTP routers.
type Manager struct {
	cardService       *service.CardService
	flowService       *service.FlowService
	templateService   *service.TemplateService
	rowService        *service.RowService
	attachmentService *service.AttachmentService
	permissions       *service.FieldPermissionEvaluator
	routers           *router.Routers
}

// NewManager builds the services around a shared transaction runner.
func NewManager(db *gorm.DB, txRunner service.Transactor, uploadService *uploads.UploadService) *Manager {
	logRepo := service.NewOperationLogRepository()
	flowRepo := service.NewFlowStatusRepository()
	permissions := service.NewFieldPermissionEvaluator(db)

	flowService := service.NewFlowService(db, txRunner, flowRepo, logRepo)
	m := &Manager{
		flowService:       flowService,
		cardService:       service.NewCardService(db, txRunner, flowService, logRepo),
		templateService:   service.NewTemplateService(db, txRunner),
		rowService:        service.NewRowService(db, txRunner, permissions, logRepo),
		attachmentService: service.NewAttachmentService(db, uploadService),
		permissions:       permissions,
	}

	m.routers = &router.Routers{
		Cards:       router.NewCardRouter(m.cardService),
		Flow:        router.NewFlowRouter(m.flowService),
		Templates:   router.NewTemplateRouter(m.templateService, m.permissions),
		Rows:        router.NewRowRouter(m.rowService),
		Attachments: router.NewAttachmentRouter(m.attachmentService),
	}
	return m
}

// RegisterRoutes mounts the workflow API on rg. Authentication is the caller's concern.
func (m *Manager) RegisterRoutes(rg *gin.RouterGroup) {
	m.routers.Register(rg)
}

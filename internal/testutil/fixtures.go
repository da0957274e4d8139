// Package testutil builds SQLite-backed databases seeded with a small card flow setup.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/config"
	"github.com/OpenNSW/cardflow/internal/database"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

// Field names seeded by NewFixture.
const (
	FieldItemName = "item_name" // text, written by DeptA, read by DeptB and DeptC
	FieldQuantity = "quantity"  // number, written by DeptA, read by DeptB
	FieldDueDate  = "due_date"  // date, written by DeptA
	FieldDocument = "document"  // attachment, written by DeptA
	FieldQANotes  = "qa_notes"  // text, written by DeptB
	FieldInternal = "internal"  // text, no department access
)

// Fixture is a migrated database with three departments, a three step template
// [DeptA, DeptB, DeptC] and one user per role.
type Fixture struct {
	DB       *gorm.DB
	TxRunner *database.TxRunner

	DeptA, DeptB, DeptC model.Department
	Template            model.Template

	Admin  *auth.Actor // no department
	UserA  *auth.Actor
	UserA2 *auth.Actor
	UserB  *auth.Actor
	UserC  *auth.Actor
}

// NewDatabaseConfig returns a config for a private in-memory SQLite database.
func NewDatabaseConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Driver:              config.DriverSQLite,
		SQLitePath:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		TxIsolation:         "serializable",
		TxRetryMaxElapsedMs: 2000,
		LogLevel:            "silent",
	}
}

// NewDB opens a migrated in-memory SQLite database that is closed when the test ends.
func NewDB(t *testing.T) (*gorm.DB, *config.DatabaseConfig) {
	t.Helper()
	cfg := NewDatabaseConfig()
	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	models := append(model.All(), &auth.User{})
	require.NoError(t, database.Migrate(db, models...))
	return db, cfg
}

// NewFixture seeds a fresh database.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	db, cfg := NewDB(t)
	f := &Fixture{DB: db, TxRunner: database.NewTxRunner(db, cfg)}

	f.DeptA = model.Department{Name: "Procurement"}
	f.DeptB = model.Department{Name: "Quality"}
	f.DeptC = model.Department{Name: "Finance"}
	for _, d := range []*model.Department{&f.DeptA, &f.DeptB, &f.DeptC} {
		require.NoError(t, db.Create(d).Error)
	}

	f.Template = model.Template{Name: "Goods transfer"}
	require.NoError(t, db.Create(&f.Template).Error)
	f.SetFlow(t, f.Template.ID, f.DeptA.ID, f.DeptB.ID, f.DeptC.ID)

	fields := []model.FieldDefinition{
		{Name: FieldItemName, Label: "Item", FieldType: model.FieldTypeText, Active: true},
		{Name: FieldQuantity, Label: "Quantity", FieldType: model.FieldTypeNumber, Active: true},
		{Name: FieldDueDate, Label: "Due date", FieldType: model.FieldTypeDate, Active: true},
		{Name: FieldDocument, Label: "Document", FieldType: model.FieldTypeAttachment, Active: true},
		{Name: FieldQANotes, Label: "QA notes", FieldType: model.FieldTypeText, Active: true},
		{Name: FieldInternal, Label: "Internal", FieldType: model.FieldTypeText, Active: true},
	}
	require.NoError(t, db.Create(&fields).Error)

	f.Grant(t, f.Template.ID, f.DeptA.ID, FieldItemName, true, true)
	f.Grant(t, f.Template.ID, f.DeptA.ID, FieldQuantity, true, true)
	f.Grant(t, f.Template.ID, f.DeptA.ID, FieldDueDate, true, true)
	f.Grant(t, f.Template.ID, f.DeptA.ID, FieldDocument, true, true)
	f.Grant(t, f.Template.ID, f.DeptB.ID, FieldItemName, true, false)
	f.Grant(t, f.Template.ID, f.DeptB.ID, FieldQuantity, true, false)
	f.Grant(t, f.Template.ID, f.DeptB.ID, FieldQANotes, false, true)
	f.Grant(t, f.Template.ID, f.DeptC.ID, FieldItemName, true, false)

	f.Admin = f.NewUser(t, "admin", auth.RoleAdmin, nil)
	f.UserA = f.NewUser(t, "alice", auth.RoleUser, &f.DeptA.ID)
	f.UserA2 = f.NewUser(t, "arjun", auth.RoleUser, &f.DeptA.ID)
	f.UserB = f.NewUser(t, "bianca", auth.RoleUser, &f.DeptB.ID)
	f.UserC = f.NewUser(t, "chen", auth.RoleUser, &f.DeptC.ID)
	return f
}

// SetFlow replaces the template's flow with the given departments in order.
func (f *Fixture) SetFlow(t *testing.T, templateID uuid.UUID, departments ...uuid.UUID) {
	t.Helper()
	require.NoError(t, f.DB.Where("template_id = ?", templateID).Delete(&model.TemplateFlowStep{}).Error)
	for i, dept := range departments {
		step := model.TemplateFlowStep{
			TemplateID:   templateID,
			DepartmentID: dept,
			FlowOrder:    i + 1,
			IsRequired:   true,
			TimeoutHours: model.DefaultStepTimeoutHours,
		}
		require.NoError(t, f.DB.Create(&step).Error)
	}
}

// Grant gives a department access to a template field.
func (f *Fixture) Grant(t *testing.T, templateID, departmentID uuid.UUID, field string, canRead, canWrite bool) {
	t.Helper()
	require.NoError(t, f.DB.Create(&model.FieldPermission{
		TemplateID:   templateID,
		DepartmentID: departmentID,
		FieldName:    field,
		CanRead:      canRead,
		CanWrite:     canWrite,
	}).Error)
}

// NewUser persists an active user and returns its actor.
func (f *Fixture) NewUser(t *testing.T, username string, role auth.Role, departmentID *uuid.UUID) *auth.Actor {
	t.Helper()
	now := time.Now().UTC()
	user := auth.User{
		ID:           uuid.New(),
		Username:     username,
		DisplayName:  username,
		Role:         role,
		DepartmentID: departmentID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.DB.Create(&user).Error)
	return auth.ActorFromUser(&user)
}

// NewCard persists a draft card on the fixture template, created by the admin.
func (f *Fixture) NewCard(t *testing.T) *model.Card {
	t.Helper()
	card := &model.Card{
		CardNumber: "TC-" + uuid.NewString()[:8],
		Title:      "Transfer",
		TemplateID: f.Template.ID,
		Status:     model.CardStatusDraft,
		CreatedBy:  f.Admin.ID,
	}
	require.NoError(t, f.DB.Create(card).Error)
	return card
}

// ReloadCard reads the card back from the database.
func (f *Fixture) ReloadCard(t *testing.T, cardID uuid.UUID) *model.Card {
	t.Helper()
	var card model.Card
	require.NoError(t, f.DB.Where("id = ?", cardID).Take(&card).Error)
	return &card
}

// Ledger returns the card's flow status records ordered by flow order.
func (f *Fixture) Ledger(t *testing.T, cardID uuid.UUID) []model.FlowStatus {
	t.Helper()
	var records []model.FlowStatus
	require.NoError(t, f.DB.Where("card_id = ?", cardID).Order("flow_order ASC").Find(&records).Error)
	return records
}

// Logs returns the card's operation log entries, oldest first.
func (f *Fixture) Logs(t *testing.T, cardID uuid.UUID) []model.OperationLog {
	t.Helper()
	var logs []model.OperationLog
	require.NoError(t, f.DB.Where("card_id = ?", cardID).Order("created_at ASC").Find(&logs).Error)
	return logs
}

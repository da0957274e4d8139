package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

const dateLayout = "2006-01-02"

// RowService guards writes to card rows: field permissions, submission locks and optimistic
// versions.
type RowService struct {
	db          *gorm.DB
	txRunner    Transactor
	permissions *FieldPermissionEvaluator
	logRepo     OperationLogRepository
}

// NewRowService creates a new instance of RowService.
func NewRowService(db *gorm.DB, txRunner Transactor, permissions *FieldPermissionEvaluator, logRepo OperationLogRepository) *RowService {
	return &RowService{
		db:          db,
		txRunner:    txRunner,
		permissions: permissions,
		logRepo:     logRepo,
	}
}

// WriteRow writes a single row. See WriteRows.
func (s *RowService) WriteRow(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, write model.RowWriteDTO, submit bool) (*model.RowWriteResult, error) {
	result, err := s.WriteRows(ctx, actor, cardID, &model.WriteRowsDTO{Rows: []model.RowWriteDTO{write}, Submit: submit})
	if err != nil {
		return nil, err
	}
	return &result.Rows[0], nil
}

// WriteRows writes a batch of rows in one transaction. Fields the actor may not write are
// dropped silently. Any conflict rolls the whole batch back.
func (s *RowService) WriteRows(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, req *model.WriteRowsDTO) (*model.WriteRowsResult, error) {
	const op = "WriteRows"
	if actor == nil {
		return nil, NewPermissionError(op, "authentication required", nil)
	}
	if req == nil {
		return nil, NewValidationError(op, "request cannot be nil", nil)
	}
	if err := validateStruct(op, req); err != nil {
		return nil, err
	}

	writes := make([]model.RowWriteDTO, len(req.Rows))
	copy(writes, req.Rows)
	// Lock rows in ascending order so concurrent batches cannot deadlock.
	sort.SliceStable(writes, func(i, j int) bool { return writes[i].RowNumber < writes[j].RowNumber })
	for i := 1; i < len(writes); i++ {
		if writes[i].RowNumber == writes[i-1].RowNumber {
			return nil, NewValidationError(op, fmt.Sprintf("row %d appears more than once", writes[i].RowNumber), nil)
		}
	}

	var results []model.RowWriteResult
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		results = make([]model.RowWriteResult, 0, len(writes))
		card, err := lockCardForShare(ctx, tx, op, cardID)
		if err != nil {
			return err
		}
		if err := checkCardWritable(ctx, tx, op, actor, card); err != nil {
			return err
		}
		access, err := s.permissions.Load(ctx, tx, actor, card.TemplateID)
		if err != nil {
			return err
		}
		fieldTypes, err := loadFieldTypes(ctx, tx)
		if err != nil {
			return err
		}

		for _, w := range writes {
			res, err := s.writeRowInTx(ctx, tx, op, actor, card, access, fieldTypes, w, req.Submit)
			if err != nil {
				return err
			}
			results = append(results, *res)
		}
		return nil
	})
	if err != nil {
		if IsConflictError(err) {
			slog.InfoContext(ctx, "row write conflict", "cardId", cardID, "actorId", actor.ID, "error", err)
		}
		return nil, err
	}

	persisted := 0
	for _, r := range results {
		if r.Persisted {
			persisted++
		}
	}
	message := fmt.Sprintf("Saved %d rows", persisted)
	if req.Submit {
		message = fmt.Sprintf("Submitted %d rows", persisted)
	}
	slog.InfoContext(ctx, "card rows written", "cardId", cardID, "actorId", actor.ID, "rows", persisted, "submit", req.Submit)
	return &model.WriteRowsResult{Message: message, Rows: results}, nil
}

func (s *RowService) writeRowInTx(
	ctx context.Context,
	tx *gorm.DB,
	op string,
	actor *auth.Actor,
	card *model.Card,
	access *FieldAccess,
	fieldTypes map[string]model.FieldType,
	w model.RowWriteDTO,
	submit bool,
) (*model.RowWriteResult, error) {
	var existing model.RowData
	found := true
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("card_id = ? AND row_number = ?", card.ID, w.RowNumber).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		found = false
	} else if err != nil {
		return nil, fmt.Errorf("failed to lock row %d of card %s: %w", w.RowNumber, card.ID, err)
	}

	values, dropped, err := normalizeValues(ctx, tx, op, card.ID, access, fieldTypes, w.Values)
	if err != nil {
		return nil, err
	}

	var current map[string]any
	if found {
		current = existing.Values
	}
	changes := diffValues(current, values)
	result := &model.RowWriteResult{
		RowNumber: w.RowNumber,
		Applied:   sortedKeys(changes),
		Dropped:   dropped,
	}

	if found && !actor.IsAdmin() && existing.IsLockedFor(actor.ID) && len(changes) > 0 {
		return nil, &ConflictError{
			Op:             op,
			Code:           ConflictDataSubmitted,
			CardID:         card.ID,
			RowNumber:      w.RowNumber,
			SubmittedBy:    existing.SubmittedBy,
			SubmittedAt:    existing.SubmittedAt,
			CurrentVersion: existing.Version,
		}
	}

	var storedVersion int64
	if found {
		storedVersion = existing.Version
	}
	if w.ExpectedVersion != nil && *w.ExpectedVersion != storedVersion {
		return nil, &ConflictError{
			Op:              op,
			Code:            ConflictVersionMismatch,
			CardID:          card.ID,
			RowNumber:       w.RowNumber,
			CurrentVersion:  storedVersion,
			ExpectedVersion: w.ExpectedVersion,
		}
	}

	now := time.Now().UTC()
	if !found {
		if !hasContent(changes) {
			result.Status = model.RowStatusDraft
			result.Applied = []string{}
			return result, nil
		}
		row := model.RowData{
			CardID:        card.ID,
			RowNumber:     w.RowNumber,
			Values:        changes,
			Status:        model.RowStatusDraft,
			Version:       1,
			LastUpdatedBy: &actor.ID,
			LastUpdatedAt: &now,
		}
		if submit {
			row.Status = model.RowStatusSubmitted
			row.SubmittedBy = &actor.ID
			row.SubmittedAt = &now
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Another writer created the row first.
				return nil, &ConflictError{
					Op:              op,
					Code:            ConflictVersionMismatch,
					CardID:          card.ID,
					RowNumber:       w.RowNumber,
					CurrentVersion:  1,
					ExpectedVersion: w.ExpectedVersion,
				}
			}
			return nil, fmt.Errorf("failed to create row %d of card %s: %w", w.RowNumber, card.ID, err)
		}
		result.Persisted = true
		result.Version = row.Version
		result.Status = row.Status
		return result, nil
	}

	dirty := false
	if len(changes) > 0 {
		if existing.Values == nil {
			existing.Values = map[string]any{}
		}
		for name, v := range changes {
			if v == nil {
				delete(existing.Values, name)
			} else {
				existing.Values[name] = v
			}
		}
		existing.Version++
		existing.LastUpdatedBy = &actor.ID
		existing.LastUpdatedAt = &now
		dirty = true
	}

	if submit {
		switch {
		case existing.Status == model.RowStatusDraft:
			existing.Status = model.RowStatusSubmitted
			existing.SubmittedBy = &actor.ID
			existing.SubmittedAt = &now
			dirty = true
		case !actor.IsAdmin() && existing.IsLockedFor(actor.ID):
			return nil, &ConflictError{
				Op:             op,
				Code:           ConflictAlreadySubmitted,
				CardID:         card.ID,
				RowNumber:      w.RowNumber,
				SubmittedBy:    existing.SubmittedBy,
				SubmittedAt:    existing.SubmittedAt,
				CurrentVersion: existing.Version,
			}
		}
	}

	if dirty {
		if err := tx.WithContext(ctx).Omit(clause.Associations).Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to update row %d of card %s: %w", w.RowNumber, card.ID, err)
		}
	}
	result.Persisted = true
	result.Version = existing.Version
	result.Status = existing.Status
	return result, nil
}

// ReadRows returns the card's rows with values limited to the fields the actor may read.
func (s *RowService) ReadRows(ctx context.Context, actor *auth.Actor, cardID uuid.UUID) ([]model.RowData, error) {
	const op = "ReadRows"
	card, err := getCard(ctx, s.db, op, cardID)
	if err != nil {
		return nil, err
	}
	access, err := s.permissions.Load(ctx, s.db, actor, card.TemplateID)
	if err != nil {
		return nil, err
	}

	var rows []model.RowData
	if err := s.db.WithContext(ctx).
		Where("card_id = ?", cardID).
		Order("row_number ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve rows of card %s: %w", cardID, err)
	}
	for i := range rows {
		rows[i].Values = access.FilterReadable(rows[i].Values)
	}
	return rows, nil
}

// ApproveRows marks submitted rows approved. Only administrators may approve.
func (s *RowService) ApproveRows(ctx context.Context, actor *auth.Actor, cardID uuid.UUID, req *model.ApproveRowsDTO) (*model.WriteRowsResult, error) {
	const op = "ApproveRows"
	if !actor.IsAdmin() {
		return nil, NewPermissionError(op, "only administrators can approve rows", nil)
	}
	if req == nil {
		return nil, NewValidationError(op, "request cannot be nil", nil)
	}
	if err := validateStruct(op, req); err != nil {
		return nil, err
	}

	numbers := make([]int, len(req.RowNumbers))
	copy(numbers, req.RowNumbers)
	sort.Ints(numbers)

	var results []model.RowWriteResult
	err := s.txRunner.InTx(ctx, func(tx *gorm.DB) error {
		results = make([]model.RowWriteResult, 0, len(numbers))
		card, err := lockCardForShare(ctx, tx, op, cardID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		approved := make([]string, 0, len(numbers))
		for i, n := range numbers {
			if i > 0 && n == numbers[i-1] {
				continue
			}
			var row model.RowData
			err := tx.WithContext(ctx).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("card_id = ? AND row_number = ?", card.ID, n).
				Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NewNotFoundError(op, fmt.Sprintf("row %d not found", n))
			}
			if err != nil {
				return fmt.Errorf("failed to lock row %d of card %s: %w", n, card.ID, err)
			}
			if row.Status != model.RowStatusSubmitted {
				return NewStateError(op, fmt.Sprintf("row %d is %s, only submitted rows can be approved", n, row.Status),
					map[string]any{"rowNumber": n, "status": row.Status})
			}

			row.Status = model.RowStatusApproved
			row.ApprovedBy = &actor.ID
			row.ApprovedAt = &now
			if err := tx.WithContext(ctx).Omit(clause.Associations).Save(&row).Error; err != nil {
				return fmt.Errorf("failed to approve row %d of card %s: %w", n, card.ID, err)
			}
			approved = append(approved, strconv.Itoa(n))
			results = append(results, model.RowWriteResult{
				RowNumber: n,
				Persisted: true,
				Version:   row.Version,
				Status:    row.Status,
				Applied:   []string{},
				Dropped:   []string{},
			})
		}

		notes := "rows " + strings.Join(approved, ",")
		return s.logRepo.AppendInTx(ctx, tx, &model.OperationLog{
			CardID:           card.ID,
			OperationType:    model.OperationApprove,
			FromDepartmentID: card.CurrentDepartmentID,
			OperatorID:       actor.ID,
			Notes:            &notes,
		})
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "card rows approved", "cardId", cardID, "actorId", actor.ID, "rows", len(results))
	return &model.WriteRowsResult{Message: fmt.Sprintf("Approved %d rows", len(results)), Rows: results}, nil
}

// checkCardWritable rejects non-admin writes to finished cards and to cards held by another
// department. Draft cards accept data from anyone with field permissions.
func checkCardWritable(ctx context.Context, db *gorm.DB, op string, actor *auth.Actor, card *model.Card) error {
	if actor.IsAdmin() {
		return nil
	}
	if card.Status.IsTerminal() {
		return NewPermissionError(op, fmt.Sprintf("card is %s and no longer accepts data", card.Status),
			map[string]any{"status": card.Status})
	}
	if card.Status == model.CardStatusInProgress && !actor.InDepartment(card.CurrentDepartmentID) {
		return NewPermissionError(op, "card is currently held by another department", map[string]any{
			"currentDepartmentId": card.CurrentDepartmentID,
			"currentStep":         departmentName(ctx, db, card.CurrentDepartmentID),
		})
	}
	return nil
}

func loadFieldTypes(ctx context.Context, db *gorm.DB) (map[string]model.FieldType, error) {
	var fields []model.FieldDefinition
	if err := db.WithContext(ctx).Where("active = ?", true).Find(&fields).Error; err != nil {
		return nil, fmt.Errorf("failed to load field definitions: %w", err)
	}
	types := make(map[string]model.FieldType, len(fields))
	for _, f := range fields {
		types[f.Name] = f.FieldType
	}
	return types, nil
}

// normalizeValues keeps the writable fields of values, normalized by field type. A nil entry
// in the result clears the field.
func normalizeValues(
	ctx context.Context,
	db *gorm.DB,
	op string,
	cardID uuid.UUID,
	access *FieldAccess,
	fieldTypes map[string]model.FieldType,
	values map[string]any,
) (map[string]any, []string, error) {
	normalized := make(map[string]any, len(values))
	dropped := []string{}
	for name, raw := range values {
		if !access.CanWrite(name) {
			dropped = append(dropped, name)
			continue
		}
		fieldType, ok := fieldTypes[name]
		if !ok {
			return nil, nil, NewValidationError(op, fmt.Sprintf("unknown field %q", name), nil)
		}
		v, err := normalizeValue(fieldType, raw)
		if err != nil {
			return nil, nil, NewValidationError(op, fmt.Sprintf("field %q: %v", name, err), err)
		}
		if fieldType == model.FieldTypeAttachment && v != nil {
			if err := checkAttachment(ctx, db, op, cardID, v.(string)); err != nil {
				return nil, nil, err
			}
		}
		normalized[name] = v
	}
	sort.Strings(dropped)
	return normalized, dropped, nil
}

func normalizeValue(fieldType model.FieldType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch fieldType {
	case model.FieldTypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" {
				return nil, nil
			}
			f, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected a number, got %T", raw)
	case model.FieldTypeDate:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected a date string, got %T", raw)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		if t, err := time.Parse(dateLayout, s); err == nil {
			return t.Format(dateLayout), nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC().Format(dateLayout), nil
		}
		return nil, fmt.Errorf("%q is not a date", s)
	case model.FieldTypeAttachment:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected an attachment id, got %T", raw)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not an attachment id", s)
		}
		return id.String(), nil
	default:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64, int, int64, bool, json.Number:
			return fmt.Sprint(v), nil
		}
		return nil, fmt.Errorf("expected text, got %T", raw)
	}
}

func checkAttachment(ctx context.Context, db *gorm.DB, op string, cardID uuid.UUID, attachmentID string) error {
	var count int64
	if err := db.WithContext(ctx).Model(&model.Attachment{}).
		Where("id = ? AND card_id = ?", attachmentID, cardID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check attachment %s: %w", attachmentID, err)
	}
	if count == 0 {
		return NewValidationError(op, fmt.Sprintf("attachment %s does not belong to card %s", attachmentID, cardID), nil)
	}
	return nil
}

// diffValues returns the entries of next that differ from current. Absent and nil are equal.
func diffValues(current, next map[string]any) map[string]any {
	changes := make(map[string]any)
	for name, v := range next {
		if !reflect.DeepEqual(current[name], v) {
			changes[name] = v
		}
	}
	return changes
}

// hasContent reports whether any value is non-empty.
func hasContent(values map[string]any) bool {
	for _, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

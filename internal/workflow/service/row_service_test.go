package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/testutil"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

func newRowService(f *testutil.Fixture) *RowService {
	return NewRowService(f.DB, f.TxRunner, NewFieldPermissionEvaluator(f.DB), NewOperationLogRepository())
}

func int64Ptr(v int64) *int64 { return &v }

// startedCard returns a card in progress at DeptA.
func startedCard(t *testing.T, f *testutil.Fixture) *model.Card {
	t.Helper()
	return initializedCard(t, f, newFlowService(f))
}

func storedRow(t *testing.T, f *testutil.Fixture, cardID uuid.UUID, rowNumber int) *model.RowData {
	t.Helper()
	var row model.RowData
	require.NoError(t, f.DB.Where("card_id = ? AND row_number = ?", cardID, rowNumber).Take(&row).Error)
	return &row
}

func TestRowService_WriteRow(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newRowService(f)
	ctx := context.Background()
	card := startedCard(t, f)

	res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
		RowNumber: 1,
		Values: map[string]any{
			testutil.FieldItemName: "Copper wire",
			testutil.FieldQuantity: "12",
			testutil.FieldDueDate:  "2026-03-01T10:00:00Z",
			testutil.FieldInternal: "secret",
			testutil.FieldQANotes:  "n/a",
		},
	}, false)
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, model.RowStatusDraft, res.Status)
	assert.Equal(t, []string{testutil.FieldDueDate, testutil.FieldItemName, testutil.FieldQuantity}, res.Applied)
	assert.Equal(t, []string{testutil.FieldInternal, testutil.FieldQANotes}, res.Dropped)

	row := storedRow(t, f, card.ID, 1)
	assert.Equal(t, "Copper wire", row.Values[testutil.FieldItemName])
	assert.Equal(t, 12.0, row.Values[testutil.FieldQuantity])
	assert.Equal(t, "2026-03-01", row.Values[testutil.FieldDueDate])
	assert.NotContains(t, row.Values, testutil.FieldInternal)
	assert.Equal(t, &f.UserA.ID, row.LastUpdatedBy)

	t.Run("unchanged values keep the version", func(t *testing.T) {
		res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber: 1,
			Values:    map[string]any{testutil.FieldItemName: "Copper wire"},
		}, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Version)
		assert.Empty(t, res.Applied)
	})

	t.Run("null clears a field", func(t *testing.T) {
		res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber: 1,
			Values:    map[string]any{testutil.FieldDueDate: nil},
		}, false)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Version)
		assert.NotContains(t, storedRow(t, f, card.ID, 1).Values, testutil.FieldDueDate)
	})

	t.Run("expected version must match", func(t *testing.T) {
		_, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber:       1,
			Values:          map[string]any{testutil.FieldItemName: "Steel wire"},
			ExpectedVersion: int64Ptr(1),
		}, false)
		require.True(t, IsConflictError(err))
		assert.Equal(t, ConflictVersionMismatch, ConflictCodeOf(err))
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(2), conflict.CurrentVersion)
		assert.Equal(t, "Copper wire", storedRow(t, f, card.ID, 1).Values[testutil.FieldItemName])

		res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber:       1,
			Values:          map[string]any{testutil.FieldItemName: "Steel wire"},
			ExpectedVersion: int64Ptr(2),
		}, false)
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Version)
	})

	t.Run("expected version zero on a new row", func(t *testing.T) {
		res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber:       5,
			Values:          map[string]any{testutil.FieldItemName: "Bolts"},
			ExpectedVersion: int64Ptr(0),
		}, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Version)
	})

	t.Run("empty new row is not stored", func(t *testing.T) {
		res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber: 9,
			Values:    map[string]any{testutil.FieldItemName: "", testutil.FieldInternal: "x"},
		}, false)
		require.NoError(t, err)
		assert.False(t, res.Persisted)
		assert.Empty(t, res.Applied)
		assert.Equal(t, []string{testutil.FieldInternal}, res.Dropped)

		var count int64
		require.NoError(t, f.DB.Model(&model.RowData{}).Where("card_id = ? AND row_number = ?", card.ID, 9).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("invalid values", func(t *testing.T) {
		for name, values := range map[string]map[string]any{
			"number":     {testutil.FieldQuantity: "a dozen"},
			"date":       {testutil.FieldDueDate: "next week"},
			"attachment": {testutil.FieldDocument: uuid.NewString()},
		} {
			_, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{RowNumber: 2, Values: values}, false)
			assert.True(t, IsValidationError(err), name)
		}
	})
}

func TestRowService_SubmissionLock(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newRowService(f)
	ctx := context.Background()
	card := startedCard(t, f)

	res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
		RowNumber: 1,
		Values:    map[string]any{testutil.FieldItemName: "Copper wire"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, model.RowStatusSubmitted, res.Status)
	row := storedRow(t, f, card.ID, 1)
	assert.Equal(t, &f.UserA.ID, row.SubmittedBy)
	assert.NotNil(t, row.SubmittedAt)

	t.Run("another user cannot change a submitted row", func(t *testing.T) {
		_, err := svc.WriteRow(ctx, f.UserA2, card.ID, model.RowWriteDTO{
			RowNumber:       1,
			Values:          map[string]any{testutil.FieldItemName: "Aluminium wire"},
			ExpectedVersion: int64Ptr(7),
		}, false)
		require.True(t, IsConflictError(err))
		assert.Equal(t, ConflictDataSubmitted, ConflictCodeOf(err))
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, &f.UserA.ID, conflict.SubmittedBy)
		assert.Equal(t, f.UserA.ID, conflict.Details()["submittedBy"])
	})

	t.Run("another user cannot submit it again", func(t *testing.T) {
		_, err := svc.WriteRow(ctx, f.UserA2, card.ID, model.RowWriteDTO{
			RowNumber: 1,
			Values:    map[string]any{testutil.FieldItemName: "Copper wire"},
		}, true)
		assert.Equal(t, ConflictAlreadySubmitted, ConflictCodeOf(err))
	})

	t.Run("the submitter keeps editing", func(t *testing.T) {
		res, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber: 1,
			Values:    map[string]any{testutil.FieldQuantity: 3},
		}, true)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Version)
		assert.Equal(t, model.RowStatusSubmitted, res.Status)
	})

	t.Run("admins bypass the lock", func(t *testing.T) {
		res, err := svc.WriteRow(ctx, f.Admin, card.ID, model.RowWriteDTO{
			RowNumber: 1,
			Values:    map[string]any{testutil.FieldInternal: "checked"},
		}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{testutil.FieldInternal}, res.Applied)
		assert.Empty(t, res.Dropped)
		assert.Equal(t, model.RowStatusSubmitted, res.Status)
	})
}

func TestRowService_WriteRows(t *testing.T) {
	ctx := context.Background()

	t.Run("a conflict rolls back the batch", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newRowService(f)
		card := startedCard(t, f)
		_, err := svc.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
			RowNumber: 2,
			Values:    map[string]any{testutil.FieldItemName: "Locked"},
		}, true)
		require.NoError(t, err)

		_, err = svc.WriteRows(ctx, f.UserA2, card.ID, &model.WriteRowsDTO{Rows: []model.RowWriteDTO{
			{RowNumber: 2, Values: map[string]any{testutil.FieldItemName: "Changed"}},
			{RowNumber: 1, Values: map[string]any{testutil.FieldItemName: "New"}},
		}})
		assert.Equal(t, ConflictDataSubmitted, ConflictCodeOf(err))

		var count int64
		require.NoError(t, f.DB.Model(&model.RowData{}).Where("card_id = ? AND row_number = ?", card.ID, 1).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("results follow row order", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newRowService(f)
		card := startedCard(t, f)

		result, err := svc.WriteRows(ctx, f.UserA, card.ID, &model.WriteRowsDTO{Rows: []model.RowWriteDTO{
			{RowNumber: 3, Values: map[string]any{testutil.FieldItemName: "C"}},
			{RowNumber: 1, Values: map[string]any{testutil.FieldItemName: "A"}},
		}, Submit: true})
		require.NoError(t, err)
		assert.Equal(t, "Submitted 2 rows", result.Message)
		require.Len(t, result.Rows, 2)
		assert.Equal(t, 1, result.Rows[0].RowNumber)
		assert.Equal(t, 3, result.Rows[1].RowNumber)
	})

	t.Run("duplicate row numbers", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := startedCard(t, f)
		_, err := newRowService(f).WriteRows(ctx, f.UserA, card.ID, &model.WriteRowsDTO{Rows: []model.RowWriteDTO{
			{RowNumber: 1, Values: map[string]any{testutil.FieldItemName: "A"}},
			{RowNumber: 1, Values: map[string]any{testutil.FieldItemName: "B"}},
		}})
		assert.True(t, IsValidationError(err))
	})

	t.Run("empty batch", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := startedCard(t, f)
		_, err := newRowService(f).WriteRows(ctx, f.UserA, card.ID, &model.WriteRowsDTO{})
		assert.True(t, IsValidationError(err))
	})

	t.Run("unknown card", func(t *testing.T) {
		f := testutil.NewFixture(t)
		_, err := newRowService(f).WriteRows(ctx, f.UserA, uuid.New(), &model.WriteRowsDTO{Rows: []model.RowWriteDTO{
			{RowNumber: 1, Values: map[string]any{testutil.FieldItemName: "A"}},
		}})
		assert.True(t, IsNotFoundError(err))
	})
}

func TestRowService_CardStatusRules(t *testing.T) {
	ctx := context.Background()
	write := model.RowWriteDTO{RowNumber: 1, Values: map[string]any{testutil.FieldItemName: "A"}}

	t.Run("draft cards accept data", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := f.NewCard(t)
		_, err := newRowService(f).WriteRow(ctx, f.UserA, card.ID, write, false)
		assert.NoError(t, err)
	})

	t.Run("card held by another department", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := startedCard(t, f)
		_, err := newRowService(f).WriteRow(ctx, f.UserB, card.ID, model.RowWriteDTO{
			RowNumber: 1,
			Values:    map[string]any{testutil.FieldQANotes: "ok"},
		}, false)
		require.True(t, IsPermissionError(err))
		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, f.DeptA.Name, svcErr.Details["currentStep"])
	})

	t.Run("next department writes its own fields", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := startedCard(t, f)
		_, err := newFlowService(f).SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		require.NoError(t, err)

		res, err := newRowService(f).WriteRow(ctx, f.UserB, card.ID, model.RowWriteDTO{
			RowNumber: 1,
			Values:    map[string]any{testutil.FieldQANotes: "ok", testutil.FieldItemName: "B"},
		}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{testutil.FieldQANotes}, res.Applied)
		assert.Equal(t, []string{testutil.FieldItemName}, res.Dropped)
	})

	t.Run("finished cards", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := startedCard(t, f)
		_, err := newFlowService(f).Reject(ctx, f.UserA, card.ID, "stop")
		require.NoError(t, err)

		svc := newRowService(f)
		_, err = svc.WriteRow(ctx, f.UserA, card.ID, write, false)
		assert.True(t, IsPermissionError(err))

		_, err = svc.WriteRow(ctx, f.Admin, card.ID, write, false)
		assert.NoError(t, err)
	})
}

func TestRowService_ReadRows(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newRowService(f)
	ctx := context.Background()
	card := startedCard(t, f)

	_, err := svc.WriteRow(ctx, f.Admin, card.ID, model.RowWriteDTO{
		RowNumber: 1,
		Values: map[string]any{
			testutil.FieldItemName: "Copper wire",
			testutil.FieldQuantity: 4,
			testutil.FieldDueDate:  "2026-03-01",
			testutil.FieldQANotes:  "fine",
			testutil.FieldInternal: "secret",
		},
	}, false)
	require.NoError(t, err)

	tests := []struct {
		name  string
		actor func() *auth.Actor
		want  []string
	}{
		{name: "admin", actor: func() *auth.Actor { return f.Admin }, want: []string{testutil.FieldDueDate, testutil.FieldInternal, testutil.FieldItemName, testutil.FieldQANotes, testutil.FieldQuantity}},
		{name: "quality", actor: func() *auth.Actor { return f.UserB }, want: []string{testutil.FieldItemName, testutil.FieldQANotes, testutil.FieldQuantity}},
		{name: "finance", actor: func() *auth.Actor { return f.UserC }, want: []string{testutil.FieldItemName}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := svc.ReadRows(ctx, tt.actor(), card.ID)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.want, sortedKeys(rows[0].Values))
		})
	}
}

func TestRowService_ApproveRows(t *testing.T) {
	f := testutil.NewFixture(t)
	rows := newRowService(f)
	ctx := context.Background()
	card := startedCard(t, f)

	_, err := rows.WriteRows(ctx, f.UserA, card.ID, &model.WriteRowsDTO{Rows: []model.RowWriteDTO{
		{RowNumber: 1, Values: map[string]any{testutil.FieldItemName: "A"}},
		{RowNumber: 2, Values: map[string]any{testutil.FieldItemName: "B"}},
	}, Submit: true})
	require.NoError(t, err)
	_, err = rows.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
		RowNumber: 3,
		Values:    map[string]any{testutil.FieldItemName: "C"},
	}, false)
	require.NoError(t, err)

	_, err = rows.ApproveRows(ctx, f.UserA, card.ID, &model.ApproveRowsDTO{RowNumbers: []int{1}})
	assert.True(t, IsPermissionError(err))

	_, err = rows.ApproveRows(ctx, f.Admin, card.ID, &model.ApproveRowsDTO{RowNumbers: []int{1, 3}})
	assert.True(t, IsStateError(err))
	assert.Equal(t, model.RowStatusSubmitted, storedRow(t, f, card.ID, 1).Status)

	_, err = rows.ApproveRows(ctx, f.Admin, card.ID, &model.ApproveRowsDTO{RowNumbers: []int{42}})
	assert.True(t, IsNotFoundError(err))

	result, err := rows.ApproveRows(ctx, f.Admin, card.ID, &model.ApproveRowsDTO{RowNumbers: []int{2, 1}})
	require.NoError(t, err)
	assert.Equal(t, "Approved 2 rows", result.Message)
	approved := storedRow(t, f, card.ID, 1)
	assert.Equal(t, model.RowStatusApproved, approved.Status)
	assert.Equal(t, &f.Admin.ID, approved.ApprovedBy)

	logs := f.Logs(t, card.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.OperationApprove, logs[0].OperationType)
	require.NotNil(t, logs[0].Notes)
	assert.Equal(t, "rows 1,2", *logs[0].Notes)

	// Approved rows are closed to their submitter as well.
	_, err = rows.WriteRow(ctx, f.UserA, card.ID, model.RowWriteDTO{
		RowNumber: 1,
		Values:    map[string]any{testutil.FieldItemName: "changed"},
	}, false)
	assert.Equal(t, ConflictDataSubmitted, ConflictCodeOf(err))
}

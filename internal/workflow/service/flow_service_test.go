package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/cardflow/internal/auth"
	"github.com/OpenNSW/cardflow/internal/testutil"
	"github.com/OpenNSW/cardflow/internal/workflow/model"
)

func newFlowService(f *testutil.Fixture) *FlowService {
	return NewFlowService(f.DB, f.TxRunner, NewFlowStatusRepository(), NewOperationLogRepository())
}

// assertLedgerShape checks the completed prefix / single processing / pending suffix shape of
// a ledger that was never restarted.
func assertLedgerShape(t *testing.T, records []model.FlowStatus) {
	t.Helper()
	rank := map[model.FlowStepStatus]int{
		model.FlowStepStatusCompleted:  0,
		model.FlowStepStatusProcessing: 1,
		model.FlowStepStatusPending:    2,
	}
	processing := 0
	for i, r := range records {
		assert.Equal(t, i+1, r.FlowOrder)
		if r.Status == model.FlowStepStatusProcessing {
			processing++
		}
		if i > 0 {
			assert.LessOrEqual(t, rank[records[i-1].Status], rank[r.Status], "step %d is %s after %s", r.FlowOrder, r.Status, records[i-1].Status)
		}
	}
	assert.LessOrEqual(t, processing, 1)
}

func initializedCard(t *testing.T, f *testutil.Fixture, svc *FlowService) *model.Card {
	t.Helper()
	card := f.NewCard(t)
	_, err := svc.InitializeCardFlow(context.Background(), card.ID, uuid.Nil)
	require.NoError(t, err)
	return f.ReloadCard(t, card.ID)
}

func TestFlowService_ThreeStepFlow(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newFlowService(f)
	ctx := context.Background()
	card := f.NewCard(t)

	initResult, err := svc.InitializeCardFlow(ctx, card.ID, f.Template.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, initResult.TotalSteps)
	assert.Equal(t, f.DeptA.ID, initResult.CurrentDepartment.ID)
	assert.Equal(t, f.DeptA.Name, initResult.CurrentDepartment.Name)

	card = f.ReloadCard(t, card.ID)
	assert.Equal(t, model.CardStatusInProgress, card.Status)
	assert.Equal(t, &f.DeptA.ID, card.CurrentDepartmentID)
	assert.Equal(t, 3, card.TotalFlowSteps)
	assert.Zero(t, card.CompletedFlowSteps)
	assert.NotNil(t, card.FlowStartedAt)

	ledger := f.Ledger(t, card.ID)
	require.Len(t, ledger, 3)
	assert.Equal(t, model.FlowStepStatusProcessing, ledger[0].Status)
	assert.NotNil(t, ledger[0].StartedAt)
	assert.Nil(t, ledger[1].StartedAt)
	assertLedgerShape(t, ledger)

	result, err := svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "looks good")
	require.NoError(t, err)
	assert.False(t, result.IsCompleted)
	assert.Equal(t, "Submitted to Quality", result.Message)
	require.NotNil(t, result.NextDepartment)
	assert.Equal(t, f.DeptB.ID, result.NextDepartment.ID)
	assert.Equal(t, &f.DeptB.ID, f.ReloadCard(t, card.ID).CurrentDepartmentID)
	assertLedgerShape(t, f.Ledger(t, card.ID))

	result, err = svc.SubmitToNextDepartment(ctx, f.UserB, card.ID, "")
	require.NoError(t, err)
	assert.Equal(t, f.DeptC.ID, result.NextDepartment.ID)
	assertLedgerShape(t, f.Ledger(t, card.ID))

	result, err = svc.SubmitToNextDepartment(ctx, f.UserC, card.ID, "")
	require.NoError(t, err)
	assert.True(t, result.IsCompleted)
	assert.Nil(t, result.NextDepartment)
	assert.Equal(t, "Flow completed", result.Message)

	card = f.ReloadCard(t, card.ID)
	assert.Equal(t, model.CardStatusCompleted, card.Status)
	assert.Equal(t, card.TotalFlowSteps, card.CompletedFlowSteps)
	assert.NotNil(t, card.FlowCompletedAt)

	ledger = f.Ledger(t, card.ID)
	for _, r := range ledger {
		assert.Equal(t, model.FlowStepStatusCompleted, r.Status)
		assert.NotNil(t, r.CompletedAt)
	}
	assert.Equal(t, &f.UserA.ID, ledger[0].ProcessedBy)
	require.NotNil(t, ledger[0].Notes)
	assert.Equal(t, "looks good", *ledger[0].Notes)
	assert.Nil(t, ledger[1].Notes)

	logs := f.Logs(t, card.ID)
	require.Len(t, logs, 3)
	assert.Equal(t, model.OperationSubmitToNext, logs[0].OperationType)
	assert.Equal(t, &f.DeptA.ID, logs[0].FromDepartmentID)
	assert.Equal(t, &f.DeptB.ID, logs[0].ToDepartmentID)
	assert.Equal(t, model.OperationSubmitToNext, logs[1].OperationType)
	assert.Equal(t, model.OperationComplete, logs[2].OperationType)
	assert.Nil(t, logs[2].ToDepartmentID)
}

func TestFlowService_InitializeCardFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("template without steps", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		f.SetFlow(t, f.Template.ID)
		card := f.NewCard(t)

		_, err := svc.InitializeCardFlow(ctx, card.ID, uuid.Nil)
		assert.True(t, IsConfigurationError(err))

		reloaded := f.ReloadCard(t, card.ID)
		assert.Equal(t, model.CardStatusDraft, reloaded.Status)
		assert.Nil(t, reloaded.CurrentDepartmentID)
		assert.Empty(t, f.Ledger(t, card.ID))
	})

	t.Run("reinitializing replaces the ledger", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)
		_, err := svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		require.NoError(t, err)

		_, err = svc.InitializeCardFlow(ctx, card.ID, uuid.Nil)
		require.NoError(t, err)

		ledger := f.Ledger(t, card.ID)
		require.Len(t, ledger, 3)
		assert.Equal(t, []model.FlowStepStatus{
			model.FlowStepStatusProcessing,
			model.FlowStepStatusPending,
			model.FlowStepStatusPending,
		}, statuses(ledger))
		reloaded := f.ReloadCard(t, card.ID)
		assert.Equal(t, &f.DeptA.ID, reloaded.CurrentDepartmentID)
		assert.Zero(t, reloaded.CompletedFlowSteps)
	})

	t.Run("unknown card", func(t *testing.T) {
		f := testutil.NewFixture(t)
		_, err := newFlowService(f).InitializeCardFlow(ctx, uuid.New(), uuid.Nil)
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("template of another card", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := f.NewCard(t)
		_, err := newFlowService(f).InitializeCardFlow(ctx, card.ID, uuid.New())
		assert.True(t, IsValidationError(err))
	})

	t.Run("administrative reinitialize", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)
		_, err := svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		require.NoError(t, err)

		_, err = svc.ReinitializeCardFlow(ctx, f.UserB, card.ID)
		assert.True(t, IsPermissionError(err))

		result, err := svc.ReinitializeCardFlow(ctx, f.Admin, card.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, result.TotalSteps)
		reloaded := f.ReloadCard(t, card.ID)
		assert.Equal(t, &f.DeptA.ID, reloaded.CurrentDepartmentID)
		assert.Zero(t, reloaded.CompletedFlowSteps)
	})

	t.Run("single step template", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		f.SetFlow(t, f.Template.ID, f.DeptB.ID)
		card := initializedCard(t, f, svc)

		step, err := svc.GetCurrentStep(ctx, card.ID)
		require.NoError(t, err)
		require.NotNil(t, step)
		assert.True(t, step.IsLast)

		result, err := svc.SubmitToNextDepartment(ctx, f.UserB, card.ID, "")
		require.NoError(t, err)
		assert.True(t, result.IsCompleted)
	})
}

func TestFlowService_StartCardFlow(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newFlowService(f)
	ctx := context.Background()
	card := f.NewCard(t)

	_, err := svc.StartCardFlow(ctx, f.UserA, card.ID)
	assert.True(t, IsPermissionError(err))

	result, err := svc.StartCardFlow(ctx, f.Admin, card.ID)
	require.NoError(t, err)
	assert.Equal(t, f.DeptA.ID, result.CurrentDepartment.ID)

	logs := f.Logs(t, card.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.OperationStartFlow, logs[0].OperationType)
	assert.Equal(t, &f.DeptA.ID, logs[0].ToDepartmentID)

	_, err = svc.StartCardFlow(ctx, f.Admin, card.ID)
	assert.True(t, IsStateError(err))
}

func TestFlowService_SubmitToNextDepartment_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("actor outside the current department", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)
		before := f.Ledger(t, card.ID)

		_, err := svc.SubmitToNextDepartment(ctx, f.UserB, card.ID, "")
		require.True(t, IsPermissionError(err))
		var svcErr *ServiceError
		require.ErrorAs(t, err, &svcErr)
		assert.Equal(t, f.DeptA.Name, svcErr.Details["currentStep"])

		assert.Equal(t, statuses(before), statuses(f.Ledger(t, card.ID)))
		assert.Equal(t, &f.DeptA.ID, f.ReloadCard(t, card.ID).CurrentDepartmentID)
		assert.Empty(t, f.Logs(t, card.ID))
	})

	t.Run("admin bypasses the department check", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)

		result, err := svc.SubmitToNextDepartment(ctx, f.Admin, card.ID, "")
		require.NoError(t, err)
		assert.Equal(t, f.DeptB.ID, result.NextDepartment.ID)
	})

	t.Run("draft card", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := f.NewCard(t)
		_, err := newFlowService(f).SubmitToNextDepartment(ctx, f.Admin, card.ID, "")
		assert.True(t, IsStateError(err))
	})

	t.Run("completed card", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		f.SetFlow(t, f.Template.ID, f.DeptA.ID)
		card := initializedCard(t, f, svc)
		_, err := svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		require.NoError(t, err)

		_, err = svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		assert.True(t, IsStateError(err))
	})

	t.Run("missing next step is a flow state error", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)
		require.NoError(t, f.DB.Where("card_id = ? AND flow_order = ?", card.ID, 2).Delete(&model.FlowStatus{}).Error)

		_, err := svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		assert.True(t, IsFlowStateError(err))
		assert.Equal(t, model.FlowStepStatusProcessing, f.Ledger(t, card.ID)[0].Status)
	})

	t.Run("missing current step is a flow state error", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)
		require.NoError(t, f.DB.Model(&model.FlowStatus{}).
			Where("card_id = ? AND flow_order = ?", card.ID, 1).
			Update("status", model.FlowStepStatusPending).Error)

		_, err := svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		assert.True(t, IsFlowStateError(err))
	})
}

func TestFlowService_ConcurrentSubmit(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newFlowService(f)
	card := initializedCard(t, f, svc)

	actors := []*auth.Actor{f.UserA, f.UserA2}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor *auth.Actor) {
			defer wg.Done()
			_, errs[i] = svc.SubmitToNextDepartment(context.Background(), actor, card.ID, "")
		}(i, actor)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, IsPermissionError(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	reloaded := f.ReloadCard(t, card.ID)
	assert.Equal(t, &f.DeptB.ID, reloaded.CurrentDepartmentID)
	assert.Equal(t, 1, reloaded.CompletedFlowSteps)
	assertLedgerShape(t, f.Ledger(t, card.ID))
	assert.Len(t, f.Logs(t, card.ID), 1)
}

func TestFlowService_Reject(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects at step two", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)
		_, err := svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
		require.NoError(t, err)

		result, err := svc.Reject(ctx, f.UserB, card.ID, "missing certificate")
		require.NoError(t, err)
		assert.NotEmpty(t, result.Message)

		reloaded := f.ReloadCard(t, card.ID)
		assert.Equal(t, model.CardStatusRejected, reloaded.Status)
		assert.NotNil(t, reloaded.FlowCompletedAt)

		ledger := f.Ledger(t, card.ID)
		assert.Equal(t, model.FlowStepStatusCompleted, ledger[1].Status)
		require.NotNil(t, ledger[1].Notes)
		assert.Equal(t, "missing certificate", *ledger[1].Notes)
		assert.Equal(t, &f.UserB.ID, ledger[1].ProcessedBy)
		assert.Equal(t, model.FlowStepStatusPending, ledger[2].Status)
		assert.Nil(t, ledger[2].StartedAt)

		logs := f.Logs(t, card.ID)
		require.Len(t, logs, 2)
		assert.Equal(t, model.OperationReject, logs[1].OperationType)
		assert.Equal(t, &f.DeptB.ID, logs[1].FromDepartmentID)
	})

	t.Run("notes are required", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)

		_, err := svc.Reject(ctx, f.UserA, card.ID, "   ")
		assert.True(t, IsValidationError(err))
		assert.Equal(t, model.CardStatusInProgress, f.ReloadCard(t, card.ID).Status)
	})

	t.Run("only the current department", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)

		_, err := svc.Reject(ctx, f.UserC, card.ID, "no")
		assert.True(t, IsPermissionError(err))
	})

	t.Run("card not in progress", func(t *testing.T) {
		f := testutil.NewFixture(t)
		card := f.NewCard(t)
		_, err := newFlowService(f).Reject(ctx, f.Admin, card.ID, "no")
		assert.True(t, IsStateError(err))
	})
}

func TestFlowService_Restart(t *testing.T) {
	ctx := context.Background()

	completedCard := func(t *testing.T, f *testutil.Fixture, svc *FlowService) *model.Card {
		card := initializedCard(t, f, svc)
		for _, actor := range []*auth.Actor{f.UserA, f.UserB, f.UserC} {
			_, err := svc.SubmitToNextDepartment(ctx, actor, card.ID, "")
			require.NoError(t, err)
		}
		return card
	}

	t.Run("restart at a chosen department", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := completedCard(t, f, svc)

		result, err := svc.Restart(ctx, f.Admin, card.ID, &f.DeptB.ID)
		require.NoError(t, err)
		assert.Equal(t, f.DeptB.ID, result.CurrentDepartment.ID)

		assert.Equal(t, []model.FlowStepStatus{
			model.FlowStepStatusPending,
			model.FlowStepStatusProcessing,
			model.FlowStepStatusPending,
		}, statuses(f.Ledger(t, card.ID)))
		for _, r := range f.Ledger(t, card.ID) {
			assert.Nil(t, r.CompletedAt)
			assert.Nil(t, r.ProcessedBy)
			assert.Nil(t, r.Notes)
		}

		reloaded := f.ReloadCard(t, card.ID)
		assert.Equal(t, model.CardStatusInProgress, reloaded.Status)
		assert.Equal(t, &f.DeptB.ID, reloaded.CurrentDepartmentID)
		assert.Nil(t, reloaded.FlowCompletedAt)
		assert.Zero(t, reloaded.CompletedFlowSteps)

		logs := f.Logs(t, card.ID)
		last := logs[len(logs)-1]
		assert.Equal(t, model.OperationRestart, last.OperationType)
		assert.Equal(t, &f.DeptB.ID, last.ToDepartmentID)

		// The restarted flow runs to completion from DeptB.
		_, err = svc.SubmitToNextDepartment(ctx, f.UserB, card.ID, "")
		require.NoError(t, err)
		done, err := svc.SubmitToNextDepartment(ctx, f.UserC, card.ID, "")
		require.NoError(t, err)
		assert.True(t, done.IsCompleted)
	})

	t.Run("restart without a target starts at the first step", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)
		_, err := svc.Reject(ctx, f.UserA, card.ID, "wrong supplier")
		require.NoError(t, err)

		result, err := svc.Restart(ctx, f.Admin, card.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, f.DeptA.ID, result.CurrentDepartment.ID)
		assertLedgerShape(t, f.Ledger(t, card.ID))
	})

	t.Run("repeated department resumes at its first step", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		f.SetFlow(t, f.Template.ID, f.DeptA.ID, f.DeptB.ID, f.DeptA.ID)
		card := initializedCard(t, f, svc)
		for _, actor := range []*auth.Actor{f.UserA, f.UserB, f.UserA} {
			_, err := svc.SubmitToNextDepartment(ctx, actor, card.ID, "")
			require.NoError(t, err)
		}

		_, err := svc.Restart(ctx, f.Admin, card.ID, &f.DeptA.ID)
		require.NoError(t, err)

		step, err := svc.GetCurrentStep(ctx, card.ID)
		require.NoError(t, err)
		require.NotNil(t, step)
		assert.Equal(t, 1, step.FlowOrder)
	})

	t.Run("non-admin", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := completedCard(t, f, svc)

		_, err := svc.Restart(ctx, f.UserA, card.ID, nil)
		assert.True(t, IsPermissionError(err))
		assert.Equal(t, model.CardStatusCompleted, f.ReloadCard(t, card.ID).Status)
	})

	t.Run("card still in progress", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := initializedCard(t, f, svc)

		_, err := svc.Restart(ctx, f.Admin, card.ID, nil)
		assert.True(t, IsStateError(err))
	})

	t.Run("department outside the flow", func(t *testing.T) {
		f := testutil.NewFixture(t)
		svc := newFlowService(f)
		card := completedCard(t, f, svc)
		other := model.Department{Name: "Legal"}
		require.NoError(t, f.DB.Create(&other).Error)

		_, err := svc.Restart(ctx, f.Admin, card.ID, &other.ID)
		assert.True(t, IsValidationError(err))
		assert.Equal(t, model.CardStatusCompleted, f.ReloadCard(t, card.ID).Status)
	})
}

func TestFlowService_Queries(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newFlowService(f)
	ctx := context.Background()

	draft := f.NewCard(t)
	step, err := svc.GetCurrentStep(ctx, draft.ID)
	require.NoError(t, err)
	assert.Nil(t, step)

	card := initializedCard(t, f, svc)
	_, err = svc.SubmitToNextDepartment(ctx, f.UserA, card.ID, "")
	require.NoError(t, err)

	step, err = svc.GetCurrentStep(ctx, card.ID)
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, 2, step.FlowOrder)
	assert.Equal(t, f.DeptB.ID, step.DepartmentID)
	assert.Equal(t, f.DeptB.Name, step.DepartmentName)
	assert.False(t, step.IsLast)
	assert.Equal(t, 3, step.TotalSteps)

	t.Run("flow status", func(t *testing.T) {
		status, err := svc.GetFlowStatus(ctx, f.UserB, card.ID)
		require.NoError(t, err)
		assert.True(t, status.IsCurrentProcessor)
		assert.Len(t, status.Steps, 3)
		assert.Len(t, status.History, 1)
		require.NotNil(t, status.CurrentStep)
		assert.Equal(t, 2, status.CurrentStep.FlowOrder)

		status, err = svc.GetFlowStatus(ctx, f.UserA, card.ID)
		require.NoError(t, err)
		assert.False(t, status.IsCurrentProcessor)
	})

	t.Run("pending cards", func(t *testing.T) {
		pending, err := svc.GetPendingCards(ctx, f.UserB, nil, nil)
		require.NoError(t, err)
		require.Equal(t, int64(1), pending.TotalCount)
		assert.Equal(t, card.ID, pending.Items[0].Card.ID)
		assert.Equal(t, 1, pending.Items[0].CompletedCount)
		assert.Equal(t, 3, pending.Items[0].TotalSteps)

		pending, err = svc.GetPendingCards(ctx, f.UserA, nil, nil)
		require.NoError(t, err)
		assert.Zero(t, pending.TotalCount)

		pending, err = svc.GetPendingCards(ctx, f.Admin, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending.TotalCount)
	})

	t.Run("history", func(t *testing.T) {
		history, err := svc.GetFlowHistory(ctx, f.UserC, model.HistoryFilter{})
		require.NoError(t, err)
		assert.Zero(t, history.TotalCount)

		history, err = svc.GetFlowHistory(ctx, f.UserB, model.HistoryFilter{CardID: &card.ID})
		require.NoError(t, err)
		require.Equal(t, int64(1), history.TotalCount)
		assert.Equal(t, model.OperationSubmitToNext, history.Items[0].OperationType)
		require.NotNil(t, history.Items[0].ToDepartment)
		assert.Equal(t, f.DeptB.Name, history.Items[0].ToDepartment.Name)

		history, err = svc.GetFlowHistory(ctx, f.Admin, model.HistoryFilter{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), history.TotalCount)
	})
}

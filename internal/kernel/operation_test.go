package kernel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cogkernel/internal/episodic"
	"cogkernel/internal/model"
)

func TestDispatchRejectsAnOutOfRangeOperation(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Dispatch(context.Background(), Request{Op: Operation(999)})
	require.Error(t, err)
}

func TestDispatchRememberAndRecall(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	projectID, err := k.ResolveProject(ctx, "p1")
	require.NoError(t, err)

	rec, err := k.Episodic.RecordEvent(ctx, projectID, model.Event{
		CreatedAt: time.Now(),
		Content:   "observed the CLI printing JSON",
		Kind:      model.EventMessage,
		Outcome:   model.OutcomeSuccess,
	})
	require.NoError(t, err)

	_, err = k.Dispatch(ctx, Request{
		Op:        OpRemember,
		ProjectID: projectID,
		Remember:  &RememberParams{Statement: "the CLI defaults to JSON output", Domain: "cli", SourceEventIDs: []int64{rec.ID}, Confidence: 0.9},
	})
	require.NoError(t, err)

	result, err := k.Dispatch(ctx, Request{
		Op:        OpRecall,
		ProjectID: projectID,
		Recall:    &RecallParams{Query: "CLI output", Limit: 10},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	require.NotNil(t, result.Pagination)
}

func TestDispatchRecallPaginatesOverRecallResults(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	projectID, err := k.ResolveProject(ctx, "p-paginate")
	require.NoError(t, err)

	rec, err := k.Episodic.RecordEvent(ctx, projectID, model.Event{
		CreatedAt: time.Now(),
		Content:   "observed paginated recall",
		Kind:      model.EventMessage,
		Outcome:   model.OutcomeSuccess,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := k.Dispatch(ctx, Request{
			Op:        OpRemember,
			ProjectID: projectID,
			Remember:  &RememberParams{Statement: fmt.Sprintf("fact about pagination behavior %d", i), Domain: "test", SourceEventIDs: []int64{rec.ID}, Confidence: 0.9},
		})
		require.NoError(t, err)
	}

	result, err := k.Dispatch(ctx, Request{
		Op:        OpRecall,
		ProjectID: projectID,
		Recall:    &RecallParams{Query: "pagination", Limit: 2, Offset: 0},
	})
	require.NoError(t, err)
	require.True(t, result.Pagination.HasMore)
	require.Equal(t, 2, result.Pagination.Limit)
}

func TestDispatchRecordAndRecallEvents(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	projectID, err := k.ResolveProject(ctx, "p-events")
	require.NoError(t, err)

	event := model.Event{
		CreatedAt: time.Now(),
		Content:   "ran go test ./...",
		Kind:      model.EventToolUse,
		Outcome:   model.OutcomeSuccess,
	}
	_, err = k.Dispatch(ctx, Request{
		Op:          OpRecordEvent,
		ProjectID:   projectID,
		RecordEvent: &RecordEventParams{Event: event},
	})
	require.NoError(t, err)

	result, err := k.Dispatch(ctx, Request{
		Op:           OpRecallEvents,
		ProjectID:    projectID,
		RecallEvents: &RecallEventsParams{Filters: episodic.RecallFilters{}, Limit: 10},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
}

func TestDispatchRecordEventsBatch(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	projectID, err := k.ResolveProject(ctx, "p-batch")
	require.NoError(t, err)

	events := []model.Event{
		{CreatedAt: time.Now(), Content: "a", Kind: model.EventMessage, Outcome: model.OutcomeUnknown},
		{CreatedAt: time.Now(), Content: "b", Kind: model.EventMessage, Outcome: model.OutcomeUnknown},
	}
	result, err := k.Dispatch(ctx, Request{
		Op:           OpRecordEvents,
		ProjectID:    projectID,
		RecordEvents: &RecordEventsParams{Events: events},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
}

func TestDispatchProcedureLifecycle(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	projectID, err := k.ResolveProject(ctx, "p-proc")
	require.NoError(t, err)

	createResult, err := k.Dispatch(ctx, Request{
		Op:        OpCreateProcedure,
		ProjectID: projectID,
		CreateProcedure: &CreateProcedureParams{
			Name:     "deploy service",
			Category: "ops",
			Steps:    []model.Step{{Action: "build"}, {Action: "push"}},
		},
	})
	require.NoError(t, err)
	proc := createResult.Data.(model.Procedure)

	_, err = k.Dispatch(ctx, Request{
		Op:        OpFindProcedures,
		ProjectID: projectID,
		FindProcedures: &FindProceduresParams{Query: "deploy", Category: "ops"},
	})
	require.NoError(t, err)

	execResult, err := k.Dispatch(ctx, Request{
		Op: OpRecordExecution,
		RecordExecution: &RecordExecutionParams{
			ProcedureID: proc.ID,
			Outcome:     model.OutcomeSuccess,
			DurationMs:  120,
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, execResult.Status)
}

func TestDispatchTaskLifecycle(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	projectID, err := k.ResolveProject(ctx, "p-tasks")
	require.NoError(t, err)

	createResult, err := k.Dispatch(ctx, Request{
		Op:        OpCreateTask,
		ProjectID: projectID,
		CreateTask: &CreateTaskParams{
			Content:  "ship the release",
			Priority: model.PriorityHigh,
		},
	})
	require.NoError(t, err)
	task := createResult.Data.(model.Task)

	readyResult, err := k.Dispatch(ctx, Request{
		Op:         OpReadyTasks,
		ProjectID:  projectID,
		ReadyTasks: &ReadyTasksParams{},
	})
	require.NoError(t, err)
	require.Equal(t, StatusOK, readyResult.Status)

	_, err = k.Dispatch(ctx, Request{
		Op:        OpTransitionTask,
		ProjectID: projectID,
		TransitionTask: &TransitionTaskParams{
			TaskID:    task.ID,
			NewStatus: model.TaskRunning,
		},
	})
	require.NoError(t, err)

	_, err = k.Dispatch(ctx, Request{
		Op:           OpCriticalPath,
		ProjectID:    projectID,
		CriticalPath: &CriticalPathParams{GoalID: task.ID},
	})
	require.NoError(t, err)
}

func TestDispatchConsolidateQualitySummaryAndAlerts(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	projectID, err := k.ResolveProject(ctx, "p-maint")
	require.NoError(t, err)

	_, err = k.Dispatch(ctx, Request{
		Op:          OpConsolidate,
		ProjectID:   projectID,
		Consolidate: &ConsolidateParams{Strategy: "minimal"},
	})
	require.NoError(t, err)

	_, err = k.Meta.SampleOnce(ctx, projectID)
	require.NoError(t, err)

	_, err = k.Dispatch(ctx, Request{
		Op:             OpQualitySummary,
		ProjectID:      projectID,
		QualitySummary: &QualitySummaryParams{},
	})
	require.NoError(t, err)

	_, err = k.Dispatch(ctx, Request{
		Op:        OpAlerts,
		ProjectID: projectID,
		Alerts:    &AlertsParams{},
	})
	require.NoError(t, err)
}

func TestDispatchRejectsMissingParams(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.Dispatch(context.Background(), Request{Op: OpRemember})
	require.Error(t, err)
}

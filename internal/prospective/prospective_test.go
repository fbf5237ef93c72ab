package prospective

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
	"cogkernel/internal/episodic"
	"cogkernel/internal/errkind"
	"cogkernel/internal/model"
	"cogkernel/internal/store"
)

const testProject = int64(1)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.StoreConfig{
		DatabasePath: filepath.Join(dir, "cogkernel.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	}
	s, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return New(s)
}

func TestCreateTaskPersists(t *testing.T) {
	l := newTestLayer(t)
	task, err := l.CreateTask(context.Background(), testProject, "write report", model.PriorityHigh, nil, nil, 30)
	require.NoError(t, err)
	assert.NotZero(t, task.ID)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, model.PriorityHigh, task.Priority)
}

func TestAddDependencyRejectsSelfDependency(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	task, err := l.CreateTask(ctx, testProject, "solo", model.PriorityLow, nil, nil, 5)
	require.NoError(t, err)

	conn, err := l.store.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	err = l.addDependency(ctx, conn.DB, testProject, task.ID, task.ID)
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.Of(err))
}

func TestCreateTaskRejectsCycle(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	a, err := l.CreateTask(ctx, testProject, "a", model.PriorityMedium, nil, nil, 10)
	require.NoError(t, err)
	b, err := l.CreateTask(ctx, testProject, "b", model.PriorityMedium, nil, []int64{a.ID}, 10)
	require.NoError(t, err)

	// creating c depending on b is fine...
	c, err := l.CreateTask(ctx, testProject, "c", model.PriorityMedium, nil, []int64{b.ID}, 10)
	require.NoError(t, err)

	// ...but making a depend on c would close the loop a -> b -> c -> a.
	conn, err := l.store.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()
	err = l.addDependency(ctx, conn.DB, testProject, a.ID, c.ID)
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.Of(err))
}

func TestTransitionValidPath(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	task, err := l.CreateTask(ctx, testProject, "run me", model.PriorityMedium, nil, nil, 10)
	require.NoError(t, err)

	updated, err := l.Transition(ctx, testProject, task.ID, model.TaskRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, updated.Status)

	updated, err = l.Transition(ctx, testProject, task.ID, model.TaskCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, updated.Status)
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	task, err := l.CreateTask(ctx, testProject, "run me", model.PriorityMedium, nil, nil, 10)
	require.NoError(t, err)

	_, err = l.Transition(ctx, testProject, task.ID, model.TaskCompleted, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.Of(err))
}

func TestTransitionRejectsLeavingTerminalState(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	task, err := l.CreateTask(ctx, testProject, "run me", model.PriorityMedium, nil, nil, 10)
	require.NoError(t, err)

	_, err = l.Transition(ctx, testProject, task.ID, model.TaskCancelled, nil)
	require.NoError(t, err)

	_, err = l.Transition(ctx, testProject, task.ID, model.TaskPending, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.Of(err))
}

func TestTransitionRunningRequiresAllDependenciesCompleted(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	dep, err := l.CreateTask(ctx, testProject, "dependency", model.PriorityMedium, nil, nil, 10)
	require.NoError(t, err)
	task, err := l.CreateTask(ctx, testProject, "dependent", model.PriorityMedium, nil, []int64{dep.ID}, 10)
	require.NoError(t, err)

	_, err = l.Transition(ctx, testProject, task.ID, model.TaskRunning, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.Of(err))

	_, err = l.Transition(ctx, testProject, dep.ID, model.TaskRunning, nil)
	require.NoError(t, err)
	_, err = l.Transition(ctx, testProject, dep.ID, model.TaskCompleted, nil)
	require.NoError(t, err)

	updated, err := l.Transition(ctx, testProject, task.ID, model.TaskRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, updated.Status)
}

func TestReadyTasksOrdersByPriorityThenDeadlineThenCreated(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	_, err := l.CreateTask(ctx, testProject, "low", model.PriorityLow, nil, nil, 5)
	require.NoError(t, err)
	_, err = l.CreateTask(ctx, testProject, "critical", model.PriorityCritical, nil, nil, 5)
	require.NoError(t, err)
	_, err = l.CreateTask(ctx, testProject, "high", model.PriorityHigh, nil, nil, 5)
	require.NoError(t, err)

	ready, err := l.ReadyTasks(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, "critical", ready[0].Content)
	assert.Equal(t, "high", ready[1].Content)
	assert.Equal(t, "low", ready[2].Content)
}

func TestReadyTasksExcludesBlockedOnIncompleteDependency(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	dep, err := l.CreateTask(ctx, testProject, "dependency", model.PriorityMedium, nil, nil, 5)
	require.NoError(t, err)
	_, err = l.CreateTask(ctx, testProject, "blocked", model.PriorityMedium, nil, []int64{dep.ID}, 5)
	require.NoError(t, err)

	ready, err := l.ReadyTasks(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "dependency", ready[0].Content)
}

func TestCriticalPathFindsLongestEffortChain(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	leaf, err := l.CreateTask(ctx, testProject, "leaf", model.PriorityMedium, nil, nil, 10)
	require.NoError(t, err)
	shortLeaf, err := l.CreateTask(ctx, testProject, "short-leaf", model.PriorityMedium, nil, nil, 1)
	require.NoError(t, err)
	mid, err := l.CreateTask(ctx, testProject, "mid", model.PriorityMedium, nil, []int64{leaf.ID, shortLeaf.ID}, 20)
	require.NoError(t, err)
	goal, err := l.CreateTask(ctx, testProject, "goal", model.PriorityMedium, nil, []int64{mid.ID}, 5)
	require.NoError(t, err)

	path, err := l.CriticalPath(ctx, goal.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{leaf.ID, mid.ID, goal.ID}, path)
}

func TestTransitionRecordsAuditEvent(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	task, err := l.CreateTask(ctx, testProject, "audited", model.PriorityMedium, nil, nil, 10)
	require.NoError(t, err)

	recorder, err := episodic.New(l.store, nil)
	require.NoError(t, err)

	_, err = l.Transition(ctx, testProject, task.ID, model.TaskRunning, recorder)
	require.NoError(t, err)

	page, err := recorder.RecallEvents(ctx, testProject, episodic.RecallFilters{Kind: model.EventSystem}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Contains(t, page.Events[0].Content, "transitioned")
}

package procedural

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
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

	return New(s, nil)
}

func sampleSteps() []model.Step {
	return []model.Step{{Action: "run_tests", ParamsTemplate: map[string]string{"cmd": "go test ./..."}}}
}

func TestCreateProcedurePersists(t *testing.T) {
	l := newTestLayer(t)
	proc, err := l.CreateProcedure(context.Background(), testProject, "deploy", "ops", sampleSteps(), nil, nil)
	require.NoError(t, err)
	assert.NotZero(t, proc.ID)
	assert.Equal(t, "deploy", proc.Name)
	assert.Equal(t, int64(1), proc.Version)
}

func TestFindProceduresRanksBySuccessRateWithoutEmbedder(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	good, err := l.CreateProcedure(ctx, testProject, "reliable", "ops", sampleSteps(), nil, nil)
	require.NoError(t, err)
	bad, err := l.CreateProcedure(ctx, testProject, "flaky", "ops", sampleSteps(), nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.RecordExecution(ctx, good.ID, model.OutcomeSuccess, 100)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := l.RecordExecution(ctx, bad.ID, model.OutcomeFailure, 100)
		require.NoError(t, err)
	}

	ranked, err := l.FindProcedures(ctx, testProject, "", "ops")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, good.ID, ranked[0].Procedure.ID)
}

func TestRecordExecutionFlagsUnderperforming(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	proc, err := l.CreateProcedure(ctx, testProject, "shaky", "ops", sampleSteps(), nil, nil)
	require.NoError(t, err)

	var underperforming bool
	for i := 0; i < 5; i++ {
		underperforming, err = l.RecordExecution(ctx, proc.ID, model.OutcomeFailure, 50)
		require.NoError(t, err)
	}
	assert.True(t, underperforming)
}

func TestRecordExecutionComputesRunningMeanDuration(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	proc, err := l.CreateProcedure(ctx, testProject, "timed", "ops", sampleSteps(), nil, nil)
	require.NoError(t, err)

	_, err = l.RecordExecution(ctx, proc.ID, model.OutcomeSuccess, 100)
	require.NoError(t, err)
	_, err = l.RecordExecution(ctx, proc.ID, model.OutcomeSuccess, 200)
	require.NoError(t, err)

	ranked, err := l.FindProcedures(ctx, testProject, "", "ops")
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.InDelta(t, 150, ranked[0].Procedure.AvgDurationMs, 1e-9)
	assert.Equal(t, int64(2), ranked[0].Procedure.ExecutionCount)
}

func TestRecordExecutionUnknownProcedureReturnsNotFound(t *testing.T) {
	l := newTestLayer(t)
	_, err := l.RecordExecution(context.Background(), 9999, model.OutcomeSuccess, 1)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestVersionsAndRollbackRoundTrip(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	proc, err := l.CreateProcedure(ctx, testProject, "versioned", "ops", sampleSteps(), map[string]string{"v": "1"}, nil)
	require.NoError(t, err)

	versions, err := l.Versions(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, versions)

	updated, err := l.UpdateSteps(ctx, proc.ID, []model.Step{{Action: "new_step"}}, map[string]string{"v": "2"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "new_step", updated.Steps[0].Action)

	versions, err = l.Versions(ctx, proc.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, versions)

	rolled, err := l.Rollback(ctx, proc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rolled.Version)
	assert.Equal(t, "run_tests", rolled.Steps[0].Action)
}

func TestRollbackUnknownVersionReturnsNotFound(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	proc, err := l.CreateProcedure(ctx, testProject, "norollback", "ops", sampleSteps(), nil, nil)
	require.NoError(t, err)

	_, err = l.Rollback(ctx, proc.ID, 99)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

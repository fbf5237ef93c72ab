package semantic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
	"cogkernel/internal/errkind"
	"cogkernel/internal/store"
	"cogkernel/internal/verification"
)

const testProject = int64(1)

func newTestLayer(t *testing.T) (*Layer, *store.Store) {
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

	return New(s, nil, DefaultTuning()), s
}

func insertEvent(t *testing.T, s *store.Store, content string) int64 {
	t.Helper()
	conn, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	res, err := conn.DB.ExecContext(context.Background(), `
		INSERT INTO events (project_id, content, kind, outcome, content_hash) VALUES (?, ?, 'message', 'success', ?)
	`, testProject, content, content)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestRememberRejectsEmptySourceEvents(t *testing.T) {
	l, _ := newTestLayer(t)
	_, err := l.Remember(context.Background(), testProject, "the sky is blue", "physics", nil, 0.8)
	require.Error(t, err)
	assert.Equal(t, errkind.Validation, errkind.Of(err))
}

func TestRememberRejectsNonexistentSourceEvent(t *testing.T) {
	l, _ := newTestLayer(t)
	_, err := l.Remember(context.Background(), testProject, "the sky is blue", "physics", []int64{999}, 0.8)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestRememberWithGatewayRejectsOutOfBoundsConfidence(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "observed blue sky")
	l.SetGateway(verification.NewGateway(nil))

	_, err := l.Remember(context.Background(), testProject, "the sky is blue", "physics", []int64{eventID}, 1.5)
	require.Error(t, err)
}

func TestRememberWithGatewayPassesValidCandidate(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "observed blue sky")
	l.SetGateway(verification.NewGateway(nil))

	fact, err := l.Remember(context.Background(), testProject, "the sky is blue", "physics", []int64{eventID}, 0.7)
	require.NoError(t, err)
	assert.NotZero(t, fact.ID)
}

func TestRememberPersistsFact(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "observed blue sky")

	fact, err := l.Remember(context.Background(), testProject, "the sky is blue", "physics", []int64{eventID}, 0.7)
	require.NoError(t, err)
	assert.NotZero(t, fact.ID)
	assert.Equal(t, "the sky is blue", fact.Statement)
	assert.InDelta(t, 0.7, fact.Confidence, 1e-9)
}

func TestRecallExcludesBelowConfidenceFloor(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "low confidence observation")

	_, err := l.Remember(context.Background(), testProject, "sky is blue", "physics", []int64{eventID}, 0.1)
	require.NoError(t, err)

	results, err := l.Recall(context.Background(), testProject, "sky", "", 10, false)
	require.NoError(t, err)
	assert.Empty(t, results)

	resultsIncluding, err := l.Recall(context.Background(), testProject, "sky", "", 10, true)
	require.NoError(t, err)
	assert.NotEmpty(t, resultsIncluding)
}

func TestReinforceIncreasesConfidenceAndClamps(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "confirming observation")

	fact, err := l.Remember(context.Background(), testProject, "water boils at 100C", "physics", []int64{eventID}, 0.95)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		fact, err = l.Reinforce(context.Background(), fact.ID, eventID)
		require.NoError(t, err)
		assert.LessOrEqual(t, fact.Confidence, 1.0)
	}
	assert.InDelta(t, 1.0, fact.Confidence, 1e-9)
}

func TestContradictDecreasesConfidenceAndClamps(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "conflicting observation")

	fact, err := l.Remember(context.Background(), testProject, "pigs fly", "biology", []int64{eventID}, 0.2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		fact, err = l.Contradict(context.Background(), fact.ID, eventID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, fact.Confidence, 0.0)
	}
	assert.InDelta(t, 0.0, fact.Confidence, 1e-9)
}

func TestAlternatingReinforceContradictStaysInBoundsAndMonotone(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "mixed signal observation")

	fact, err := l.Remember(context.Background(), testProject, "mixed evidence claim", "misc", []int64{eventID}, 0.5)
	require.NoError(t, err)

	// net signed count: +1,+1,-1,+1,-1,+1 => net +2 supports
	sequence := []bool{true, true, false, true, false, true}
	netSigned := 0
	var prevConfidence *float64
	for _, support := range sequence {
		before := fact.Confidence
		if support {
			fact, err = l.Reinforce(context.Background(), fact.ID, eventID)
			netSigned++
		} else {
			fact, err = l.Contradict(context.Background(), fact.ID, eventID)
			netSigned--
		}
		require.NoError(t, err)
		if support {
			assert.GreaterOrEqual(t, fact.Confidence, before)
		} else {
			assert.LessOrEqual(t, fact.Confidence, before)
		}
		assert.GreaterOrEqual(t, fact.Confidence, 0.0)
		assert.LessOrEqual(t, fact.Confidence, 1.0)
		prevConfidence = &fact.Confidence
	}
	assert.NotNil(t, prevConfidence)
	assert.Greater(t, netSigned, 0)
}

func TestForgetExcludesFactFromRecall(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "forgettable observation")

	fact, err := l.Remember(context.Background(), testProject, "forget this fact", "misc", []int64{eventID}, 0.9)
	require.NoError(t, err)

	require.NoError(t, l.Forget(context.Background(), fact.ID))

	results, err := l.Recall(context.Background(), testProject, "forget", "", 10, true)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, fact.ID, r.Fact.ID)
	}
}

func TestForgetNonexistentFactReturnsNotFound(t *testing.T) {
	l, _ := newTestLayer(t)
	err := l.Forget(context.Background(), 9999)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestRecallRespectsDomainFilter(t *testing.T) {
	l, s := newTestLayer(t)
	eventID := insertEvent(t, s, "domain observation")

	_, err := l.Remember(context.Background(), testProject, "domain scoped fact", "chemistry", []int64{eventID}, 0.9)
	require.NoError(t, err)

	results, err := l.Recall(context.Background(), testProject, "domain", "physics", 10, true)
	require.NoError(t, err)
	assert.Empty(t, results)

	results2, err := l.Recall(context.Background(), testProject, "domain", "chemistry", 10, true)
	require.NoError(t, err)
	assert.NotEmpty(t, results2)
}

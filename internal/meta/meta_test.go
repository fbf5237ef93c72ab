package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
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

	l, err := New(s, prometheus.NewRegistry())
	require.NoError(t, err)
	return l
}

func seedEvent(t *testing.T, l *Layer, state string) {
	t.Helper()
	conn, err := l.store.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.DB.Exec(`
		INSERT INTO events (project_id, content, kind, outcome, content_hash, consolidation_state)
		VALUES (?, ?, 'observation', 'success', ?, ?)
	`, testProject, "note", "hash-"+state+"-"+time.Now().String(), state)
	require.NoError(t, err)
}

func seedFact(t *testing.T, l *Layer, domain string, reinforcedAt time.Time) {
	t.Helper()
	conn, err := l.store.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.DB.Exec(`
		INSERT INTO facts (project_id, statement, domain, confidence, last_reinforced_at)
		VALUES (?, ?, ?, 0.9, ?)
	`, testProject, domain+" statement", domain, reinforcedAt)
	require.NoError(t, err)
}

func seedRelation(t *testing.T, l *Layer, from, to int64, weight float64) {
	t.Helper()
	conn, err := l.store.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.DB.Exec(`
		INSERT INTO entities (id, project_id, name, kind) VALUES (?, ?, ?, 'thing')
		ON CONFLICT(project_id, name, kind) DO NOTHING
	`, from, testProject, "e"+itoa(from))
	require.NoError(t, err)
	_, err = conn.DB.Exec(`
		INSERT INTO entities (id, project_id, name, kind) VALUES (?, ?, ?, 'thing')
		ON CONFLICT(project_id, name, kind) DO NOTHING
	`, to, testProject, "e"+itoa(to))
	require.NoError(t, err)
	_, err = conn.DB.Exec(`
		INSERT INTO relations (project_id, from_id, to_id, kind, weight) VALUES (?, ?, ?, 'related', ?)
	`, testProject, from, to, weight)
	require.NoError(t, err)
}

func itoa(v int64) string {
	digits := "0123456789"
	if v == 0 {
		return "0"
	}
	var out []byte
	for v > 0 {
		out = append([]byte{digits[v%10]}, out...)
		v /= 10
	}
	return string(out)
}

func TestSampleOnceComputesDensityFromFactsToEvents(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	seedEvent(t, l, "sealed")
	seedEvent(t, l, "sealed")
	seedFact(t, l, "alpha", time.Now())
	seedFact(t, l, "beta", time.Now())

	summary, err := l.SampleOnce(ctx, testProject)
	require.NoError(t, err)
	assert.Greater(t, summary.Density, 0.0)
	assert.Less(t, summary.Density, 1.0)
}

func TestSampleOnceCoverageCountsDomainsActiveInWindow(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	seedFact(t, l, "alpha", time.Now())
	seedFact(t, l, "beta", time.Now().Add(-30*24*time.Hour)) // outside the 7-day window

	summary, err := l.SampleOnce(ctx, testProject)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, summary.Coverage, 0.001)
}

func TestSampleOnceCoherenceAveragesRelationWeight(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	seedRelation(t, l, 1, 2, 0.8)
	seedRelation(t, l, 2, 3, 0.4)

	summary, err := l.SampleOnce(ctx, testProject)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, summary.Coherence, 0.001)
}

func TestSampleOnceSaturationCountsUnsealedEvents(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedEvent(t, l, "unsealed")
	}
	seedEvent(t, l, "sealed")

	summary, err := l.SampleOnce(ctx, testProject)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/7.0, summary.Saturation, 0.001)
}

func TestRecordRetrievalScoreFeedsRecallProxy(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	require.NoError(t, l.RecordRetrievalScore(ctx, testProject, 0.9))
	require.NoError(t, l.RecordRetrievalScore(ctx, testProject, 0.7))

	summary, err := l.SampleOnce(ctx, testProject)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, summary.RecallProxy, 0.001)
}

func TestLatestReturnsMostRecentSample(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()

	_, err := l.Latest(ctx, testProject)
	assert.Error(t, err)

	_, err = l.SampleOnce(ctx, testProject)
	require.NoError(t, err)

	latest, err := l.Latest(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, testProject, latest.ProjectID)
}

func TestAlertsFiresOnSustainedHighSaturation(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()
	conn, err := l.store.Acquire(ctx)
	require.NoError(t, err)

	now := time.Now()
	insertSample := func(at time.Time, saturation float64) {
		_, err := conn.DB.Exec(`
			INSERT INTO quality_records (project_id, layer, sampled_at, density, coverage, coherence, recall_proxy, saturation)
			VALUES (?, 'aggregate', ?, 0, 0, 0, 0, ?)
		`, testProject, at, saturation)
		require.NoError(t, err)
	}

	insertSample(now.Add(-20*time.Minute), 0.9)
	insertSample(now.Add(-15*time.Minute), 0.85)
	insertSample(now.Add(-5*time.Minute), 0.95)
	insertSample(now, 0.9)
	conn.Release()

	alerts, err := l.Alerts(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "saturation_sustained_high", alerts[0].Kind)
}

func TestAlertsSkipsWhenSaturationDipsBeforeSustainWindow(t *testing.T) {
	l := newTestLayer(t)
	ctx := context.Background()
	conn, err := l.store.Acquire(ctx)
	require.NoError(t, err)

	now := time.Now()
	insertSample := func(at time.Time, saturation float64) {
		_, err := conn.DB.Exec(`
			INSERT INTO quality_records (project_id, layer, sampled_at, density, coverage, coherence, recall_proxy, saturation)
			VALUES (?, 'aggregate', ?, 0, 0, 0, 0, ?)
		`, testProject, at, saturation)
		require.NoError(t, err)
	}

	insertSample(now.Add(-20*time.Minute), 0.9)
	insertSample(now.Add(-15*time.Minute), 0.3) // breaks the run before 10 minutes elapse
	insertSample(now.Add(-2*time.Minute), 0.9)
	insertSample(now, 0.9)
	conn.Release()

	alerts, err := l.Alerts(ctx, testProject)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

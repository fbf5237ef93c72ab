package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
	"cogkernel/internal/episodic"
	"cogkernel/internal/graph"
	"cogkernel/internal/procedural"
	"cogkernel/internal/semantic"
	"cogkernel/internal/store"
)

const testProject = int64(1)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), config.StoreConfig{
		DatabasePath: filepath.Join(dir, "cogkernel.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	semanticLayer := semantic.New(s, nil, semantic.DefaultTuning())
	proceduralLayer := procedural.New(s, nil)
	episodicLayer, err := episodic.New(s, nil)
	require.NoError(t, err)
	graphLayer, err := graph.New(context.Background(), s)
	require.NoError(t, err)

	return New(semanticLayer, proceduralLayer, episodicLayer, graphLayer, nil), s
}

func TestSmartRetrieveStrategyPicksFactsOnlyForShortQueries(t *testing.T) {
	require.Equal(t, StrategyFactsOnly, smartRetrieveStrategy("lint"))
	require.Equal(t, StrategyFactsOnly, smartRetrieveStrategy("run tests"))
}

func TestSmartRetrieveStrategyPicksFullForEntityBearingQueries(t *testing.T) {
	require.Equal(t, StrategyFull, smartRetrieveStrategy("what does the PaymentService depend on today"))
}

func TestSmartRetrieveStrategySkipsGraphForPlainLongQueries(t *testing.T) {
	require.Equal(t, StrategyNoGraph, smartRetrieveStrategy("what happened during the last deployment run"))
}

func TestRecallDegradesGracefullyWithNoData(t *testing.T) {
	engine, _ := newTestEngine(t)

	result, err := engine.Recall(context.Background(), testProject, "what does the PaymentService do", RecallOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Facts)
	require.False(t, result.CacheHit)
}

func TestRecallServesSecondCallFromCache(t *testing.T) {
	engine, _ := newTestEngine(t)

	first, err := engine.Recall(context.Background(), testProject, "deploy pipeline status", RecallOptions{})
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := engine.Recall(context.Background(), testProject, "deploy pipeline status", RecallOptions{})
	require.NoError(t, err)
	require.True(t, second.CacheHit)
}

func TestRecallSkipCacheBypassesCache(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Recall(context.Background(), testProject, "release notes summary", RecallOptions{})
	require.NoError(t, err)

	second, err := engine.Recall(context.Background(), testProject, "release notes summary", RecallOptions{SkipCache: true})
	require.NoError(t, err)
	require.False(t, second.CacheHit)
}

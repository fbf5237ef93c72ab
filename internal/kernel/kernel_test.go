package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
	"cogkernel/internal/store"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), config.StoreConfig{
		DatabasePath: filepath.Join(dir, "cogkernel.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	k, err := New(context.Background(), config.DefaultConfig(), s, Deps{})
	require.NoError(t, err)
	return k
}

func TestNewWiresAllLayersWithoutAnEmbedder(t *testing.T) {
	k := newTestKernel(t)
	require.NotNil(t, k.Semantic)
	require.NotNil(t, k.Procedural)
	require.NotNil(t, k.Episodic)
	require.NotNil(t, k.Graph)
	require.NotNil(t, k.Prospective)
	require.NotNil(t, k.Meta)
	require.NotNil(t, k.Consolidation)
	require.NotNil(t, k.Retrieval)
	require.NotNil(t, k.Gateway)
}

func TestResolveProjectAssignsAStableID(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	first, err := k.ResolveProject(ctx, "demo-project")
	require.NoError(t, err)
	require.NotZero(t, first)

	second, err := k.ResolveProject(ctx, "demo-project")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := k.ResolveProject(ctx, "other-project")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestEmbedderAdapterSatisfiesAllThreeLayerInterfaces(t *testing.T) {
	// A nil Deps.Embedder must not produce a typed-nil interface that
	// fools the layers' "embedder != nil" checks into thinking they have
	// one. Constructing without an embedder should leave every layer in
	// its degraded, embedder-unavailable mode rather than panicking on a
	// nil method call.
	k := newTestKernel(t)

	fact, err := k.Semantic.Remember(context.Background(), 1, "tests run in CI", "testing", nil, 0.8)
	require.NoError(t, err)
	require.NotZero(t, fact.ID)
}

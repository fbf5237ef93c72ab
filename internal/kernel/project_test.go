package kernel

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
	"cogkernel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), config.StoreConfig{
		DatabasePath: filepath.Join(dir, "cogkernel.db"),
		MaxOpenConns: 8,
		MaxIdleConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectRegistryResolveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r, err := newProjectRegistry(ctx, s)
	require.NoError(t, err)

	first, err := r.resolve(ctx, "alpha")
	require.NoError(t, err)
	second, err := r.resolve(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestProjectRegistryReloadsFromStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1, err := newProjectRegistry(ctx, s)
	require.NoError(t, err)
	id, err := r1.resolve(ctx, "beta")
	require.NoError(t, err)

	r2, err := newProjectRegistry(ctx, s)
	require.NoError(t, err)
	reloaded, err := r2.resolve(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, id, reloaded)
}

func TestProjectRegistryResolveToleratesConcurrentRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r, err := newProjectRegistry(ctx, s)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.resolve(ctx, "gamma")
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

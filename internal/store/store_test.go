package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cogkernel/internal/config"
	"cogkernel/internal/errkind"
)

func testConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	dir := t.TempDir()
	return config.StoreConfig{
		DatabasePath: filepath.Join(dir, "cogkernel.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}
}

func TestOpenRunsMigrationsAndIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, tableExists(s.db, "events"))
	assert.True(t, tableExists(s.db, "facts"))
	assert.True(t, tableExists(s.db, "tasks"))
	assert.Equal(t, currentSchemaVersion, schemaVersion(s.db))

	// Re-opening an already-migrated database must not error and must not
	// re-run migrations (schemaVersion already at target).
	s2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, currentSchemaVersion, schemaVersion(s2.db))
}

func TestOpenRejectsUnreadableDatabasePath(t *testing.T) {
	cfg := config.StoreConfig{DatabasePath: "/nonexistent-dir/does-not-exist/cogkernel.db"}
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
}

func TestPoolAcquireEnforcesConcurrencyCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOpenConns = 1
	cfg.AcquireTimeout = "100ms"
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	conn1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer conn1.Release()

	_, err = s.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.ResourceExhausted, errkind.Of(err))
}

func TestPoolAcquireReleasesSlotForNextWaiter(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOpenConns = 1
	cfg.AcquireTimeout = "1s"
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	conn1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	conn1.Release()
	conn1.Release() // idempotent double-release must not panic or deadlock

	conn2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	conn2.Release()
}

func TestAcquireAdvisoryLockMutualExclusion(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	release, err := s.AcquireAdvisoryLock(context.Background(), "test-lock")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.AcquireAdvisoryLock(ctx, "test-lock")
	require.Error(t, err)
	assert.Equal(t, errkind.ResourceExhausted, errkind.Of(err))

	release()

	release2, err := s.AcquireAdvisoryLock(context.Background(), "test-lock")
	require.NoError(t, err)
	release2()
}

func TestTryAcquireAdvisoryLockDoesNotBlock(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	release, ok := s.TryAcquireAdvisoryLock(context.Background(), "fingerprint-1")
	require.True(t, ok)

	_, ok = s.TryAcquireAdvisoryLock(context.Background(), "fingerprint-1")
	assert.False(t, ok)

	release()

	release2, ok := s.TryAcquireAdvisoryLock(context.Background(), "fingerprint-1")
	require.True(t, ok)
	release2()
}

func TestAdvisoryLockConcurrentWaitersOnlyOneProceeds(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	var active int32
	var mu sync.Mutex
	maxObserved := 0
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			release, err := s.AcquireAdvisoryLock(ctx, "shared")
			if err != nil {
				return
			}
			mu.Lock()
			active++
			if int(active) > maxObserved {
				maxObserved = int(active)
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxObserved)
}

func TestVectorUpsertAndSearchRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	if !tableExists(s.db, "vec_facts") {
		t.Skip("sqlite-vec extension unavailable in this build")
	}

	_, err = s.db.Exec(`INSERT INTO facts (project_id, statement, domain, confidence) VALUES (1, 's1', 'd', 0.9)`)
	require.NoError(t, err)

	vec := make([]float32, 768)
	vec[0] = 1.0

	err = s.UpsertFactVector(context.Background(), 1, vec)
	require.NoError(t, err)

	matches, err := s.SearchFacts(context.Background(), vec, 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, int64(1), matches[0].RowID)
	assert.InDelta(t, 0, matches[0].Distance, 1e-6)
}

func TestEncodeEmbeddingIsLittleEndianFloat32(t *testing.T) {
	blob := EncodeEmbedding([]float32{1, 2, 3})
	assert.Len(t, blob, 12)
}

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, 768)
	}
	return out, nil
}

func TestReflectionWorkerBackfillsMissingEmbeddings(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec(`INSERT INTO facts (project_id, statement, domain, confidence) VALUES (1, 'needs embedding', 'd', 0.5)`)
	require.NoError(t, err)

	embedder := &fakeEmbedder{}
	w := NewReflectionWorker(s, embedder, 10*time.Millisecond, 8)
	w.backfillFacts(context.Background())

	assert.Equal(t, 1, embedder.calls)

	var embedding []byte
	err = s.db.QueryRow(`SELECT embedding FROM facts WHERE id = 1`).Scan(&embedding)
	require.NoError(t, err)
	assert.NotEmpty(t, embedding)
}

package store

import (
	"context"
	"time"

	"cogkernel/internal/logging"
)

// Embedder is the subset of the embedder client (C3) the reflection worker
// needs, kept narrow so this package does not import internal/embedding.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ReflectionWorker periodically re-embeds facts and events whose embedding
// is NULL after an earlier embedder outage, satisfying spec.md §4.4's
// "flagged for backfill" requirement that the base spec names but does not
// schedule. Grounded in the teacher's reflection_worker.go ticker/stop/done
// shape, re-pointed from prompt-atom re-embedding to fact/event backfill.
type ReflectionWorker struct {
	store    *Store
	embedder Embedder
	interval time.Duration
	batch    int

	stop chan struct{}
	done chan struct{}
}

// NewReflectionWorker constructs a worker; call Start to begin its loop.
func NewReflectionWorker(s *Store, embedder Embedder, interval time.Duration, batchSize int) *ReflectionWorker {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &ReflectionWorker{store: s, embedder: embedder, interval: interval, batch: batchSize}
}

// Start begins the background loop. No-op if already running or if no
// embedder is configured.
func (w *ReflectionWorker) Start() {
	if w.embedder == nil || w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(w.stop, w.done)
}

// Stop halts the loop and waits (briefly) for it to exit.
func (w *ReflectionWorker) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
	}
	w.stop = nil
	w.done = nil
}

func (w *ReflectionWorker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			w.backfillFacts(ctx)
			w.backfillEvents(ctx)
			cancel()
		}
	}
}

func (w *ReflectionWorker) backfillFacts(ctx context.Context) {
	rows, err := w.store.db.QueryContext(ctx,
		"SELECT id, statement FROM facts WHERE embedding IS NULL LIMIT ?", w.batch)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("reflection: query facts missing embedding: %v", err)
		return
	}
	ids := make([]int64, 0, w.batch)
	texts := make([]string, 0, w.batch)
	for rows.Next() {
		var id int64
		var statement string
		if err := rows.Scan(&id, &statement); err != nil {
			continue
		}
		ids = append(ids, id)
		texts = append(texts, statement)
	}
	rows.Close()

	if len(ids) == 0 {
		return
	}

	embeddings, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("reflection: fact backfill embed failed: %v", err)
		return
	}

	updated := 0
	for i, id := range ids {
		if i >= len(embeddings) || embeddings[i] == nil {
			continue
		}
		blob := EncodeEmbedding(embeddings[i])
		if _, err := w.store.db.ExecContext(ctx, "UPDATE facts SET embedding = ? WHERE id = ?", blob, id); err == nil {
			w.store.UpsertFactVector(ctx, id, embeddings[i])
			updated++
		}
	}
	if updated > 0 {
		logging.Get(logging.CategoryStore).Info("reflection: backfilled %d/%d fact embeddings", updated, len(ids))
	}
}

func (w *ReflectionWorker) backfillEvents(ctx context.Context) {
	rows, err := w.store.db.QueryContext(ctx,
		"SELECT id, content FROM events WHERE embedding IS NULL LIMIT ?", w.batch)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("reflection: query events missing embedding: %v", err)
		return
	}
	ids := make([]int64, 0, w.batch)
	texts := make([]string, 0, w.batch)
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			continue
		}
		ids = append(ids, id)
		texts = append(texts, content)
	}
	rows.Close()

	if len(ids) == 0 {
		return
	}

	embeddings, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("reflection: event backfill embed failed: %v", err)
		return
	}

	updated := 0
	for i, id := range ids {
		if i >= len(embeddings) || embeddings[i] == nil {
			continue
		}
		blob := EncodeEmbedding(embeddings[i])
		if _, err := w.store.db.ExecContext(ctx, "UPDATE events SET embedding = ? WHERE id = ?", blob, id); err == nil {
			w.store.UpsertEventVector(ctx, id, embeddings[i])
			updated++
		}
	}
	if updated > 0 {
		logging.Get(logging.CategoryStore).Info("reflection: backfilled %d/%d event embeddings", updated, len(ids))
	}
}

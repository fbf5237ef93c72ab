// Package episodic implements the episodic layer (C4): a durable,
// append-only event log with three-stage deduplication, cursor-based
// resumable ingestion, and time-ordered recall.
package episodic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"cogkernel/internal/errkind"
	"cogkernel/internal/hashing"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
	"cogkernel/internal/store"
)

// Embedder is the subset of internal/embedding's EmbeddingEngine this layer
// needs, kept narrow to avoid an import cycle risk and to make the layer
// embedder-agnostic in tests.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// MaxBatchSize is the largest number of events record_batch processes in a
// single transaction, per spec.md §4.4.
const MaxBatchSize = 500

// DedupLRUSize is the default size of the bounded recent-hash cache used as
// stage (b) of record_batch's three-stage dedup.
const DedupLRUSize = 5000

// RecallLimitCap is the hard cap on recall_events' limit, per spec.md §4.4.
const RecallLimitCap = 100

// Layer is the episodic layer's handle onto the storage engine.
type Layer struct {
	store    *store.Store
	embedder Embedder
	recent   *lru.Cache[string, int64]
}

// New constructs the episodic layer. embedder may be nil; embedding
// generation is then skipped and events are inserted with embedding = NULL,
// matching spec.md §4.4's "embedding failures produce events with
// embedding = NULL, flagged for backfill."
func New(s *store.Store, embedder Embedder) (*Layer, error) {
	recent, err := lru.New[string, int64](DedupLRUSize)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "create episodic dedup LRU", err)
	}
	return &Layer{store: s, embedder: embedder, recent: recent}, nil
}

// RecordResult is record_event's outcome: either a freshly inserted row id
// or the id of the pre-existing row sharing the event's content hash.
type RecordResult struct {
	Inserted bool
	ID       int64
}

// RecordEvent inserts event iff no row in its project shares its content
// hash. Hash-compute and insert are atomic across the pair (spec.md §4.4).
func (l *Layer) RecordEvent(ctx context.Context, projectID int64, in model.Event) (RecordResult, error) {
	timer := logging.StartTimer(logging.CategoryEpisodic, "RecordEvent")
	defer timer.Stop()

	hash := hashing.HashEventHex(hashing.EventInput{
		Kind:    string(in.Kind),
		Content: in.Content,
		Context: in.Context,
	})

	var embedding []float32
	if l.embedder != nil {
		embeddings, err := l.embedder.EmbedBatch(ctx, []string{in.Content})
		if err == nil && len(embeddings) == 1 {
			embedding = embeddings[0]
		} else if err != nil {
			logging.Get(logging.CategoryEpisodic).Warn("RecordEvent: embedding failed, inserting with NULL embedding: %v", err)
		}
	}

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return RecordResult{}, err
	}
	defer conn.Release()

	id, inserted, err := insertEventIfAbsent(ctx, conn.DB, projectID, in, hash, embedding)
	if err != nil {
		return RecordResult{}, err
	}
	if inserted && embedding != nil {
		if err := l.store.UpsertEventVector(ctx, id, embedding); err != nil {
			logging.Get(logging.CategoryEpisodic).Warn("RecordEvent: vector upsert failed for event %d: %v", id, err)
		}
	}
	return RecordResult{Inserted: inserted, ID: id}, nil
}

func insertEventIfAbsent(ctx context.Context, db *sql.DB, projectID int64, in model.Event, hash string, embedding []float32) (int64, bool, error) {
	var existingID int64
	err := db.QueryRowContext(ctx, `SELECT id FROM events WHERE project_id = ? AND content_hash = ?`, projectID, hash).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, errkind.Wrap(errkind.Internal, "lookup event by content hash", err)
	}

	contextJSON, err := json.Marshal(in.Context)
	if err != nil {
		return 0, false, errkind.Wrap(errkind.Validation, "marshal event context", err)
	}

	var embeddingBlob []byte
	if embedding != nil {
		embeddingBlob = store.EncodeEmbedding(embedding)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO events (project_id, content, kind, outcome, context, content_hash, embedding, importance, consolidation_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'unsealed')
	`, projectID, in.Content, string(in.Kind), string(in.Outcome), string(contextJSON), hash, embeddingBlob, in.Importance)
	if err != nil {
		return 0, false, errkind.Wrap(errkind.Internal, "insert event", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, errkind.Wrap(errkind.Internal, "read inserted event id", err)
	}
	return id, true, nil
}

// BatchReport summarizes a record_batch call. There is no partial-failure
// count: a failed batch rolls back entirely (spec.md §4.4), so any error
// from RecordBatch means zero rows were persisted.
type BatchReport struct {
	Inserted   int
	Duplicates int
}

// RecordBatch processes up to MaxBatchSize events in one transaction, with
// three-stage deduplication: in-batch set, bounded LRU of recent hashes,
// then a single bulk lookup against persistent state. Embedding generation
// runs before the transaction opens so a slow embedder does not hold a
// write lock; an embedding failure does not block insertion.
func (l *Layer) RecordBatch(ctx context.Context, projectID int64, events []model.Event) (BatchReport, error) {
	timer := logging.StartTimer(logging.CategoryEpisodic, "RecordBatch")
	defer timer.Stop()

	if len(events) > MaxBatchSize {
		return BatchReport{}, errkind.New(errkind.Validation, fmt.Sprintf("batch size %d exceeds max %d", len(events), MaxBatchSize))
	}
	if len(events) == 0 {
		return BatchReport{}, nil
	}

	hashes := make([]string, len(events))
	seenInBatch := make(map[string]int)
	var uniqueIdx []int

	for i, e := range events {
		h := hashing.HashEventHex(hashing.EventInput{Kind: string(e.Kind), Content: e.Content, Context: e.Context})
		hashes[i] = h
		if _, dup := seenInBatch[h]; dup {
			continue
		}
		if _, recent := l.recent.Get(h); recent {
			continue
		}
		seenInBatch[h] = i
		uniqueIdx = append(uniqueIdx, i)
	}

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	defer conn.Release()

	persisted, err := bulkExistingHashes(ctx, conn.DB, projectID, hashesAt(hashes, uniqueIdx))
	if err != nil {
		return BatchReport{}, err
	}

	var toInsert []int
	for _, i := range uniqueIdx {
		if _, exists := persisted[hashes[i]]; !exists {
			toInsert = append(toInsert, i)
		}
	}

	var embeddings [][]float32
	if l.embedder != nil && len(toInsert) > 0 {
		texts := make([]string, len(toInsert))
		for j, i := range toInsert {
			texts[j] = events[i].Content
		}
		embeddings, err = l.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			logging.Get(logging.CategoryEpisodic).Warn("RecordBatch: batch embedding failed, inserting with NULL embeddings: %v", err)
			embeddings = nil
		}
	}

	tx, err := conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return BatchReport{}, errkind.Wrap(errkind.Internal, "begin batch transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	report := BatchReport{Duplicates: len(events) - len(toInsert)}
	var pendingVectors []vecPair

	for j, i := range toInsert {
		var embedding []float32
		if embeddings != nil && j < len(embeddings) {
			embedding = embeddings[j]
		}
		id, _, err := insertEventIfAbsentTx(ctx, tx, projectID, events[i], hashes[i], embedding)
		if err != nil {
			return BatchReport{}, err
		}
		report.Inserted++
		l.recent.Add(hashes[i], id)
		if embedding != nil {
			pendingVectors = append(pendingVectors, vecPair{id: id, vec: embedding})
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchReport{}, errkind.Wrap(errkind.Internal, "commit batch transaction", err)
	}
	committed = true

	for _, p := range pendingVectors {
		if err := l.store.UpsertEventVector(ctx, p.id, p.vec); err != nil {
			logging.Get(logging.CategoryEpisodic).Warn("RecordBatch: vector upsert failed for event %d: %v", p.id, err)
		}
	}

	return report, nil
}

type vecPair struct {
	id  int64
	vec []float32
}

func hashesAt(hashes []string, idx []int) []string {
	out := make([]string, len(idx))
	for j, i := range idx {
		out[j] = hashes[i]
	}
	return out
}

func bulkExistingHashes(ctx context.Context, db *sql.DB, projectID int64, hashes []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(hashes) == 0 {
		return existing, nil
	}

	placeholders := make([]string, len(hashes))
	args := make([]interface{}, 0, len(hashes)+1)
	args = append(args, projectID)
	for i, h := range hashes {
		placeholders[i] = "?"
		args = append(args, h)
	}

	query := fmt.Sprintf(`SELECT content_hash FROM events WHERE project_id = ? AND content_hash IN (%s)`, join(placeholders, ","))
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "bulk lookup existing event hashes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			continue
		}
		existing[h] = struct{}{}
	}
	return existing, rows.Err()
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

func insertEventIfAbsentTx(ctx context.Context, tx *sql.Tx, projectID int64, in model.Event, hash string, embedding []float32) (int64, bool, error) {
	contextJSON, err := json.Marshal(in.Context)
	if err != nil {
		return 0, false, errkind.Wrap(errkind.Validation, "marshal event context", err)
	}

	var embeddingBlob []byte
	if embedding != nil {
		embeddingBlob = store.EncodeEmbedding(embedding)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (project_id, content, kind, outcome, context, content_hash, embedding, importance, consolidation_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'unsealed')
	`, projectID, in.Content, string(in.Kind), string(in.Outcome), string(contextJSON), hash, embeddingBlob, in.Importance)
	if err != nil {
		return 0, false, errkind.Wrap(errkind.Internal, "insert event", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, errkind.Wrap(errkind.Internal, "read inserted event id", err)
	}
	return id, true, nil
}

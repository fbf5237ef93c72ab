// Package semantic implements the semantic layer (C5): a fact store with
// hybrid lexical+vector retrieval and confidence reinforcement/decay.
package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
	"cogkernel/internal/store"
	"cogkernel/internal/verification"
)

// Embedder is the narrow embedding dependency this layer needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tuning holds the hybrid-retrieval and reinforcement parameters, all with
// spec.md §4.5 defaults.
type Tuning struct {
	Alpha            float64 // weight of semantic score in R = α·S + (1−α)·L
	ConfidenceFloor  float64 // τ_retrieval
	ReinforceStep    float64 // k
	ContradictWeight float64 // w
	RecallLimitCap   int
}

// DefaultTuning returns spec.md §4.5's defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Alpha:            0.6,
		ConfidenceFloor:  0.3,
		ReinforceStep:    0.05,
		ContradictWeight: 2.0,
		RecallLimitCap:   50,
	}
}

// Layer is the semantic layer's handle onto the storage engine.
type Layer struct {
	store    *store.Store
	embedder Embedder
	tuning   Tuning
	gateway  *verification.Gateway
}

// SetGateway wires the verification gateway (C12) into Remember. When set,
// every Remember call runs its candidate through the seven gates before
// persisting; a gate violation aborts the call with the gate's error
// instead of writing the fact. Nil disables the check (the default).
func (l *Layer) SetGateway(g *verification.Gateway) {
	l.gateway = g
}

// New constructs the semantic layer. embedder may be nil, in which case
// recall falls back to lexical-only scoring (S is treated as 0).
func New(s *store.Store, embedder Embedder, tuning Tuning) *Layer {
	if tuning.Alpha == 0 && tuning.ConfidenceFloor == 0 && tuning.ReinforceStep == 0 {
		tuning = DefaultTuning()
	}
	if tuning.RecallLimitCap <= 0 {
		tuning.RecallLimitCap = 50
	}
	return &Layer{store: s, embedder: embedder, tuning: tuning}
}

// Remember persists a new fact grounded in sourceEventIDs. Rejected if
// sourceEventIDs is empty or references nonexistent events.
func (l *Layer) Remember(ctx context.Context, projectID int64, statement, domain string, sourceEventIDs []int64, confidence float64) (model.Fact, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Remember")
	defer timer.Stop()

	if len(sourceEventIDs) == 0 {
		return model.Fact{}, errkind.New(errkind.Validation, "remember requires at least one source event id")
	}
	if confidence <= 0 {
		confidence = 0.5
	}

	if l.gateway != nil {
		if _, err := l.gateway.Verify(ctx, verification.Subject{
			Kind:        verification.SubjectFact,
			Statement:   statement,
			Confidence:  confidence,
			CitedEvents: len(sourceEventIDs),
		}); err != nil {
			return model.Fact{}, err
		}
	}

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Fact{}, err
	}
	defer conn.Release()

	if err := verifyEventsExist(ctx, conn.DB, projectID, sourceEventIDs); err != nil {
		return model.Fact{}, err
	}

	var embedding []float32
	if l.embedder != nil {
		embedding, err = l.embedder.Embed(ctx, statement)
		if err != nil {
			logging.Get(logging.CategorySemantic).Warn("Remember: embedding failed, fact stored with NULL embedding: %v", err)
			embedding = nil
		}
	}

	tx, err := conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Fact{}, errkind.Wrap(errkind.Internal, "begin remember transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var embeddingBlob []byte
	if embedding != nil {
		embeddingBlob = store.EncodeEmbedding(embedding)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO facts (project_id, statement, domain, confidence, embedding, support_count, contradiction_count)
		VALUES (?, ?, ?, ?, ?, 1, 0)
	`, projectID, statement, domain, confidence, embeddingBlob)
	if err != nil {
		return model.Fact{}, errkind.Wrap(errkind.Internal, "insert fact", err)
	}
	factID, err := res.LastInsertId()
	if err != nil {
		return model.Fact{}, errkind.Wrap(errkind.Internal, "read inserted fact id", err)
	}

	for _, eventID := range sourceEventIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO fact_source_events (fact_id, event_id) VALUES (?, ?)`, factID, eventID); err != nil {
			return model.Fact{}, errkind.Wrap(errkind.Internal, "link fact to source event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Fact{}, errkind.Wrap(errkind.Internal, "commit remember transaction", err)
	}
	committed = true

	if embedding != nil {
		if err := l.store.UpsertFactVector(ctx, factID, embedding); err != nil {
			logging.Get(logging.CategorySemantic).Warn("Remember: vector upsert failed for fact %d: %v", factID, err)
		}
	}

	fact, err := l.fetchFact(ctx, conn.DB, factID)
	if err != nil {
		return model.Fact{}, err
	}
	fact.SourceEventIDs = sourceEventIDs
	return fact, nil
}

func verifyEventsExist(ctx context.Context, db *sql.DB, projectID int64, eventIDs []int64) error {
	for _, id := range eventIDs {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ? AND project_id = ?`, id, projectID).Scan(&exists)
		if err == sql.ErrNoRows {
			return errkind.New(errkind.NotFound, fmt.Sprintf("source event %d does not exist", id))
		}
		if err != nil {
			return errkind.Wrap(errkind.Internal, "verify source event exists", err)
		}
	}
	return nil
}

func (l *Layer) fetchFact(ctx context.Context, db *sql.DB, id int64) (model.Fact, error) {
	var f model.Fact
	err := db.QueryRowContext(ctx, `
		SELECT id, project_id, created_at, version, statement, domain, confidence, support_count, contradiction_count, last_reinforced_at, archived
		FROM facts WHERE id = ?
	`, id).Scan(&f.ID, &f.ProjectID, &f.CreatedAt, &f.Version, &f.Statement, &f.Domain, &f.Confidence, &f.SupportCount, &f.ContradictionCount, &f.LastReinforcedAt, &f.Archived)
	if err != nil {
		return model.Fact{}, errkind.Wrap(errkind.Internal, "fetch fact", err)
	}
	return f, nil
}

// RankedFact pairs a Fact with its blended retrieval score.
type RankedFact struct {
	Fact  model.Fact
	Score float64
}

// Recall runs hybrid lexical+semantic retrieval: R = α·S + (1−α)·L, tie-broken
// by confidence then last_reinforced_at descending. Facts below the
// confidence floor are excluded unless includeLowConfidence is set. Limit is
// capped at Tuning.RecallLimitCap.
func (l *Layer) Recall(ctx context.Context, projectID int64, query, domain string, limit int, includeLowConfidence bool) ([]RankedFact, error) {
	timer := logging.StartTimer(logging.CategorySemantic, "Recall")
	defer timer.Stop()

	if limit <= 0 || limit > l.tuning.RecallLimitCap {
		limit = l.tuning.RecallLimitCap
	}

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	lexical, err := l.lexicalScores(ctx, conn.DB, query)
	if err != nil {
		logging.Get(logging.CategorySemantic).Warn("Recall: lexical search unavailable, falling back to semantic-only: %v", err)
		lexical = map[int64]float64{}
	}

	semanticScores := map[int64]float64{}
	if l.embedder != nil {
		queryVec, err := l.embedder.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategorySemantic).Warn("Recall: query embedding failed, falling back to lexical-only: %v", err)
		} else {
			matches, err := l.store.SearchFacts(ctx, queryVec, limit*4)
			if err != nil {
				logging.Get(logging.CategorySemantic).Warn("Recall: vector search unavailable: %v", err)
			} else {
				for _, m := range matches {
					// cosine distance ranges [0,2]; convert to a [0,1] similarity.
					semanticScores[m.RowID] = 1 - m.Distance/2
				}
			}
		}
	}

	candidateIDs := map[int64]struct{}{}
	for id := range lexical {
		candidateIDs[id] = struct{}{}
	}
	for id := range semanticScores {
		candidateIDs[id] = struct{}{}
	}
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	var ranked []RankedFact
	for id := range candidateIDs {
		f, err := l.fetchFact(ctx, conn.DB, id)
		if err != nil {
			continue
		}
		if f.Archived {
			continue
		}
		if f.ProjectID != projectID {
			continue
		}
		if domain != "" && f.Domain != domain {
			continue
		}
		if !includeLowConfidence && f.Confidence < l.tuning.ConfidenceFloor {
			continue
		}

		score := l.tuning.Alpha*semanticScores[id] + (1-l.tuning.Alpha)*lexical[id]
		ranked = append(ranked, RankedFact{Fact: f, Score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Fact.Confidence != ranked[j].Fact.Confidence {
			return ranked[i].Fact.Confidence > ranked[j].Fact.Confidence
		}
		return ranked[i].Fact.LastReinforcedAt.After(ranked[j].Fact.LastReinforcedAt)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// lexicalScores runs a BM25 query against fts_facts and normalizes the raw
// (negative, lower-is-better) bm25() rank into a [0,1] similarity via a
// squashing function, since spec.md §4.5 only requires L ∈ [0,1], not a
// particular normalization.
func (l *Layer) lexicalScores(ctx context.Context, db *sql.DB, query string) (map[int64]float64, error) {
	if query == "" {
		return map[int64]float64{}, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT rowid, bm25(fts_facts) FROM fts_facts WHERE fts_facts MATCH ? LIMIT 200
	`, query)
	if err != nil {
		return nil, errkind.Wrap(errkind.Degraded, "fts_facts bm25 query", err)
	}
	defer rows.Close()

	scores := map[int64]float64{}
	for rows.Next() {
		var rowid int64
		var rank float64
		if err := rows.Scan(&rowid, &rank); err != nil {
			continue
		}
		// bm25() returns a negative score where more negative is a better
		// match; squash onto (0,1) with higher = better.
		scores[rowid] = 1 / (1 + math.Exp(rank))
	}
	return scores, rows.Err()
}

// Reinforce increases fact_id's confidence after supportingEventID corroborates it.
func (l *Layer) Reinforce(ctx context.Context, factID, supportingEventID int64) (model.Fact, error) {
	return l.adjustConfidence(ctx, factID, supportingEventID, l.tuning.ReinforceStep, true)
}

// Contradict decreases fact_id's confidence after contradictingEventID conflicts with it.
func (l *Layer) Contradict(ctx context.Context, factID, contradictingEventID int64) (model.Fact, error) {
	return l.adjustConfidence(ctx, factID, contradictingEventID, -l.tuning.ReinforceStep*l.tuning.ContradictWeight, false)
}

func (l *Layer) adjustConfidence(ctx context.Context, factID, eventID int64, delta float64, support bool) (model.Fact, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Fact{}, err
	}
	defer conn.Release()

	fact, err := l.fetchFact(ctx, conn.DB, factID)
	if err != nil {
		return model.Fact{}, errkind.Wrap(errkind.NotFound, "reinforce/contradict: fact not found", err)
	}

	newConfidence := clamp(fact.Confidence+delta, 0, 1)

	var err2 error
	if support {
		_, err2 = conn.DB.ExecContext(ctx, `
			UPDATE facts SET confidence = ?, support_count = support_count + 1, last_reinforced_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, newConfidence, factID)
	} else {
		_, err2 = conn.DB.ExecContext(ctx, `
			UPDATE facts SET confidence = ?, contradiction_count = contradiction_count + 1
			WHERE id = ?
		`, newConfidence, factID)
	}
	if err2 != nil {
		return model.Fact{}, errkind.Wrap(errkind.Internal, "update fact confidence", err2)
	}

	if _, err := conn.DB.ExecContext(ctx, `INSERT OR IGNORE INTO fact_source_events (fact_id, event_id) VALUES (?, ?)`, factID, eventID); err != nil {
		logging.Get(logging.CategorySemantic).Warn("adjustConfidence: failed to record grounding event %d for fact %d: %v", eventID, factID, err)
	}

	return l.fetchFact(ctx, conn.DB, factID)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Forget archives fact_id: retained for audit but excluded from Recall.
func (l *Layer) Forget(ctx context.Context, factID int64) error {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	res, err := conn.DB.ExecContext(ctx, `UPDATE facts SET archived = 1 WHERE id = ?`, factID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "archive fact", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errkind.Wrap(errkind.Internal, "read forget rows affected", err)
	}
	if affected == 0 {
		return errkind.New(errkind.NotFound, fmt.Sprintf("fact %d not found", factID))
	}
	return nil
}

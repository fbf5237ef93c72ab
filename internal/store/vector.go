package store

import (
	"bytes"
	"context"
	"encoding/binary"

	"cogkernel/internal/errkind"
)

// EncodeEmbedding encodes a float32 vector as the little-endian binary blob
// sqlite-vec's vec0 virtual tables expect.
func EncodeEmbedding(vec []float32) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

// VectorMatch is one ANN search result: a row id and its cosine distance to
// the query embedding (0 = identical, 2 = opposite).
type VectorMatch struct {
	RowID    int64
	Distance float64
}

// SearchFacts runs an ANN cosine search over vec_facts, returning the topK
// nearest fact row ids. Used by the semantic layer's (C5) hybrid recall.
func (s *Store) SearchFacts(ctx context.Context, query []float32, topK int) ([]VectorMatch, error) {
	return s.searchVec(ctx, "vec_facts", query, topK)
}

// SearchEvents runs an ANN cosine search over vec_events, returning the
// topK nearest event row ids. No layer calls it at present; episodic (C4)
// and retrieval (C11) event search do not go through vec_events.
func (s *Store) SearchEvents(ctx context.Context, query []float32, topK int) ([]VectorMatch, error) {
	return s.searchVec(ctx, "vec_events", query, topK)
}

func (s *Store) searchVec(ctx context.Context, table string, query []float32, topK int) ([]VectorMatch, error) {
	if topK <= 0 {
		topK = 10
	}
	blob := EncodeEmbedding(query)

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, vec_distance_cosine(embedding, ?) AS distance
		FROM `+table+`
		ORDER BY distance ASC
		LIMIT ?
	`, blob, topK)
	if err != nil {
		return nil, errkind.Wrap(errkind.Degraded, "vector search against "+table, err)
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.RowID, &m.Distance); err != nil {
			continue
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// UpsertFactVector writes (or replaces) the embedding for a fact row id.
func (s *Store) UpsertFactVector(ctx context.Context, factID int64, embedding []float32) error {
	return s.upsertVec(ctx, "vec_facts", factID, embedding)
}

// UpsertEventVector writes (or replaces) the embedding for an event row id.
func (s *Store) UpsertEventVector(ctx context.Context, eventID int64, embedding []float32) error {
	return s.upsertVec(ctx, "vec_events", eventID, embedding)
}

func (s *Store) upsertVec(ctx context.Context, table string, rowID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO `+table+` (rowid, embedding) VALUES (?, ?)
	`, rowID, EncodeEmbedding(embedding))
	if err != nil {
		return errkind.Wrap(errkind.Degraded, "upsert vector into "+table, err)
	}
	return nil
}

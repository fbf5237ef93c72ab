// Package graph implements the knowledge graph layer (C8): an entity/
// relation store held relationally in C1 and mirrored into the teacher's
// mangle engine as entity/3 and relation/5 facts, so bounded-depth
// neighbor lookups run as mangle rules rather than hand-rolled graph
// traversal. Community detection (communities.go) runs label propagation
// in Go over the relational rows.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/mangle"
	"cogkernel/internal/model"
	"cogkernel/internal/store"
)

// MaxNeighborDepth is the hard cap on neighbors()'s depth parameter, per
// spec.md §4.8.
const MaxNeighborDepth = 3

// Layer is the graph layer's handle onto the storage engine and the
// mangle reasoning engine mirroring its entities/relations.
type Layer struct {
	store  *store.Store
	engine *mangle.Engine
}

// New constructs the graph layer, loads the mangle schema, and warms the
// mangle fact store from every project's existing entities/relations rows
// so the two representations start in sync.
func New(ctx context.Context, s *store.Store) (*Layer, error) {
	engine, err := mangle.NewEngine(mangle.DefaultConfig())
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "construct mangle engine", err)
	}
	if err := engine.LoadSchemaString(mangleSchema); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "load graph mangle schema", err)
	}

	l := &Layer{store: s, engine: engine}
	if err := l.warmFromStore(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func entityFactKey(id int64) string {
	return fmt.Sprintf("entity:%d", id)
}

func relationFactKey(from, to int64, kind string) string {
	return fmt.Sprintf("relation:%d:%d:%s", from, to, kind)
}

func (l *Layer) warmFromStore(ctx context.Context) error {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	rows, err := conn.DB.QueryContext(ctx, `SELECT id, kind, name FROM entities`)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "warm graph entities", err)
	}
	var entities []struct {
		ID   int64
		Kind string
		Name string
	}
	for rows.Next() {
		var e struct {
			ID   int64
			Kind string
			Name string
		}
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name); err == nil {
			entities = append(entities, e)
		}
	}
	rows.Close()

	for _, e := range entities {
		if err := l.engine.ReplaceFactsForFileWithHash(entityFactKey(e.ID), []mangle.Fact{
			{Predicate: "entity", Args: []interface{}{e.ID, e.Kind, e.Name}},
		}, ""); err != nil {
			return errkind.Wrap(errkind.Internal, "warm graph entity fact", err)
		}
	}

	relRows, err := conn.DB.QueryContext(ctx, `SELECT from_id, to_id, kind, weight, evidence FROM relations`)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "warm graph relations", err)
	}
	defer relRows.Close()

	for relRows.Next() {
		var from, to int64
		var kind string
		var weight float64
		var evidenceJSON string
		if err := relRows.Scan(&from, &to, &kind, &weight, &evidenceJSON); err != nil {
			continue
		}
		var evidence []int64
		json.Unmarshal([]byte(evidenceJSON), &evidence)
		if err := l.assertRelationFact(from, to, kind, weight, len(evidence)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) assertRelationFact(from, to int64, kind string, weight float64, evidenceCount int) error {
	weightMilli := int64(weight * 1000)
	return l.engine.ReplaceFactsForFileWithHash(relationFactKey(from, to, kind), []mangle.Fact{
		{Predicate: "relation", Args: []interface{}{from, to, kind, weightMilli, int64(evidenceCount)}},
	}, "")
}

// UpsertEntity merges on (project, name, kind): an existing row has its
// properties replaced, otherwise a new entity is inserted.
func (l *Layer) UpsertEntity(ctx context.Context, projectID int64, name, kind string, properties map[string]string) (model.Entity, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "UpsertEntity")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Entity{}, err
	}
	defer conn.Release()

	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return model.Entity{}, errkind.Wrap(errkind.Internal, "marshal entity properties", err)
	}

	_, err = conn.DB.ExecContext(ctx, `
		INSERT INTO entities (project_id, name, kind, properties) VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, name, kind) DO UPDATE SET properties = excluded.properties, version = version + 1
	`, projectID, name, kind, string(propsJSON))
	if err != nil {
		return model.Entity{}, errkind.Wrap(errkind.Internal, "upsert entity", err)
	}

	entity, err := l.fetchEntityByNameKind(ctx, conn.DB, projectID, name, kind)
	if err != nil {
		return model.Entity{}, err
	}

	if err := l.engine.ReplaceFactsForFileWithHash(entityFactKey(entity.ID), []mangle.Fact{
		{Predicate: "entity", Args: []interface{}{entity.ID, entity.Kind, entity.Name}},
	}, ""); err != nil {
		logging.Get(logging.CategoryGraph).Warn("UpsertEntity: failed to mirror entity %d into mangle: %v", entity.ID, err)
	}

	return entity, nil
}

func (l *Layer) fetchEntityByNameKind(ctx context.Context, db *sql.DB, projectID int64, name, kind string) (model.Entity, error) {
	var e model.Entity
	var propsJSON string
	err := db.QueryRowContext(ctx, `
		SELECT id, project_id, created_at, version, name, kind, properties
		FROM entities WHERE project_id = ? AND name = ? AND kind = ?
	`, projectID, name, kind).Scan(&e.ID, &e.ProjectID, &e.CreatedAt, &e.Version, &e.Name, &e.Kind, &propsJSON)
	if err != nil {
		return model.Entity{}, errkind.Wrap(errkind.Internal, "fetch entity", err)
	}
	if propsJSON != "" {
		json.Unmarshal([]byte(propsJSON), &e.Properties)
	}
	return e, nil
}

func (l *Layer) fetchEntityByID(ctx context.Context, db *sql.DB, id int64) (model.Entity, error) {
	var e model.Entity
	var propsJSON string
	err := db.QueryRowContext(ctx, `
		SELECT id, project_id, created_at, version, name, kind, properties
		FROM entities WHERE id = ?
	`, id).Scan(&e.ID, &e.ProjectID, &e.CreatedAt, &e.Version, &e.Name, &e.Kind, &propsJSON)
	if err == sql.ErrNoRows {
		return model.Entity{}, errkind.New(errkind.NotFound, fmt.Sprintf("entity %d not found", id))
	}
	if err != nil {
		return model.Entity{}, errkind.Wrap(errkind.Internal, "fetch entity by id", err)
	}
	if propsJSON != "" {
		json.Unmarshal([]byte(propsJSON), &e.Properties)
	}
	return e, nil
}

// Link merges on (from, to, kind): an existing edge has its weight
// averaged with the new observation and its evidence set unioned,
// otherwise a new relation is inserted.
func (l *Layer) Link(ctx context.Context, projectID, from, to int64, kind string, weight float64, evidenceEventID int64) (model.Relation, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Link")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Relation{}, err
	}
	defer conn.Release()

	var existingWeight float64
	var evidenceJSON string
	err = conn.DB.QueryRowContext(ctx, `
		SELECT weight, evidence FROM relations WHERE project_id = ? AND from_id = ? AND to_id = ? AND kind = ?
	`, projectID, from, to, kind).Scan(&existingWeight, &evidenceJSON)

	var evidence []int64
	newWeight := weight
	if err == nil {
		json.Unmarshal([]byte(evidenceJSON), &evidence)
		newWeight = (existingWeight + weight) / 2
	} else if err != sql.ErrNoRows {
		return model.Relation{}, errkind.Wrap(errkind.Internal, "read existing relation", err)
	}

	if !containsInt64(evidence, evidenceEventID) {
		evidence = append(evidence, evidenceEventID)
	}
	evidenceOut, err := json.Marshal(evidence)
	if err != nil {
		return model.Relation{}, errkind.Wrap(errkind.Internal, "marshal relation evidence", err)
	}

	_, err = conn.DB.ExecContext(ctx, `
		INSERT INTO relations (project_id, from_id, to_id, kind, weight, evidence) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, from_id, to_id, kind) DO UPDATE SET weight = excluded.weight, evidence = excluded.evidence, version = version + 1
	`, projectID, from, to, kind, newWeight, string(evidenceOut))
	if err != nil {
		return model.Relation{}, errkind.Wrap(errkind.Internal, "upsert relation", err)
	}

	rel, err := l.fetchRelation(ctx, conn.DB, projectID, from, to, kind)
	if err != nil {
		return model.Relation{}, err
	}

	if err := l.assertRelationFact(from, to, kind, newWeight, len(evidence)); err != nil {
		logging.Get(logging.CategoryGraph).Warn("Link: failed to mirror relation %d->%d into mangle: %v", from, to, err)
	}

	return rel, nil
}

func containsInt64(xs []int64, v int64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (l *Layer) fetchRelation(ctx context.Context, db *sql.DB, projectID, from, to int64, kind string) (model.Relation, error) {
	var r model.Relation
	var evidenceJSON string
	err := db.QueryRowContext(ctx, `
		SELECT id, project_id, created_at, version, from_id, to_id, kind, weight, evidence
		FROM relations WHERE project_id = ? AND from_id = ? AND to_id = ? AND kind = ?
	`, projectID, from, to, kind).Scan(&r.ID, &r.ProjectID, &r.CreatedAt, &r.Version, &r.From, &r.To, &r.Kind, &r.Weight, &evidenceJSON)
	if err != nil {
		return model.Relation{}, errkind.Wrap(errkind.Internal, "fetch relation", err)
	}
	json.Unmarshal([]byte(evidenceJSON), &r.Evidence)
	return r, nil
}

// Neighbors returns entities within depth hops of entityID (depth clamped
// to [1, MaxNeighborDepth]) via the mangle-derived reachableN predicates,
// which follow edges of every kind. When kind is non-empty, only entities
// joined to entityID by a direct edge of that kind are returned; entities
// reached over more than one hop are not kept under a kind filter.
func (l *Layer) Neighbors(ctx context.Context, entityID int64, kind string, depth int) ([]model.Entity, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Neighbors")
	defer timer.Stop()

	if depth < 1 {
		depth = 1
	}
	if depth > MaxNeighborDepth {
		depth = MaxNeighborDepth
	}

	ids := map[int64]bool{}
	for hop := 1; hop <= depth; hop++ {
		result, err := l.engine.Query(ctx, fmt.Sprintf("reachable%d(%d, Y)?", hop, entityID))
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, "query reachability", err)
		}
		for _, binding := range result.Bindings {
			if y, ok := binding["Y"]; ok {
				if id, ok := toInt64(y); ok {
					ids[id] = true
				}
			}
		}
	}
	delete(ids, entityID)

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var entities []model.Entity
	for id := range ids {
		if kind != "" && !l.edgeMatchesKind(ctx, conn.DB, entityID, id, kind) {
			continue
		}
		e, err := l.fetchEntityByID(ctx, conn.DB, id)
		if err != nil {
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// RefreshEntity re-reads entityID from the store and re-asserts its mangle
// fact. Callers that write the entities table directly rather than through
// UpsertEntity (consolidation's persist, which shares one *sql.Tx across
// several tables and so cannot call back into this layer's own
// acquire-and-commit methods) use this to keep Neighbors/Communities in
// sync with what they wrote.
func (l *Layer) RefreshEntity(ctx context.Context, entityID int64) error {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	e, err := l.fetchEntityByID(ctx, conn.DB, entityID)
	if err != nil {
		return err
	}
	return l.engine.ReplaceFactsForFileWithHash(entityFactKey(e.ID), []mangle.Fact{
		{Predicate: "entity", Args: []interface{}{e.ID, e.Kind, e.Name}},
	}, "")
}

// RefreshRelation re-reads the (from, to, kind) edge from the store and
// re-asserts its mangle fact, for the same raw-SQL-writer callers
// RefreshEntity serves.
func (l *Layer) RefreshRelation(ctx context.Context, from, to int64, kind string) error {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	var weight float64
	var evidenceJSON string
	err = conn.DB.QueryRowContext(ctx, `
		SELECT weight, evidence FROM relations WHERE from_id = ? AND to_id = ? AND kind = ?
	`, from, to, kind).Scan(&weight, &evidenceJSON)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "refresh relation fact", err)
	}
	var evidence []int64
	json.Unmarshal([]byte(evidenceJSON), &evidence)
	return l.assertRelationFact(from, to, kind, weight, len(evidence))
}

func (l *Layer) edgeMatchesKind(ctx context.Context, db *sql.DB, a, b int64, kind string) bool {
	var count int
	db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relations WHERE kind = ? AND ((from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?))
	`, kind, a, b, b, a).Scan(&count)
	return count > 0
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimPrefix(n, "/"), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

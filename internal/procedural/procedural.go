// Package procedural implements the procedural layer (C6): a reusable
// workflow store ranked by a blend of historical success rate and
// semantic similarity to the query.
package procedural

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
	"cogkernel/internal/store"
)

// Embedder is the narrow embedding dependency this layer needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	CosineSimilarity(a, b []float32) (float64, error)
}

// Gamma weights success_rate vs semantic_similarity in find_procedures'
// ranking formula, per spec.md §4.6.
const Gamma = 0.4

// UnderperformingExecutionThreshold and UnderperformingSuccessRate define
// the underperforming-procedure flag: execution_count >= threshold and
// success_rate < rate.
const (
	UnderperformingExecutionThreshold = 5
	UnderperformingSuccessRate        = 0.4
)

// Layer is the procedural layer's handle onto the storage engine.
type Layer struct {
	store    *store.Store
	embedder Embedder
}

// New constructs the procedural layer. embedder may be nil, in which case
// find_procedures ranks by success_rate alone (semantic_similarity = 0).
func New(s *store.Store, embedder Embedder) *Layer {
	return &Layer{store: s, embedder: embedder}
}

// CreateProcedure persists a new named workflow.
func (l *Layer) CreateProcedure(ctx context.Context, projectID int64, name, category string, steps []model.Step, parameters map[string]string, groundingEventIDs []int64) (model.Procedure, error) {
	timer := logging.StartTimer(logging.CategoryProcedural, "CreateProcedure")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Procedure{}, err
	}
	defer conn.Release()

	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Validation, "marshal procedure steps", err)
	}
	paramsJSON, err := json.Marshal(parameters)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Validation, "marshal procedure parameters", err)
	}

	tx, err := conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "begin create_procedure transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO procedures (project_id, name, category, steps, parameters)
		VALUES (?, ?, ?, ?, ?)
	`, projectID, name, category, string(stepsJSON), string(paramsJSON))
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "insert procedure", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "read inserted procedure id", err)
	}

	for _, eventID := range groundingEventIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO procedure_grounding_events (procedure_id, event_id) VALUES (?, ?)`, id, eventID); err != nil {
			return model.Procedure{}, errkind.Wrap(errkind.Internal, "link procedure to grounding event", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO procedure_snapshots (procedure_id, version, steps, parameters) VALUES (?, 1, ?, ?)
	`, id, string(stepsJSON), string(paramsJSON)); err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "snapshot initial procedure version", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "commit create_procedure transaction", err)
	}
	committed = true

	proc, err := l.fetchProcedure(ctx, conn.DB, id)
	if err != nil {
		return model.Procedure{}, err
	}
	proc.GroundingEventIDs = groundingEventIDs
	return proc, nil
}

func (l *Layer) fetchProcedure(ctx context.Context, db *sql.DB, id int64) (model.Procedure, error) {
	var p model.Procedure
	var stepsJSON, paramsJSON string
	err := db.QueryRowContext(ctx, `
		SELECT id, project_id, created_at, version, name, category, steps, parameters, success_rate, execution_count, avg_duration_ms
		FROM procedures WHERE id = ?
	`, id).Scan(&p.ID, &p.ProjectID, &p.CreatedAt, &p.Version, &p.Name, &p.Category, &stepsJSON, &paramsJSON, &p.SuccessRate, &p.ExecutionCount, &p.AvgDurationMs)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "fetch procedure", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "unmarshal procedure steps", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &p.Parameters); err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "unmarshal procedure parameters", err)
	}
	return p, nil
}

// RankedProcedure pairs a Procedure with its blended ranking score.
type RankedProcedure struct {
	Procedure model.Procedure
	Score     float64
}

// FindProcedures ranks procedures by gamma*success_rate +
// (1-gamma)*semantic_similarity(query, name+category), optionally scoped to
// category.
func (l *Layer) FindProcedures(ctx context.Context, projectID int64, query, category string) ([]RankedProcedure, error) {
	timer := logging.StartTimer(logging.CategoryProcedural, "FindProcedures")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	where := "project_id = ?"
	args := []interface{}{projectID}
	if category != "" {
		where += " AND category = ?"
		args = append(args, category)
	}

	rows, err := conn.DB.QueryContext(ctx, `
		SELECT id, project_id, created_at, version, name, category, steps, parameters, success_rate, execution_count, avg_duration_ms
		FROM procedures WHERE `+where, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "query find_procedures candidates", err)
	}
	defer rows.Close()

	var queryVec []float32
	if l.embedder != nil && query != "" {
		queryVec, err = l.embedder.Embed(ctx, query)
		if err != nil {
			logging.Get(logging.CategoryProcedural).Warn("FindProcedures: query embedding failed, ranking by success_rate only: %v", err)
			queryVec = nil
		}
	}

	var ranked []RankedProcedure
	for rows.Next() {
		var p model.Procedure
		var stepsJSON, paramsJSON string
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.CreatedAt, &p.Version, &p.Name, &p.Category, &stepsJSON, &paramsJSON, &p.SuccessRate, &p.ExecutionCount, &p.AvgDurationMs); err != nil {
			continue
		}
		json.Unmarshal([]byte(stepsJSON), &p.Steps)
		json.Unmarshal([]byte(paramsJSON), &p.Parameters)

		similarity := 0.0
		if queryVec != nil && l.embedder != nil {
			procVec, err := l.embedder.Embed(ctx, p.Name+" "+p.Category)
			if err == nil {
				if sim, err := l.embedder.CosineSimilarity(queryVec, procVec); err == nil {
					similarity = sim
				}
			}
		}

		score := Gamma*p.SuccessRate + (1-Gamma)*similarity
		ranked = append(ranked, RankedProcedure{Procedure: p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "iterate find_procedures rows", err)
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

// RecordExecution atomically updates execution_count, avg_duration_ms
// (running mean), and success_rate after one execution of procedure_id.
func (l *Layer) RecordExecution(ctx context.Context, procedureID int64, outcome model.Outcome, durationMs float64) (bool, error) {
	timer := logging.StartTimer(logging.CategoryProcedural, "RecordExecution")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	tx, err := conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, "begin record_execution transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var executionCount int64
	var successRate, avgDurationMs float64
	err = tx.QueryRowContext(ctx, `SELECT execution_count, success_rate, avg_duration_ms FROM procedures WHERE id = ?`, procedureID).
		Scan(&executionCount, &successRate, &avgDurationMs)
	if err == sql.ErrNoRows {
		return false, errkind.New(errkind.NotFound, fmt.Sprintf("procedure %d not found", procedureID))
	}
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, "read procedure for record_execution", err)
	}

	newCount := executionCount + 1
	newAvgDuration := avgDurationMs + (durationMs-avgDurationMs)/float64(newCount)

	successes := successRate * float64(executionCount)
	if outcome == model.OutcomeSuccess {
		successes++
	}
	newSuccessRate := successes / float64(newCount)

	if _, err := tx.ExecContext(ctx, `
		UPDATE procedures SET execution_count = ?, success_rate = ?, avg_duration_ms = ? WHERE id = ?
	`, newCount, newSuccessRate, newAvgDuration, procedureID); err != nil {
		return false, errkind.Wrap(errkind.Internal, "update procedure execution stats", err)
	}

	if err := tx.Commit(); err != nil {
		return false, errkind.Wrap(errkind.Internal, "commit record_execution transaction", err)
	}
	committed = true

	underperforming := newCount >= UnderperformingExecutionThreshold && newSuccessRate < UnderperformingSuccessRate
	if underperforming {
		logging.Get(logging.CategoryProcedural).Warn("procedure %d flagged underperforming: executions=%d success_rate=%.2f", procedureID, newCount, newSuccessRate)
	}
	return underperforming, nil
}

// UpdateSteps revises procedure_id's steps/parameters, snapshotting the new
// state as the next version. Not itself named in spec.md §4.6's operation
// list, but versions/rollback are meaningless without a way to produce a
// second version, so this supplements the distilled operation list.
func (l *Layer) UpdateSteps(ctx context.Context, procedureID int64, steps []model.Step, parameters map[string]string) (model.Procedure, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Procedure{}, err
	}
	defer conn.Release()

	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Validation, "marshal procedure steps", err)
	}
	paramsJSON, err := json.Marshal(parameters)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Validation, "marshal procedure parameters", err)
	}

	tx, err := conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "begin update_steps transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var newVersion int64
	err = tx.QueryRowContext(ctx, `UPDATE procedures SET steps = ?, parameters = ?, version = version + 1 WHERE id = ? RETURNING version`,
		string(stepsJSON), string(paramsJSON), procedureID).Scan(&newVersion)
	if err == sql.ErrNoRows {
		return model.Procedure{}, errkind.New(errkind.NotFound, fmt.Sprintf("procedure %d not found", procedureID))
	}
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "update procedure steps", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO procedure_snapshots (procedure_id, version, steps, parameters) VALUES (?, ?, ?, ?)
	`, procedureID, newVersion, string(stepsJSON), string(paramsJSON)); err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "snapshot updated procedure version", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "commit update_steps transaction", err)
	}
	committed = true

	return l.fetchProcedure(ctx, conn.DB, procedureID)
}

// Versions returns the version history recorded for procedure_id.
func (l *Layer) Versions(ctx context.Context, procedureID int64) ([]int64, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var version int64
	err = conn.DB.QueryRowContext(ctx, `SELECT version FROM procedures WHERE id = ?`, procedureID).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("procedure %d not found", procedureID))
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "read procedure version", err)
	}
	versions := make([]int64, version)
	for i := range versions {
		versions[i] = int64(i + 1)
	}
	return versions, nil
}

// Rollback reverts procedure_id to a prior version snapshot stored in
// procedure_snapshots, restoring its steps/parameters and bumping version.
func (l *Layer) Rollback(ctx context.Context, procedureID, toVersion int64) (model.Procedure, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return model.Procedure{}, err
	}
	defer conn.Release()

	var stepsJSON, paramsJSON string
	err = conn.DB.QueryRowContext(ctx, `
		SELECT steps, parameters FROM procedure_snapshots WHERE procedure_id = ? AND version = ?
	`, procedureID, toVersion).Scan(&stepsJSON, &paramsJSON)
	if err == sql.ErrNoRows {
		return model.Procedure{}, errkind.New(errkind.NotFound, fmt.Sprintf("procedure %d has no snapshot for version %d", procedureID, toVersion))
	}
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "read procedure snapshot", err)
	}

	var newVersion int64
	err = conn.DB.QueryRowContext(ctx, `
		UPDATE procedures SET steps = ?, parameters = ?, version = version + 1 WHERE id = ? RETURNING version
	`, stepsJSON, paramsJSON, procedureID).Scan(&newVersion)
	if err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "apply procedure rollback", err)
	}

	if _, err := conn.DB.ExecContext(ctx, `
		INSERT INTO procedure_snapshots (procedure_id, version, steps, parameters) VALUES (?, ?, ?, ?)
	`, procedureID, newVersion, stepsJSON, paramsJSON); err != nil {
		return model.Procedure{}, errkind.Wrap(errkind.Internal, "snapshot rolled-back procedure version", err)
	}

	return l.fetchProcedure(ctx, conn.DB, procedureID)
}

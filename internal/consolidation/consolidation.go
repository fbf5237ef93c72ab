// Package consolidation implements the consolidation engine (C10): it turns
// clusters of related unsealed events into facts, procedures, and
// knowledge-graph updates via a two-system (fast heuristic, conditional
// deep-validate) pipeline, persisting the result atomically and sealing its
// source events.
package consolidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"cogkernel/internal/errkind"
	"cogkernel/internal/graph"
	"cogkernel/internal/hashing"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
	"cogkernel/internal/store"
)

// TimeWindow bounds the unsealed-event selection step.
type TimeWindow struct {
	Since time.Time
	Until time.Time
}

func (w TimeWindow) key() string {
	return w.Since.UTC().Format(time.RFC3339) + ".." + w.Until.UTC().Format(time.RFC3339)
}

// StrategyParams are the knobs spec.md §4.10 says each named strategy picks.
type StrategyParams struct {
	ClusterSimilarity       float64 // theta
	UseValidator            bool
	BatchSize               int
	MinProcedureClusterSize int
}

// strategyParams resolves one of the four named strategies. "balanced" is
// the default; the others trade recall for speed or thoroughness.
func strategyParams(name string) (StrategyParams, error) {
	switch name {
	case "", "balanced":
		return StrategyParams{ClusterSimilarity: 0.75, UseValidator: true, BatchSize: 200, MinProcedureClusterSize: 3}, nil
	case "speed":
		return StrategyParams{ClusterSimilarity: 0.70, UseValidator: false, BatchSize: 500, MinProcedureClusterSize: 3}, nil
	case "quality":
		return StrategyParams{ClusterSimilarity: 0.82, UseValidator: true, BatchSize: 100, MinProcedureClusterSize: 2}, nil
	case "minimal":
		return StrategyParams{ClusterSimilarity: 0.90, UseValidator: false, BatchSize: 50, MinProcedureClusterSize: 4}, nil
	default:
		return StrategyParams{}, errkind.New(errkind.Validation, "unknown consolidation strategy: "+name)
	}
}

// minGroundingCoverage is the §4.10 step 5 threshold: ≥ 50% of a cluster's
// events must be cited by an artifact it proposes.
const minGroundingCoverage = 0.5

// uncertaintyValidateThreshold is the §4.10 step 4 u > 0.5 trigger for
// invoking System 2.
const uncertaintyValidateThreshold = 0.5

// RunReport is consolidate(window?, strategy?)'s return value, spec.md
// §4.10 step 7 and §6.
type RunReport struct {
	Fingerprint        string
	Strategy           string
	EventsIn           int
	Clusters           int
	FactsCreated       int
	FactsReinforced    int
	ProceduresCreated  int
	DurationMs         int64
	LLMCalls           int
	LLMFailures        int
	Outcome            string // "completed", "noop", "deferred", "cancelled"
}

// Engine runs consolidation passes for a project.
type Engine struct {
	store     *store.Store
	graph     *graph.Layer
	validator Validator
	embedderAvailable bool
}

// New constructs a consolidation Engine. g may be nil, in which case
// consolidation's entity/relation writes land in the relations/entities
// tables as usual but are never mirrored into the graph layer's mangle
// engine (Neighbors queries running against the same process simply won't
// see them). validator may be nil, disabling System 2 entirely (every
// candidate is then accepted at its System 1 confidence). embedderAvailable
// reflects whether this installation has a working embedder at all —
// §4.10's "embedder unavailable during selection" pathological case is
// detected from this plus the selected events' own embedding columns.
func New(s *store.Store, g *graph.Layer, validator Validator, embedderAvailable bool) *Engine {
	return &Engine{store: s, graph: g, validator: validator, embedderAvailable: embedderAvailable}
}

// Consolidate runs one consolidation pass over projectID's unsealed events
// in window, using strategyName's parameters (default "balanced").
func (e *Engine) Consolidate(ctx context.Context, projectID int64, window TimeWindow, strategyName string) (RunReport, error) {
	timer := logging.StartTimer(logging.CategoryConsolidation, "Consolidate")
	defer timer.Stop()

	if strategyName == "" {
		strategyName = "balanced"
	}
	params, err := strategyParams(strategyName)
	if err != nil {
		return RunReport{}, err
	}

	fingerprint := hashing.Fingerprint(strconv.FormatInt(projectID, 10), window.key(), strategyName)
	report := RunReport{Fingerprint: fingerprint, Strategy: strategyName, Outcome: "completed"}
	start := time.Now()

	release, ok := e.store.TryAcquireAdvisoryLock(ctx, "consolidation:"+fingerprint)
	if !ok {
		return RunReport{}, errkind.New(errkind.Conflict, "a consolidation run is already active for this fingerprint")
	}
	defer release()

	conn, err := e.store.Acquire(ctx)
	if err != nil {
		return RunReport{}, err
	}
	defer conn.Release()

	events, err := selectUnsealedEvents(ctx, conn.DB, projectID, window, params.BatchSize)
	if err != nil {
		return RunReport{}, err
	}
	report.EventsIn = len(events)

	if len(events) == 0 {
		report.Outcome = "noop"
		report.DurationMs = time.Since(start).Milliseconds()
		e.persistRunReport(ctx, conn.DB, projectID, report)
		return report, nil
	}

	if !e.embedderAvailable && allEmbeddingsNil(events) {
		report.Outcome = "deferred"
		report.DurationMs = time.Since(start).Milliseconds()
		return report, errkind.New(errkind.Degraded, "embedder unavailable and no event in window carries an embedding; run deferred")
	}

	clusters := clusterEvents(events, params.ClusterSimilarity)
	report.Clusters = len(clusters)

	existingFacts, err := loadHighConfidenceFacts(ctx, conn.DB, projectID)
	if err != nil {
		return RunReport{}, err
	}

	var candidates []candidate
	for _, c := range clusters {
		candidates = append(candidates, proposeCandidates(c, params)...)
	}

	for i := range candidates {
		cand := &candidates[i]
		contradicts := contradictsExisting(existingFacts, cand)
		needsDeepValidation := cand.uncertainty > uncertaintyValidateThreshold || contradicts

		if needsDeepValidation && params.UseValidator && e.validator != nil {
			report.LLMCalls++
			vctx, cancel := context.WithTimeout(ctx, ValidatorTimeout)
			verdict, err := e.validator.Validate(vctx, cand.clusterSummary, cand.statement)
			cancel()

			if err != nil {
				report.LLMFailures++
				cand.confidence *= 0.7
				logging.Get(logging.CategoryConsolidation).Warn("Consolidate: validator call failed, falling back to System 1 with confidence*=0.7: %v", err)
			} else if verdict.Refute {
				cand.dropped = true
			} else {
				if verdict.Refinement != "" {
					cand.statement = verdict.Refinement
				}
				cand.confidence = verdict.Confidence
			}
		}

		coverage := float64(len(cand.sourceEventIDs)) / float64(len(cand.clusterEventIDs))
		if coverage < minGroundingCoverage {
			cand.dropped = true
		}
	}

	resolveContradictions(candidates)

	select {
	case <-ctx.Done():
		report.Outcome = "cancelled"
		return report, errkind.Wrap(errkind.Cancelled, "consolidation cancelled before persist", ctx.Err())
	default:
	}

	factsCreated, factsReinforced, proceduresCreated, touched, err := e.persist(ctx, conn.DB, projectID, fingerprint, candidates, events)
	if err != nil {
		return RunReport{}, err
	}
	report.FactsCreated = factsCreated
	report.FactsReinforced = factsReinforced
	report.ProceduresCreated = proceduresCreated
	report.DurationMs = time.Since(start).Milliseconds()

	if e.graph != nil {
		e.refreshGraph(ctx, touched)
	}

	e.persistRunReport(ctx, conn.DB, projectID, report)
	return report, nil
}

// refreshGraph re-asserts persist's raw-SQL entity/relation writes into the
// graph layer's mangle mirror, so a Neighbors query run later in this
// process sees what this consolidation pass just wrote instead of only
// what warmFromStore loaded at startup.
func (e *Engine) refreshGraph(ctx context.Context, touched *graphTouched) {
	if touched == nil {
		return
	}
	log := logging.Get(logging.CategoryConsolidation)
	for _, id := range touched.entityIDs {
		if err := e.graph.RefreshEntity(ctx, id); err != nil {
			log.Warn("refreshGraph: failed to mirror entity %d into mangle: %v", id, err)
		}
	}
	for _, rel := range touched.relations {
		if err := e.graph.RefreshRelation(ctx, rel.from, rel.to, rel.kind); err != nil {
			log.Warn("refreshGraph: failed to mirror relation %d->%d into mangle: %v", rel.from, rel.to, err)
		}
	}
}

func allEmbeddingsNil(events []seedEvent) bool {
	for _, e := range events {
		if e.embedding != nil {
			return false
		}
	}
	return true
}

func selectUnsealedEvents(ctx context.Context, db *sql.DB, projectID int64, window TimeWindow, limit int) ([]seedEvent, error) {
	where := []string{"project_id = ?", "consolidation_state = 'unsealed'"}
	args := []interface{}{projectID}
	if !window.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, window.Since)
	}
	if !window.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, window.Until)
	}
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, `
		SELECT id, project_id, created_at, version, content, kind, outcome, context, content_hash, embedding, importance, consolidation_state, consolidation_run_id
		FROM events WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "select unsealed events", err)
	}
	defer rows.Close()

	var out []seedEvent
	for rows.Next() {
		var e model.Event
		var contextJSON string
		var embeddingBlob []byte
		var runID sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.CreatedAt, &e.Version, &e.Content, &e.Kind, &e.Outcome, &contextJSON, &e.ContentHash, &embeddingBlob, &e.Importance, &e.ConsolidationState, &runID); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "scan unsealed event", err)
		}
		if runID.Valid {
			e.ConsolidationRunID = runID.String
		}
		if contextJSON != "" {
			if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
				return nil, errkind.Wrap(errkind.Internal, "unmarshal event context", err)
			}
		}
		out = append(out, seedEvent{event: e, embedding: decodeEmbedding(embeddingBlob)})
	}
	return out, nil
}

func loadHighConfidenceFacts(ctx context.Context, db *sql.DB, projectID int64) ([]model.Fact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, statement, domain, confidence FROM facts WHERE project_id = ? AND confidence >= 0.8 AND archived = 0
	`, projectID)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "load high confidence facts", err)
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		var f model.Fact
		if err := rows.Scan(&f.ID, &f.Statement, &f.Domain, &f.Confidence); err == nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func contradictsExisting(existing []model.Fact, cand *candidate) bool {
	if cand.kind != candidateFact {
		return false
	}
	for _, f := range existing {
		if f.Domain == cand.domain && f.Statement != cand.statement && strings.EqualFold(factSubject(f.Statement), factSubject(cand.statement)) {
			return true
		}
	}
	return false
}

// factSubject returns a crude "subject" for contradiction comparison: the
// leading clause up to the first verb-ish separator. Good enough to flag
// two facts about the same domain/subject with different predicates.
func factSubject(statement string) string {
	for _, sep := range []string{" is ", " are ", " has ", " uses "} {
		if idx := strings.Index(statement, sep); idx != -1 {
			return statement[:idx]
		}
	}
	return statement
}

// resolveContradictions implements §4.10's pathological case: two surviving
// candidates that contradict each other are resolved in favor of whichever
// cites more events; ties keep both, each halved.
func resolveContradictions(candidates []candidate) {
	for i := range candidates {
		if candidates[i].dropped || candidates[i].kind != candidateFact {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].dropped || candidates[j].kind != candidateFact {
				continue
			}
			if candidates[i].domain != candidates[j].domain || !strings.EqualFold(factSubject(candidates[i].statement), factSubject(candidates[j].statement)) {
				continue
			}
			if candidates[i].statement == candidates[j].statement {
				continue
			}

			ni, nj := len(candidates[i].sourceEventIDs), len(candidates[j].sourceEventIDs)
			switch {
			case ni > nj:
				candidates[j].dropped = true
			case nj > ni:
				candidates[i].dropped = true
			default:
				candidates[i].confidence *= 0.5
				candidates[j].confidence *= 0.5
			}
		}
	}
}

func (e *Engine) persistRunReport(ctx context.Context, db *sql.DB, projectID int64, report RunReport) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO consolidation_runs (project_id, fingerprint, strategy, duration_ms, events_in, clusters, facts_created, facts_reinforced, procedures_created, llm_calls, llm_failures, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, projectID, report.Fingerprint, report.Strategy, report.DurationMs, report.EventsIn, report.Clusters, report.FactsCreated, report.FactsReinforced, report.ProceduresCreated, report.LLMCalls, report.LLMFailures, report.Outcome)
	if err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("persistRunReport: failed to record run report: %v", err)
	}
}

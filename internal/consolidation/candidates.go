package consolidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
)

// graphTouched accumulates the entity ids and relation edges a persist
// pass wrote directly against the entities/relations tables, so the caller
// can re-assert exactly those into the graph layer's mangle mirror once
// the writing transaction commits.
type graphTouched struct {
	entityIDs []int64
	relations []relationEdge
}

type relationEdge struct {
	from, to int64
	kind     string
}

type candidateKind int

const (
	candidateFact candidateKind = iota
	candidateProcedure
)

// candidate is one proposed artifact awaiting (possibly) System 2 review,
// grounding-coverage check, and persist. clusterEventIDs is every event in
// the cluster that produced it; sourceEventIDs is the subset actually cited
// — grounding coverage is len(sourceEventIDs)/len(clusterEventIDs).
type candidate struct {
	kind            candidateKind
	domain          string
	statement       string
	confidence      float64
	uncertainty     float64
	clusterSummary  string
	sourceEventIDs  []int64
	clusterEventIDs []int64
	dropped         bool

	procedureName  string
	procedureCat   string
	procedureSteps []model.Step

	entityNames []string
}

// proposeCandidates implements §4.10 step 3: per cluster, a candidate fact
// summarizing its recurrent content, an optional candidate procedure if the
// cluster holds enough tool_use events to look like a repeatable sequence,
// and the entity names referenced for later graph updates.
func proposeCandidates(c cluster, params StrategyParams) []candidate {
	if len(c.members) == 0 {
		return nil
	}

	clusterIDs := make([]int64, len(c.members))
	for i, m := range c.members {
		clusterIDs[i] = m.event.ID
	}

	domain := inferDomain(c)
	summary := clusterSummary(c)
	baseConfidence := 1 - c.uncertainty/2 // u in [0,1] halves its pull on confidence

	out := []candidate{{
		kind:            candidateFact,
		domain:          domain,
		statement:       summarizeStatement(c),
		confidence:      clamp01(0.5 + baseConfidence/2),
		uncertainty:     c.uncertainty,
		clusterSummary:  summary,
		sourceEventIDs:  clusterIDs,
		clusterEventIDs: clusterIDs,
		entityNames:     extractEntityNames(c),
	}}

	if steps, name, ok := extractProcedure(c, params.MinProcedureClusterSize); ok {
		out = append(out, candidate{
			kind:            candidateProcedure,
			domain:          domain,
			statement:       name,
			confidence:      clamp01(0.5 + baseConfidence/2),
			uncertainty:     c.uncertainty,
			clusterSummary:  summary,
			sourceEventIDs:  clusterIDs,
			clusterEventIDs: clusterIDs,
			procedureName:   name,
			procedureCat:    domain,
			procedureSteps:  steps,
		})
	}

	return out
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// inferDomain picks the most common "domain" context value in the cluster,
// falling back to the event kind of its first member.
func inferDomain(c cluster) string {
	counts := map[string]int{}
	for _, m := range c.members {
		if d, ok := m.event.Context["domain"]; ok && d != "" {
			counts[d]++
		}
	}
	best, bestCount := "", 0
	for d, n := range counts {
		if n > bestCount {
			best, bestCount = d, n
		}
	}
	if best != "" {
		return best
	}
	return string(c.members[0].event.Kind)
}

// summarizeStatement builds a candidate fact's statement from the cluster's
// most frequent content line, truncated to a reasonable length. Real
// summarization is System 2's job when uncertainty warrants it; this is
// System 1's cheap heuristic.
func summarizeStatement(c cluster) string {
	counts := map[string]int{}
	for _, m := range c.members {
		content := strings.TrimSpace(m.event.Content)
		if content != "" {
			counts[content]++
		}
	}
	best, bestCount := "", 0
	for content, n := range counts {
		if n > bestCount {
			best, bestCount = content, n
		}
	}
	if best == "" && len(c.members) > 0 {
		best = strings.TrimSpace(c.members[0].event.Content)
	}
	const maxLen = 400
	if len(best) > maxLen {
		best = best[:maxLen]
	}
	return best
}

func clusterSummary(c cluster) string {
	var b strings.Builder
	for i, m := range c.members {
		if i >= 10 {
			fmt.Fprintf(&b, "... and %d more events\n", len(c.members)-10)
			break
		}
		fmt.Fprintf(&b, "- [%s/%s] %s\n", m.event.Kind, m.event.Outcome, truncate(m.event.Content, 200))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// extractProcedure looks for a repeatable tool_use sequence: at least min
// tool_use events in arrival order. Their content becomes each step's
// action; this is a heuristic extraction, not a guarantee of a "real"
// procedure — System 2 validation is expected to catch spurious ones.
func extractProcedure(c cluster, min int) ([]model.Step, string, bool) {
	var steps []model.Step
	for _, m := range c.members {
		if m.event.Kind != model.EventToolUse {
			continue
		}
		steps = append(steps, model.Step{Action: strings.TrimSpace(m.event.Content)})
	}
	if len(steps) < min {
		return nil, "", false
	}
	name := fmt.Sprintf("procedure-%s", shortHash(steps))
	return steps, name, true
}

func shortHash(steps []model.Step) string {
	var b strings.Builder
	for _, s := range steps {
		b.WriteString(s.Action)
		b.WriteByte('|')
	}
	sum := 0
	for _, r := range b.String() {
		sum = sum*31 + int(r)
	}
	if sum < 0 {
		sum = -sum
	}
	return fmt.Sprintf("%x", sum)
}

// extractEntityNames pulls candidate entity names from event context values
// keyed "entity" or "subject" — a conservative heuristic; anything not
// explicitly tagged is left to a future, richer extractor.
func extractEntityNames(c cluster) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range c.members {
		for _, key := range []string{"entity", "subject"} {
			if v, ok := m.event.Context[key]; ok && v != "" && !seen[v] {
				seen[v] = true
				names = append(names, v)
			}
		}
	}
	return names
}

// persist applies every surviving candidate in one transaction: facts are
// created or reinforced, procedures created, referenced entities/relations
// upserted, and every cited event sealed. Failure rolls back the whole
// batch — no partially-consolidated state is ever observable. This bypasses
// semantic.Layer.Remember and procedural.Layer.CreateProcedure, which each
// open and commit their own transaction and so cannot be composed into one
// atomic unit; the statements below are deliberately raw SQL against a
// single shared *sql.Tx instead.
func (e *Engine) persist(ctx context.Context, db *sql.DB, projectID int64, fingerprint string, candidates []candidate, events []seedEvent) (factsCreated, factsReinforced, proceduresCreated int, touched *graphTouched, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, nil, errkind.Wrap(errkind.Internal, "begin consolidation persist transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	sealed := map[int64]bool{}
	touched = &graphTouched{}

	for _, cand := range candidates {
		if cand.dropped {
			continue
		}

		switch cand.kind {
		case candidateFact:
			created, err := persistFact(ctx, tx, projectID, cand)
			if err != nil {
				return 0, 0, 0, nil, err
			}
			if created {
				factsCreated++
			} else {
				factsReinforced++
			}
		case candidateProcedure:
			created, err := persistProcedure(ctx, tx, projectID, cand)
			if err != nil {
				return 0, 0, 0, nil, err
			}
			if created {
				proceduresCreated++
			}
		}

		if err := persistEntities(ctx, tx, projectID, cand, touched); err != nil {
			return 0, 0, 0, nil, err
		}

		for _, id := range cand.sourceEventIDs {
			sealed[id] = true
		}
	}

	for id := range sealed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET consolidation_state = 'sealed', consolidation_run_id = ? WHERE id = ? AND project_id = ?
		`, fingerprint, id, projectID); err != nil {
			return 0, 0, 0, nil, errkind.Wrap(errkind.Internal, "seal consolidated event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, nil, errkind.Wrap(errkind.Internal, "commit consolidation persist transaction", err)
	}
	committed = true

	logging.Get(logging.CategoryConsolidation).Info("persist: facts_created=%d facts_reinforced=%d procedures_created=%d sealed=%d", factsCreated, factsReinforced, proceduresCreated, len(sealed))
	return factsCreated, factsReinforced, proceduresCreated, touched, nil
}

// persistFact inserts a new fact or reinforces an existing one matching the
// same (project, domain, statement), returning true iff it was newly
// created. Source events are linked regardless.
func persistFact(ctx context.Context, tx *sql.Tx, projectID int64, cand candidate) (bool, error) {
	var factID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM facts WHERE project_id = ? AND domain = ? AND statement = ?`, projectID, cand.domain, cand.statement).Scan(&factID)

	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO facts (project_id, statement, domain, confidence, support_count, contradiction_count)
			VALUES (?, ?, ?, ?, 1, 0)
		`, projectID, cand.statement, cand.domain, cand.confidence)
		if err != nil {
			return false, errkind.Wrap(errkind.Internal, "insert consolidated fact", err)
		}
		factID, err = res.LastInsertId()
		if err != nil {
			return false, errkind.Wrap(errkind.Internal, "read inserted fact id", err)
		}
		if err := linkFactSources(ctx, tx, factID, cand.sourceEventIDs); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, errkind.Wrap(errkind.Internal, "look up existing fact", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE facts SET support_count = support_count + 1, confidence = MIN(1.0, confidence + 0.05), last_reinforced_at = CURRENT_TIMESTAMP, version = version + 1
		WHERE id = ?
	`, factID); err != nil {
		return false, errkind.Wrap(errkind.Internal, "reinforce existing fact", err)
	}
	if err := linkFactSources(ctx, tx, factID, cand.sourceEventIDs); err != nil {
		return false, err
	}
	return false, nil
}

func linkFactSources(ctx context.Context, tx *sql.Tx, factID int64, eventIDs []int64) error {
	for _, id := range eventIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO fact_source_events (fact_id, event_id) VALUES (?, ?)`, factID, id); err != nil {
			return errkind.Wrap(errkind.Internal, "link consolidated fact source event", err)
		}
	}
	return nil
}

// persistProcedure inserts a new procedure if its (project, name) pair
// doesn't already exist; existing procedures are left to the procedural
// layer's own RecordExecution/UpdateSteps to evolve.
func persistProcedure(ctx context.Context, tx *sql.Tx, projectID int64, cand candidate) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM procedures WHERE project_id = ? AND name = ?`, projectID, cand.procedureName).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, errkind.Wrap(errkind.Internal, "look up existing procedure", err)
	}

	stepsJSON, err := json.Marshal(cand.procedureSteps)
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, "marshal procedure steps", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO procedures (project_id, name, category, steps, parameters, success_rate, execution_count, avg_duration_ms)
		VALUES (?, ?, ?, ?, '{}', 0, 0, 0)
	`, projectID, cand.procedureName, cand.procedureCat, string(stepsJSON))
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, "insert consolidated procedure", err)
	}
	procID, err := res.LastInsertId()
	if err != nil {
		return false, errkind.Wrap(errkind.Internal, "read inserted procedure id", err)
	}

	for _, id := range cand.sourceEventIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO procedure_grounding_events (procedure_id, event_id) VALUES (?, ?)`, procID, id); err != nil {
			return false, errkind.Wrap(errkind.Internal, "link procedure grounding event", err)
		}
	}
	return true, nil
}

// persistEntities upserts every referenced entity name as a graph node and
// links consecutive references with a co_occurs relation, evidenced by the
// candidate's source events. This is consolidation's only graph write path;
// richer relation kinds are left to a dedicated extraction pass (not yet
// built — see DESIGN.md). Every entity/relation it touches is recorded on
// touched so the caller can re-assert it into the graph layer's mangle
// mirror after this transaction commits — persist shares one *sql.Tx
// across facts, procedures, and entities/relations, so it writes the
// latter with raw SQL rather than through graph.Layer's own
// UpsertEntity/Link (each of which acquires and commits its own
// connection).
func persistEntities(ctx context.Context, tx *sql.Tx, projectID int64, cand candidate, touched *graphTouched) error {
	if len(cand.entityNames) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(cand.entityNames))
	for _, name := range cand.entityNames {
		id, err := upsertEntity(ctx, tx, projectID, name, cand.domain)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		touched.entityIDs = append(touched.entityIDs, id)
	}

	evidence, err := json.Marshal(cand.sourceEventIDs)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "marshal relation evidence", err)
	}

	for i := 0; i+1 < len(ids); i++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relations (project_id, from_id, to_id, kind, weight, evidence)
			VALUES (?, ?, ?, 'co_occurs', 0.5, ?)
			ON CONFLICT(project_id, from_id, to_id, kind) DO UPDATE SET
				weight = MIN(1.0, weight + 0.1), evidence = excluded.evidence, version = version + 1
		`, projectID, ids[i], ids[i+1], string(evidence)); err != nil {
			return errkind.Wrap(errkind.Internal, "upsert consolidated relation", err)
		}
		touched.relations = append(touched.relations, relationEdge{from: ids[i], to: ids[i+1], kind: "co_occurs"})
	}
	return nil
}

func upsertEntity(ctx context.Context, tx *sql.Tx, projectID int64, name, kind string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM entities WHERE project_id = ? AND name = ? AND kind = ?`, projectID, name, kind).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errkind.Wrap(errkind.Internal, "look up existing entity", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO entities (project_id, name, kind, properties) VALUES (?, ?, ?, '{}')`, projectID, name, kind)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, "insert consolidated entity", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, "read inserted entity id", err)
	}
	return id, nil
}

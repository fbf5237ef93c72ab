// Package meta implements the meta layer (C9): a passive observer over
// every other layer that periodically samples five quality dimensions and
// surfaces alerts when working-memory saturation runs hot for too long.
package meta

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/store"
)

// QualitySummary is quality_summary(project) -> Q from spec.md §4.9.
type QualitySummary struct {
	ProjectID   int64
	SampledAt   time.Time
	Density     float64
	Coverage    float64
	Coherence   float64
	Saturation  float64
	RecallProxy float64
}

// coverageWindow bounds "the last rolling window" coverage is sampled
// over, and recallProxySampleCap bounds "the last K queries" recall_proxy is
// averaged over.
const (
	coverageWindow       = 7 * 24 * time.Hour
	recallProxySampleCap = 50
	workingMemoryCap     = 7 // Miller's cap, spec.md §4.9
	aggregateLayerLabel  = "aggregate"
)

// Layer is the meta layer's handle onto the storage engine and its
// Prometheus gauges.
type Layer struct {
	store *store.Store

	density     *prometheus.GaugeVec
	coverage    *prometheus.GaugeVec
	coherence   *prometheus.GaugeVec
	saturation  *prometheus.GaugeVec
	recallProxy *prometheus.GaugeVec
}

// New constructs the meta layer and registers its gauges against reg.
// Passing nil uses prometheus.DefaultRegisterer, matching the pack's own
// init-time MustRegister convention.
func New(s *store.Store, reg prometheus.Registerer) (*Layer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	l := &Layer{
		store: s,
		density: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cogkernel", Subsystem: "meta", Name: "density",
			Help: "Facts-to-events ratio, log-squashed into [0,1].",
		}, []string{"project_id"}),
		coverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cogkernel", Subsystem: "meta", Name: "coverage",
			Help: "Fraction of known domains with at least one fact in the rolling window.",
		}, []string{"project_id"}),
		coherence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cogkernel", Subsystem: "meta", Name: "coherence",
			Help: "Average weight of knowledge-graph relations.",
		}, []string{"project_id"}),
		saturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cogkernel", Subsystem: "meta", Name: "saturation",
			Help: "Unsealed event count divided by Miller's cap (7).",
		}, []string{"project_id"}),
		recallProxy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cogkernel", Subsystem: "meta", Name: "recall_proxy",
			Help: "Mean retrieval score over the last sampled queries.",
		}, []string{"project_id"}),
	}

	for _, c := range []prometheus.Collector{l.density, l.coverage, l.coherence, l.saturation, l.recallProxy} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, errkind.Wrap(errkind.Internal, "register meta gauges", err)
			}
		}
	}

	return l, nil
}

// SampleOnce computes all five quality dimensions for projectID, persists
// them as a quality_records row, updates the Prometheus gauges, and
// returns the summary.
func (l *Layer) SampleOnce(ctx context.Context, projectID int64) (QualitySummary, error) {
	timer := logging.StartTimer(logging.CategoryMeta, "SampleOnce")
	defer timer.Stop()

	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return QualitySummary{}, err
	}
	defer conn.Release()

	density, err := l.sampleDensity(ctx, conn.DB, projectID)
	if err != nil {
		return QualitySummary{}, err
	}
	coverage, err := l.sampleCoverage(ctx, conn.DB, projectID)
	if err != nil {
		return QualitySummary{}, err
	}
	coherence, err := l.sampleCoherence(ctx, conn.DB, projectID)
	if err != nil {
		return QualitySummary{}, err
	}
	saturation, err := l.sampleSaturation(ctx, conn.DB, projectID)
	if err != nil {
		return QualitySummary{}, err
	}
	recallProxy, err := l.sampleRecallProxy(ctx, conn.DB, projectID)
	if err != nil {
		return QualitySummary{}, err
	}

	summary := QualitySummary{
		ProjectID:   projectID,
		SampledAt:   time.Now(),
		Density:     density,
		Coverage:    coverage,
		Coherence:   coherence,
		Saturation:  saturation,
		RecallProxy: recallProxy,
	}

	if _, err := conn.DB.ExecContext(ctx, `
		INSERT INTO quality_records (project_id, layer, density, coverage, coherence, recall_proxy, saturation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, projectID, aggregateLayerLabel, density, coverage, coherence, recallProxy, saturation); err != nil {
		return QualitySummary{}, errkind.Wrap(errkind.Internal, "persist quality_record", err)
	}

	label := prometheus.Labels{"project_id": formatProjectID(projectID)}
	l.density.With(label).Set(density)
	l.coverage.With(label).Set(coverage)
	l.coherence.With(label).Set(coherence)
	l.saturation.With(label).Set(saturation)
	l.recallProxy.With(label).Set(recallProxy)

	return summary, nil
}

// logSquash maps [0, inf) to [0, 1) monotonically, used to clamp density's
// unbounded facts/events ratio per spec.md §4.9.
func logSquash(x float64) float64 {
	if x <= 0 {
		return 0
	}
	l := math.Log1p(x)
	return l / (1 + l)
}

func (l *Layer) sampleDensity(ctx context.Context, db *sql.DB, projectID int64) (float64, error) {
	var facts, events int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE project_id = ? AND archived = 0`, projectID).Scan(&facts); err != nil {
		return 0, errkind.Wrap(errkind.Internal, "count facts for density", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE project_id = ?`, projectID).Scan(&events); err != nil {
		return 0, errkind.Wrap(errkind.Internal, "count events for density", err)
	}
	if events == 0 {
		return 0, nil
	}
	return logSquash(float64(facts) / float64(events)), nil
}

func (l *Layer) sampleCoverage(ctx context.Context, db *sql.DB, projectID int64) (float64, error) {
	var totalDomains int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT domain) FROM facts WHERE project_id = ? AND archived = 0`, projectID).Scan(&totalDomains); err != nil {
		return 0, errkind.Wrap(errkind.Internal, "count total domains for coverage", err)
	}
	if totalDomains == 0 {
		return 0, nil
	}

	windowStart := time.Now().Add(-coverageWindow)
	var activeDomains int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT domain) FROM facts WHERE project_id = ? AND archived = 0 AND last_reinforced_at >= ?
	`, projectID, windowStart).Scan(&activeDomains); err != nil {
		return 0, errkind.Wrap(errkind.Internal, "count active domains for coverage", err)
	}

	return float64(activeDomains) / float64(totalDomains), nil
}

func (l *Layer) sampleCoherence(ctx context.Context, db *sql.DB, projectID int64) (float64, error) {
	var avgWeight sql.NullFloat64
	if err := db.QueryRowContext(ctx, `SELECT AVG(weight) FROM relations WHERE project_id = ?`, projectID).Scan(&avgWeight); err != nil {
		return 0, errkind.Wrap(errkind.Internal, "average relation weight for coherence", err)
	}
	if !avgWeight.Valid {
		return 0, nil
	}
	return avgWeight.Float64, nil
}

// sampleSaturation uses unsealed event count, per project, as the proxy
// for "active working-memory item count": spec.md names no other source
// of working-memory state, and consolidation_state='unsealed' is exactly
// this kernel's set of events not yet folded into durable knowledge.
func (l *Layer) sampleSaturation(ctx context.Context, db *sql.DB, projectID int64) (float64, error) {
	var unsealed int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE project_id = ? AND consolidation_state = 'unsealed'
	`, projectID).Scan(&unsealed); err != nil {
		return 0, errkind.Wrap(errkind.Internal, "count unsealed events for saturation", err)
	}
	return float64(unsealed) / float64(workingMemoryCap), nil
}

func (l *Layer) sampleRecallProxy(ctx context.Context, db *sql.DB, projectID int64) (float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT score FROM retrieval_score_samples WHERE project_id = ? ORDER BY recorded_at DESC LIMIT ?
	`, projectID, recallProxySampleCap)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, "read retrieval score samples", err)
	}
	defer rows.Close()

	var sum float64
	var count int
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err == nil {
			sum += score
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

// RecordRetrievalScore logs one unified-retrieval score sample; the
// retrieval layer (C11) calls this after every recall_unified/smart_retrieve
// not served from its cache, so recall_proxy has live data to average over.
func (l *Layer) RecordRetrievalScore(ctx context.Context, projectID int64, score float64) error {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.DB.ExecContext(ctx, `
		INSERT INTO retrieval_score_samples (project_id, score) VALUES (?, ?)
	`, projectID, score); err != nil {
		return errkind.Wrap(errkind.Internal, "record retrieval score", err)
	}
	return nil
}

// Latest returns the most recently persisted quality_summary for projectID.
func (l *Layer) Latest(ctx context.Context, projectID int64) (QualitySummary, error) {
	conn, err := l.store.Acquire(ctx)
	if err != nil {
		return QualitySummary{}, err
	}
	defer conn.Release()

	var q QualitySummary
	q.ProjectID = projectID
	err = conn.DB.QueryRowContext(ctx, `
		SELECT sampled_at, density, coverage, coherence, recall_proxy, saturation
		FROM quality_records WHERE project_id = ? AND layer = ? ORDER BY sampled_at DESC LIMIT 1
	`, projectID, aggregateLayerLabel).Scan(&q.SampledAt, &q.Density, &q.Coverage, &q.Coherence, &q.RecallProxy, &q.Saturation)
	if err == sql.ErrNoRows {
		return QualitySummary{}, errkind.New(errkind.NotFound, "no quality samples recorded yet")
	}
	if err != nil {
		return QualitySummary{}, errkind.Wrap(errkind.Internal, "read latest quality_record", err)
	}
	return q, nil
}

func formatProjectID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Package kernel implements the scheduler/kernel (C13): the single request
// router every external surface (CLI, ingest transport) goes through, plus
// the background goroutine pool that drives the consolidation cadence and
// the meta layer's sampling cadence independently of request handling.
package kernel

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"cogkernel/internal/config"
	"cogkernel/internal/consolidation"
	"cogkernel/internal/embedding"
	"cogkernel/internal/episodic"
	"cogkernel/internal/errkind"
	"cogkernel/internal/graph"
	"cogkernel/internal/meta"
	"cogkernel/internal/procedural"
	"cogkernel/internal/prospective"
	"cogkernel/internal/retrieval"
	"cogkernel/internal/semantic"
	"cogkernel/internal/store"
	"cogkernel/internal/verification"
)

// Kernel wires every layer into one dispatch point. Any embedder/validator
// dependency is optional (nil is a legal value for every layer constructor
// that accepts one) — a kernel built with none still serves every operation
// that doesn't require embeddings, degraded rather than unavailable.
type Kernel struct {
	Config *config.Config
	Store  *store.Store

	Semantic      *semantic.Layer
	Procedural    *procedural.Layer
	Episodic      *episodic.Layer
	Graph         *graph.Layer
	Prospective   *prospective.Layer
	Meta          *meta.Layer
	Consolidation *consolidation.Engine
	Retrieval     *retrieval.Engine
	Gateway       *verification.Gateway

	projects *projectRegistry
}

// Deps carries the optional external dependencies New needs to build a
// Kernel on top of an already-open Store. Embedder and Validator are the
// same narrow interfaces the semantic/procedural/episodic layers and the
// consolidation engine already accept; Registerer defaults to
// prometheus.DefaultRegisterer when nil.
type Deps struct {
	Embedder          embedding.EmbeddingEngine
	Validator         consolidation.Validator
	EmbedderAvailable bool
	Registerer        prometheus.Registerer
	Remediate         verification.RemediateFunc
}

// New constructs a Kernel from an open Store and configuration, wiring the
// eight data-model layers the way spec.md §5's component list requires.
func New(ctx context.Context, cfg *config.Config, s *store.Store, deps Deps) (*Kernel, error) {
	var embedder *embedderAdapter
	if deps.Embedder != nil {
		embedder = newEmbedderAdapter(deps.Embedder)
	}

	// A nil *embedderAdapter still satisfies each layer's Embedder interface
	// as a non-nil interface value wrapping a nil pointer, which would panic
	// on first use; pass a literal nil interface instead so layers degrade
	// to their no-embedder code paths exactly as their own tests exercise.
	var semanticEmbedder semantic.Embedder
	var proceduralEmbedder procedural.Embedder
	var episodicEmbedder episodic.Embedder
	if embedder != nil {
		semanticEmbedder, proceduralEmbedder, episodicEmbedder = embedder, embedder, embedder
	}

	semanticLayer := semantic.New(s, semanticEmbedder, semantic.DefaultTuning())
	proceduralLayer := procedural.New(s, proceduralEmbedder)

	episodicLayer, err := episodic.New(s, episodicEmbedder)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "kernel: episodic layer", err)
	}

	graphLayer, err := graph.New(ctx, s)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "kernel: graph layer", err)
	}

	prospectiveLayer := prospective.New(s)

	metaLayer, err := meta.New(s, deps.Registerer)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "kernel: meta layer", err)
	}

	consolidationEngine := consolidation.New(s, graphLayer, deps.Validator, deps.EmbedderAvailable)
	retrievalEngine := retrieval.New(semanticLayer, proceduralLayer, episodicLayer, graphLayer, metaLayer)
	gateway := verification.NewGateway(deps.Remediate)

	semanticLayer.SetGateway(gateway)

	registry, err := newProjectRegistry(ctx, s)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "kernel: project registry", err)
	}

	return &Kernel{
		Config:        cfg,
		Store:         s,
		Semantic:      semanticLayer,
		Procedural:    proceduralLayer,
		Episodic:      episodicLayer,
		Graph:         graphLayer,
		Prospective:   prospectiveLayer,
		Meta:          metaLayer,
		Consolidation: consolidationEngine,
		Retrieval:     retrievalEngine,
		Gateway:       gateway,
		projects:      registry,
	}, nil
}

// ResolveProject maps the ingest schema's external project name to the
// internal monotone project_id every layer keys on, assigning one the
// first time a name is seen.
func (k *Kernel) ResolveProject(ctx context.Context, name string) (int64, error) {
	return k.projects.resolve(ctx, name)
}

// KnownProjects returns the project_id of every project ever resolved,
// for background jobs (the consolidation and meta-sampling cron
// schedulers) that need to iterate over all active projects rather than
// one request's worth.
func (k *Kernel) KnownProjects() []int64 {
	return k.projects.allIDs()
}

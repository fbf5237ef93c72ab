// Package retrieval implements the retrieval orchestrator (C11): a single
// fan-out entry point across the episodic, semantic, procedural, and graph
// layers, with strategy selection, result caching, and request-coalescing
// so concurrent identical queries share one underlying fan-out.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"cogkernel/internal/episodic"
	"cogkernel/internal/errkind"
	"cogkernel/internal/graph"
	"cogkernel/internal/logging"
	"cogkernel/internal/meta"
	"cogkernel/internal/model"
	"cogkernel/internal/procedural"
	"cogkernel/internal/semantic"
)

// Strategy names smart_retrieve chooses between. "auto" picks one of the
// other three from the query's own shape.
const (
	StrategyAuto       = "auto"
	StrategyFull       = "full"       // fan out to every layer
	StrategyFactsOnly  = "facts_only" // semantic recall only — cheap, for short/keyword queries
	StrategyNoGraph    = "no_graph"   // everything except graph expansion — graph lookups are the slowest hop
)

// DefaultCacheSize and DefaultCacheTTL bound the result cache. A query
// result is cheap to recompute and can go stale the moment new events land,
// so the TTL is short by design — this is a latency smoothing cache, not a
// correctness-bearing one.
const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 30 * time.Second
)

// RecallOptions tunes one unified recall call.
type RecallOptions struct {
	Strategy    string // one of the Strategy* constants; "" means StrategyAuto
	Domain      string // narrows semantic.Recall and procedural.FindProcedures
	Limit       int    // per-source result cap
	GraphDepth  int    // Neighbors() depth when graph expansion runs
	SkipCache   bool
}

// UnifiedResult is one recall_unified/smart_retrieve response: the blended
// view across every layer that ran for this query.
type UnifiedResult struct {
	Facts         []semantic.RankedFact
	Procedures    []procedural.RankedProcedure
	Events        []model.Event
	GraphEntities []model.Entity
	Strategy      string
	CacheHit      bool
}

// Engine is the retrieval orchestrator's handle onto every layer it fans
// out to. Any layer field may be nil, in which case that source is simply
// skipped — a partially-wired kernel degrades retrieval breadth, not
// availability.
type Engine struct {
	semantic   *semantic.Layer
	procedural *procedural.Layer
	episodic   *episodic.Layer
	graph      *graph.Layer
	meta       *meta.Layer

	cache *expirable.LRU[string, UnifiedResult]
	group singleflight.Group
}

// New constructs a retrieval Engine. metaLayer may be nil, which simply
// disables recall_proxy score feedback.
func New(semanticLayer *semantic.Layer, proceduralLayer *procedural.Layer, episodicLayer *episodic.Layer, graphLayer *graph.Layer, metaLayer *meta.Layer) *Engine {
	return &Engine{
		semantic:   semanticLayer,
		procedural: proceduralLayer,
		episodic:   episodicLayer,
		graph:      graphLayer,
		meta:       metaLayer,
		cache:      expirable.NewLRU[string, UnifiedResult](DefaultCacheSize, nil, DefaultCacheTTL),
	}
}

// Recall runs recall_unified: a fan-out across every wired layer, blended
// into one UnifiedResult. Identical concurrent calls (same cache key) share
// one fan-out via singleflight; repeat calls within DefaultCacheTTL are
// served from cache.
func (e *Engine) Recall(ctx context.Context, projectID int64, query string, opts RecallOptions) (UnifiedResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Recall")
	defer timer.Stop()

	strategy := opts.Strategy
	if strategy == "" || strategy == StrategyAuto {
		strategy = smartRetrieveStrategy(query)
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.GraphDepth <= 0 {
		opts.GraphDepth = 1
	}

	key := cacheKey(projectID, query, opts.Domain, strategy, opts.Limit, opts.GraphDepth)

	if !opts.SkipCache {
		if cached, ok := e.cache.Get(key); ok {
			cached.CacheHit = true
			return cached, nil
		}
	}

	resultAny, err, _ := e.group.Do(key, func() (interface{}, error) {
		result, err := e.fanOut(ctx, projectID, query, strategy, opts)
		if err != nil {
			return UnifiedResult{}, err
		}
		if !opts.SkipCache {
			e.cache.Add(key, result)
		}
		return result, nil
	})
	if err != nil {
		return UnifiedResult{}, err
	}

	result := resultAny.(UnifiedResult)
	result.CacheHit = false
	if e.meta != nil {
		go e.recordScore(projectID, result)
	}
	return result, nil
}

// fanOut runs every source strategy calls for, concurrently, via errgroup —
// one source's failure is logged and degrades that source to an empty
// result rather than failing the whole recall.
func (e *Engine) fanOut(ctx context.Context, projectID int64, query, strategy string, opts RecallOptions) (UnifiedResult, error) {
	result := UnifiedResult{Strategy: strategy}

	g, gctx := errgroup.WithContext(ctx)

	if e.semantic != nil {
		g.Go(func() error {
			facts, err := e.semantic.Recall(gctx, projectID, query, opts.Domain, opts.Limit, false)
			if err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("fanOut: semantic recall failed, degrading: %v", err)
				return nil
			}
			result.Facts = facts
			return nil
		})
	}

	if strategy != StrategyFactsOnly && e.procedural != nil {
		g.Go(func() error {
			procs, err := e.procedural.FindProcedures(gctx, projectID, query, opts.Domain)
			if err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("fanOut: procedural recall failed, degrading: %v", err)
				return nil
			}
			result.Procedures = procs
			return nil
		})
	}

	if strategy != StrategyFactsOnly && e.episodic != nil {
		g.Go(func() error {
			page, err := e.episodic.RecallEvents(gctx, projectID, episodic.RecallFilters{}, opts.Limit, 0)
			if err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("fanOut: episodic recall failed, degrading: %v", err)
				return nil
			}
			result.Events = page.Events
			return nil
		})
	}

	if strategy == StrategyFull && e.graph != nil {
		g.Go(func() error {
			entities, err := e.graphExpand(gctx, projectID, query, opts.GraphDepth)
			if err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("fanOut: graph expansion failed, degrading: %v", err)
				return nil
			}
			result.GraphEntities = entities
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return UnifiedResult{}, errkind.Wrap(errkind.Internal, "unified recall fan-out", err)
	}
	return result, nil
}

// graphExpand resolves capitalized query tokens to entities (find-or-create
// is graph.UpsertEntity's existing behavior, reused here as a lookup: a
// token that isn't an existing entity name creates a low-signal one, which
// Neighbors then simply reports as having none) and returns their
// neighborhoods.
func (e *Engine) graphExpand(ctx context.Context, projectID int64, query string, depth int) ([]model.Entity, error) {
	var out []model.Entity
	seen := map[int64]bool{}

	for _, token := range capitalizedTokens(query) {
		entity, err := e.graph.UpsertEntity(ctx, projectID, token, "mentioned", nil)
		if err != nil {
			continue
		}
		neighbors, err := e.graph.Neighbors(ctx, entity.ID, "", depth)
		if err != nil {
			continue
		}
		for _, n := range neighbors {
			if !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func capitalizedTokens(query string) []string {
	var tokens []string
	for _, word := range strings.Fields(query) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if len(word) > 1 && word[0] >= 'A' && word[0] <= 'Z' {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

// smartRetrieveStrategy implements smart_retrieve's strategy choice: short,
// keyword-shaped queries (no spaces, or ≤2 words) rarely benefit from a
// full graph expansion, so they get the cheap facts-only path; everything
// else gets full fan-out except when it looks like a simple lookup phrase
// (no recognizable entity-like capitalized token), in which case graph
// expansion is skipped since it would find nothing.
func smartRetrieveStrategy(query string) string {
	words := strings.Fields(query)
	if len(words) <= 2 {
		return StrategyFactsOnly
	}
	if len(capitalizedTokens(query)) == 0 {
		return StrategyNoGraph
	}
	return StrategyFull
}

// recordScore feeds the meta layer's recall_proxy: the top fact's score if
// any fact was returned, else 0 — an empty recall is itself a quality
// signal the meta layer should see.
func (e *Engine) recordScore(projectID int64, result UnifiedResult) {
	score := 0.0
	if len(result.Facts) > 0 {
		sorted := append([]semantic.RankedFact{}, result.Facts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
		score = sorted[0].Score
	}
	if err := e.meta.RecordRetrievalScore(context.Background(), projectID, score); err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("recordScore: failed to record retrieval score: %v", err)
	}
}

func cacheKey(projectID int64, query, domain, strategy string, limit, graphDepth int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%d|%d", projectID, query, domain, strategy, limit, graphDepth)
	return hex.EncodeToString(h.Sum(nil))
}

package kernel

import (
	"context"

	"cogkernel/internal/embedding"
)

// embedderAdapter narrows one embedding.EmbeddingEngine onto the three
// independent Embedder interfaces the semantic, procedural, and episodic
// layers each declare (Go interfaces are structural, but semantic only
// needs Embed, procedural also needs CosineSimilarity, and episodic only
// needs EmbedBatch) — so every layer gets the same underlying engine
// without widening any layer's own interface.
type embedderAdapter struct {
	engine embedding.EmbeddingEngine
}

func newEmbedderAdapter(engine embedding.EmbeddingEngine) *embedderAdapter {
	return &embedderAdapter{engine: engine}
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.engine.Embed(ctx, text)
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return a.engine.EmbedBatch(ctx, texts)
}

func (a *embedderAdapter) CosineSimilarity(x, y []float32) (float64, error) {
	return embedding.CosineSimilarity(x, y)
}

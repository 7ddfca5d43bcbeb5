package embedcache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/gamerec/engine/provider"
	"github.com/WessleyAI/gamerec/pkg/metrics"
)

// Embedder serves vectors from the Store and falls through to the wrapped
// provider on a miss. Cache read or write failures are logged and bypassed;
// they never fail an embedding.
type Embedder struct {
	store  *Store
	model  string
	inner  provider.Embedder
	met    *metrics.Metrics
	logger *slog.Logger
}

var _ provider.BatchEmbedder = (*Embedder)(nil)

// Wrap caches inner's vectors under model. met may be nil.
func Wrap(store *Store, model string, inner provider.Embedder, met *metrics.Metrics, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{
		store:  store,
		model:  model,
		inner:  inner,
		met:    met,
		logger: logger.With("component", "embedcache", "model", model),
	}
}

func (e *Embedder) lookup(ctx context.Context, text string) ([]float32, bool) {
	vec, ok, err := e.store.Get(ctx, e.model, text)
	if err != nil {
		e.logger.Warn("cache read failed", "err", err)
		return nil, false
	}
	if ok {
		e.met.CacheHit()
	} else {
		e.met.CacheMiss()
	}
	return vec, ok
}

func (e *Embedder) save(ctx context.Context, text string, vec []float32) {
	if err := e.store.Put(ctx, e.model, text, vec); err != nil {
		e.logger.Warn("cache write failed", "err", err)
	}
}

// Embed implements provider.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.lookup(ctx, text); ok {
		return vec, nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.save(ctx, text, vec)
	return vec, nil
}

// EmbedBatch embeds only the cache misses, in one provider call when the
// wrapped provider supports batching.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string
	for i, t := range texts {
		if vec, ok := e.lookup(ctx, t); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, t)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vecs, err := provider.EmbedAll(ctx, e.inner, missText)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missText) {
		return nil, fmt.Errorf("embedcache: provider returned %d vectors for %d texts", len(vecs), len(missText))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		e.save(ctx, missText[j], vecs[j])
	}
	return out, nil
}

// Package index is an in-memory nearest-neighbour index over embedded catalog
// records.
//
// Similarity is cosine similarity computed in float64, in [-1, 1]; a zero
// vector scores 0 against everything. Results are ordered by descending score
// with ties broken by catalog insertion order, so a given catalog and embedder
// always produce the same ranking.
package index

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/WessleyAI/gamerec/engine/catalog"
	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/provider"
	"github.com/WessleyAI/gamerec/pkg/fn"
)

const stage = "index"

// Hit is one ranked match.
type Hit struct {
	Record catalog.Record
	Score  float64
}

// Index is immutable after Build and safe for concurrent queries.
type Index struct {
	records []catalog.Record
	vectors [][]float32
	norms   []float64
	dim     int
}

// Options controls how Build calls the embedder.
type Options struct {
	// Workers bounds concurrent embedding requests.
	Workers int
	// BatchSize is the number of texts sent per request when the embedder
	// supports batching.
	BatchSize int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Workers: 4, BatchSize: 64}
}

// Build embeds every record and returns the index. It fails with
// domain.ErrEmbedding if any record fails to embed and with
// domain.ErrDimensionMismatch if the vectors differ in length.
func Build(ctx context.Context, records []catalog.Record, embed provider.Embedder, opts Options) (*Index, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if _, ok := embed.(provider.BatchEmbedder); !ok {
		opts.BatchSize = 1
	}

	idx := &Index{records: append([]catalog.Record(nil), records...)}
	if len(records) == 0 {
		return idx, nil
	}

	type span struct{ start, end int }
	var spans []span
	for start := 0; start < len(records); start += opts.BatchSize {
		spans = append(spans, span{start, min(start+opts.BatchSize, len(records))})
	}

	embedSpan := fn.TryStage(func(ctx context.Context, s span) ([][]float32, error) {
		texts := make([]string, 0, s.end-s.start)
		for _, r := range records[s.start:s.end] {
			texts = append(texts, r.Text())
		}
		vecs, err := provider.EmbedAll(ctx, embed, texts)
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", records[s.start].ID(), err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("record %q: embedder returned %d vectors for %d texts",
				records[s.start].ID(), len(vecs), len(texts))
		}
		return vecs, nil
	})

	chunks, err := fn.BatchStage(opts.Workers, embedSpan)(ctx, spans).Unwrap()
	if err != nil {
		return nil, domain.NewStageError(stage, domain.ErrEmbedding, err)
	}
	idx.vectors = make([][]float32, 0, len(records))
	for _, c := range chunks {
		idx.vectors = append(idx.vectors, c...)
	}

	idx.dim = len(idx.vectors[0])
	idx.norms = make([]float64, len(idx.vectors))
	for i, v := range idx.vectors {
		if len(v) == 0 || len(v) != idx.dim {
			return nil, domain.NewStageError(stage, domain.ErrDimensionMismatch,
				fmt.Errorf("record %q has dimension %d, want %d", records[i].ID(), len(v), idx.dim))
		}
		idx.norms[i] = norm(v)
	}
	return idx, nil
}

// Len returns the number of indexed records.
func (x *Index) Len() int { return len(x.records) }

// Dim returns the embedding dimension, or 0 for an empty index.
func (x *Index) Dim() int { return x.dim }

// Records returns the indexed records in insertion order.
func (x *Index) Records() []catalog.Record { return append([]catalog.Record(nil), x.records...) }

// Query returns the min(k, Len()) records most similar to vec. k == 0 yields
// an empty result; negative k is an invalid argument.
func (x *Index) Query(vec []float32, k int) ([]Hit, error) {
	if err := domain.ValidateK(k); err != nil {
		return nil, err
	}
	if k == 0 || len(x.records) == 0 {
		return []Hit{}, nil
	}
	if len(vec) != x.dim {
		return nil, domain.NewStageError(stage, domain.ErrDimensionMismatch,
			fmt.Errorf("query has dimension %d, index has %d", len(vec), x.dim))
	}

	qn := norm(vec)
	order := make([]int, len(x.vectors))
	scores := make([]float64, len(x.vectors))
	for i, v := range x.vectors {
		order[i] = i
		scores[i] = cosine(vec, qn, v, x.norms[i])
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})

	n := min(k, len(order))
	hits := make([]Hit, n)
	for i := range n {
		hits[i] = Hit{Record: x.records[order[i]], Score: scores[order[i]]}
	}
	return hits, nil
}

func norm(v []float32) float64 {
	var s float64
	for _, f := range v {
		s += float64(f) * float64(f)
	}
	return math.Sqrt(s)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}

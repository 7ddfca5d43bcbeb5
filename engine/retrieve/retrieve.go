// Package retrieve finds the catalog records most similar to a query text.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/index"
	"github.com/WessleyAI/gamerec/engine/provider"
)

// Searcher answers nearest-neighbour queries. index.Holder and the external
// vector stores in engine/semantic implement it.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error)
}

// Warmer is implemented by searchers that load lazily, such as index.Holder.
// Warm runs before the search deadline starts, so a cold build is bounded only
// by the caller's context.
type Warmer interface {
	Warm(ctx context.Context) error
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, vec []float32, k int) ([]index.Hit, error)

func (f SearcherFunc) Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error) {
	return f(ctx, vec, k)
}

// Options bounds each retrieval step.
type Options struct {
	EmbedTimeout  time.Duration
	SearchTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{EmbedTimeout: 15 * time.Second, SearchTimeout: 5 * time.Second}
}

// Result is the ranked outcome of one retrieval.
type Result struct {
	Query string
	K     int
	Hits  []index.Hit
}

// Snippets returns the text of each hit in rank order.
func (r Result) Snippets() []string {
	out := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = h.Record.Text()
	}
	return out
}

// Retriever embeds a query and searches for its neighbours. It never mutates
// the index.
type Retriever struct {
	embed  provider.Embedder
	search Searcher
	opts   Options
	logger *slog.Logger
}

// New creates a Retriever.
func New(embed provider.Embedder, search Searcher, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embed: embed, search: search, opts: opts, logger: logger.With("component", "retriever")}
}

// Retrieve returns up to k records most similar to text. Empty text and
// negative k are invalid arguments and reach no provider.
func (r *Retriever) Retrieve(ctx context.Context, text string, k int) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, domain.NewValidationError("query", text, domain.ErrEmptyQuery)
	}
	if err := domain.ValidateK(k); err != nil {
		return Result{}, err
	}
	res := Result{Query: text, K: k}
	if k == 0 {
		res.Hits = []index.Hit{}
		return res, nil
	}

	vec, err := r.embedQuery(ctx, text)
	if err != nil {
		return Result{}, err
	}

	hits, err := r.searchIndex(ctx, vec, k)
	if err != nil {
		return Result{}, err
	}
	res.Hits = hits
	r.logger.Debug("retrieved", "k", k, "hits", len(hits))
	return res, nil
}

func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if r.opts.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.EmbedTimeout)
		defer cancel()
	}
	vec, err := r.embed.Embed(ctx, text)
	if err != nil {
		return nil, domain.NewStageError("embed", domain.ErrEmbedding, timeoutAware(err))
	}
	if len(vec) == 0 {
		return nil, domain.NewStageError("embed", domain.ErrEmbedding, errors.New("provider returned an empty vector"))
	}
	return vec, nil
}

func (r *Retriever) searchIndex(ctx context.Context, vec []float32, k int) ([]index.Hit, error) {
	if w, ok := r.search.(Warmer); ok {
		if err := w.Warm(ctx); err != nil {
			return nil, fmt.Errorf("search: %w", timeoutAware(err))
		}
	}
	if r.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.SearchTimeout)
		defer cancel()
	}
	hits, err := r.search.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("search: %w", timeoutAware(err))
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// timeoutAware tags raw deadline errors with domain.ErrTimeout.
func timeoutAware(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return err
}

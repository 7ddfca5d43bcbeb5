package index

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/WessleyAI/gamerec/engine/catalog"
	"github.com/WessleyAI/gamerec/engine/provider"
	"github.com/WessleyAI/gamerec/pkg/metrics"
)

// Holder owns the live index for a catalog source. The index is built on first
// use and kept until Invalidate; concurrent callers share a single build.
type Holder struct {
	source catalog.Source
	embed  provider.Embedder
	opts   Options
	met    *metrics.Metrics
	logger *slog.Logger

	mu      sync.RWMutex
	cur     *Index
	gen     uint64
	builtAt time.Time

	flight singleflight.Group
}

// NewHolder creates a Holder. met may be nil.
func NewHolder(source catalog.Source, embed provider.Embedder, opts Options, met *metrics.Metrics, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		source: source,
		embed:  embed,
		opts:   opts,
		met:    met,
		logger: logger.With("component", "index", "source", source.Name()),
	}
}

// Get returns the live index, building it if there is none.
func (h *Holder) Get(ctx context.Context) (*Index, error) {
	h.mu.RLock()
	cur, gen := h.cur, h.gen
	h.mu.RUnlock()
	if cur != nil {
		return cur, nil
	}

	ch := h.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		// The shared build outlives any one caller's cancellation.
		return h.build(context.WithoutCancel(ctx), gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Index), nil
	}
}

// Build loads the catalog and builds a fresh index, replacing the live one on
// success. On failure the previous index stays live. Builds started before
// this one, including a first-use Get still in flight, are never installed
// over it.
func (h *Holder) Build(ctx context.Context) (*Index, error) {
	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.mu.Unlock()
	return h.build(ctx, gen)
}

// Invalidate drops the live index; the next Get rebuilds from the source.
// Builds already in flight finish but are not installed.
func (h *Holder) Invalidate() {
	h.mu.Lock()
	h.cur = nil
	h.gen++
	h.mu.Unlock()
	h.logger.Info("index invalidated")
}

// Current returns the live index without building, or nil.
func (h *Holder) Current() *Index {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}

// BuiltAt returns when the live index was installed.
func (h *Holder) BuiltAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.builtAt
}

// Warm builds the live index if there is none. Searchers call it before
// starting their query deadline.
func (h *Holder) Warm(ctx context.Context) error {
	_, err := h.Get(ctx)
	return err
}

// Search queries the live index, building it first if needed.
func (h *Holder) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	idx, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Query(vec, k)
}

func (h *Holder) build(ctx context.Context, gen uint64) (*Index, error) {
	start := time.Now()
	records, err := h.source.Load(ctx)
	if err != nil {
		err = fmt.Errorf("index: load %s: %w", h.source.Name(), err)
		h.met.RecordIndexBuild(0, 0, err, start)
		return nil, err
	}

	idx, err := Build(ctx, records, h.embed, h.opts)
	h.met.RecordIndexBuild(len(records), dimOf(idx), err, start)
	if err != nil {
		h.logger.Error("index build failed", "records", len(records), "err", err)
		return nil, err
	}

	h.mu.Lock()
	installed := gen == h.gen
	if installed {
		h.cur = idx
		h.builtAt = time.Now()
	}
	h.mu.Unlock()

	h.logger.Info("index built",
		"records", idx.Len(),
		"dim", idx.Dim(),
		"elapsed", time.Since(start),
		"installed", installed,
	)
	return idx, nil
}

func dimOf(idx *Index) int {
	if idx == nil {
		return 0
	}
	return idx.Dim()
}

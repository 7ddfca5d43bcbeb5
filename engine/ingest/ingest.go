// Package ingest mirrors the catalog into an external vector store through
// validation, embedding and storage stages, and reacts to catalog change
// events published on NATS.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/gamerec/engine/catalog"
	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/provider"
	"github.com/WessleyAI/gamerec/engine/semantic"
	"github.com/WessleyAI/gamerec/pkg/fn"
	"github.com/WessleyAI/gamerec/pkg/metrics"
)

// DefaultEmbedBatchSize is the max records per embedding request.
const DefaultEmbedBatchSize = 64

// ErrEmptyCatalog is returned when a source yields no records.
var ErrEmptyCatalog = errors.New("ingest: catalog is empty")

// Batch is a loaded catalog.
type Batch struct {
	Source  string
	Records []catalog.Record
}

// EmbeddedBatch pairs each record with its vector.
type EmbeddedBatch struct {
	Batch
	Vectors [][]float32
}

// Report summarises one sync.
type Report struct {
	Source   string        `json:"source"`
	Records  int           `json:"records"`
	Dim      int           `json:"dim"`
	Duration time.Duration `json:"duration"`
}

// Deps holds the external dependencies for the sync pipeline.
type Deps struct {
	Embedder  provider.Embedder
	Store     semantic.Store
	BatchSize int
	// Recreate drops the store before writing so records removed from the
	// catalog disappear from the mirror.
	Recreate bool
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// --- Pipeline Stages ---

// Load reads every record from a source.
var Load = fn.TryStage(func(ctx context.Context, src catalog.Source) (Batch, error) {
	recs, err := src.Load(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("load %s: %w", src.Name(), err)
	}
	return Batch{Source: src.Name(), Records: recs}, nil
})

// Validate rejects empty catalogs and missing or duplicate ids.
var Validate = fn.TryStage(func(_ context.Context, b Batch) (Batch, error) {
	if len(b.Records) == 0 {
		return b, fmt.Errorf("%s: %w", b.Source, ErrEmptyCatalog)
	}
	if err := catalog.Validate(b.Records); err != nil {
		return b, fmt.Errorf("%s: %w", b.Source, err)
	}
	return b, nil
})

// NewEmbed creates an Embed stage that embeds records in groups of batchSize
// and checks every vector has the same non-zero dimension.
func NewEmbed(e provider.Embedder, batchSize int) fn.Stage[Batch, EmbeddedBatch] {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}
	return func(ctx context.Context, b Batch) fn.Result[EmbeddedBatch] {
		vecs := make([][]float32, 0, len(b.Records))
		for _, chunk := range fn.Chunk(b.Records, batchSize) {
			texts := fn.Map(chunk, catalog.Record.Text)
			out, err := provider.EmbedAll(ctx, e, texts)
			if err != nil {
				return fn.Err[EmbeddedBatch](domain.NewStageError("embed", domain.ErrEmbedding, err))
			}
			if len(out) != len(texts) {
				return fn.Err[EmbeddedBatch](domain.NewStageError("embed", domain.ErrEmbedding,
					fmt.Errorf("provider returned %d vectors for %d texts", len(out), len(texts))))
			}
			vecs = append(vecs, out...)
		}
		if err := checkDims(b.Records, vecs); err != nil {
			return fn.Err[EmbeddedBatch](err)
		}
		return fn.Ok(EmbeddedBatch{Batch: b, Vectors: vecs})
	}
}

func checkDims(recs []catalog.Record, vecs [][]float32) error {
	if len(vecs) == 0 {
		return ErrEmptyCatalog
	}
	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return domain.NewStageError("embed", domain.ErrDimensionMismatch,
				fmt.Errorf("record %q has dimension %d, want %d", recs[i].ID(), len(v), dim))
		}
	}
	return nil
}

// NewStore creates a Store stage that writes the batch to an external store.
func NewStore(store semantic.Store, recreate bool) fn.Stage[EmbeddedBatch, Report] {
	return fn.TryStage(func(ctx context.Context, b EmbeddedBatch) (Report, error) {
		if len(b.Vectors) == 0 {
			return Report{}, ErrEmptyCatalog
		}
		dim := len(b.Vectors[0])
		if recreate {
			if err := store.Drop(ctx); err != nil {
				return Report{}, fmt.Errorf("store drop: %w", err)
			}
		}
		if err := store.EnsureSchema(ctx, dim); err != nil {
			return Report{}, fmt.Errorf("store schema: %w", err)
		}
		records := make([]semantic.VectorRecord, len(b.Records))
		for i, r := range b.Records {
			records[i] = semantic.NewVectorRecord(r, b.Vectors[i])
			records[i].Ordinal = i
		}
		if err := store.Upsert(ctx, records); err != nil {
			return Report{}, fmt.Errorf("store upsert: %w", err)
		}
		return Report{Source: b.Source, Records: len(records), Dim: dim}, nil
	})
}

// LoggedTap returns a stage that logs the pipeline entering stage name.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "stage.enter", "stage", name)
	})
}

// NewPipeline constructs the full sync pipeline with all stages wired:
// Load → Validate → Embed → Store.
func NewPipeline(deps Deps) fn.Stage[catalog.Source, Report] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest")

	loaded := fn.Then(LoggedTap[catalog.Source]("load", log), fn.TracedStage("ingest.load", Load))
	validated := fn.Then(loaded, fn.Then(LoggedTap[Batch]("validate", log), Validate))
	embedded := fn.Then(validated, fn.Then(LoggedTap[Batch]("embed", log),
		fn.TracedStage("ingest.embed", NewEmbed(deps.Embedder, deps.BatchSize))))
	stored := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedBatch]("store", log),
		fn.TracedStage("ingest.store", NewStore(deps.Store, deps.Recreate))))
	return stored
}

// Sync runs the pipeline once for src and records the outcome.
func Sync(ctx context.Context, src catalog.Source, deps Deps) (Report, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()
	rep, err := NewPipeline(deps)(ctx, src).Unwrap()
	if err != nil {
		deps.Metrics.CountSync("failed", 1)
		log.Error("ingest: sync failed", "source", src.Name(), "err", err)
		return Report{}, fmt.Errorf("ingest: sync %s: %w", src.Name(), err)
	}
	rep.Duration = time.Since(start)
	deps.Metrics.CountSync("stored", rep.Records)
	log.Info("ingest: sync complete", "source", rep.Source, "records", rep.Records, "dim", rep.Dim, "duration", rep.Duration)
	return rep, nil
}

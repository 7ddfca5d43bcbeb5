// Package rag orchestrates the retrieve-then-generate recommendation pipeline.
// It parses the user's message, retrieves the most similar catalog entries,
// fills the fixed prompt template and asks the completion provider for the
// final answer.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/provider"
	"github.com/WessleyAI/gamerec/engine/retrieve"
	"github.com/WessleyAI/gamerec/pkg/fn"
	"github.com/WessleyAI/gamerec/pkg/metrics"
)

// Retriever abstracts retrieve.Retriever.
type Retriever interface {
	Retrieve(ctx context.Context, text string, k int) (retrieve.Result, error)
}

// Options configures the pipeline.
type Options struct {
	// Temperature is sent with every completion. Zero keeps answers
	// reproducible.
	Temperature float64
	Model       string
	MaxTokens   int
	// System is an optional system message sent ahead of the prompt.
	System string
	// MaxK caps the result count a user may request. Zero means no cap.
	MaxK            int
	GenerateTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Temperature:     0,
		MaxK:            50,
		GenerateTimeout: 60 * time.Second,
	}
}

// Answer is the pipeline output.
type Answer struct {
	Text          string   `json:"text"`
	Sources       []Source `json:"sources"`
	Message       string   `json:"message"`
	K             int      `json:"k"`
	Grounded      bool     `json:"grounded"`
	Model         string   `json:"model"`
	PromptVersion string   `json:"prompt_version"`
	TokensUsed    int      `json:"tokens_used"`
}

// Source is a catalog entry the answer was grounded on.
type Source struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Score      float64           `json:"score"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Service runs the pipeline. It is safe for concurrent use.
type Service struct {
	retriever Retriever
	completer provider.Completer
	opts      Options
	met       *metrics.Metrics
	logger    *slog.Logger
	pipeline  fn.Stage[*run, *run]
}

// run carries one request through the stages.
type run struct {
	raw       string
	query     domain.Query
	retrieval retrieve.Result
	prompt    PromptContext
	answer    *Answer
}

// New creates a Service. met may be nil.
func New(retriever Retriever, completer provider.Completer, opts Options, met *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		retriever: retriever,
		completer: completer,
		opts:      opts,
		met:       met,
		logger:    logger.With("component", "rag"),
	}
	s.pipeline = fn.Then(
		fn.Then(
			s.stage("parse", s.parse),
			s.stage("retrieve", s.retrieve),
		),
		fn.Then(
			s.stage("prompt", s.assemble),
			s.stage("generate", s.generate),
		),
	)
	return s
}

// stage adds a span and a latency observation to a step.
func (s *Service) stage(name string, step func(context.Context, *run) error) fn.Stage[*run, *run] {
	return fn.TracedStage("rag."+name, func(ctx context.Context, r *run) fn.Result[*run] {
		defer s.met.ObserveStage(name, time.Now())
		if err := step(ctx, r); err != nil {
			return fn.Err[*run](err)
		}
		return fn.Ok(r)
	})
}

// Generate produces a recommendation for a raw user message. A trailing
// positive integer in the message sets how many catalog entries ground the
// answer (default 10). Failures are typed; see domain.KindOf.
func (s *Service) Generate(ctx context.Context, raw string) (*Answer, error) {
	start := time.Now()
	r, err := s.pipeline(ctx, &run{raw: raw}).Unwrap()
	s.met.CountRequest(domain.KindName(err))
	if err != nil {
		s.logger.Warn("recommendation failed", "kind", domain.KindName(err), "err", err, "elapsed", time.Since(start))
		return nil, err
	}
	s.logger.Info("recommendation served",
		"k", r.query.K,
		"sources", len(r.answer.Sources),
		"grounded", r.answer.Grounded,
		"elapsed", time.Since(start),
	)
	return r.answer, nil
}

func (s *Service) parse(_ context.Context, r *run) error {
	q, err := domain.ParseQuery(r.raw)
	if err != nil {
		return err
	}
	if err := domain.ValidateQuery(q); err != nil {
		return err
	}
	if s.opts.MaxK > 0 && q.K > s.opts.MaxK {
		s.logger.Debug("capping k", "requested", q.K, "max", s.opts.MaxK)
		q.K = s.opts.MaxK
	}
	r.query = q
	return nil
}

func (s *Service) retrieve(ctx context.Context, r *run) error {
	res, err := s.retriever.Retrieve(ctx, r.query.Message, r.query.K)
	if err != nil {
		return domain.NewStageError("retrieve", domain.ErrRetrieval, err)
	}
	r.retrieval = res
	return nil
}

func (s *Service) assemble(_ context.Context, r *run) error {
	r.prompt = NewPromptContext(r.query.Message, r.retrieval.Snippets())
	if !r.prompt.Grounded() {
		s.logger.Warn("no catalog entries matched; generating without grounding")
	}
	return nil
}

func (s *Service) generate(ctx context.Context, r *run) error {
	if s.opts.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.GenerateTimeout)
		defer cancel()
	}
	out, err := s.completer.Complete(ctx, provider.CompletionRequest{
		System:      s.opts.System,
		Prompt:      r.prompt.Render(),
		Temperature: s.opts.Temperature,
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return domain.NewStageError("generate", domain.ErrTimeout, err)
		}
		return domain.NewStageError("generate", domain.ErrGeneration, err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return domain.NewStageError("generate", domain.ErrGeneration, fmt.Errorf("provider returned an empty completion"))
	}

	r.answer = &Answer{
		Text:          out.Text,
		Sources:       sources(r.retrieval),
		Message:       r.query.Message,
		K:             r.query.K,
		Grounded:      r.prompt.Grounded(),
		Model:         out.Model,
		PromptVersion: PromptVersion,
		TokensUsed:    out.PromptTokens + out.CompletionTokens,
	}
	return nil
}

func sources(res retrieve.Result) []Source {
	out := make([]Source, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = Source{
			ID:         h.Record.ID(),
			Text:       h.Record.Text(),
			Score:      h.Score,
			Attributes: h.Record.Attributes(),
		}
	}
	return out
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/pkg/fn"
	"github.com/WessleyAI/gamerec/pkg/metrics"
	"github.com/WessleyAI/gamerec/pkg/resilience"
)

// GuardOptions bounds how a provider is called.
type GuardOptions struct {
	// Name labels metrics, logs and the breaker.
	Name string
	// Timeout caps each attempt. Zero means no per-attempt limit.
	Timeout time.Duration
	// MaxConcurrent caps in-flight calls. Zero or less means unbounded.
	MaxConcurrent int64
	// RatePerSec and Burst configure client-side throttling. A zero rate
	// disables it.
	RatePerSec float64
	Burst      int
	Retry      fn.RetryOpts
	Breaker    resilience.BreakerOpts
}

// DefaultGuardOptions returns the options used for hosted providers.
func DefaultGuardOptions(name string) GuardOptions {
	return GuardOptions{
		Name:          name,
		Timeout:       30 * time.Second,
		MaxConcurrent: 8,
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     8 * time.Second,
			Jitter:      true,
		},
		Breaker: resilience.BreakerOpts{
			FailThreshold: 5,
			Timeout:       30 * time.Second,
			HalfOpenMax:   1,
		},
	}
}

// Guard applies concurrency, rate, breaker, timeout and retry policy to
// provider calls. A Guard is safe for concurrent use.
type Guard struct {
	opts    GuardOptions
	sem     *semaphore.Weighted
	limiter *resilience.Limiter
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGuard builds a Guard. met may be nil.
func NewGuard(opts GuardOptions, met *metrics.Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		opts:    opts,
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.RatePerSec, Burst: opts.Burst}),
		metrics: met,
		logger:  logger.With("component", "provider_guard", "provider", opts.Name),
	}
	if opts.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}

	bo := opts.Breaker
	bo.Name = opts.Name
	bo.IsFailure = countsAgainstBreaker
	bo.OnStateChange = func(name string, from, to resilience.State) {
		g.logger.Warn("breaker state change", "from", from.String(), "to", to.String())
		g.metrics.SetBreakerState(name, int(to))
	}
	g.breaker = resilience.NewBreaker(bo)

	g.opts.Retry.Retryable = IsTransient
	g.opts.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		g.logger.Warn("provider call failed, retrying", "attempt", attempt, "wait", wait, "err", err)
	}
	return g
}

// Do runs f under the guard's policy. A deadline hit by the guard's own
// per-attempt timeout, or by ctx, is reported as domain.ErrTimeout.
func (g *Guard) Do(ctx context.Context, op string, f func(context.Context) error) error {
	start := time.Now()
	res := fn.Retry(ctx, g.opts.Retry, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, g.attempt(ctx, f))
	})
	_, err := res.Unwrap()
	g.metrics.ObserveProvider(g.opts.Name, op, err, start)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w: %w", g.opts.Name, op, domain.ErrTimeout, err)
	}
	return fmt.Errorf("%s %s: %w", g.opts.Name, op, err)
}

func (g *Guard) attempt(ctx context.Context, f func(context.Context) error) error {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer g.sem.Release(1)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.breaker.Call(ctx, func(ctx context.Context) error {
		if g.opts.Timeout <= 0 {
			return f(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
		err := f(actx)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return &AttemptTimeoutError{Timeout: g.opts.Timeout, Err: err}
		}
		return err
	})
}

// Embedder wraps e so every call goes through the guard. Batch support is
// preserved.
func (g *Guard) Embedder(e Embedder) Embedder {
	ge := &guardedEmbedder{inner: e, g: g}
	if be, ok := e.(BatchEmbedder); ok {
		return &guardedBatchEmbedder{guardedEmbedder: ge, batch: be}
	}
	return ge
}

// Completer wraps c so every call goes through the guard.
func (g *Guard) Completer(c Completer) Completer {
	return CompleteFunc(func(ctx context.Context, req CompletionRequest) (Completion, error) {
		var out Completion
		err := g.Do(ctx, "complete", func(ctx context.Context) error {
			var err error
			out, err = c.Complete(ctx, req)
			return err
		})
		return out, err
	})
}

type guardedEmbedder struct {
	inner Embedder
	g     *Guard
}

func (e *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.g.Do(ctx, "embed", func(ctx context.Context) error {
		var err error
		out, err = e.inner.Embed(ctx, text)
		return err
	})
	return out, err
}

type guardedBatchEmbedder struct {
	*guardedEmbedder
	batch BatchEmbedder
}

func (e *guardedBatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.g.Do(ctx, "embed_batch", func(ctx context.Context) error {
		var err error
		out, err = e.batch.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}

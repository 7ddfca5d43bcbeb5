package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/gamerec/engine/catalog"
	"github.com/WessleyAI/gamerec/engine/domain"
	"github.com/WessleyAI/gamerec/engine/ingest"
	"github.com/WessleyAI/gamerec/pkg/natsutil"
)

// RecommendSubject is the NATS request/reply subject served by `serve`.
const RecommendSubject = "gamerec.recommend"

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the NATS responders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c)
		},
	}
}

func runServe(ctx context.Context, c *cli) error {
	cfg, logger := c.cfg, c.logger
	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// Warm the in-memory index so the first request does not pay for it.
	if a.store == nil {
		go func() {
			if _, err := a.holder.Get(ctx); err != nil {
				logger.Error("initial index build failed", "err", err)
			}
		}()
	}

	if cfg.Catalog.Watch && cfg.Catalog.Kind == "csv" {
		w := catalog.NewWatcher(cfg.Catalog.Path, cfg.Catalog.Debounce, a.applyChange, logger)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("catalog watcher stopped", "err", err)
			}
		}()
	}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("gamerec"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		if err := a.startNATS(nc); err != nil {
			return err
		}
	}

	h := &api{rec: a.rag, logger: logger}
	if a.store == nil {
		h.holder = a.holder
	}
	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      newRouter(h, cfg.Server, a.metrics, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", srv.Addr, "store", cfg.Store.Kind, "provider", cfg.Provider.Kind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// startNATS registers the recommendation responder and the catalog change
// consumer.
func (a *app) startNATS(nc *nats.Conn) error {
	cfg := a.cfg.NATS
	if _, err := natsutil.Respond(nc, RecommendSubject, cfg.Queue, cfg.Timeout, a.recommendNATS); err != nil {
		return fmt.Errorf("nats respond %s: %w", RecommendSubject, err)
	}
	opts := ingest.DefaultConsumerOptions()
	// Each replica owns its in-memory index, so every one must see the event.
	// A shared mirror needs syncing once.
	if a.store != nil {
		opts.Queue = cfg.Queue
	}
	if _, err := ingest.StartConsumer(nc, opts, a.handleChange, a.logger); err != nil {
		return fmt.Errorf("nats consume %s: %w", opts.Subject, err)
	}
	if _, err := ingest.WatchDeadLetters(nc, a.deadLetter); err != nil {
		return fmt.Errorf("nats consume %s: %w", opts.DLQSubject, err)
	}
	a.logger.Info("nats responders ready", "url", a.cfg.NATS.URL, "subject", RecommendSubject)
	return nil
}

func (a *app) recommendNATS(ctx context.Context, req RecommendRequest) (RecommendResponse, error) {
	answer, err := a.rag.Generate(ctx, req.Message)
	if err != nil {
		return RecommendResponse{}, &natsutil.RemoteError{Code: kindName(err), Message: errorMessage(err, statusFor(err))}
	}
	return newRecommendResponse(answer), nil
}

// handleChange rebuilds whatever retrieval reads from: the in-memory index,
// or the external mirror. A failed rebuild leaves the previous index live.
func (a *app) handleChange(ctx context.Context, ev ingest.ChangeEvent) error {
	a.logger.Info("catalog changed", "source", ev.Source, "reason", ev.Reason)
	if a.store == nil {
		_, err := a.holder.Build(ctx)
		return err
	}
	if ev.Mirrored {
		return nil
	}
	_, err := ingest.Sync(ctx, a.source, a.ingestDeps(true))
	return err
}

// deadLetter reports a catalog change every retry failed on.
func (a *app) deadLetter(_ context.Context, dl ingest.DeadLetter) {
	a.logger.Error("catalog change abandoned",
		"source", dl.Event.Source,
		"reason", dl.Event.Reason,
		"retries", dl.Retries,
		"err", dl.Error,
	)
}

// applyChange is the file watcher callback.
func (a *app) applyChange(ctx context.Context) {
	if err := a.handleChange(ctx, ingest.ChangeEvent{Source: a.source.Name(), Reason: "file changed"}); err != nil {
		a.logger.Error("catalog reload failed", "err", err, "kind", domain.KindName(err))
	}
}

func (a *app) ingestDeps(recreate bool) ingest.Deps {
	return ingest.Deps{
		Embedder:  a.embedder,
		Store:     a.store,
		BatchSize: a.cfg.Index.BatchSize,
		Recreate:  recreate,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/gamerec/engine/catalog"
	"github.com/WessleyAI/gamerec/engine/embedcache"
	"github.com/WessleyAI/gamerec/engine/index"
	"github.com/WessleyAI/gamerec/engine/provider"
	"github.com/WessleyAI/gamerec/engine/rag"
	"github.com/WessleyAI/gamerec/engine/retrieve"
	"github.com/WessleyAI/gamerec/engine/semantic"
	"github.com/WessleyAI/gamerec/pkg/config"
	"github.com/WessleyAI/gamerec/pkg/metrics"
	"github.com/WessleyAI/gamerec/pkg/ollama"
	"github.com/WessleyAI/gamerec/pkg/openai"
)

// app is the wired recommendation engine shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	source   catalog.Source
	embedder provider.Embedder
	// cache is nil when the embedding cache is disabled.
	cache      *embedcache.Store
	embedModel string
	holder     *index.Holder
	// store is nil when retrieval runs against the in-memory index.
	store semantic.Store
	rag   *rag.Service

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withRuntime bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(withRuntime)}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	embedder, completer, model := newProviders(cfg.Provider)
	a.embedModel = model
	guard := provider.NewGuard(guardOptions(cfg.Provider), a.metrics, logger)
	a.embedder = guard.Embedder(embedder)
	completer = guard.Completer(completer)

	if cfg.Cache.Enabled {
		cache, err := embedcache.Open(ctx, cfg.Cache.Path)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, cache.Close)
		a.cache = cache
		a.embedder = embedcache.Wrap(cache, model, a.embedder, a.metrics, logger)
	}

	var err error
	if a.source, err = a.openSource(ctx); err != nil {
		return fail(err)
	}
	a.holder = index.NewHolder(a.source, a.embedder,
		index.Options{Workers: cfg.Index.Workers, BatchSize: cfg.Index.BatchSize}, a.metrics, logger)

	var searcher retrieve.Searcher = a.holder
	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return fail(err)
	}
	if a.store != nil {
		a.closers = append(a.closers, a.store.Close)
		searcher = a.store
	}

	ropts := retrieve.DefaultOptions()
	if cfg.RAG.EmbedTimeout > 0 {
		ropts.EmbedTimeout = cfg.RAG.EmbedTimeout
	}
	if cfg.RAG.SearchTimeout > 0 {
		ropts.SearchTimeout = cfg.RAG.SearchTimeout
	}
	retriever := retrieve.New(a.embedder, searcher, ropts, logger)

	opts := rag.DefaultOptions()
	opts.Temperature = cfg.RAG.Temperature
	opts.Model = cfg.Provider.ChatModel
	opts.MaxTokens = cfg.RAG.MaxTokens
	opts.System = cfg.RAG.System
	opts.MaxK = cfg.RAG.MaxK
	if cfg.RAG.GenerateTimeout > 0 {
		opts.GenerateTimeout = cfg.RAG.GenerateTimeout
	}
	a.rag = rag.New(retriever, completer, opts, a.metrics, logger)
	return a, nil
}

// Close releases stores and connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newProviders(cfg config.ProviderConfig) (provider.Embedder, provider.Completer, string) {
	if cfg.Kind == "ollama" {
		c := ollama.New(cfg.OllamaURL, cfg.EmbedModel, cfg.ChatModel)
		return c, c, c.EmbedModel()
	}
	c := openai.New(openai.Config{
		APIKey:     cfg.OpenAIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		ChatModel:  cfg.ChatModel,
		EmbedModel: cfg.EmbedModel,
		Timeout:    cfg.Timeout,
	})
	return c, c, c.EmbedModel()
}

func guardOptions(cfg config.ProviderConfig) provider.GuardOptions {
	opts := provider.DefaultGuardOptions(cfg.Kind)
	opts.Timeout = cfg.Timeout
	opts.MaxConcurrent = cfg.MaxConcurrent
	opts.RatePerSec = cfg.RatePerSec
	opts.Burst = cfg.Burst
	opts.Retry.MaxAttempts = cfg.MaxAttempts
	return opts
}

func (a *app) openSource(ctx context.Context) (catalog.Source, error) {
	if a.cfg.Catalog.Kind != "neo4j" {
		return &catalog.CSVFile{
			Path: a.cfg.Catalog.Path,
			Opts: catalog.CSVOptions{IDColumn: a.cfg.Catalog.IDColumn},
		}, nil
	}
	n := a.cfg.Neo4j
	driver, err := neo4j.NewDriverWithContext(n.URL, neo4j.BasicAuth(n.User, n.Pass, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	a.closers = append(a.closers, func() error { return driver.Close(context.Background()) })
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	return catalog.NewNeo4jSource(driver, catalog.Neo4jOptions{Label: n.Label, Database: n.Database}), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (semantic.Store, error) {
	switch cfg.Kind {
	case "qdrant":
		s, err := semantic.NewVectorStore(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pgvector":
		s, err := semantic.OpenPgStore(ctx, cfg.PostgresDSN, cfg.PostgresTable)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, nil
}

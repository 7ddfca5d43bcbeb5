package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/gamerec/engine/ingest"
)

// errNoStore is returned by `index --sync` when only the in-memory index is
// configured.
var errNoStore = errors.New("index --sync needs store.kind qdrant or pgvector")

// errNoCache is returned by `index --purge-cache` when the embedding cache is
// disabled.
var errNoCache = errors.New("index --purge-cache needs cache.enabled")

func newIndexCmd(c *cli) *cobra.Command {
	var sync, recreate, purge bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed the catalog and report the index size",
		Long: `Load and embed the catalog. With --sync the embedded catalog is also
written to the configured external vector store and, when NATS is enabled,
a catalog change event is published so running servers pick it up.
With --purge-cache the cached vectors of the configured embedding model are
deleted first, so every record is embedded afresh.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if purge {
				if a.cache == nil {
					return errNoCache
				}
				n, err := a.cache.Purge(ctx, a.embedModel)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d cached vectors for %s\n", n, a.embedModel)
			}

			if !sync {
				idx, err := a.holder.Build(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records (dim %d) from %s\n", idx.Len(), idx.Dim(), a.source.Name())
				return err
			}

			if a.store == nil {
				return errNoStore
			}
			rep, err := ingest.Sync(ctx, a.source, a.ingestDeps(recreate))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d records (dim %d) from %s to %s in %s\n",
				rep.Records, rep.Dim, rep.Source, c.cfg.Store.Kind, rep.Duration.Round(time.Millisecond))
			if c.cfg.NATS.Enabled {
				return announce(ctx, c.cfg.NATS.URL, rep.Source)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "mirror the catalog into the external vector store")
	cmd.Flags().BoolVar(&recreate, "recreate", false, "drop the store before syncing")
	cmd.Flags().BoolVar(&purge, "purge-cache", false, "drop cached vectors for the embedding model before indexing")
	return cmd
}

func announce(ctx context.Context, url, source string) error {
	nc, err := nats.Connect(url, nats.Name("gamerec-index"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	if err := ingest.PublishChange(ctx, nc, ingest.ChangeEvent{Source: source, Reason: "index sync", Mirrored: true}); err != nil {
		return err
	}
	return nc.Flush()
}

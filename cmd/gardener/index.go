package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/logging"
	"github.com/fyrsmithlabs/gardener/internal/project"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

func newIndexCmd() *cobra.Command {
	var (
		chunkLines int
		noReady    bool
	)
	cmd := &cobra.Command{
		Use:   "index <project>",
		Short: "Build the project's vector index from its source tree",
		Long: `Chunk the project's source (honoring .gitignore and .gardenerignore),
redact secrets when enabled, embed every snippet through ollama and persist
the index. The project is then marked ready with the new index.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			ctx = logging.WithProjectID(ctx, id)
			p, err := a.registry.Get(ctx, id)
			if err != nil {
				return err
			}
			if p.Status == project.StatusRetiring {
				return fmt.Errorf("project %s is being removed", id)
			}

			opts := vectorindex.DefaultIngestOptions()
			opts.Compress = a.cfg.Index.Compress
			opts.Scrubber = a.scrubber
			opts.Extensions = a.cfg.Index.Extensions
			if chunkLines > 0 {
				opts.ChunkLines = chunkLines
			}

			ref := a.indexRef(id)
			start := time.Now()
			stats, err := vectorindex.Ingest(ctx, ref, p.SourcePath, a.embed, opts, a.logger.Underlying())
			if err != nil {
				return err
			}
			a.logger.Info(ctx, "index built",
				zap.String("ref", ref),
				zap.Int("files", stats.Files),
				zap.Int("snippets", stats.Snippets),
				zap.Int("redacted", stats.Redacted),
				zap.Duration("duration", time.Since(start)))
			cmd.Printf("indexed %d files into %d snippets (%d skipped, %d redacted)\n",
				stats.Files, stats.Snippets, stats.Skipped, stats.Redacted)

			// A parked session may hold the old index open.
			a.coord.Invalidate(id)
			if noReady {
				return nil
			}
			return a.promote(ctx, p, p.AdapterRef, ref)
		}),
	}
	cmd.Flags().IntVar(&chunkLines, "chunk-lines", 0, "lines per snippet (default 60)")
	cmd.Flags().BoolVar(&noReady, "no-ready", false, "build the index without changing project status")
	return cmd
}

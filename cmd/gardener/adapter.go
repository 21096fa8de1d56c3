package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/logging"
)

func newAdapterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Manage trained adapters",
	}
	cmd.AddCommand(newAdapterImportCmd())
	return cmd
}

func newAdapterImportCmd() *cobra.Command {
	var (
		baseModel string
		modelName string
		noReady   bool
	)
	cmd := &cobra.Command{
		Use:   "import <project> <file>",
		Short: "Import a trainer's adapter output and mark the project ready",
		Long: `Copy a trained adapter into gardener's adapter directory, record its
content hash and the base model it was trained against, and mark the project
ready. The base model defaults to the configured one; an adapter trained
against another base model is imported but will not load.`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			ctx = logging.WithProjectID(ctx, id)
			if baseModel == "" {
				baseModel = a.cfg.Model.BaseModelID
			}

			artifact, err := a.adapters.Import(ctx, id, args[1], baseModel)
			if err != nil {
				return err
			}
			if modelName != "" {
				artifact.ModelName = modelName
				if err := a.adapters.Put(ctx, artifact); err != nil {
					return err
				}
			}
			a.logger.Info(ctx, "adapter imported",
				zap.String("hash", artifact.ContentHash),
				zap.Int64("bytes", artifact.SizeBytes),
				zap.String("base_model", artifact.BaseModelID))
			cmd.Printf("imported %s (%s) for %s\n", artifact.ContentHash[:12], humanize.IBytes(uint64(artifact.SizeBytes)), id)

			if noReady {
				return nil
			}
			p, err := a.registry.Get(ctx, id)
			if err != nil {
				return err
			}
			return a.promote(ctx, p, artifact.ContentHash, p.IndexRef)
		}),
	}
	cmd.Flags().StringVar(&baseModel, "base-model", "", "base model the adapter was trained against (default: configured base model)")
	cmd.Flags().StringVar(&modelName, "model-name", "", "name the inference server serves this adapter under")
	cmd.Flags().BoolVar(&noReady, "no-ready", false, "record the adapter without changing project status")
	return cmd
}

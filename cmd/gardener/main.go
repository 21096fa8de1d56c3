// Package main implements the gardener CLI: project registration, adapter
// and index management, and project-scoped model switching.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides ~/.config/gardener/config.yaml.
	configPath string
	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gardener",
		Short: "Project-scoped model and context switching",
		Long: `gardener keeps one shared base model and switches the per-project pieces
around it: a LoRA adapter, a vector index over the project's source and the
project's conversation history.

Examples:
  # Register a codebase and build its index
  gardener register ~/src/payments --name payments
  gardener index payments

  # Ask a question against it
  gardener ask --project payments "where do we round currency?"

  # Interactive session with switching
  gardener shell`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/gardener/config.yaml)")

	root.AddCommand(
		newRegisterCmd(),
		newListCmd(),
		newRemoveCmd(),
		newMarkCmd(),
		newAdapterCmd(),
		newIndexCmd(),
		newSwitchCmd(),
		newStatusCmd(),
		newAskCmd(),
		newShellCmd(),
	)
	return root
}

// withApp wires the application for one command and tears it down after.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := sessionContext(cmd.Context())
		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))
		return fn(ctx, cmd, a, args)
	}
}

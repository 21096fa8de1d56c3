package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gardener/internal/project"
)

func newRegisterCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register <path>",
		Short: "Register a codebase as a project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := a.registry.Register(ctx, args[0], name)
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default: directory name)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects, most recently active first",
		Args:    cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			projects, err := a.registry.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tADAPTER\tINDEX\tLAST ACTIVE")
			for _, p := range projects {
				last := "never"
				if !p.LastActiveAt.IsZero() {
					last = humanize.Time(p.LastActiveAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ID, p.DisplayName, p.Status, yesNo(p.HasAdapter()), yesNo(p.HasIndex()), last)
			}
			return w.Flush()
		}),
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project>",
		Short: "Remove a project with its adapter, index and conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := a.removeProject(ctx, args[0])
			if err != nil {
				return err
			}
			cmd.Printf("removed %s\n", id)
			return nil
		}),
	}
}

// removeProject deletes the project ref names and everything it owns, and
// forgets it as the remembered and watched project.
func (a *app) removeProject(ctx context.Context, ref string) (string, error) {
	id, err := a.resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	artifact, artifactErr := a.adapters.Get(ctx, id)
	if err := a.coord.RemoveProject(ctx, id); err != nil {
		return "", err
	}
	if a.watcher != nil && artifactErr == nil {
		a.watcher.Remove(artifact.ArtifactPath)
	}
	if last, _ := a.lastActive(ctx); last == id {
		_ = a.rememberActive(ctx, "")
	}
	return id, nil
}

func newMarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark",
		Short: "Record an external trainer's progress on a project",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "training <project>",
		Short: "Mark a ready or failed project as training",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return a.registry.MarkTraining(ctx, id)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "error <project> <detail>",
		Short: "Mark a registering or training project as failed",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return a.registry.MarkError(ctx, id, strings.Join(args[1:], " "))
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ready <project>",
		Short: "Mark a project ready with whatever adapter and index it has",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := a.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			p, err := a.registry.Get(ctx, id)
			if err != nil {
				return err
			}
			return a.promote(ctx, p, p.AdapterRef, p.IndexRef)
		}),
	})
	return cmd
}

// resolve accepts a project id or a unique display name.
func (a *app) resolve(ctx context.Context, ref string) (string, error) {
	if _, err := a.registry.Get(ctx, ref); err == nil {
		return ref, nil
	}
	projects, err := a.registry.List(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, p := range projects {
		if p.DisplayName == ref {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", project.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q names %d projects; use an id", ref, len(matches))
	}
}

// promote records refs and moves p to ready, passing through training when
// p is already ready so the new artifacts take effect.
func (a *app) promote(ctx context.Context, p *project.Project, adapterRef, indexRef string) error {
	if p.Status == project.StatusReady {
		if err := a.registry.MarkTraining(ctx, p.ID); err != nil {
			return err
		}
	}
	err := a.registry.MarkReady(ctx, p.ID, project.Refs{AdapterRef: adapterRef, IndexRef: indexRef})
	var invalid *project.InvalidTransitionError
	if errors.As(err, &invalid) {
		return fmt.Errorf("project %s is %s; mark it training first: %w", p.ID, invalid.From, err)
	}
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

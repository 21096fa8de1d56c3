package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/adapter"
	"github.com/fyrsmithlabs/gardener/internal/switcher"
)

func newSwitchCmd() *cobra.Command {
	var base bool
	cmd := &cobra.Command{
		Use:   "switch <project>",
		Short: "Switch to a project and report what loaded",
		Long: `Load the project's adapter and index within the memory budget and make
it the active project for later commands. "switch --base" returns to the
bare base model.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if base || len(args) == 0 {
				if !base {
					return errors.New("project required (or --base)")
				}
				r, err := a.coord.Deactivate(ctx)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), r)
				return a.rememberActive(ctx, "")
			}
			r, err := a.switchTo(ctx, args[0])
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), r)
			if r.Outcome == switcher.OutcomeFailed {
				return fmt.Errorf("switch to %s failed", r.ProjectID)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&base, "base", false, "return to the base model")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the remembered project and the memory ceiling",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			last, err := a.lastActive(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if last == "" {
				fmt.Fprintln(out, "project:  (base model)")
			} else if p, err := a.registry.Get(ctx, last); err != nil {
				fmt.Fprintf(out, "project:  %s (unavailable: %v)\n", last, err)
			} else {
				fmt.Fprintf(out, "project:  %s (%s)\n", p.ID, p.DisplayName)
				fmt.Fprintf(out, "status:   %s\n", p.Status)
				fmt.Fprintf(out, "adapter:  %s\n", yesNo(p.HasAdapter()))
				fmt.Fprintf(out, "index:    %s\n", yesNo(p.HasIndex()))
			}
			// Nothing is loaded by this command; only the ceiling is meaningful.
			fmt.Fprintf(out, "budget:   %s ceiling\n", humanize.IBytes(uint64(a.coord.Active().CeilingBytes)))
			return nil
		}),
	}
}

func newAskCmd() *cobra.Command {
	var projectRef string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question against a project",
		Long: `Switch to the project (--project, or the one last switched to) and ask
the question with its adapter, retrieved snippets and conversation history.
The exchange is appended to the project's conversation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if projectRef == "" {
				last, err := a.lastActive(ctx)
				if err != nil {
					return err
				}
				projectRef = last
			}
			if projectRef != "" {
				r, err := a.switchTo(ctx, projectRef)
				if err != nil {
					return err
				}
				if r.Outcome == switcher.OutcomeFailed {
					printResult(cmd.ErrOrStderr(), r)
					return fmt.Errorf("switch to %s failed", r.ProjectID)
				}
			}
			return a.ask(ctx, cmd.OutOrStdout(), strings.Join(args, " "))
		}),
	}
	cmd.Flags().StringVarP(&projectRef, "project", "p", "", "project id or name")
	return cmd
}

func newShellCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session: ask questions and switch projects",
		Long: `Read questions from stdin. Lines starting with ":" are commands:
  :switch <project>   switch projects
  :base               return to the base model
  :remove <project>   remove a project and everything it owns
  :status             show the session
  :quit               exit
Adapter files changed on disk are dropped from the warm cache.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if metricsAddr == "" {
				metricsAddr = a.cfg.Telemetry.MetricsAddr
			}
			a.serveMetrics(ctx, metricsAddr)

			watcher, err := a.watchAdapters(ctx)
			if err != nil {
				a.logger.Warn(ctx, "adapter watcher unavailable", zap.Error(err))
			} else {
				a.watcher = watcher
				defer watcher.Stop()
			}

			if last, _ := a.lastActive(ctx); last != "" {
				if r, err := a.switchTo(ctx, last); err == nil {
					printResult(cmd.OutOrStdout(), r)
				}
			}
			return a.shell(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// switchTo resolves ref, switches, and remembers a committed project.
func (a *app) switchTo(ctx context.Context, ref string) (*switcher.SwitchResult, error) {
	id, err := a.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	r, err := a.coord.SwitchTo(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Outcome != switcher.OutcomeFailed {
		if err := a.rememberActive(ctx, id); err != nil {
			a.logger.Warn(ctx, "could not remember active project", zap.Error(err))
		}
	}
	return r, nil
}

func (a *app) ask(ctx context.Context, out io.Writer, question string) error {
	engine, err := a.engine()
	if err != nil {
		return err
	}
	answer, err := engine.Ask(ctx, question)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, answer.Text)
	if len(answer.Snippets) > 0 {
		fmt.Fprintln(out)
		for _, s := range answer.Snippets {
			fmt.Fprintf(out, "  %s:%d\n", s.Path, s.StartLine)
		}
	}
	return nil
}

func (a *app) shell(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == ":quit" || line == ":q":
			return nil
		case line == ":status":
			printSnapshot(out, a.coord.Active())
		case line == ":base":
			r, err := a.coord.Deactivate(ctx)
			if err != nil {
				return err
			}
			printResult(out, r)
			_ = a.rememberActive(ctx, "")
		case strings.HasPrefix(line, ":remove "):
			id, err := a.removeProject(ctx, strings.TrimSpace(strings.TrimPrefix(line, ":remove ")))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				break
			}
			fmt.Fprintf(out, "removed %s\n", id)
		case strings.HasPrefix(line, ":switch "):
			r, err := a.switchTo(ctx, strings.TrimSpace(strings.TrimPrefix(line, ":switch ")))
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				break
			}
			printResult(out, r)
		case strings.HasPrefix(line, ":"):
			fmt.Fprintf(out, "unknown command %s\n", line)
		default:
			if err := a.ask(ctx, out, line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// watchAdapters invalidates warm sessions whose adapter file changes.
func (a *app) watchAdapters(ctx context.Context) (*adapter.Watcher, error) {
	w, err := adapter.NewWatcher(func(projectID string) {
		if a.coord.Invalidate(projectID) {
			a.logger.Info(ctx, "adapter changed on disk; warm session dropped", zap.String("project.id", projectID))
		}
	}, a.logger.Underlying())
	if err != nil {
		return nil, err
	}
	projects, err := a.registry.List(ctx)
	if err != nil {
		w.Stop()
		return nil, err
	}
	for _, p := range projects {
		artifact, err := a.adapters.Get(ctx, p.ID)
		if err != nil {
			continue
		}
		if err := w.Add(p.ID, artifact.ArtifactPath); err != nil {
			a.logger.Debug(ctx, "not watching adapter", zap.String("project.id", p.ID), zap.Error(err))
		}
	}
	w.Start(ctx)
	return w, nil
}

func printResult(out io.Writer, r *switcher.SwitchResult) {
	fmt.Fprintf(out, "%s -> %s\n", r.Outcome, r.ProjectID)
	fmt.Fprintf(out, "  capability: %s\n", r.Capability)
	if len(r.Reasons) > 0 {
		reasons := make([]string, len(r.Reasons))
		for i, reason := range r.Reasons {
			reasons[i] = string(reason)
		}
		fmt.Fprintf(out, "  reasons:    %s\n", strings.Join(reasons, ", "))
	}
	if r.ReservedBytes > 0 {
		fmt.Fprintf(out, "  reserved:   %s\n", humanize.IBytes(uint64(r.ReservedBytes)))
	}
	if len(r.Evicted) > 0 {
		fmt.Fprintf(out, "  evicted:    %s\n", strings.Join(r.Evicted, ", "))
	}
	if r.WarmHit {
		fmt.Fprintln(out, "  warm:       yes")
	}
	fmt.Fprintf(out, "  took:       %s\n", r.Duration.Round(1e6))
}

func printSnapshot(out io.Writer, s switcher.SessionSnapshot) {
	active := s.ProjectID
	if active == "" {
		active = "(none)"
	}
	fmt.Fprintf(out, "loaded:   %s (%s)\n", active, s.Capability)
	if s.ModelName != "" {
		fmt.Fprintf(out, "model:    %s\n", s.ModelName)
	}
	fmt.Fprintf(out, "budget:   %s of %s committed\n",
		humanize.IBytes(uint64(s.CommittedBytes)), humanize.IBytes(uint64(s.CeilingBytes)))
	if len(s.Warm) > 0 {
		fmt.Fprintf(out, "warm:     %s\n", strings.Join(s.Warm, ", "))
	}
}

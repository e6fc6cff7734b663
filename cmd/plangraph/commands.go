package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/plangraph/internal/workspace"
	planmcp "github.com/rendis/plangraph/pkg/mcp"
)

const outputJSON = "json"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "plangraph",
		Short:         "Draft, inspect and steer execution plans",
		Long:          `Plangraph streams plan drafts from a planner service, tracks their execution and exposes the graph, its critical path and collapsible side branches.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", settingsPath(), "settings file")

	load := func() (Config, error) {
		return loadConfig(configPath, os.Getenv)
	}
	root.AddCommand(newServeCmd(load), newDraftCmd(load), newViewCmd(load))
	return root
}

// withApp builds the app, runs fn under a signal-aware context and tears
// everything down.
func withApp(cmd *cobra.Command, load func() (Config, error), fn func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, a)
}

func newServeCmd(load func() (Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the plan tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				srv := planmcp.NewServer(planmcp.ServerDeps{
					Workspace: a.ws,
					Logger:    a.logger,
					Version:   version,
				})
				a.logger.Info("mcp server listening on stdio")
				return srv.Serve(ctx)
			})
		},
	}
}

func newDraftCmd(load func() (Config, error)) *cobra.Command {
	var model, format string

	cmd := &cobra.Command{
		Use:   "draft <query>",
		Short: "Draft a plan and print it once ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				if _, err := a.ws.Draft(ctx, args[0], model); err != nil {
					return err
				}
				v, err := a.ws.WaitDraft(ctx)
				if err != nil {
					return err
				}
				if v.Error != "" {
					return fmt.Errorf("draft failed: %s", v.Error)
				}
				return printPlan(ctx, cmd.OutOrStdout(), a.ws, v, format)
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "planner model hint")
	cmd.Flags().StringVar(&format, "format", outputJSON, "output format: json, mermaid or png")
	return cmd
}

func newViewCmd(load func() (Config, error)) *cobra.Command {
	var format string
	var expand []string
	var lock bool

	cmd := &cobra.Command{
		Use:   "view <plan-id>",
		Short: "Print the current view of an existing plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				if err := a.ws.Open(ctx, args[0]); err != nil {
					return err
				}
				if err := a.ws.Refresh(ctx); err != nil {
					a.logger.Warn("status refresh failed", slog.String("error", err.Error()))
				}
				v := a.ws.View(ctx)
				for _, root := range expand {
					if !isCollapsed(v, root) {
						continue
					}
					var err error
					if v, err = a.ws.ToggleBranch(ctx, root); err != nil {
						return err
					}
				}
				if lock && !v.Locked {
					v = a.ws.ToggleLock(ctx)
				}
				return printPlan(ctx, cmd.OutOrStdout(), a.ws, v, format)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", outputJSON, "output format: json, mermaid or png")
	cmd.Flags().StringSliceVar(&expand, "expand", nil, "branch roots to expand")
	cmd.Flags().BoolVar(&lock, "lock", false, "collapse every side branch")
	return cmd
}

func isCollapsed(v workspace.View, rootID string) bool {
	for _, t := range v.Toggles {
		if t.RootID == rootID {
			return t.Collapsed
		}
	}
	return false
}

func printPlan(ctx context.Context, w io.Writer, ws *workspace.Workspace, v workspace.View, format string) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	out, err := ws.Diagram(ctx, format)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

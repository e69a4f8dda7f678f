package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/telemetry"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		dryRun   bool
		noVerify bool
	)

	cmd := &cobra.Command{
		Use:   "run <hostname> <recipe>",
		Short: "Apply a recipe to a device",
		Long: `Apply a recipe to a registered device.

The run:
  - Plans every action against the live device
  - Skips actions that are already satisfied or unsupported on the device OS
  - Applies the rest in recipe order; a failed action does not stop the others
  - Records the session and the reconciled device state, then commits them

The exit code is 0 when every action succeeded or was skipped, 6 when the
session finished partial or failed.`,
		Example: `  # Tune the in-ear monitor mixer
  avtune run iem.lan network-optimize

  # Show what would change without touching the device
  avtune run iem.lan network-optimize --dry-run`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			hostname, recipe := args[0], args[1]
			trace.SpanFromContext(ctx).SetAttributes(
				telemetry.AttrHostname.String(hostname),
				telemetry.AttrRecipe.String(recipe),
			)

			engineOpts := a.cfg.EngineOptions(opts.version)
			if dryRun {
				engineOpts.DryRun = true
			}
			if noVerify {
				engineOpts.PostVerify = false
			}

			executor, err := a.executor(ctx, engineOpts)
			if err != nil {
				return err
			}
			report, err := executor.Run(ctx, hostname, recipe)
			if report != nil {
				if rerr := writeRunReport(cmd, opts, report); rerr != nil {
					return rerr
				}
			}
			if err != nil {
				return err
			}
			return sessionExit(report)
		}),
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only: no session, no lease, no writes")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip verification after each apply")

	return cmd
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <hostname> <recipe>",
		Short: "Show what a run would change",
		Long: `Classify every action of a recipe against the live device without
applying anything or recording a session.`,
		Example: `  avtune plan foh.lan audio-rt`,
		Args:    usageArgs(cobra.ExactArgs(2)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			engineOpts := a.cfg.EngineOptions(opts.version)
			engineOpts.DryRun = true

			executor, err := a.executor(ctx, engineOpts)
			if err != nil {
				return err
			}
			plan, err := executor.Plan(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			renderPlan(cmd.OutOrStdout(), plan)
			return nil
		}),
	}
	return cmd
}

func writeRunReport(cmd *cobra.Command, opts *rootOptions, report *engine.RunReport) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		return printJSON(out, report)
	}
	switch {
	case report.Session != nil:
		renderRunSummary(out, report)
	case report.Plan != nil:
		renderPlan(out, report.Plan)
		renderWarnings(out, report.PolicyWarnings, report.Warnings)
	}
	return nil
}

// sessionExit turns a finished partial or failed session into exit code 6.
func sessionExit(report *engine.RunReport) error {
	s := report.Session
	if s == nil || s.Status == engine.SessionSuccess {
		return nil
	}
	return &ExitError{
		Code:    ExitSessionFailed,
		Message: fmt.Sprintf("session %s finished %s", s.ID, s.Status),
	}
}

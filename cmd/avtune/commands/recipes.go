package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/avtune/avtune/pkg/policy"
	"github.com/avtune/avtune/pkg/recipes"
)

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available recipes",
		Args:  usageArgs(cobra.NoArgs),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			summaries, err := a.loader.List(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), summaries)
			}
			if len(summaries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No recipes in %s\n", a.loader.RecipesDir())
				return nil
			}
			renderRecipeList(cmd.OutOrStdout(), summaries)
			return nil
		}),
	}
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <recipe>",
		Short: "Show a recipe per platform",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			recipe, err := a.loader.Load(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), recipe)
			}
			renderRecipe(cmd.OutOrStdout(), recipe)
			return nil
		}),
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate [recipe...]",
		Short: "Validate recipes and policies",
		Long: `Load and validate recipes against the recipe schema, and compile the
inventory policies. Without arguments every recipe is checked.

With --watch the recipes and policies are re-validated whenever a file
changes, until interrupted.`,
		Example: `  # Validate everything
  avtune validate

  # Validate two recipes
  avtune validate network-optimize audio-rt

  # Keep validating while editing
  avtune validate --watch`,
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if watch {
				if len(args) > 0 {
					return usageError(fmt.Errorf("--watch validates every recipe and takes no arguments"))
				}
				return watchValidate(ctx, a, out)
			}

			failed := 0
			if len(args) == 0 {
				summaries, err := a.loader.List(ctx)
				if err != nil {
					return err
				}
				failed += reportSummaries(out, summaries)
			} else {
				for _, name := range args {
					recipe, err := a.loader.Load(ctx, name)
					if err != nil {
						fmt.Fprintf(out, "FAIL  %s: %v\n", name, err)
						failed++
						continue
					}
					fmt.Fprintf(out, "ok    %s (%d actions)\n", recipe.Name, len(recipe.Actions))
				}
			}

			checker, err := a.policies(ctx)
			if err != nil {
				fmt.Fprintf(out, "FAIL  policies: %v\n", err)
				failed++
			} else if checker != nil {
				fmt.Fprintf(out, "ok    policies (%d loaded)\n", len(checker.ListPolicies()))
			}

			if failed > 0 {
				return &ExitError{Code: ExitGeneric, Message: fmt.Sprintf("%d validation failure(s)", failed)}
			}
			return nil
		}),
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate on file changes")

	return cmd
}

func reportSummaries(out io.Writer, summaries []recipes.RecipeSummary) int {
	failed := 0
	for _, s := range summaries {
		if s.Error != "" {
			fmt.Fprintf(out, "FAIL  %s: %s\n", s.Name, s.Error)
			failed++
			continue
		}
		fmt.Fprintf(out, "ok    %s (%d actions)\n", s.Name, s.Actions)
	}
	return failed
}

// watchValidate blocks until ctx is cancelled, printing one report per
// change. Policy files are watched alongside when policies are enabled.
func watchValidate(ctx context.Context, a *app, out io.Writer) error {
	if a.cfg.Policy.Enabled {
		eng, err := policy.NewEngine(a.logger, policy.WithProfiles(a.loader))
		if err != nil {
			return err
		}
		if err := eng.LoadPolicies(ctx, a.cfg.PolicyPaths()); err != nil {
			fmt.Fprintf(out, "FAIL  policies: %v\n", err)
		}
		watcher, err := eng.Watch(ctx, a.cfg.PolicyPaths())
		if err != nil {
			a.logger.Warn().Err(err).Msg("Policy files are not watched")
		} else {
			defer func() { _ = watcher.StopWatching() }()
		}
	}

	return a.loader.Watch(ctx, func(summaries []recipes.RecipeSummary, err error) {
		fmt.Fprintf(out, "--- %s\n", time.Now().Format(time.Kitchen))
		if err != nil {
			fmt.Fprintf(out, "FAIL  %v\n", err)
			return
		}
		if failed := reportSummaries(out, summaries); failed > 0 {
			fmt.Fprintf(out, "%d of %d recipes failed\n", failed, len(summaries))
		}
	})
}

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions are the global flags.
type rootOptions struct {
	inventory  string
	configPath string
	logLevel   string
	jsonOutput bool

	version string
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func defaultInventory() string {
	if dir := os.Getenv("AVTUNE_INVENTORY"); dir != "" {
		return dir
	}
	return "."
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &rootOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "avtune",
		Short: "avtune - recipe-driven tuning for low-latency A/V machines",
		Long: `avtune applies declarative tuning recipes to audio/video machines and
keeps a Git-versioned record of every device, its reconciled state and the
history of every session.

Recipes are YAML or Starlark files under <inventory>/recipes. Each run
plans against the live device first, applies only what is not already in
place, and records the outcome.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError(fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath()))
			}
			return cmd.Help()
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.inventory, "inventory", "i", defaultInventory(), "inventory directory ($AVTUNE_INVENTORY)")
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default <inventory>/avtune.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRegisterCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newShowCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newDevicesCommand(opts))
	rootCmd.AddCommand(newStateCommand(opts))
	rootCmd.AddCommand(newRemoveCommand(opts))
	rootCmd.AddCommand(newFactsCommand(opts))

	return rootCmd
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usageError(fn(cmd, args))
	}
}

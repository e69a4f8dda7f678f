package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/avtune/avtune/pkg/engine"
)

// defaultHistoryLimit is the number of sessions history shows without a limit argument.
const defaultHistoryLimit = 10

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var (
		ip      string
		port    int
		tags    []string
		offline bool
		osHint  string
	)

	cmd := &cobra.Command{
		Use:   "register <hostname> [profile] [user]",
		Short: "Register or refresh a device",
		Long: `Register a device in the inventory.

avtune connects to the device, detects its OS and hardware and writes the
device record. Registering an existing hostname refreshes OS, hardware and
last-seen and keeps the original registration time. A profile seeds the
device tags.`,
		Example: `  # Register the FOH desk with the stage profile, logging in as "av"
  avtune register foh.lan stage av --ip 10.0.20.11

  # Register without contacting the device
  avtune register spare.lan --offline --os windows --tag spare`,
		Args: usageArgs(cobra.RangeArgs(1, 3)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			req := engine.RegisterRequest{
				Hostname: args[0],
				IP:       ip,
				Port:     port,
				Tags:     tags,
				Offline:  offline,
			}
			if osHint != "" {
				req.OSHint = engine.ParseOSFamily(osHint)
				if req.OSHint == engine.OSUnknown {
					return usageError(fmt.Errorf("unknown OS family %q", osHint))
				}
			}
			if len(args) > 1 {
				req.Profile = args[1]
			}
			if len(args) > 2 {
				req.User = args[2]
			}

			registrar, err := a.registrar(ctx)
			if err != nil {
				return err
			}
			result, err := registrar.Register(ctx, req)
			if err != nil {
				return err
			}

			d := result.Device
			if perr := a.tel.Events.Publish(ctx, &engine.Event{
				Type:     engine.EventDeviceRegistered,
				Hostname: d.Hostname,
				Message:  fmt.Sprintf("%s registered (%s)", d.Hostname, d.OS),
				Details:  map[string]interface{}{"created": result.Created, "profile": d.Profile},
			}); perr != nil {
				a.logger.Debug().Err(perr).Msg("Registration event dropped")
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, result)
			}
			verb := "Updated"
			if result.Created {
				verb = "Registered"
			}
			fmt.Fprintf(out, "%s %s (%s %s)\n", verb, d.Hostname, d.OS, d.OSVersion)
			if d.Profile != "" {
				fmt.Fprintf(out, "Profile:  %s\n", d.Profile)
			}
			if len(d.Tags) > 0 {
				fmt.Fprintf(out, "Tags:     %v\n", d.Tags)
			}
			if result.Commit != nil && result.Commit.ID != "" {
				fmt.Fprintf(out, "Commit:   %s\n", result.Commit.ID)
			}
			renderWarnings(out, nil, result.Warnings)
			return nil
		}),
	}

	cmd.Flags().StringVar(&ip, "ip", "", "address used to reach the device")
	cmd.Flags().IntVar(&port, "port", 0, "SSH port (default from config)")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "device tag (repeatable)")
	cmd.Flags().BoolVar(&offline, "offline", false, "register without contacting the device")
	cmd.Flags().StringVar(&osHint, "os", "", "OS family for --offline: linux, windows, macos")

	return cmd
}

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		Args:  usageArgs(cobra.NoArgs),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			store, err := a.inventory(ctx)
			if err != nil {
				return err
			}
			devices, err := store.ListDevices(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), devices)
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices registered")
				return nil
			}
			renderDevices(cmd.OutOrStdout(), devices)
			return nil
		}),
	}
}

func newStateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <hostname>",
		Short: "Show the reconciled state of a device",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			store, err := a.inventory(ctx)
			if err != nil {
				return err
			}
			state, err := store.LoadState(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), state)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(state); err != nil {
				return err
			}
			return enc.Close()
		}),
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <hostname> [limit]",
		Short: "Show the sessions of a device, newest first",
		Args:  usageArgs(cobra.RangeArgs(1, 2)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			limit := defaultHistoryLimit
			if len(args) > 1 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n <= 0 {
					return usageError(fmt.Errorf("limit must be a positive number, got %q", args[1]))
				}
				limit = n
			}

			store, err := a.inventory(ctx)
			if err != nil {
				return err
			}
			sessions, err := store.ListSessions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No sessions recorded for %s\n", args[0])
				return nil
			}
			renderHistory(cmd.OutOrStdout(), sessions)
			return nil
		}),
	}
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <hostname>",
		Short: "Remove a device with its state and history",
		Long: `Remove a device record, its state and its session history from the
inventory. Devices are never removed implicitly; the removal is committed
so earlier records stay in the repository history.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			registrar, err := a.registrar(ctx)
			if err != nil {
				return err
			}
			commit, warnings, err := registrar.Remove(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, map[string]any{
					"hostname": args[0],
					"commit":   commit,
					"warnings": warnings,
				})
			}
			fmt.Fprintf(out, "Removed %s\n", args[0])
			if commit != nil && commit.ID != "" {
				fmt.Fprintf(out, "Commit:   %s\n", commit.ID)
			}
			renderWarnings(out, nil, warnings)
			return nil
		}),
	}
}

func newFactsCommand(opts *rootOptions) *cobra.Command {
	var (
		ip   string
		user string
		port int
	)

	cmd := &cobra.Command{
		Use:   "facts <hostname>",
		Short: "Gather device information without registering",
		Long: `Detect the OS and hardware of a host and print them. Registered devices
are reached with their stored address and login; other hosts with the flags
and the SSH defaults. Nothing is written to the inventory.`,
		Example: `  avtune facts localhost
  avtune facts 10.0.20.40 --user av --json`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: opts.withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			target := engine.Target{Hostname: args[0], Address: args[0], OS: engine.OSUnknown}

			store, err := a.inventory(ctx)
			if err != nil {
				return err
			}
			if device, err := store.LoadDevice(ctx, args[0]); err == nil {
				target = engine.TargetFor(device)
			}
			if ip != "" {
				target.Address = ip
			}
			if user != "" {
				target.User = user
			}
			if port != 0 {
				target.Port = port
			}

			gctx, cancel := context.WithTimeout(ctx, engine.DefaultGatherTimeout)
			defer cancel()
			info, err := a.gatherer().Gather(gctx, target)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			renderFacts(cmd.OutOrStdout(), info)
			return nil
		}),
	}

	cmd.Flags().StringVar(&ip, "ip", "", "address to connect to")
	cmd.Flags().StringVar(&user, "user", "", "SSH login")
	cmd.Flags().IntVar(&port, "port", 0, "SSH port")

	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Offline    bool

	cfg *config.Config
}

// NewRootCommand creates the root command for the syncd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "Offline-first sync daemon",
		Long: `syncd keeps a durable queue of outbound requests and local records in step with a
remote API, detecting and resolving version conflicts.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Offline {
				cfg.Remote.StartOnline = false
			}
			opts.cfg = cfg
			app.InitLogging(cfg.Logging)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML or TOML)")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "start with connectivity off")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewRetryFailedCommand(opts))
	cmd.AddCommand(NewClearCompletedCommand(opts))
	cmd.AddCommand(NewItemCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// withApp opens the application for a command that processes the queue and closes it
// afterwards. Crash recovery runs on open.
func withApp(ctx context.Context, opts *RootOptions, fn func(a *app.App) error) error {
	a, err := app.New(ctx, opts.cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// attachApp opens the application for a maintenance command that may run next to `syncd run`.
// It never processes the queue, and it leaves the daemon's in-flight items alone.
func attachApp(opts *RootOptions, fn func(a *app.App) error) error {
	a, err := app.Attach(opts.cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Engine.SetOnline(false)
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

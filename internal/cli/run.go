package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meetbell/internal/app"
	appLog "meetbell/internal/log"
)

// NewRunCommand creates the daemon command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: sync, alerts and HTTP API",
		Long: `Run the meetbell daemon.

The daemon polls every configured calendar, schedules two reminders per
meeting, delivers them to the configured sinks and serves the HTTP API
used by "meetbell snooze" and "meetbell ack".

Example:
  meetbell run
  meetbell run --config ./meetbell.yaml --listen 127.0.0.1:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			appLog.Info("meetbell starting",
				"config", rootOpts.ConfigPath,
				"data_dir", cfg.DataDir,
				"sources", len(cfg.Sources),
				"timezone", cfg.Timezone,
			)
			err = a.Run(ctx, cmd.OutOrStdout())
			appLog.Info("meetbell exiting")
			if ctx.Err() != nil && err == nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

// commandContext returns the cobra context, or Background when the command
// runs outside Execute (tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

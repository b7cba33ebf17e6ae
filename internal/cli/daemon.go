package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RevCBH/hsenotify/internal/daemon"
	"github.com/RevCBH/hsenotify/internal/logging"
)

// NewDaemonCmd creates the daemon command, which runs the pipeline in the
// foreground until SIGINT or SIGTERM. Run it under a process manager.
func NewDaemonCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the notification daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			level := cfg.LogLevel
			if a.verbose {
				level = "debug"
			}
			logger, err := logging.New(logging.Options{Level: level, Format: cfg.LogFormat})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, logger, daemon.Options{Version: a.versionInfo.withDefaults().Version})
			if err != nil {
				return err
			}
			defer func() {
				if err := d.Close(); err != nil {
					logger.Warn("Failed to close database", zap.Error(err))
				}
			}()
			return d.Run(ctx)
		},
	}
}

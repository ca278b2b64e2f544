package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reelpipe/reelpipe/internal/app"
	"github.com/reelpipe/reelpipe/internal/config"
	"github.com/reelpipe/reelpipe/internal/logging"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline daemon until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs the worker pool without the HTTP API",
		Long: `Pulls jobs from the configured broker queues until interrupted. Jobs
already running when the signal arrives run to completion.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			a.Logger.Info("worker pool started",
				zap.Int("workers", a.Config.Worker.Concurrency),
				zap.Strings("queues", a.Config.Worker.Queues),
			)
			a.Dispatcher.Run(cmd.Context())
			a.Logger.Info("worker pool stopped")
			return nil
		},
	}
}

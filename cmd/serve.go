package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API",
		Long: `Starts the HTTP API. By default the process also runs the configured
worker pool so a single binary can import and serve documents.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "run the worker pool in this process")
	return cmd
}

func runServe(ctx context.Context, withWorkers bool) error {
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	logger := a.Logger

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	if withWorkers {
		go func() {
			defer close(done)
			logger.Info("dispatcher started", zap.Int("workers", a.Config.Worker.Concurrency))
			a.Dispatcher.Run(ctx)
		}()
	} else {
		close(done)
	}

	srv := a.HTTPServer()
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-done
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

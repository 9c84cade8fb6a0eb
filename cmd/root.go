// Package cmd defines and implements the CLI commands for the repoindexer executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-indexer/internal/app"
	"github.com/JakeFAU/repo-indexer/internal/config"
	"github.com/JakeFAU/repo-indexer/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// loadConfig and newApp are variables so tests can swap in memory backends.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, logger)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "repoindexer",
		Short: "Crawls document repositories into a full-text index.",
		Long: `repoindexer walks Subversion, HTTP directory-index, and local file
repositories, converts office and text files into searchable text, renders
PDF previews, and serves search over the resulting index.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
				appInstance.Logger.Warn("shutdown finished with errors", zap.Error(err))
			}
			_ = appInstance.Logger.Sync()
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); INDEXER_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSubmitCmd(),
		newJobsCmd(),
		newReindexCmd(),
	)
	return cmd
}

// Execute runs the root command until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

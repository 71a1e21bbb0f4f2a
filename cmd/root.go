// Package cmd defines the newscrawler command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/config"
	"github.com/LocalNewsImpact/newscrawler/internal/logging"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (*config.Loader, config.Config, *zap.Logger, error) {
	loader := config.NewLoader(o.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return loader, cfg, logger, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "newscrawler",
		Short: "Adaptive article extraction for local news datasets.",
		Long: `newscrawler resolves candidate article URLs into structured articles.
Each URL goes through structured metadata, readability and finally a headless
browser, with per-host backoff, proxy routing and paced scheduling so that a
single-publisher dataset does not trip bot protection.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, toml or json)")
	cmd.AddCommand(newExtractCmd(opts), newProxiesCmd(opts))
	return cmd
}

// Execute runs the CLI and returns the process exit code. SIGINT and SIGTERM
// cancel the running job between URLs.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "newscrawler:", err)
		return 1
	}
	return 0
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LocalNewsImpact/newscrawler/internal/app"
	"github.com/LocalNewsImpact/newscrawler/internal/config"
	"github.com/LocalNewsImpact/newscrawler/internal/worker"
)

const shutdownTimeout = 30 * time.Second

type extractOptions struct {
	dataset   string
	input     string
	limit     int
	batches   int
	adminAddr string
}

// newExtractCmd creates the 'extract' subcommand, which runs one job.
func newExtractCmd(root *rootOptions) *cobra.Command {
	opts := &extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract articles for one dataset",
		Long: `Reads candidate URLs (one per line, or JSON lines with "url" and
"dataset" keys) and writes one result per URL to the configured outputs.
The command exits 0 once the pass completes, however many URLs failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtract(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.dataset, "dataset", "", "dataset identifier (overrides job.dataset)")
	f.StringVar(&opts.input, "input", "", `URL list path, "-" for stdin (overrides job.input)`)
	f.IntVar(&opts.limit, "limit", 0, "process at most this many URLs (0 = all)")
	f.IntVar(&opts.batches, "batches", 0, "process at most this many batches (0 = all)")
	f.StringVar(&opts.adminAddr, "admin-addr", "", "serve the admin API on this address (overrides admin.addr)")
	return cmd
}

// applyFlags lets explicitly set flags win over the config file.
func (o *extractOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("dataset") {
		cfg.Job.Dataset = o.dataset
	}
	if f.Changed("input") {
		cfg.Job.Input = o.input
	}
	if f.Changed("limit") {
		cfg.Job.Limit = o.limit
	}
	if f.Changed("batches") {
		cfg.Job.Batches = o.batches
	}
	if f.Changed("admin-addr") {
		cfg.Admin.Addr = o.adminAddr
	}
}

func runExtract(cmd *cobra.Command, root *rootOptions, opts *extractOptions) error {
	loader, cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts.applyFlags(cmd, &cfg)
	if cfg.Job.Dataset == "" {
		return errors.New("a dataset is required (--dataset or job.dataset)")
	}
	if cfg.Job.Limit < 0 || cfg.Job.Batches < 0 {
		return errors.New("--limit and --batches must be >= 0")
	}

	in, err := openInput(cfg.Job.Input, cmd.InOrStdin())
	if err != nil {
		return err
	}
	urls, err := readCandidates(in, cfg.Job.Dataset, logger)
	_ = in.Close()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("setup failed", zap.Error(err))
		return fmt.Errorf("setup: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	loader.Watch(func(next config.Config) {
		if err := a.ApplyConfig(next); err != nil {
			logger.Warn("config reload rejected", zap.Error(err))
		}
	}, func(err error) {
		logger.Warn("config reload failed", zap.Error(err))
	})

	runCtx, stopAdmin := context.WithCancel(ctx)
	adminDone := make(chan struct{})
	if cfg.Admin.Addr != "" {
		go func() {
			defer close(adminDone)
			if err := a.AdminServer().ListenAndServe(runCtx, cfg.Admin.Addr); err != nil {
				logger.Warn("admin server stopped", zap.Error(err))
			}
		}()
	} else {
		close(adminDone)
	}
	defer func() {
		stopAdmin()
		<-adminDone
	}()

	sum, err := a.Run(runCtx, worker.Job{
		Dataset: cfg.Job.Dataset,
		URLs:    urls,
		Limit:   cfg.Job.Limit,
		Batches: cfg.Job.Batches,
	})
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}
	logger.Info("job finished",
		zap.String("status", string(sum.Status)),
		zap.Int("total", sum.Total),
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Any("classifications", sum.Classifications),
		zap.Int("write_failures", sum.WriteFailures),
		zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	return nil
}

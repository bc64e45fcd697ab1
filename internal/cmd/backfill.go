package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
	"github.com/irfndi/celebrum-fetcher/internal/models"
	"github.com/irfndi/celebrum-fetcher/internal/services"
)

const shutdownTimeout = 10 * time.Second

// ErrScheduledNotImplemented is returned for --scheduled.
var ErrScheduledNotImplemented = errors.New("scheduled mode (--scheduled) is not yet implemented, use --once")

type backfillOptions struct {
	once        bool
	scheduled   bool
	symbols     []string
	days        int
	force       bool
	catalogPath string
}

func newBackfillCommand(global *globalOptions) *cobra.Command {
	opts := &backfillOptions{}

	cmd := &cobra.Command{
		Use:   "backfill [SYMBOL...]",
		Short: "Backfill historical daily prices for the symbol catalog",
		Long: `Seed the backfill queue from the symbol catalog and process every eligible
task once, oldest first. Interrupting with SIGINT/SIGTERM finishes the
current task, logs a partial report and exits with code 130; a second
signal aborts immediately. Processed task statuses stay persisted so the
next run resumes where this one stopped.

Positional symbols are appended to --symbols.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, global, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.once, "once", false, "run backfill once and exit")
	flags.BoolVar(&opts.scheduled, "scheduled", false, "run with scheduled backfills (not yet implemented)")
	flags.StringSliceVar(&opts.symbols, "symbols", nil, "specific symbols to backfill, replacing the catalog (e.g. AAPL,MSFT)")
	flags.IntVar(&opts.days, "days", 365, "number of historical days to fetch")
	flags.BoolVar(&opts.force, "force", false, "re-fetch even when prices already exist in the window")
	flags.StringVar(&opts.catalogPath, "config", "", "path to the symbol catalog JSON (default: backfill.config_path setting)")

	cmd.MarkFlagsMutuallyExclusive("once", "scheduled")
	cmd.MarkFlagsOneRequired("once", "scheduled")
	return cmd
}

// requestedSymbols merges --symbols and positional arguments, normalized to
// upper case. Validation happens in the orchestrator.
func (o *backfillOptions) requestedSymbols(args []string) []string {
	var out []string
	for _, s := range append(append([]string{}, o.symbols...), args...) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func runBackfill(cmd *cobra.Command, global *globalOptions, opts *backfillOptions, args []string) error {
	if opts.scheduled {
		return ErrScheduledNotImplemented
	}
	if opts.days <= 0 {
		return fmt.Errorf("--days must be positive, got %d", opts.days)
	}

	env, err := global.setup()
	if err != nil {
		return err
	}
	cfg := env.cfg
	logger := env.logger
	if opts.catalogPath != "" {
		cfg.Backfill.ConfigPath = opts.catalogPath
	}
	days := cfg.Backfill.Days
	if cmd.Flags().Changed("days") {
		days = opts.days
	}

	logger.WithFields(logrus.Fields{
		"config": cfg.Backfill.ConfigPath,
		"days":   days,
		"force":  opts.force,
	}).Info("Starting one-time backfill operation")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tp, err := env.startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer env.stopTelemetry(tp)

	db, store, err := env.connect(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	repos := services.RepositoriesFromStore(store)
	stock, err := fetcher.NewFactory(cfg.Provider).For(models.AssetTypeStock)
	if err != nil {
		return err
	}
	processor := services.NewSymbolProcessor(
		stock,
		repos,
		services.NewRateLimiter(cfg.RateLimit, logger),
		services.NewCircuitBreaker("provider", cfg.CircuitBreaker, logger),
		nil,
		logger,
	)
	orchestrator := services.NewBackfillOrchestrator(repos, processor, cfg.Backfill, logger)

	stop := notifySignals(
		func(sig os.Signal) {
			logger.WithField("signal", sig.String()).Warn("Shutdown requested, stopping after the current task")
			orchestrator.RequestShutdown()
		},
		func(sig os.Signal) {
			logger.WithField("signal", sig.String()).Warn("Second signal received, aborting")
			cancel()
		},
	)
	defer stop()

	_, err = orchestrator.Run(ctx, services.RunOptions{
		Force:   opts.force,
		Days:    days,
		Symbols: opts.requestedSymbols(args),
	})
	switch {
	case errors.Is(err, services.ErrInterrupted), errors.Is(err, context.Canceled):
		logger.Warn("Backfill interrupted, progress saved for the next run")
		return withExitCode(ExitInterrupted, err)
	case err != nil:
		return err
	}

	logger.Info("Backfill operation completed successfully")
	return nil
}

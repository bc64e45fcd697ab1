package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/irfndi/celebrum-fetcher/internal/api"
	"github.com/irfndi/celebrum-fetcher/internal/cache"
	"github.com/irfndi/celebrum-fetcher/internal/database"
	"github.com/irfndi/celebrum-fetcher/internal/fetcher"
	"github.com/irfndi/celebrum-fetcher/internal/logging"
	"github.com/irfndi/celebrum-fetcher/internal/models"
	"github.com/irfndi/celebrum-fetcher/internal/services"
)

const logHookBuffer = 512

type daemonOptions struct {
	statusAddr string
	noDBLogs   bool
	flushCache bool
}

func newDaemonCommand(global *globalOptions) *cobra.Command {
	opts := &daemonOptions{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Keep tracked assets refreshed and backfill newly added assets",
		Long: `Run the long-lived fetcher. It listens for transaction_created and
price_update_trigger notifications, refreshes tracked prices on a fixed
interval and persists statistics snapshots. SIGINT/SIGTERM stops it cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.statusAddr, "status-addr", "", "serve /health and /statistics on this address (default: daemon.status_addr setting)")
	cmd.Flags().BoolVar(&opts.noDBLogs, "no-db-logs", false, "do not copy log entries into fetcher_logs")
	cmd.Flags().BoolVar(&opts.flushCache, "flush-price-cache", false, "drop every cached price before the first refresh")
	return cmd
}

func runDaemon(cmd *cobra.Command, global *globalOptions, opts *daemonOptions) error {
	env, err := global.setup()
	if err != nil {
		return err
	}
	cfg := env.cfg
	logger := env.logger
	if opts.statusAddr != "" {
		cfg.Daemon.StatusAddr = opts.statusAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.LogStartup(logger, serviceName, version, "daemon")

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

	if cfg.Daemon.LogToDB && !opts.noDBLogs {
		hook := logging.NewDatabaseHook(store.Logs, logrus.InfoLevel, logHookBuffer)
		logger.AddHook(hook)
		// runs before db.Close so buffered entries reach fetcher_logs
		defer hook.Close()
	}

	var (
		priceCache  services.PriceCacheWriter
		cacheLister api.CachedSymbolLister
		redisHealth api.HealthChecker
	)
	if cfg.Redis.Enabled {
		rc, err := database.NewRedisConnection(ctx, cfg.Redis, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing without the price cache")
		} else {
			defer func() { _ = rc.Close() }()
			pc := cache.NewPriceCache(rc.Client, cfg.Redis.PriceTTL, logger)
			defer pc.LogStats()
			if opts.flushCache {
				if err := pc.Clear(ctx); err != nil {
					logger.WithError(err).Warn("Failed to flush price cache")
				}
			}
			priceCache = pc
			cacheLister = pc
			redisHealth = rc
		}
	}

	parts := buildDaemon(env, store, priceCache)

	if cfg.Daemon.StatusAddr != "" {
		router := api.NewRouter(serviceName, api.Dependencies{
			Database:   db,
			Redis:      redisHealth,
			Statistics: parts.tracker,
			Queue:      store.Queue,
			Requests:   parts.limiter,
			PriceCache: cacheLister,
			Version:    version,
			Logger:     logger,
		})
		srv := api.NewServer(cfg.Daemon.StatusAddr, router, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Status server did not stop cleanly")
			}
		}()
	}

	err = parts.daemon.Run(ctx)

	reason := "signal received"
	if err != nil {
		reason = err.Error()
	}
	logging.LogShutdown(logger, serviceName, reason)
	return err
}

type daemonParts struct {
	daemon  *services.Daemon
	tracker *services.StatisticsTracker
	limiter *services.RateLimiter
}

// buildDaemon wires the refresh, backfill and statistics components over
// one store. The limiter, breaker and per-asset locks are shared so the
// refresh worker and new-asset backfills respect the same provider budget.
func buildDaemon(env *environment, store *database.Store, priceCache services.PriceCacheWriter) daemonParts {
	cfg := env.cfg
	logger := env.logger
	repos := services.RepositoriesFromStore(store)

	factory := fetcher.NewFactory(cfg.Provider)
	limiter := services.NewRateLimiter(cfg.RateLimit, logger)
	breaker := services.NewCircuitBreaker("provider", cfg.CircuitBreaker, logger)
	locks := services.NewKeyedMutex()

	processors := map[models.AssetType]services.TaskProcessor{}
	if stock, err := factory.For(models.AssetTypeStock); err == nil {
		processors[models.AssetTypeStock] = services.NewSymbolProcessor(stock, repos, limiter, breaker, locks, logger)
	}

	backfiller := services.NewAssetBackfiller(repos, processors, services.NewRetrier(logger), cfg.Daemon.BackfillDays, logger)
	calculator := services.NewPortfolioValueCalculator(store.Portfolios, logger)
	refresher := services.NewPriceRefresher(factory, repos, priceCache, calculator, limiter, breaker, locks, logger)
	tracker := services.NewStatisticsTracker(store.Tracked, store.Logs, logger)

	listener := database.NewListener(env.dbURL, logger, models.ChannelTransactionCreated, models.ChannelPriceUpdateTrigger)
	daemon := services.NewDaemon(listener, refresher, backfiller, tracker, services.NewResourceMonitor(), cfg.Daemon, logger)
	return daemonParts{daemon: daemon, tracker: tracker, limiter: limiter}
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/config"
	"github.com/irfndi/celebrum-fetcher/internal/logging"
	"github.com/irfndi/celebrum-fetcher/internal/models"
)

const daemonServiceName = "celebrum-fetcher"

// NotificationSource delivers LISTEN/NOTIFY messages.
type NotificationSource interface {
	Connect(ctx context.Context) error
	WaitForNotification(ctx context.Context) (*models.Notification, error)
	Reconnect(ctx context.Context) error
	Close(ctx context.Context) error
}

// Refresher runs a refresh cycle over every tracked asset.
type Refresher interface {
	RefreshAll(ctx context.Context) (RefreshResult, error)
}

// NewAssetHandler reacts to the first transaction on an asset.
type NewAssetHandler interface {
	HandleNewAsset(ctx context.Context, assetID int64) (*models.ProcessingResult, error)
}

// ResourceSampler reports host resource usage.
type ResourceSampler interface {
	Sample(ctx context.Context) ResourceSnapshot
}

// Daemon is the long-running price service. It listens for notifications,
// refreshes prices on an interval and persists its statistics.
type Daemon struct {
	listener   NotificationSource
	refresher  Refresher
	backfiller NewAssetHandler
	stats      *StatisticsTracker
	resources  ResourceSampler
	cfg        config.DaemonConfig
	logger     *logrus.Logger

	newBackOff func() backoff.BackOff
	sleep      SleepFunc
}

// NewDaemon wires the daemon. resources may be nil.
func NewDaemon(
	listener NotificationSource,
	refresher Refresher,
	backfiller NewAssetHandler,
	stats *StatisticsTracker,
	resources ResourceSampler,
	cfg config.DaemonConfig,
	logger *logrus.Logger,
) *Daemon {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.StatisticsInterval <= 0 {
		cfg.StatisticsInterval = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	return &Daemon{
		listener:   listener,
		refresher:  refresher,
		backfiller: backfiller,
		stats:      stats,
		resources:  resources,
		cfg:        cfg,
		logger:     logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		sleep: ContextSleep,
	}
}

// Run blocks until ctx is cancelled or the listener cannot be recovered.
// A nil error means a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.listener.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start notification listener: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"refresh_interval":    d.cfg.RefreshInterval.String(),
		"statistics_interval": d.cfg.StatisticsInterval.String(),
	}).Info("Price daemon started")

	d.persistStatistics(ctx)

	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.every(workerCtx, "refresh", d.cfg.RefreshInterval, func(ctx context.Context) {
			_ = d.RunRefreshCycle(ctx, "scheduled")
		})
	}()
	go func() {
		defer wg.Done()
		d.every(workerCtx, "statistics", d.cfg.StatisticsInterval, d.statisticsTick)
	}()

	err := d.listen(ctx)

	cancel()
	wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer done()
	d.persistStatistics(shutdownCtx)
	if cerr := d.listener.Close(shutdownCtx); cerr != nil {
		d.logger.WithError(cerr).Warn("Failed to close notification listener")
	}
	d.logger.Info("Price daemon stopped")
	return err
}

func (d *Daemon) listen(ctx context.Context) error {
	for {
		n, err := d.listener.WaitForNotification(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.logger.WithError(err).Warn("Notification listener lost its connection")
			if rerr := d.reconnect(ctx); rerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("notification listener unrecoverable: %w", rerr)
			}
			continue
		}
		if n == nil {
			continue
		}
		if !d.Dispatch(ctx, n) {
			if serr := d.sleep(ctx, d.cfg.PollInterval); serr != nil {
				return nil
			}
		}
	}
}

func (d *Daemon) reconnect(ctx context.Context) error {
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.ReconnectAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		return d.listener.Reconnect(ctx)
	}, policy, func(err error, next time.Duration) {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":     attempt,
			"max":         d.cfg.ReconnectAttempts,
			"retry_after": next.String(),
		}).Warn("Listener reconnect failed")
	})
	if err != nil {
		return err
	}
	d.logger.WithField("attempts", attempt).Info("Notification listener reconnected")
	return nil
}

// Dispatch routes one notification to its handler. It returns false when
// the handler panicked.
func (d *Daemon) Dispatch(ctx context.Context, n *models.Notification) (ok bool) {
	log := d.logger.WithField("channel", n.Channel)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Notification handler panicked")
			ok = false
		}
	}()

	switch n.Channel {
	case models.ChannelTransactionCreated:
		var payload models.TransactionCreatedPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil || payload.AssetID <= 0 {
			log.WithField("payload", n.Payload).Warn("Ignoring malformed transaction notification")
			return true
		}
		log = log.WithField("asset_id", payload.AssetID)
		result, err := d.backfiller.HandleNewAsset(ctx, payload.AssetID)
		switch {
		case err != nil:
			log.WithError(err).Error("Failed to handle new asset")
		case result == nil:
			log.Debug("Asset already has price history")
		default:
			log.WithFields(logrus.Fields{
				"success":  result.Success,
				"inserted": result.RecordsInserted,
			}).Info("New asset backfill finished")
		}
	case models.ChannelPriceUpdateTrigger:
		log.Info("Manual price refresh requested")
		_ = d.RunRefreshCycle(ctx, "manual")
	default:
		log.Debug("Ignoring notification on unknown channel")
	}
	return true
}

// RunRefreshCycle refreshes every tracked asset and records the cycle.
func (d *Daemon) RunRefreshCycle(ctx context.Context, trigger string) error {
	id := d.stats.RecordCycleStart()
	started := time.Now()

	result, err := d.refresher.RefreshAll(ctx)
	success := err == nil && result.Successful()

	if endErr := d.stats.RecordCycleEnd(id, success, time.Since(started)); endErr != nil {
		d.logger.WithError(endErr).Warn("Failed to record cycle end")
	}

	log := d.logger.WithFields(logrus.Fields{
		"trigger": trigger,
		"total":   result.Total,
		"updated": result.Updated,
		"failed":  result.Failed,
	})
	if err != nil {
		log.WithError(err).Error("Refresh cycle failed")
	} else {
		log.WithField("success", success).Info("Refresh cycle finished")
	}

	d.persistStatistics(ctx)
	return err
}

func (d *Daemon) statisticsTick(ctx context.Context) {
	d.persistStatistics(ctx)
	if d.resources != nil {
		logging.LogResourceStats(d.logger, daemonServiceName, d.resources.Sample(ctx).Fields())
	}
}

func (d *Daemon) persistStatistics(ctx context.Context) {
	snap, err := d.stats.PersistStatistics(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to persist statistics")
		return
	}
	d.logger.WithFields(logrus.Fields{
		"uptime_seconds":     snap.UptimeSeconds,
		"total_cycles":       snap.TotalCycles,
		"success_rate":       snap.SuccessRate,
		"assets_tracked":     snap.AssetsTracked,
		"avg_cycle_duration": snap.AverageCycleDuration,
	}).Debug("Statistics persisted")
}

// every runs fn on each tick until ctx is done. A panic in fn is logged and
// the worker keeps ticking.
func (d *Daemon) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						d.logger.WithFields(logrus.Fields{
							"worker": name,
							"panic":  r,
						}).Error("Background worker panicked")
					}
				}()
				fn(ctx)
			}()
		}
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/config"
	"github.com/irfndi/celebrum-fetcher/internal/database"
	"github.com/irfndi/celebrum-fetcher/internal/logging"
	"github.com/irfndi/celebrum-fetcher/internal/telemetry"
)

// environment is the shared setup of a subcommand: settings, logger and the
// resolved database URL.
type environment struct {
	cfg    *config.Config
	logger *logrus.Logger
	dbURL  string
}

func (o *globalOptions) setup() (*environment, error) {
	cfg, err := config.Load(o.settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}

	return &environment{
		cfg:    cfg,
		logger: logging.NewLogger(level, cfg.LogFormat),
		dbURL:  resolveDatabaseURL(o.dbURL, cfg.Database),
	}, nil
}

// resolveDatabaseURL applies --db > DATABASE_URL > built-in default.
// DATABASE_URL reaches cfg.URL through the settings loader.
func resolveDatabaseURL(flag string, cfg config.DatabaseConfig) string {
	if flag != "" {
		return flag
	}
	return cfg.ConnectionString()
}

func (e *environment) connect(ctx context.Context) (*database.PostgresDB, *database.Store, error) {
	db, err := database.NewPostgresConnection(ctx, e.dbURL, e.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db, database.NewStore(database.NewTracedPool(db.Pool, e.logger)), nil
}

func (e *environment) startTelemetry(ctx context.Context) (*telemetry.Provider, error) {
	tcfg := e.cfg.Telemetry
	if tcfg.ServiceName == "" {
		tcfg.ServiceName = serviceName
	}
	return telemetry.Init(ctx, tcfg, e.logger)
}

func (e *environment) stopTelemetry(p *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to flush traces")
	}
}

// relaySignals calls graceful on the first signal and force on the second.
// It returns when done closes or after force.
func relaySignals(sigs <-chan os.Signal, done <-chan struct{}, graceful, force func(os.Signal)) {
	received := 0
	for {
		select {
		case <-done:
			return
		case sig := <-sigs:
			received++
			if received == 1 {
				graceful(sig)
				continue
			}
			force(sig)
			return
		}
	}
}

// notifySignals subscribes to SIGINT and SIGTERM for the lifetime of the
// returned stop function.
func notifySignals(graceful, force func(os.Signal)) (stop func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go relaySignals(sigs, done, graceful, force)
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

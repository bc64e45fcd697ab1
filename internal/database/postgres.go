package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/config"
)

type PostgresDB struct {
	Pool *pgxpool.Pool
}

// NewPostgresConnection opens a pool for connString, applies the pool limits
// from cfg and verifies the connection with a ping.
func NewPostgresConnection(ctx context.Context, connString string, cfg config.DatabaseConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"host":      poolConfig.ConnConfig.Host,
		"database":  poolConfig.ConnConfig.Database,
		"max_conns": poolConfig.MaxConns,
	}).Info("Successfully connected to PostgreSQL")

	return &PostgresDB{Pool: pool}, nil
}

// ConnString returns the connection string the pool was created with.
func (db *PostgresDB) ConnString() string {
	if db.Pool == nil {
		return ""
	}
	return db.Pool.Config().ConnString()
}

func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logrus.Info("PostgreSQL connection closed")
	}
}

func (db *PostgresDB) HealthCheck(ctx context.Context) error {
	if db.Pool == nil {
		return errors.New("postgres pool is nil")
	}
	return db.Pool.Ping(ctx)
}

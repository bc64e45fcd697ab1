package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-fetcher/internal/config"
)

const redisPingTimeout = 5 * time.Second

var errNilRedis = errors.New("redis client is nil")

// RedisClient is the optional price cache connection. The daemon keeps
// running without it when Redis cannot be reached.
type RedisClient struct {
	Client *redis.Client
	logger *logrus.Logger
}

// NewRedisConnection dials Redis and pings it once. The client is closed
// again when the ping fails.
func NewRedisConnection(ctx context.Context, cfg config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("price cache redis at %s unreachable: %w", addr, err)
	}

	logger.WithFields(logrus.Fields{
		"addr":      addr,
		"db":        cfg.DB,
		"price_ttl": cfg.PriceTTL.String(),
	}).Info("Price cache connected")
	return &RedisClient{Client: rdb, logger: logger}, nil
}

// Close releases the connection pool. It is a no-op on a nil client.
func (r *RedisClient) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	if err := r.Client.Close(); err != nil {
		return fmt.Errorf("failed to close price cache connection: %w", err)
	}
	if r.logger != nil {
		r.logger.Debug("Price cache connection closed")
	}
	return nil
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errNilRedis
	}
	return r.Client.Ping(ctx).Err()
}

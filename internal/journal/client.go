// Package journal provides go-redis-backed adapters for the engine's
// external ports: PageStore (rollback page spill) and Journal
// (append-only command log).
package journal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the Redis client with connection diagnostics, taking its
// address/db from configuration rather than a hardcoded default.
type Client struct {
	*redis.Client
	log *zap.Logger
}

func NewClient(addr string, db int, log *zap.Logger) *Client {
	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	}

	c := &Client{
		Client: redis.NewClient(opts),
		log:    log.Named("redis"),
	}

	c.log.Info("redis client initialized", zap.String("addr", addr), zap.Int("db", db))
	c.ping(context.Background())
	return c
}

func (c *Client) Close() error { return c.Client.Close() }

func (c *Client) ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Client.Ping(ctx).Err()
	elapsed := time.Since(start)

	log := c.log.With(zap.Duration("ping_rtt", elapsed))
	if err != nil {
		log.Warn("connection failed", zap.Error(err))
	} else {
		log.Info("connection established")
	}
}

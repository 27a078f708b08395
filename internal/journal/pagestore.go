package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edirooss/cubed/internal/lock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPageStore implements lock.PageStore, spilling rollback pages to
// Redis strings keyed by the lock's key prefix.
type RedisPageStore struct {
	client *Client
	log    *zap.Logger
}

func NewRedisPageStore(client *Client, log *zap.Logger) *RedisPageStore {
	return &RedisPageStore{client: client, log: log.Named("page_store")}
}

func pageStoreKey(key string) string { return "cubed:rollback:" + key }

func (s *RedisPageStore) Save(ctx context.Context, key string, rows []lock.RollbackRow) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode rollback page: %w", err)
	}
	if err := s.client.Set(ctx, pageStoreKey(key), payload, 0).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func (s *RedisPageStore) Load(ctx context.Context, key string) ([]lock.RollbackRow, error) {
	raw, err := s.client.Get(ctx, pageStoreKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("rollback page %s: not found", key)
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	var rows []lock.RollbackRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode rollback page: %w", err)
	}
	return rows, nil
}

func (s *RedisPageStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, pageStoreKey(key)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type RedisRepository struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewRedisRepository(cfg *config.RedisConfig) *RedisRepository {
	return &RedisRepository{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		config: cfg,
	}
}

// Client exposes the connection for pub/sub users such as the relay.
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisRepository) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (r *RedisRepository) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

// CachedMenu is a read-through Redis cache in front of a MenuCatalog. Cache
// errors fall back to the catalog.
type CachedMenu struct {
	next   orders.MenuCatalog
	redis  *RedisRepository
	ttl    time.Duration
	logger *zap.Logger
}

var _ orders.MenuCatalog = (*CachedMenu)(nil)

func NewCachedMenu(next orders.MenuCatalog, r *RedisRepository, ttl time.Duration, logger *zap.Logger) *CachedMenu {
	return &CachedMenu{next: next, redis: r, ttl: ttl, logger: logger}
}

func menuKey(id string) string {
	return fmt.Sprintf("menu:%s", id)
}

func (c *CachedMenu) GetMenuItem(ctx context.Context, id string) (*models.MenuItem, error) {
	var item models.MenuItem
	err := c.redis.GetJSON(ctx, menuKey(id), &item)
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("Menu cache read failed", zap.String("menu_item_id", id), zap.Error(err))
	}

	found, err := c.next.GetMenuItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.redis.SetJSON(ctx, menuKey(id), found, c.ttl); err != nil {
		c.logger.Warn("Menu cache write failed", zap.String("menu_item_id", id), zap.Error(err))
	}
	return found, nil
}

// ListMenu is not cached; it serves menu pages, not order placement.
func (c *CachedMenu) ListMenu(ctx context.Context) ([]models.MenuItem, error) {
	return c.next.ListMenu(ctx)
}

// Invalidate drops cached entries, e.g. after a price change.
func (c *CachedMenu) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = menuKey(id)
	}
	return c.redis.Del(ctx, keys...)
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"split-trader/internal/config"
)

// maxTradeLog caps the Redis trade list.
const maxTradeLog = 10000

// redisWriter is the subset of *redis.Client the channel uses.
type redisWriter interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// RedisNotifier publishes notifications to a Redis pub/sub channel and
// appends trade events to a capped Redis list for downstream consumers.
type RedisNotifier struct {
	rdb     redisWriter
	channel string
	listKey string
}

// NewRedisClient creates a go-redis client from the notification config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewRedisNotifier creates a RedisNotifier on an existing client.
func NewRedisNotifier(rdb redisWriter, cfg config.RedisConfig) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: cfg.Channel, listKey: cfg.ListKey}
}

// Name returns the name of the notifier.
func (r *RedisNotifier) Name() string {
	return "redis"
}

// IsEnabled returns whether the notifier is enabled.
func (r *RedisNotifier) IsEnabled() bool {
	return r.rdb != nil && r.channel != ""
}

// Send publishes n and, for trades, pushes it onto the trade list.
func (r *RedisNotifier) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	if n.Type != NotificationTrade || r.listKey == "" {
		return nil
	}
	if err := r.rdb.RPush(ctx, r.listKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push trade to redis: %w", err)
	}
	if err := r.rdb.LTrim(ctx, r.listKey, -maxTradeLog, -1).Err(); err != nil {
		return fmt.Errorf("failed to trim trade list: %w", err)
	}
	return nil
}

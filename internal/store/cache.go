package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/obsidian-market/obsidian-backend/internal/metrics"
	"github.com/obsidian-market/obsidian-backend/pkg/kv"
	memkv "github.com/obsidian-market/obsidian-backend/pkg/kv/memory"
	rediskv "github.com/obsidian-market/obsidian-backend/pkg/kv/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Cache struct {
	kvStore kv.Store
	// Set only when Redis is reachable; used for pub/sub
	client *redis.Client
	// In-memory pubsub hub for when Redis is unavailable
	pubsubHub *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	store, err := rediskv.New(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid redis address: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		store.Close()
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache with in-process pubsub", "error", err)
		}
		return NewInMemoryCache(logger, metrics), nil
	}

	return &Cache{
		kvStore: store,
		client:  store.Client(),
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewInMemoryCache builds a cache that never touches the network.
func NewInMemoryCache(logger *zap.SugaredLogger, metrics *metrics.Metrics, opts ...memkv.Option) *Cache {
	return &Cache{
		kvStore:   memkv.New(30*time.Second, opts...),
		pubsubHub: NewPubSubHub(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Cache key prefixes
const (
	KeyReserves = "obs:reserves"
	KeyAttempt  = "obs:attempts"
	KeyBalance  = "obs:balance"

	// ChannelTrades carries every recorded trade; per-market channels use
	// TradeChannel.
	ChannelTrades = "obs:trades"
)

func TradeChannel(marketID uint64) string {
	return fmt.Sprintf("%s:%d", ChannelTrades, marketID)
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.kvStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			c.metrics.RecordCacheMiss(ctx, key)
			return ErrCacheMiss
		}
		if c.logger != nil {
			c.logger.Errorw("Cache get error", "key", key, "error", err)
		}
		return fmt.Errorf("cache get error: %w", err)
	}
	c.metrics.RecordCacheHit(ctx, key)
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := c.kvStore.Set(ctx, key, data, ttl); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache set error", "key", key, "error", err)
		}
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := c.kvStore.Del(ctx, keys...); err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
		}
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.kvStore.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache exists error: %w", err)
	}
	return count > 0, nil
}

// Specialized cache methods
func reservesKey(marketID uint64) string {
	return fmt.Sprintf("%s:%d", KeyReserves, marketID)
}

func (c *Cache) GetReserves(ctx context.Context, marketID uint64, dest interface{}) error {
	return c.Get(ctx, reservesKey(marketID), dest)
}

func (c *Cache) SetReserves(ctx context.Context, marketID uint64, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, reservesKey(marketID), value, ttl)
}

// InvalidateReserves drops the display snapshot after a trade moved the pool.
func (c *Cache) InvalidateReserves(ctx context.Context, marketID uint64) error {
	return c.Delete(ctx, reservesKey(marketID))
}

func (c *Cache) GetAttempt(ctx context.Context, attemptID string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyAttempt, attemptID), dest)
}

func (c *Cache) SetAttempt(ctx context.Context, attemptID string, value interface{}, ttl time.Duration) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyAttempt, attemptID), value, ttl)
}

// ClaimAttempt takes the one-time submission claim for an attempt. Only the
// first caller within ttl gets true.
func (c *Cache) ClaimAttempt(ctx context.Context, attemptID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s:%s:claim", KeyAttempt, attemptID)
	ok, err := c.kvStore.SetNX(ctx, key, []byte("1"), ttl)
	if err != nil {
		if c.logger != nil {
			c.logger.Errorw("Cache claim error", "key", key, "error", err)
		}
		return false, fmt.Errorf("cache claim error: %w", err)
	}
	return ok, nil
}

func (c *Cache) GetBalance(ctx context.Context, address string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyBalance, address), dest)
}

func (c *Cache) SetBalance(ctx context.Context, address string, value interface{}) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyBalance, address), value, 10*time.Second)
}

// Pub/Sub methods for real-time updates
func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	if c.pubsubHub != nil {
		c.pubsubHub.Publish(channel, string(data))
		if c.logger != nil {
			c.logger.Debugw("Published to in-memory pubsub", "channel", channel)
		}
	}
	return nil
}

// Subscribe returns a Redis subscription, or nil in in-memory mode.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if c.client != nil {
		return c.client.Subscribe(ctx, channels...)
	}
	return nil
}

// PSubscribe subscribes to channel patterns such as "obs:trades:*".
func (c *Cache) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	if c.client != nil {
		return c.client.PSubscribe(ctx, patterns...)
	}
	return nil
}

// SubscribeInMemory subscribes to channels using the in-memory pubsub hub
func (c *Cache) SubscribeInMemory(ctx context.Context, channels ...string) *Subscription {
	if c.pubsubHub != nil {
		return c.pubsubHub.Subscribe(ctx, channels...)
	}
	return nil
}

// IsInMemoryMode returns true if the cache is running in in-memory mode
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.kvStore.Ping(ctx)
}

func (c *Cache) Close() error {
	return c.kvStore.Close()
}

var ErrCacheMiss = errors.New("cache miss")

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/internal/metrics"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Snapshots persists flagged reputation records so whitelists, blacklists
// and temporary blocks survive a restart
type Snapshots interface {
	Save(ctx context.Context, rec models.Reputation) error
	Delete(ctx context.Context, ip string) error
	LoadAll(ctx context.Context) ([]models.Reputation, error)
	Ping(ctx context.Context) error
	Close() error
}

// CacheStats holds snapshot store statistics
type CacheStats struct {
	Saves   int64 `json:"saves"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
	Keys    int64 `json:"keys"`
}

// RedisCache implements Snapshots using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	saves   atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// Config holds Redis cache configuration
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
	Prefix   string
}

// NewRedisCache creates a new Redis snapshot store
func NewRedisCache(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "guard:rep:"
	}

	logger.Info("Connected to Redis", zap.String("addr", client.Options().Addr), zap.String("prefix", prefix))

	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}, nil
}

// key generates the snapshot key for an IP
func (c *RedisCache) key(ip string) string {
	return c.prefix + ip
}

func (c *RedisCache) record(op string, err error) error {
	metrics.RecordRedisOperation(op, err == nil)
	if err != nil {
		c.errors.Add(1)
	}
	return err
}

// Save stores a record. Temporary blocks expire with the block itself.
func (c *RedisCache) Save(ctx context.Context, rec models.Reputation) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	ttl := c.ttl
	if !rec.Whitelisted && !rec.Blacklisted && rec.BlockedUntil != nil {
		ttl = time.Until(*rec.BlockedUntil)
		if ttl <= 0 {
			return c.Delete(ctx, rec.IP)
		}
	}

	err = c.client.Set(ctx, c.key(rec.IP), data, ttl).Err()
	if err == nil {
		c.saves.Add(1)
	}
	return c.record("save", err)
}

// Delete removes a record
func (c *RedisCache) Delete(ctx context.Context, ip string) error {
	err := c.client.Del(ctx, c.key(ip)).Err()
	if err == nil {
		c.deletes.Add(1)
	}
	return c.record("delete", err)
}

// LoadAll reads every stored record. Undecodable values are skipped.
func (c *RedisCache) LoadAll(ctx context.Context) ([]models.Reputation, error) {
	var out []models.Reputation
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 1000).Result()
		if err != nil {
			return out, c.record("scan", err)
		}

		if len(keys) > 0 {
			values, err := c.client.MGet(ctx, keys...).Result()
			if err != nil {
				return out, c.record("mget", err)
			}
			for i, v := range values {
				s, ok := v.(string)
				if !ok {
					continue
				}
				var rec models.Reputation
				if err := json.Unmarshal([]byte(s), &rec); err != nil {
					logger.Warn("Skipping corrupt reputation snapshot", zap.String("key", keys[i]), zap.Error(err))
					continue
				}
				out = append(out, rec)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.record("load", nil)
	return out, nil
}

// Clear removes every stored record
func (c *RedisCache) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 1000).Result()
		if err != nil {
			return c.record("scan", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return c.record("delete", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Stats returns snapshot store statistics
func (c *RedisCache) Stats(ctx context.Context) (*CacheStats, error) {
	var keys int64
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 1000).Result()
		if err != nil {
			return nil, err
		}
		keys += int64(len(batch))
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return &CacheStats{
		Saves:   c.saves.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
		Keys:    keys,
	}, nil
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// ErrDisabled is returned by the no-op store's health check
var ErrDisabled = errors.New("snapshot store disabled")

// NoOpCache implements Snapshots but does nothing (for when Redis is disabled)
type NoOpCache struct{}

// NewNoOpCache creates a no-op snapshot store
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) Save(ctx context.Context, rec models.Reputation) error {
	return nil
}

func (c *NoOpCache) Delete(ctx context.Context, ip string) error {
	return nil
}

func (c *NoOpCache) LoadAll(ctx context.Context) ([]models.Reputation, error) {
	return nil, nil
}

func (c *NoOpCache) Ping(ctx context.Context) error {
	return ErrDisabled
}

func (c *NoOpCache) Close() error {
	return nil
}

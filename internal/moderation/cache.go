package moderation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/photo-check/internal/logging"
)

// Cache abstracts the Redis operations used by CachedClassifier to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// RetryPolicy controls how transient cache errors are retried.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 400 * time.Millisecond}
}

// CachedClassifier memoizes labels per model and image digest. Cache
// failures are logged and never change the outcome.
type CachedClassifier struct {
	next   Classifier
	cache  Cache
	ttl    time.Duration
	retry  RetryPolicy
	logger *zap.Logger
}

func NewCachedClassifier(next Classifier, cache Cache, ttl time.Duration, retry RetryPolicy, logger *zap.Logger) *CachedClassifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedClassifier{next: next, cache: cache, ttl: ttl, retry: retry, logger: logger}
}

func (c *CachedClassifier) Model() string { return c.next.Model() }

// Key returns the cache key for a prepared image.
func (c *CachedClassifier) Key(jpeg []byte) string {
	sum := sha256.Sum256(jpeg)
	return fmt.Sprintf("moderation:%s:%s", c.next.Model(), hex.EncodeToString(sum[:]))
}

func (c *CachedClassifier) Classify(ctx context.Context, jpeg []byte) (Label, error) {
	key := c.Key(jpeg)
	log := logging.WithOperation(c.logger, "moderation.cache", "")

	var cached string
	err := c.withRetry(ctx, "cache.get.label", func() error {
		v, err := c.cache.Get(ctx, key)
		cached = v
		return err
	})
	switch {
	case err == nil:
		if label, perr := ParseLabel(cached); perr == nil {
			return label, nil
		}
		log.Warn("discarding unreadable cached label", zap.String("value", truncate(cached, 32)))
	case errors.Is(err, redis.Nil):
	default:
		log.Warn("moderation cache read failed", zap.Error(err))
	}

	label, err := c.next.Classify(ctx, jpeg)
	if err != nil {
		return label, err
	}

	if err := c.withRetry(ctx, "cache.set.label", func() error {
		return c.cache.Set(ctx, key, label.String(), c.ttl)
	}); err != nil {
		log.Warn("moderation cache write failed", zap.Error(err))
	}
	return label, nil
}

func (c *CachedClassifier) withRetry(ctx context.Context, operation string, fn func() error) error {
	if c.retry.Attempts <= 1 {
		return logging.NewOperationError(operation, "", fn())
	}

	backoff := c.retry.InitialBackoff
	opLogger := logging.WithOperation(c.logger, operation, "")
	var err error
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.retry.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == c.retry.Attempts-1 {
			return logging.NewOperationError(operation, "", err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

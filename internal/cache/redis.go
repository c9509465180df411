package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultDeliveryTTL covers the retry schedule of all supported providers.
	DefaultDeliveryTTL = 72 * time.Hour

	deliveryPrefix  = "webhook:delivery:"
	rateLimitPrefix = "rate_limit:"
)

// Client is the subset of redis commands used here. *redis.Client satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Connect parses url, pings the server and returns the client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}
	return rdb, nil
}

// DeliveryGuard remembers webhook deliveries with SET NX so a provider retry
// of an already handled body is answered without touching the database.
type DeliveryGuard struct {
	client Client
	ttl    time.Duration
}

func NewDeliveryGuard(client Client, ttl time.Duration) *DeliveryGuard {
	if ttl <= 0 {
		ttl = DefaultDeliveryTTL
	}
	return &DeliveryGuard{client: client, ttl: ttl}
}

// FirstDelivery reports whether key was unseen and claims it.
func (g *DeliveryGuard) FirstDelivery(ctx context.Context, key string) (bool, error) {
	set, err := g.client.SetNX(ctx, deliveryPrefix+key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX error: %w", err)
	}
	return set, nil
}

// Release forgets key so the provider's next retry is processed again.
func (g *DeliveryGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, deliveryPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL error: %w", err)
	}
	return nil
}

// RateLimiter is a fixed one-minute window counter.
type RateLimiter struct {
	client Client
	limit  int
	now    func() time.Time
}

func NewRateLimiter(client Client, limit int) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, now: time.Now}
}

func (l *RateLimiter) Limit() int {
	return l.limit
}

// Allow counts one hit for subject in the current minute and returns the
// remaining allowance. Redis failures let the request through.
func (l *RateLimiter) Allow(ctx context.Context, subject string) (bool, int) {
	key := fmt.Sprintf("%s%s:%s", rateLimitPrefix, subject, l.now().UTC().Format("2006-01-02-15-04"))

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return true, l.limit
	}
	if count == 1 {
		l.client.Expire(ctx, key, time.Minute)
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		return false, 0
	}
	return true, remaining
}

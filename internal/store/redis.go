package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a snapshot of a silent device stays visible
const DefaultRedisTTL = 10 * time.Minute

const redisKeyPrefix = "watermon:realtime:"

// RedisOptions configures the realtime cache mirror
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// redisClient is the part of *redis.Client the mirror uses
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisMirror caches the latest snapshot of each device as JSON
type RedisMirror struct {
	client redisClient
	ttl    time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror connects a go-redis client lazily; the first write dials
func NewRedisMirror(opts RedisOptions) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisMirror(client, opts.TTL)
}

func newRedisMirror(client redisClient, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

// RedisKey returns the cache key of a device's snapshot
func RedisKey(device string) string {
	return redisKeyPrefix + device
}

func (r *RedisMirror) Name() string { return "redis" }

// MirrorRealtime stores the snapshot fields under the device key with the mirror TTL
func (r *RedisMirror) MirrorRealtime(ctx context.Context, s RealtimeSnapshot) error {
	data, err := json.Marshal(s.Fields())
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := r.client.Set(ctx, RedisKey(s.Device), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}
	return nil
}

// MirrorUsage is a no-op; the cache only holds the latest state
func (r *RedisMirror) MirrorUsage(context.Context, UsageSample) error {
	return nil
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}

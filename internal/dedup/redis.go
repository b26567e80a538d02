package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "forwarding:dedup:"

// Redis implements the Store interface for Redis. Entries live under
// per-fingerprint keys with a TTL, so expiry is handled by Redis itself
// and DeleteExpired is a no-op.
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis dedup store.
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379
	}
	return &Redis{
		config: config,
	}
}

// Connect establishes a connection to Redis.
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis.
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return err
	}
	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis.
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Name returns the name of this store instance.
func (r *Redis) Name() string {
	return r.config.Name
}

// Type returns the type of this store.
func (r *Redis) Type() string {
	return "redis"
}

// InsertIfAbsent performs a single SETNX with TTL. The winner of a
// concurrent race inserts; everyone else observes inserted=false.
func (r *Redis) InsertIfAbsent(ctx context.Context, entry Entry, ttl time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal dedup entry: %w", err)
	}

	return r.client.SetNX(ctx, redisKeyPrefix+entry.Fingerprint, payload, ttl).Result()
}

// Exists checks for a live entry. Redis drops expired keys itself, so a
// hit is always valid.
func (r *Redis) Exists(ctx context.Context, fingerprint string) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	n, err := r.client.Exists(ctx, redisKeyPrefix+fingerprint).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count walks the dedup keyspace with SCAN and returns the number of live
// entries.
func (r *Redis) Count(ctx context.Context) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	var count int64
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteExpired is a no-op for Redis; key TTLs handle expiry.
func (r *Redis) DeleteExpired(ctx context.Context, ttl time.Duration) (int, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}
	return 0, nil
}

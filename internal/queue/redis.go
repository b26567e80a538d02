package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. The main queue is a plain list for priority-0 items
// plus a sorted set for priority items; the time-gated queues are sorted
// sets scored by ready-at; the dead-letter queue is a list.
const (
	keyMain            = "forwarding:messages"
	keyMainPriority    = "forwarding:messages:priority"
	keyMainPrioritySeq = "forwarding:messages:priority:seq"
	keyRetry           = "forwarding:retry"
	keyRateLimit       = "forwarding:ratelimit"
	keyDeadLetter      = "forwarding:dead_letter"
)

// prioritySeqBase separates the priority from the insertion sequence
// folded under it. Scores stay exact in a float64 for priorities below
// 2^12 and the first 2^40 priority inserts.
const prioritySeqBase = float64(1 << 40)

// priorityScore builds a sorted-set score that orders by priority first
// and by insertion sequence second. Earlier inserts score higher within a
// priority, so ZPopMax drains equal priorities in FIFO order.
func priorityScore(priority int, seq int64) float64 {
	return float64(priority)*prioritySeqBase + (prioritySeqBase - float64(seq))
}

func delayedKey(queue Name) (string, error) {
	switch queue {
	case Retry:
		return keyRetry, nil
	case RateLimit:
		return keyRateLimit, nil
	default:
		return "", ErrUnknownQueue
	}
}

// RedisBackend implements Backend on Redis, shared across pipeline nodes.
type RedisBackend struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedisBackend creates a new Redis queue backend.
func NewRedisBackend(config Config) *RedisBackend {
	if config.Port == 0 {
		config.Port = 6379
	}
	return &RedisBackend{
		config: config,
	}
}

// Connect establishes a connection to Redis.
func (b *RedisBackend) Connect() error {
	if b.connected {
		return nil
	}

	b.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", b.config.Host, b.config.Port),
		Password: b.config.Password,
		DB:       b.config.Database,
		PoolSize: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b.connected = true
	return nil
}

// Close closes the connection to Redis.
func (b *RedisBackend) Close() error {
	if !b.connected {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return err
	}
	b.connected = false
	return nil
}

// IsConnected returns true if connected to Redis.
func (b *RedisBackend) IsConnected() bool {
	return b.connected
}

// Type returns the backend type.
func (b *RedisBackend) Type() string {
	return "redis"
}

// Push adds an item to the main queue.
func (b *RedisBackend) Push(ctx context.Context, item Item) error {
	if !b.connected {
		return ErrNotConnected
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	if item.Priority > 0 {
		// The sequence lives in Redis so FIFO holds across pipeline nodes.
		seq, err := b.client.Incr(ctx, keyMainPrioritySeq).Result()
		if err != nil {
			return err
		}
		return b.client.ZAdd(ctx, keyMainPriority, redis.Z{
			Score:  priorityScore(item.Priority, seq),
			Member: payload,
		}).Err()
	}
	return b.client.LPush(ctx, keyMain, payload).Err()
}

// Pop checks the priority set first, then blocks on the FIFO list.
func (b *RedisBackend) Pop(ctx context.Context, timeout time.Duration) (*Item, error) {
	if !b.connected {
		return nil, ErrNotConnected
	}

	members, err := b.client.ZPopMax(ctx, keyMainPriority, 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(members) > 0 {
		return unmarshalItem(members[0].Member)
	}

	result, err := b.client.BRPop(ctx, timeout, keyMain).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	return unmarshalItem(result[1])
}

// PushDelayed inserts an item into a time-gated sorted set scored by its
// ready-at timestamp.
func (b *RedisBackend) PushDelayed(ctx context.Context, queue Name, item Item, readyAt time.Time) error {
	if !b.connected {
		return ErrNotConnected
	}

	key, err := delayedKey(queue)
	if err != nil {
		return err
	}

	item.ReadyAt = readyAt
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	return b.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: payload,
	}).Err()
}

// PopReady removes and returns every item whose ready-at score has
// elapsed. ZRem is checked per member so two concurrent sweepers can never
// both claim the same item.
func (b *RedisBackend) PopReady(ctx context.Context, queue Name, now time.Time) ([]Item, error) {
	if !b.connected {
		return nil, ErrNotConnected
	}

	key, err := delayedKey(queue)
	if err != nil {
		return nil, err
	}

	members, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, err
	}

	var ready []Item
	for _, member := range members {
		removed, err := b.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return ready, err
		}
		if removed == 0 {
			// Another sweeper claimed it first
			continue
		}
		item, err := unmarshalItem(member)
		if err != nil {
			return ready, err
		}
		ready = append(ready, *item)
	}
	return ready, nil
}

// PushDead appends an item to the dead-letter list.
func (b *RedisBackend) PushDead(ctx context.Context, item Item) error {
	if !b.connected {
		return ErrNotConnected
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}
	return b.client.LPush(ctx, keyDeadLetter, payload).Err()
}

// ListDead returns up to limit dead-letter items without removing them.
func (b *RedisBackend) ListDead(ctx context.Context, limit int) ([]Item, error) {
	if !b.connected {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = 100
	}

	members, err := b.client.LRange(ctx, keyDeadLetter, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(members))
	for _, member := range members {
		item, err := unmarshalItem(member)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, nil
}

// RemoveDead removes and returns the dead-letter item with the given ID.
// The list is scanned member by member; dead-letter queues are small and
// this path only runs on a manual reset.
func (b *RedisBackend) RemoveDead(ctx context.Context, itemID string) (*Item, error) {
	if !b.connected {
		return nil, ErrNotConnected
	}

	members, err := b.client.LRange(ctx, keyDeadLetter, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		item, err := unmarshalItem(member)
		if err != nil {
			return nil, err
		}
		if item.ID != itemID {
			continue
		}
		removed, err := b.client.LRem(ctx, keyDeadLetter, 1, member).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			// Someone else took it between the scan and the removal
			return nil, nil
		}
		return item, nil
	}
	return nil, nil
}

// Len returns the current size of a queue.
func (b *RedisBackend) Len(ctx context.Context, queue Name) (int, error) {
	if !b.connected {
		return 0, ErrNotConnected
	}

	switch queue {
	case Main:
		fifo, err := b.client.LLen(ctx, keyMain).Result()
		if err != nil {
			return 0, err
		}
		prio, err := b.client.ZCard(ctx, keyMainPriority).Result()
		if err != nil {
			return 0, err
		}
		return int(fifo + prio), nil
	case Retry:
		n, err := b.client.ZCard(ctx, keyRetry).Result()
		return int(n), err
	case RateLimit:
		n, err := b.client.ZCard(ctx, keyRateLimit).Result()
		return int(n), err
	case DeadLetter:
		n, err := b.client.LLen(ctx, keyDeadLetter).Result()
		return int(n), err
	default:
		return 0, ErrUnknownQueue
	}
}

// Flush removes all items from a queue.
func (b *RedisBackend) Flush(ctx context.Context, queue Name) (int, error) {
	n, err := b.Len(ctx, queue)
	if err != nil {
		return 0, err
	}

	var keys []string
	switch queue {
	case Main:
		keys = []string{keyMain, keyMainPriority, keyMainPrioritySeq}
	case Retry:
		keys = []string{keyRetry}
	case RateLimit:
		keys = []string{keyRateLimit}
	case DeadLetter:
		keys = []string{keyDeadLetter}
	default:
		return 0, ErrUnknownQueue
	}

	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

func unmarshalItem(member interface{}) (*Item, error) {
	var raw []byte
	switch v := member.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, fmt.Errorf("unexpected queue member type %T", member)
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue item: %w", err)
	}
	return &item, nil
}

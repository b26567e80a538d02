package queue

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("not connected to queue backend")
	ErrUnknownQueue = errors.New("unknown queue")
)

// Name identifies one of the four logical queues.
type Name string

const (
	// Main holds items ready for immediate processing
	Main Name = "main"
	// Retry holds items waiting out a retry delay
	Retry Name = "retry"
	// RateLimit holds items waiting out a transport-signalled backoff
	RateLimit Name = "ratelimit"
	// DeadLetter holds items that will never be retried automatically
	DeadLetter Name = "dead_letter"
)

// AllQueues lists every logical queue, in display order.
var AllQueues = []Name{Main, Retry, RateLimit, DeadLetter}

// Backend is the storage contract for the four queues. Every mutation is a
// single atomic operation from the perspective of any observer: no caller
// ever sees an item in two queues at once or a half-moved item.
type Backend interface {
	// Connect establishes a connection to the backing store
	Connect() error

	// Close closes the connection to the backing store
	Close() error

	// IsConnected returns true if the backend is connected
	IsConnected() bool

	// Type returns the backend type (e.g., "redis", "memory")
	Type() string

	// Push adds an item to the main queue. Priority 0 items append to the
	// FIFO substructure; higher priorities join the priority-ordered set.
	Push(ctx context.Context, item Item) error

	// Pop removes and returns the highest-priority ready item from the
	// main queue, falling back to FIFO order for priority-0 items. Blocks
	// up to timeout and returns (nil, nil) when no work arrives.
	Pop(ctx context.Context, timeout time.Duration) (*Item, error)

	// PushDelayed inserts an item into a time-gated queue (Retry or
	// RateLimit); the item stays invisible until its ready-at time.
	PushDelayed(ctx context.Context, queue Name, item Item, readyAt time.Time) error

	// PopReady atomically removes and returns every item in the given
	// time-gated queue whose ready-at has elapsed.
	PopReady(ctx context.Context, queue Name, now time.Time) ([]Item, error)

	// PushDead appends an item to the dead-letter queue.
	PushDead(ctx context.Context, item Item) error

	// ListDead returns up to limit dead-letter items without removing them.
	ListDead(ctx context.Context, limit int) ([]Item, error)

	// RemoveDead removes and returns the dead-letter item with the given
	// item ID, or (nil, nil) if no such item exists.
	RemoveDead(ctx context.Context, itemID string) (*Item, error)

	// Len returns the current size of a queue. For Main this covers both
	// the FIFO and priority substructures.
	Len(ctx context.Context, queue Name) (int, error)

	// Flush removes all items from a queue and returns the number removed.
	Flush(ctx context.Context, queue Name) (int, error)
}

// Config represents the configuration for a queue backend
type Config struct {
	Type     string // Backend type (redis, memory)
	Host     string // Hostname or IP address (redis)
	Port     int    // Port number (redis)
	Password string // Password for authentication (redis)
	Database int    // Database number (redis)
}

// NewBackend creates a queue backend based on configuration.
func NewBackend(config Config) (Backend, error) {
	switch config.Type {
	case "redis":
		return NewRedisBackend(config), nil
	case "memory", "":
		return NewMemoryBackend(), nil
	default:
		return nil, errors.New("unsupported queue backend type: " + config.Type)
	}
}

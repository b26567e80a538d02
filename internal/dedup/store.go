// Package dedup provides at-most-once admission for the forwarding
// pipeline. A content fingerprint is marked when a message is admitted and
// blocks re-admission of identical content until the TTL elapses.
package dedup

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("fingerprint not found")
	ErrNotConnected = errors.New("not connected to dedup store")
)

// Entry is a processed-content marker.
type Entry struct {
	Fingerprint      string    `json:"fingerprint"`
	SourceEndpointID int64     `json:"source_endpoint_id"`
	SourceMessageID  int64     `json:"source_message_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store defines the backing store contract for deduplication entries.
// Implementations must make InsertIfAbsent a single atomic admission write:
// two concurrent inserts for the same fingerprint must result in exactly
// one stored entry, with the loser reporting inserted=false and no error.
type Store interface {
	// Connect establishes a connection to the store
	Connect() error

	// Close closes the connection to the store
	Close() error

	// IsConnected returns true if the store is connected
	IsConnected() bool

	// Name returns the name of this store instance
	Name() string

	// Type returns the type of the store (e.g., "redis", "memory")
	Type() string

	// InsertIfAbsent stores an entry unless a live entry for the same
	// fingerprint already exists. Returns true when the entry was inserted.
	InsertIfAbsent(ctx context.Context, entry Entry, ttl time.Duration) (bool, error)

	// Exists reports whether an unexpired entry exists for the fingerprint.
	// Implementations purge an expired entry as a side effect of the lookup.
	Exists(ctx context.Context, fingerprint string) (bool, error)

	// DeleteExpired removes all entries older than the TTL and returns the
	// number deleted. Safe to run concurrently with inserts.
	DeleteExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// Counter is implemented by stores that can report how many entries they
// hold. Memcached cannot enumerate its keys and does not implement it.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Config represents the configuration for a dedup store
type Config struct {
	Type     string // Type of store (redis, memcached, memory)
	Name     string // Name of this store instance
	Host     string // Hostname or IP address
	Port     int    // Port number
	Password string // Password for authentication
	Database int    // Database number (for Redis)
}

// Factory creates store instances based on configuration
func Factory(config Config) (Store, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported dedup store type: " + config.Type)
	}
}

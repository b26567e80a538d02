package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const memcachedKeyPrefix = "fwd-dedup-"

// Memcached implements the Store interface for Memcached. Add gives the
// insert-or-ignore semantics the admission path needs; expiry is handled
// by the item TTL.
type Memcached struct {
	client    *memcache.Client
	config    Config
	connected bool
}

// NewMemcached creates a new Memcached dedup store.
func NewMemcached(config Config) *Memcached {
	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to the Memcached server.
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	port := m.config.Port
	if port == 0 {
		port = 11211
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, port))

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.connected = true
	return nil
}

// Close closes the connection to the Memcached server.
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

// IsConnected returns true if the store is connected.
func (m *Memcached) IsConnected() bool {
	return m.connected
}

// Name returns the name of this store instance.
func (m *Memcached) Name() string {
	return m.config.Name
}

// Type returns the type of this store.
func (m *Memcached) Type() string {
	return "memcached"
}

// InsertIfAbsent stores the entry with memcache Add, which fails with
// ErrNotStored when the key already exists.
func (m *Memcached) InsertIfAbsent(ctx context.Context, entry Entry, ttl time.Duration) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal dedup entry: %w", err)
	}

	err = m.client.Add(&memcache.Item{
		Key:        memcachedKeyPrefix + entry.Fingerprint,
		Value:      payload,
		Expiration: int32(ttl.Seconds()),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Exists checks for a live entry. Memcached drops expired items itself.
func (m *Memcached) Exists(ctx context.Context, fingerprint string) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}

	_, err := m.client.Get(memcachedKeyPrefix + fingerprint)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteExpired is a no-op for Memcached; item TTLs handle expiry.
func (m *Memcached) DeleteExpired(ctx context.Context, ttl time.Duration) (int, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	return 0, nil
}

package dedup

import (
	"context"
	"sync"
	"time"
)

// janitorInterval is how often the memory store sweeps expired entries.
var janitorInterval = time.Minute

// Memory implements the Store interface with an in-process map. Suitable
// for single-node deployments and tests.
type Memory struct {
	config    Config
	entries   map[string]Entry
	mu        sync.RWMutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}

	// janitorTTL is the TTL the background janitor sweeps with
	janitorTTL time.Duration
}

// NewMemory creates a new in-memory dedup store.
func NewMemory(config Config) *Memory {
	return &Memory{
		config:     config,
		entries:    make(map[string]Entry),
		janitorTTL: 24 * time.Hour,
	}
}

// Connect initializes the store and starts the expiry janitor.
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(janitorInterval)
	m.stopChan = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.janitor.C:
				// janitorTTL is written under the lock by InsertIfAbsent.
				m.mu.RLock()
				ttl := m.janitorTTL
				m.mu.RUnlock()
				_, _ = m.DeleteExpired(context.Background(), ttl)
			case <-m.stopChan:
				m.janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears the store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.entries = make(map[string]Entry)
	m.connected = false
	return nil
}

// IsConnected returns true if the store is connected.
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of this store instance.
func (m *Memory) Name() string {
	return m.config.Name
}

// Type returns the type of this store.
func (m *Memory) Type() string {
	return "memory"
}

// InsertIfAbsent stores the entry unless a live one already exists.
func (m *Memory) InsertIfAbsent(ctx context.Context, entry Entry, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	m.janitorTTL = ttl

	if existing, ok := m.entries[entry.Fingerprint]; ok {
		if time.Since(existing.CreatedAt) < ttl {
			return false, nil
		}
		// Stale entry, replace it
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.entries[entry.Fingerprint] = entry
	return true, nil
}

// Exists reports whether a live entry exists, purging an expired one as a
// side effect of the lookup.
func (m *Memory) Exists(ctx context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	entry, ok := m.entries[fingerprint]
	if !ok {
		return false, nil
	}

	if time.Since(entry.CreatedAt) >= m.janitorTTL {
		delete(m.entries, fingerprint)
		return false, nil
	}

	return true, nil
}

// DeleteExpired removes all entries older than the TTL.
func (m *Memory) DeleteExpired(ctx context.Context, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	cutoff := time.Now().Add(-ttl)
	deleted := 0
	for fp, entry := range m.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(m.entries, fp)
			deleted++
		}
	}

	return deleted, nil
}

// Count returns the number of stored entries, expired or not.
func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return 0, ErrNotConnected
	}
	return int64(len(m.entries)), nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

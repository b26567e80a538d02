package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ManagerConfig holds the queue manager sweep settings.
type ManagerConfig struct {
	RetrySweepInterval     time.Duration `toml:"retry_sweep_interval"`
	RateLimitSweepInterval time.Duration `toml:"ratelimit_sweep_interval"`
}

// DefaultManagerConfig returns the default sweep intervals.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RetrySweepInterval:     10 * time.Second,
		RateLimitSweepInterval: 15 * time.Second,
	}
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Main        int       `json:"main"`
	Retry       int       `json:"retry"`
	RateLimit   int       `json:"ratelimit"`
	DeadLetter  int       `json:"dead_letter"`
	Total       int       `json:"total"`
	LastUpdated time.Time `json:"last_updated"`
}

// Manager coordinates the four pipeline queues on top of a Backend. It
// owns the background sweepers that promote retry and rate-limited items
// back into the main queue once their ready-at time has elapsed.
type Manager struct {
	backend Backend
	config  ManagerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a new queue manager.
func NewManager(backend Backend, config ManagerConfig) *Manager {
	if config.RetrySweepInterval <= 0 {
		config.RetrySweepInterval = 10 * time.Second
	}
	if config.RateLimitSweepInterval <= 0 {
		config.RateLimitSweepInterval = 15 * time.Second
	}
	return &Manager{
		backend: backend,
		config:  config,
		logger:  slog.Default().With("component", "queue-manager"),
	}
}

// Start connects the backend if needed and launches the sweepers.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if !m.backend.IsConnected() {
		if err := m.backend.Connect(); err != nil {
			return err
		}
	}

	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(2)
	go m.sweepLoop(Retry, m.config.RetrySweepInterval)
	go m.sweepLoop(RateLimit, m.config.RateLimitSweepInterval)

	m.logger.Info("queue manager started",
		"backend", m.backend.Type(),
		"retry_sweep", m.config.RetrySweepInterval,
		"ratelimit_sweep", m.config.RateLimitSweepInterval,
	)
	return nil
}

// Stop halts the sweepers. The backend connection is left open so queued
// work survives for the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("queue manager stopped")
}

// Running reports whether the sweepers are active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Enqueue adds an item to the main queue at the given priority.
func (m *Manager) Enqueue(ctx context.Context, item Item, priority int) error {
	item.Priority = priority
	item.EnqueuedAt = time.Now().UTC()
	item.ReadyAt = time.Time{}
	return m.backend.Push(ctx, item)
}

// Dequeue removes the next item from the main queue, preferring priority
// items. Returns (nil, nil) when nothing arrives within the timeout.
func (m *Manager) Dequeue(ctx context.Context, timeout time.Duration) (*Item, error) {
	return m.backend.Pop(ctx, timeout)
}

// EnqueueRetry defers an item until readyAt and counts the attempt.
func (m *Manager) EnqueueRetry(ctx context.Context, item Item, readyAt time.Time) error {
	item.Attempts++
	m.logger.Debug("deferring item for retry",
		"item", item.ID,
		"attempts", item.Attempts,
		"ready_at", readyAt,
	)
	return m.backend.PushDelayed(ctx, Retry, item, readyAt)
}

// EnqueueRateLimited parks an item until the signalled wait has elapsed.
// Rate limiting is external pressure, not a delivery failure, so the
// attempt counter is not incremented.
func (m *Manager) EnqueueRateLimited(ctx context.Context, item Item, readyAt time.Time) error {
	m.logger.Debug("parking rate-limited item",
		"item", item.ID,
		"ready_at", readyAt,
	)
	return m.backend.PushDelayed(ctx, RateLimit, item, readyAt)
}

// EnqueueDeadLetter moves an item to the dead-letter queue with a reason.
func (m *Manager) EnqueueDeadLetter(ctx context.Context, item Item, reason string) error {
	item.Reason = reason
	m.logger.Warn("moving item to dead-letter queue",
		"item", item.ID,
		"attempts", item.Attempts,
		"reason", reason,
	)
	return m.backend.PushDead(ctx, item)
}

// ListDeadLetter returns up to limit dead-letter items for inspection.
func (m *Manager) ListDeadLetter(ctx context.Context, limit int) ([]Item, error) {
	return m.backend.ListDead(ctx, limit)
}

// TakeDeadLetter removes and returns a dead-letter item by ID, or
// (nil, nil) if no such item exists.
func (m *Manager) TakeDeadLetter(ctx context.Context, itemID string) (*Item, error) {
	return m.backend.RemoveDead(ctx, itemID)
}

// Flush empties a queue and returns how many items were dropped.
func (m *Manager) Flush(ctx context.Context, queue Name) (int, error) {
	return m.backend.Flush(ctx, queue)
}

// GetStats returns current queue depths.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{LastUpdated: time.Now().UTC()}

	var err error
	if stats.Main, err = m.backend.Len(ctx, Main); err != nil {
		return stats, err
	}
	if stats.Retry, err = m.backend.Len(ctx, Retry); err != nil {
		return stats, err
	}
	if stats.RateLimit, err = m.backend.Len(ctx, RateLimit); err != nil {
		return stats, err
	}
	if stats.DeadLetter, err = m.backend.Len(ctx, DeadLetter); err != nil {
		return stats, err
	}
	stats.Total = stats.Main + stats.Retry + stats.RateLimit + stats.DeadLetter
	return stats, nil
}

func (m *Manager) sweepLoop(queue Name, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(queue)
		}
	}
}

// sweep promotes every ready item back into the main queue at base
// priority. The move is remove-then-insert; a crash between the two loses
// the item rather than duplicating it, which is the cheaper failure for a
// pipeline whose deliveries must not repeat.
func (m *Manager) sweep(queue Name) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ready, err := m.backend.PopReady(ctx, queue, time.Now())
	if err != nil {
		m.logger.Error("queue sweep failed", "queue", queue, "error", err)
		return
	}
	if len(ready) == 0 {
		return
	}

	for _, item := range ready {
		if err := m.Enqueue(ctx, item, 0); err != nil {
			m.logger.Error("failed to re-enqueue swept item",
				"queue", queue,
				"item", item.ID,
				"error", err,
			)
		}
	}
	m.logger.Debug("queue sweep complete", "queue", queue, "promoted", len(ready))
}

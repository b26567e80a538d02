package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/relayd/internal/dedup"
	"github.com/busybox42/relayd/internal/fingerprint"
	"github.com/busybox42/relayd/internal/logging"
	"github.com/busybox42/relayd/internal/mapping"
	"github.com/busybox42/relayd/internal/metrics"
	"github.com/busybox42/relayd/internal/queue"
	"github.com/busybox42/relayd/internal/repository"
	"github.com/busybox42/relayd/internal/transport"
)

// Common errors
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrDuplicate      = errors.New("duplicate message")
	ErrNoRoute        = errors.New("no active forwarding rules")
	ErrNotRunning     = errors.New("engine is not running")
)

// Config configures the forwarding engine.
type Config struct {
	Workers           int
	MaxAttempts       int
	BackoffMultiplier float64
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	DequeueTimeout    time.Duration
	DeliveryTimeout   time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           10,
		MaxAttempts:       3,
		BackoffMultiplier: 1.5,
		RetryBaseDelay:    30 * time.Second,
		RetryMaxDelay:     time.Hour,
		DequeueTimeout:    5 * time.Second,
		DeliveryTimeout:   30 * time.Second,
	}
}

// Inbound is a message presented to the pipeline for forwarding.
type Inbound struct {
	SourceEndpointID int64
	SourceMessageID  int64
	Text             string
	HasMedia         bool
	AuthorID         int64
	Priority         int
}

// Engine runs the forwarding pipeline: admission on one side, a worker
// pool draining the main queue on the other.
type Engine struct {
	config   Config
	repo     repository.Repository
	dedup    *dedup.Service
	resolver *mapping.Resolver
	queues   *queue.Manager
	router   *transport.Router
	metrics  *metrics.Metrics
	stats    metrics.StatsRecorder
	fwdLog   *logging.ForwardLogger
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	errGroup *errgroup.Group
}

// New creates a forwarding engine. The stats recorder may be nil.
func New(cfg Config, repo repository.Repository, dedupSvc *dedup.Service, queues *queue.Manager, router *transport.Router, m *metrics.Metrics, stats metrics.StatsRecorder) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMultiplier < 1.0 {
		cfg.BackoffMultiplier = 1.5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = time.Hour
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if stats == nil {
		stats = metrics.NopRecorder{}
	}

	logger := slog.Default().With("component", "forward-engine")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "transport-delivery",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	if dedupSvc != nil && m != nil {
		dedupSvc.OnStoreError(func() { m.DedupStoreErrors.Inc() })
	}

	return &Engine{
		config:   cfg,
		repo:     repo,
		dedup:    dedupSvc,
		resolver: mapping.NewResolver(repo),
		queues:   queues,
		router:   router,
		metrics:  m,
		stats:    stats,
		fwdLog:   logging.NewForwardLogger(slog.Default()),
		logger:   logger,
		breaker:  breaker,
	}
}

// Start launches the worker pool and the queue depth monitor.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < e.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return e.worker(gctx, workerID)
		})
	}
	g.Go(func() error {
		return e.monitorQueues(gctx)
	})
	g.Go(func() error {
		return e.dedupJanitor(gctx)
	})

	e.cancel = cancel
	e.errGroup = g
	e.running = true

	e.logger.Info("forwarding engine started",
		"workers", e.config.Workers,
		"max_attempts", e.config.MaxAttempts,
		"backoff_multiplier", e.config.BackoffMultiplier,
	)
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	e.running = false
	e.mu.Unlock()

	err := e.errGroup.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("worker pool exited with error", "error", err)
	}
	e.logger.Info("forwarding engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Running reports whether the worker pool is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Admit runs the admission path for an inbound message: validation,
// fingerprinting, duplicate suppression, rule resolution, delivery-log
// insert, and finally the queue. Returns the queued item, or a sentinel
// error naming why the message was dropped.
func (e *Engine) Admit(ctx context.Context, in Inbound) (*queue.Item, error) {
	e.metrics.MessagesReceived.Inc()
	if err := e.stats.IncrReceived(ctx); err != nil {
		e.logger.Debug("stats recorder failed", "error", err)
	}

	if in.SourceEndpointID <= 0 || in.SourceMessageID <= 0 {
		return nil, fmt.Errorf("%w: source endpoint and message ids are required", ErrInvalidMessage)
	}
	if in.Text == "" && !in.HasMedia {
		return nil, fmt.Errorf("%w: message has no text and no media", ErrInvalidMessage)
	}

	fp := fingerprint.Compute(fingerprint.Content{
		Text:     in.Text,
		HasMedia: in.HasMedia,
		AuthorID: in.AuthorID,
	})

	if e.dedup.IsDuplicate(ctx, fp) {
		e.metrics.MessagesDuplicate.Inc()
		e.fwdLog.LogDuplicateDrop(logging.ForwardContext{
			SourceEndpointID: in.SourceEndpointID,
			SourceMessageID:  in.SourceMessageID,
			Fingerprint:      fp,
		})
		return nil, ErrDuplicate
	}

	rules, err := e.resolver.Resolve(ctx, in.SourceEndpointID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		e.metrics.MessagesNoRoute.Inc()
		e.fwdLog.LogNoRouteDrop(logging.ForwardContext{
			SourceEndpointID: in.SourceEndpointID,
			SourceMessageID:  in.SourceMessageID,
		})
		return nil, ErrNoRoute
	}

	rec := repository.DeliveryRecord{
		SourceEndpointID: in.SourceEndpointID,
		SourceMessageID:  in.SourceMessageID,
		Fingerprint:      fp,
	}
	if err := e.repo.CreateRecord(ctx, &rec); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			// The same source message was already admitted once; the
			// delivery log is the stronger of the two duplicate guards.
			e.metrics.MessagesDuplicate.Inc()
			e.fwdLog.LogDuplicateDrop(logging.ForwardContext{
				SourceEndpointID: in.SourceEndpointID,
				SourceMessageID:  in.SourceMessageID,
				Fingerprint:      fp,
			})
			return nil, ErrDuplicate
		}
		return nil, err
	}

	e.dedup.MarkProcessed(ctx, fp, in.SourceEndpointID, in.SourceMessageID)

	destinations := make([]queue.Destination, 0, len(rules))
	for _, rule := range rules {
		destinations = append(destinations, queue.Destination{
			EndpointID:   rule.Dest.ID,
			Mode:         rule.Mode,
			SourceAccess: rule.Source.Access,
			DestAccess:   rule.Dest.Access,
		})
	}

	item := queue.NewItem(rec.ID, in.SourceEndpointID, in.SourceMessageID, destinations)
	item.Text = in.Text
	item.HasMedia = in.HasMedia
	item.AuthorID = in.AuthorID

	if err := e.queues.Enqueue(ctx, *item, in.Priority); err != nil {
		return nil, fmt.Errorf("failed to enqueue admitted message: %w", err)
	}

	e.metrics.MessagesAdmitted.Inc()
	e.fwdLog.LogAdmission(logging.ForwardContext{
		RecordID:         rec.ID,
		ItemID:           item.ID,
		SourceEndpointID: in.SourceEndpointID,
		SourceMessageID:  in.SourceMessageID,
		Fingerprint:      fp,
		Destinations:     len(destinations),
		AdmittedAt:       time.Now().UTC(),
	})
	return item, nil
}

// RetryRecord returns a FAILED record to the pipeline. The matching
// dead-letter item carries the message content and the partial delivery
// map, so it is pulled back rather than rebuilt.
func (e *Engine) RetryRecord(ctx context.Context, recordID int64) error {
	rec, err := e.repo.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Status != repository.StatusFailed {
		return fmt.Errorf("%w: record %d is %s, only FAILED records can be reset",
			repository.ErrInvalidState, recordID, rec.Status)
	}

	var item *queue.Item
	dead, err := e.queues.ListDeadLetter(ctx, 1000)
	if err != nil {
		return fmt.Errorf("failed to scan dead-letter queue: %w", err)
	}
	for _, d := range dead {
		if d.RecordID == recordID {
			item, err = e.queues.TakeDeadLetter(ctx, d.ID)
			if err != nil {
				return fmt.Errorf("failed to take dead-letter item: %w", err)
			}
			break
		}
	}
	if item == nil {
		return fmt.Errorf("no dead-letter item found for record %d", recordID)
	}

	if err := e.repo.ResetRecord(ctx, recordID); err != nil {
		// Put the item back so a failed reset does not lose it.
		if pushErr := e.queues.EnqueueDeadLetter(ctx, *item, item.Reason); pushErr != nil {
			e.logger.Error("failed to restore dead-letter item", "item", item.ID, "error", pushErr)
		}
		return err
	}

	item.Attempts = 0
	item.LastError = ""
	item.Reason = ""
	if err := e.queues.Enqueue(ctx, *item, 0); err != nil {
		return fmt.Errorf("failed to requeue reset item: %w", err)
	}

	e.fwdLog.LogReset(logging.ForwardContext{
		RecordID:         recordID,
		SourceEndpointID: rec.SourceEndpointID,
		SourceMessageID:  rec.SourceMessageID,
	})
	return nil
}

// Stats is a point-in-time snapshot of the pipeline.
type Stats struct {
	Running        bool                      `json:"running"`
	Workers        int                       `json:"workers"`
	Queues         queue.Stats               `json:"queues"`
	Records        map[repository.Status]int `json:"records"`
	CircuitBreaker string                    `json:"circuit_breaker"`
}

// GetStats returns a snapshot of queue depths and record counts.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Running:        e.Running(),
		Workers:        e.config.Workers,
		CircuitBreaker: e.breaker.State().String(),
	}

	qs, err := e.queues.GetStats(ctx)
	if err != nil {
		return stats, err
	}
	stats.Queues = qs

	counts, err := e.repo.CountByStatus(ctx)
	if err != nil {
		return stats, err
	}
	stats.Records = counts
	return stats, nil
}

// monitorQueues refreshes the queue depth gauges.
func (e *Engine) monitorQueues(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			qs, err := e.queues.GetStats(ctx)
			if err != nil {
				e.logger.Debug("queue depth snapshot failed", "error", err)
				continue
			}
			e.metrics.UpdateQueueSizes(map[string]int{
				string(queue.Main):       qs.Main,
				string(queue.Retry):      qs.Retry,
				string(queue.RateLimit):  qs.RateLimit,
				string(queue.DeadLetter): qs.DeadLetter,
			})
		}
	}
}

// dedupJanitor periodically deletes expired dedup entries. The stores
// also purge lazily on lookup; this sweep keeps entries that are never
// looked up again from accumulating.
func (e *Engine) dedupJanitor(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.dedup.CleanupExpired(ctx); err != nil {
				e.logger.Warn("dedup cleanup sweep failed", "error", err)
			}
		}
	}
}

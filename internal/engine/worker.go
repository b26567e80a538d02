package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/busybox42/relayd/internal/logging"
	"github.com/busybox42/relayd/internal/queue"
	"github.com/busybox42/relayd/internal/repository"
	"github.com/busybox42/relayd/internal/transport"
)

// worker drains the main queue until the context is cancelled.
func (e *Engine) worker(ctx context.Context, workerID int) error {
	logger := e.logger.With("worker_id", workerID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := e.queues.Dequeue(ctx, e.config.DequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.Error("dequeue failed", "error", err)
			continue
		}
		if item == nil {
			continue
		}

		e.processItem(ctx, item, logger)
	}
}

// deliveryOutcome is what one processing round learned about an item.
type deliveryOutcome struct {
	pending   int
	rateWait  time.Duration
	transient []string
	permanent []string
}

// processItem attempts every pending destination of an item and settles
// the result. A panic anywhere in the round fails the record instead of
// taking the worker down.
func (e *Engine) processItem(ctx context.Context, item *queue.Item, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.WorkerPanics.Inc()
			logger.Error("delivery round panicked", "item", item.ID, "panic", r)
			e.settleFailed(ctx, item, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := e.repo.MarkProcessing(ctx, item.RecordID); err != nil {
		if errors.Is(err, repository.ErrInvalidState) || errors.Is(err, repository.ErrNotFound) {
			// The record reached a terminal state by another path; the
			// item is stale and must not be delivered.
			logger.Warn("dropping item for settled record",
				"item", item.ID,
				"record", item.RecordID,
				"error", err,
			)
			return
		}
		// Repository unavailable: retry later rather than delivering
		// without a PROCESSING claim.
		logger.Error("failed to claim record, deferring item",
			"item", item.ID,
			"error", err,
		)
		e.deferItem(ctx, item, err.Error())
		return
	}

	outcome := e.deliverRound(ctx, item, logger)
	e.settle(ctx, item, outcome, logger)
}

// deliverRound tries every destination not yet delivered to.
func (e *Engine) deliverRound(ctx context.Context, item *queue.Item, logger *slog.Logger) deliveryOutcome {
	msg := transport.Message{
		SourceEndpointID: item.SourceEndpointID,
		SourceMessageID:  item.SourceMessageID,
		Text:             item.Text,
		HasMedia:         item.HasMedia,
		AuthorID:         item.AuthorID,
	}

	var outcome deliveryOutcome
	for _, dest := range item.Destinations {
		if item.IsDelivered(dest.EndpointID) {
			continue
		}

		e.metrics.DeliveryAttempts.Inc()
		var deliveredID int64
		err := e.metrics.TrackDeliveryDuration(func() error {
			result, execErr := e.breaker.Execute(func() (interface{}, error) {
				deliverCtx, cancel := context.WithTimeout(ctx, e.config.DeliveryTimeout)
				defer cancel()
				return e.router.Deliver(deliverCtx, msg, dest.EndpointID, dest.Mode, dest.SourceAccess, dest.DestAccess)
			})
			if execErr != nil {
				return execErr
			}
			deliveredID = result.(int64)
			return nil
		})

		if err == nil {
			item.MarkDelivered(dest.EndpointID, deliveredID)
			e.metrics.DeliverySuccesses.Inc()
			continue
		}

		outcome.pending++
		e.metrics.DeliveryFailures.Inc()
		logger.Debug("delivery failed",
			"item", item.ID,
			"dest", dest.EndpointID,
			"error", err,
		)

		if wait, ok := transport.IsRateLimited(err); ok {
			if wait > outcome.rateWait {
				outcome.rateWait = wait
			}
		} else if transport.IsPermanent(err) {
			outcome.permanent = append(outcome.permanent, fmt.Sprintf("dest %d: %v", dest.EndpointID, err))
		} else {
			outcome.transient = append(outcome.transient, fmt.Sprintf("dest %d: %v", dest.EndpointID, err))
		}

		if recErr := e.stats.AddRecentError(ctx, item.ID, dest.EndpointID, err.Error()); recErr != nil {
			logger.Debug("stats recorder failed", "error", recErr)
		}
	}
	return outcome
}

// settle picks the item's next stage from the round outcome:
//
//  1. everything delivered settles the record as SUCCESS
//  2. a rate-limit signal with no permanent failure parks the item in
//     the backoff queue, keeping its delivered map
//  3. partial progress mixed with failures is settled FAILED for manual
//     inspection, so a blind retry can never double-deliver
//  4. purely transient failures retry with exponential backoff
//  5. anything else is dead-lettered and settled FAILED
func (e *Engine) settle(ctx context.Context, item *queue.Item, outcome deliveryOutcome, logger *slog.Logger) {
	fctx := logging.ForwardContext{
		RecordID:         item.RecordID,
		ItemID:           item.ID,
		SourceEndpointID: item.SourceEndpointID,
		SourceMessageID:  item.SourceMessageID,
		Destinations:     len(item.Destinations),
		DeliveredCount:   len(item.Delivered),
		Attempts:         item.Attempts + 1,
		AdmittedAt:       item.EnqueuedAt,
	}

	if outcome.pending == 0 {
		if err := e.repo.MarkSuccess(ctx, item.RecordID, item.Delivered); err != nil {
			logger.Error("failed to settle record as success", "record", item.RecordID, "error", err)
		}
		e.fwdLog.LogForwarded(fctx)
		if err := e.stats.IncrForwarded(ctx); err != nil {
			logger.Debug("stats recorder failed", "error", err)
		}
		return
	}

	if outcome.rateWait > 0 && len(outcome.permanent) == 0 {
		wait := time.Duration(float64(outcome.rateWait) * e.config.BackoffMultiplier)
		readyAt := time.Now().Add(wait)
		if err := e.queues.EnqueueRateLimited(ctx, *item, readyAt); err != nil {
			logger.Error("failed to park rate-limited item", "item", item.ID, "error", err)
			e.settleFailed(ctx, item, "rate-limit parking failed: "+err.Error())
			return
		}
		fctx.NextRetry = readyAt
		e.fwdLog.LogRateLimited(fctx)
		e.metrics.RateLimitHits.Inc()
		if err := e.stats.IncrDeferred(ctx); err != nil {
			logger.Debug("stats recorder failed", "error", err)
		}
		return
	}

	reason := strings.Join(append(outcome.permanent, outcome.transient...), "; ")

	if len(item.Delivered) > 0 {
		item.LastError = reason
		e.settleFailed(ctx, item, reason)
		return
	}

	if len(outcome.permanent) == 0 && item.Attempts < e.config.MaxAttempts-1 {
		item.LastError = reason
		e.deferItem(ctx, item, reason)
		return
	}

	item.LastError = reason
	e.settleFailed(ctx, item, reason)
}

// deferItem parks an item in the retry queue with exponential backoff.
func (e *Engine) deferItem(ctx context.Context, item *queue.Item, reason string) {
	delay := time.Duration(float64(e.config.RetryBaseDelay) * math.Pow(e.config.BackoffMultiplier, float64(item.Attempts)))
	if delay > e.config.RetryMaxDelay {
		delay = e.config.RetryMaxDelay
	}
	readyAt := time.Now().Add(delay)

	if err := e.queues.EnqueueRetry(ctx, *item, readyAt); err != nil {
		e.logger.Error("failed to park item for retry", "item", item.ID, "error", err)
		e.settleFailed(ctx, item, "retry parking failed: "+err.Error())
		return
	}

	e.fwdLog.LogDeferral(logging.ForwardContext{
		RecordID:         item.RecordID,
		ItemID:           item.ID,
		SourceEndpointID: item.SourceEndpointID,
		SourceMessageID:  item.SourceMessageID,
		Attempts:         item.Attempts + 1,
		NextRetry:        readyAt,
		Error:            reason,
	})
	e.metrics.Retries.Inc()
	if err := e.stats.IncrDeferred(ctx); err != nil {
		e.logger.Debug("stats recorder failed", "error", err)
	}
}

// settleFailed marks the record FAILED and keeps a dead-letter copy of
// the item for inspection and manual reset.
func (e *Engine) settleFailed(ctx context.Context, item *queue.Item, reason string) {
	if err := e.repo.MarkFailed(ctx, item.RecordID, item.Delivered, reason, item.Attempts+1); err != nil {
		e.logger.Error("failed to settle record as failed", "record", item.RecordID, "error", err)
	}
	if err := e.queues.EnqueueDeadLetter(ctx, *item, reason); err != nil {
		e.logger.Error("failed to dead-letter item", "item", item.ID, "error", err)
	}

	e.fwdLog.LogDeadLetter(logging.ForwardContext{
		RecordID:         item.RecordID,
		ItemID:           item.ID,
		SourceEndpointID: item.SourceEndpointID,
		SourceMessageID:  item.SourceMessageID,
		Destinations:     len(item.Destinations),
		DeliveredCount:   len(item.Delivered),
		Attempts:         item.Attempts + 1,
		Error:            reason,
	})
	e.metrics.DeadLettered.Inc()
	if err := e.stats.IncrFailed(ctx); err != nil {
		e.logger.Debug("stats recorder failed", "error", err)
	}
}

package logging

import (
	"log/slog"
	"time"
)

// ForwardLogger provides structured logging for forwarding lifecycle events
type ForwardLogger struct {
	logger *slog.Logger
}

// NewForwardLogger creates a new forwarding lifecycle logger
func NewForwardLogger(logger *slog.Logger) *ForwardLogger {
	return &ForwardLogger{
		logger: logger.With("component", "forward-lifecycle"),
	}
}

// ForwardContext contains all context about a forwarded message for logging
type ForwardContext struct {
	RecordID         int64
	ItemID           string
	SourceEndpointID int64
	SourceMessageID  int64
	Fingerprint      string
	Destinations     int
	DeliveredCount   int
	Attempts         int
	AdmittedAt       time.Time
	NextRetry        time.Time
	Error            string
}

// LogAdmission logs when a message passes dedup and routing and is queued
func (fl *ForwardLogger) LogAdmission(ctx ForwardContext) {
	fl.logger.Info("message_admission",
		"event_type", "admission",
		"record_id", ctx.RecordID,
		"item_id", ctx.ItemID,
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"fingerprint", ctx.Fingerprint,
		"destination_count", ctx.Destinations,
		"admitted_at", ctx.AdmittedAt.Format(time.RFC3339),
	)
}

// LogDuplicateDrop logs when a message is dropped as a duplicate
func (fl *ForwardLogger) LogDuplicateDrop(ctx ForwardContext) {
	fl.logger.Info("message_duplicate_drop",
		"event_type", "duplicate_drop",
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"fingerprint", ctx.Fingerprint,
		"status", "dropped",
	)
}

// LogNoRouteDrop logs when a message has no active forwarding rules
func (fl *ForwardLogger) LogNoRouteDrop(ctx ForwardContext) {
	fl.logger.Debug("message_no_route",
		"event_type", "no_route_drop",
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"status", "dropped",
	)
}

// LogForwarded logs when every destination has been delivered
func (fl *ForwardLogger) LogForwarded(ctx ForwardContext) {
	totalDelay := time.Duration(0)
	if !ctx.AdmittedAt.IsZero() {
		totalDelay = time.Since(ctx.AdmittedAt)
	}

	fl.logger.Info("message_forwarded",
		"event_type", "forwarded",
		"record_id", ctx.RecordID,
		"item_id", ctx.ItemID,
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"destination_count", ctx.Destinations,
		"attempts", ctx.Attempts,
		"total_delay_ms", totalDelay.Milliseconds(),
		"status", "delivered",
	)
}

// LogDeferral logs when an item is parked for a later retry
func (fl *ForwardLogger) LogDeferral(ctx ForwardContext) {
	nextRetryDelay := time.Duration(0)
	now := time.Now()
	if !ctx.NextRetry.IsZero() {
		nextRetryDelay = ctx.NextRetry.Sub(now)
	}

	fl.logger.Warn("message_deferral",
		"event_type", "deferral",
		"record_id", ctx.RecordID,
		"item_id", ctx.ItemID,
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"attempts", ctx.Attempts,
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
		"next_retry_in_seconds", int(nextRetryDelay.Seconds()),
		"deferral_reason", ctx.Error,
		"status", "deferred",
	)
}

// LogRateLimited logs when an item is parked for a transport-signalled wait
func (fl *ForwardLogger) LogRateLimited(ctx ForwardContext) {
	waitSeconds := 0
	now := time.Now()
	if !ctx.NextRetry.IsZero() {
		waitSeconds = int(ctx.NextRetry.Sub(now).Seconds())
	}

	fl.logger.Warn("message_rate_limited",
		"event_type", "rate_limited",
		"record_id", ctx.RecordID,
		"item_id", ctx.ItemID,
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"delivered_count", ctx.DeliveredCount,
		"destination_count", ctx.Destinations,
		"ready_in_seconds", waitSeconds,
		"status", "backing_off",
	)
}

// LogDeadLetter logs when an item permanently fails
func (fl *ForwardLogger) LogDeadLetter(ctx ForwardContext) {
	fl.logger.Error("message_dead_letter",
		"event_type", "dead_letter",
		"record_id", ctx.RecordID,
		"item_id", ctx.ItemID,
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"delivered_count", ctx.DeliveredCount,
		"destination_count", ctx.Destinations,
		"attempts", ctx.Attempts,
		"failure_reason", ctx.Error,
		"status", "dead_lettered",
	)
}

// LogReset logs when a failed record is manually returned to the pipeline
func (fl *ForwardLogger) LogReset(ctx ForwardContext) {
	fl.logger.Info("message_reset",
		"event_type", "reset",
		"record_id", ctx.RecordID,
		"source_endpoint", ctx.SourceEndpointID,
		"source_message", ctx.SourceMessageID,
		"status", "requeued",
	)
}

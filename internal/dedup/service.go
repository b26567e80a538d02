package dedup

import (
	"context"
	"log/slog"
	"time"
)

// Service implements the pipeline's deduplication contract on top of a
// Store. Reads fail open: if the backing store is unreachable, forwarding
// availability wins over strict dedup and the message is admitted.
type Service struct {
	store        Store
	ttl          time.Duration
	logger       *slog.Logger
	onStoreError func()
}

// NewService creates a dedup service with the given TTL. A non-positive
// TTL falls back to the 24 hour default.
func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "dedup"),
	}
}

// OnStoreError registers a hook invoked whenever a store operation fails
// and the failure is absorbed. Used to surface fail-open events to metrics.
func (s *Service) OnStoreError(fn func()) {
	s.onStoreError = fn
}

func (s *Service) storeError() {
	if s.onStoreError != nil {
		s.onStoreError()
	}
}

// TTL returns the configured entry lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// IsDuplicate reports whether an unexpired entry exists for the
// fingerprint. Store failures are logged and treated as "not a duplicate".
func (s *Service) IsDuplicate(ctx context.Context, fp string) bool {
	if fp == "" {
		s.logger.Warn("Empty fingerprint in duplicate check")
		return false
	}

	exists, err := s.store.Exists(ctx, fp)
	if err != nil {
		s.logger.Error("Duplicate check failed, admitting message", "error", err)
		s.storeError()
		return false
	}

	if exists {
		s.logger.Debug("Duplicate detected", "fingerprint", fp)
	}
	return exists
}

// MarkProcessed records the fingerprint as processed. A concurrent insert
// for the same fingerprint is not an error; the first writer wins. Store
// failures are logged but do not fail the admission.
func (s *Service) MarkProcessed(ctx context.Context, fp string, sourceEndpointID, sourceMessageID int64) {
	if fp == "" {
		s.logger.Warn("Empty fingerprint, not marking as processed",
			"source_endpoint_id", sourceEndpointID,
			"source_message_id", sourceMessageID)
		return
	}

	inserted, err := s.store.InsertIfAbsent(ctx, Entry{
		Fingerprint:      fp,
		SourceEndpointID: sourceEndpointID,
		SourceMessageID:  sourceMessageID,
		CreatedAt:        time.Now(),
	}, s.ttl)
	if err != nil {
		s.logger.Error("Failed to mark message as processed", "fingerprint", fp, "error", err)
		s.storeError()
		return
	}

	if !inserted {
		s.logger.Debug("Fingerprint already marked by a concurrent worker", "fingerprint", fp)
	}
}

// CacheStats describes the dedup cache for the admin API. Entries is -1
// when the backing store cannot count its keys.
type CacheStats struct {
	StoreType  string `json:"store_type"`
	StoreName  string `json:"store_name"`
	TTLSeconds int    `json:"ttl_seconds"`
	Entries    int64  `json:"entries"`
}

// Stats reports the cache configuration and, where the store supports
// counting, the current entry count.
func (s *Service) Stats(ctx context.Context) CacheStats {
	stats := CacheStats{
		StoreType:  s.store.Type(),
		StoreName:  s.store.Name(),
		TTLSeconds: int(s.ttl.Seconds()),
		Entries:    -1,
	}
	if counter, ok := s.store.(Counter); ok {
		n, err := counter.Count(ctx)
		if err != nil {
			s.logger.Error("Failed to count dedup entries", "error", err)
			s.storeError()
		} else {
			stats.Entries = n
		}
	}
	return stats
}

// CleanupExpired deletes all entries older than the TTL and returns the
// number removed. Intended for the periodic maintenance sweep.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	deleted, err := s.store.DeleteExpired(ctx, s.ttl)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("Cleaned up expired dedup entries", "deleted", deleted)
	}
	return deleted, nil
}

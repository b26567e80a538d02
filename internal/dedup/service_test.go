package dedup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func setupMemoryService(t *testing.T, ttl time.Duration) *Service {
	store := NewMemory(Config{Name: "test"})
	if err := store.Connect(); err != nil {
		t.Fatalf("Error connecting memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewService(store, ttl)
}

func TestAdmissionWithinTTL(t *testing.T) {
	svc := setupMemoryService(t, time.Hour)
	ctx := context.Background()

	fp := "abc"
	if svc.IsDuplicate(ctx, fp) {
		t.Fatal("Fresh fingerprint reported as duplicate")
	}

	svc.MarkProcessed(ctx, fp, 100, 1)

	if !svc.IsDuplicate(ctx, fp) {
		t.Error("Expected second admission attempt within TTL to be rejected")
	}
}

func TestExpiredEntryDoesNotBlockAdmission(t *testing.T) {
	store := NewMemory(Config{Name: "test"})
	if err := store.Connect(); err != nil {
		t.Fatalf("Error connecting memory store: %v", err)
	}
	defer store.Close()

	svc := NewService(store, 50*time.Millisecond)
	ctx := context.Background()

	svc.MarkProcessed(ctx, "abc", 100, 1)
	time.Sleep(80 * time.Millisecond)

	// Lazy purge: the expired entry must be removed by the lookup itself.
	if svc.IsDuplicate(ctx, "abc") {
		t.Error("Expired entry blocked admission")
	}
	if store.Len() != 0 {
		t.Errorf("Expected lookup to purge expired entry, %d entries remain", store.Len())
	}
}

func TestInsertIfAbsentFirstWriterWins(t *testing.T) {
	store := NewMemory(Config{Name: "test"})
	if err := store.Connect(); err != nil {
		t.Fatalf("Error connecting memory store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	entry := Entry{Fingerprint: "abc", SourceEndpointID: 1, SourceMessageID: 2}

	inserted, err := store.InsertIfAbsent(ctx, entry, time.Hour)
	if err != nil || !inserted {
		t.Fatalf("Expected first insert to succeed, got inserted=%v err=%v", inserted, err)
	}

	inserted, err = store.InsertIfAbsent(ctx, entry, time.Hour)
	if err != nil {
		t.Fatalf("Conflicting insert must not error, got %v", err)
	}
	if inserted {
		t.Error("Expected conflicting insert to be ignored")
	}
}

func TestCleanupExpired(t *testing.T) {
	store := NewMemory(Config{Name: "test"})
	if err := store.Connect(); err != nil {
		t.Fatalf("Error connecting memory store: %v", err)
	}
	defer store.Close()

	svc := NewService(store, 50*time.Millisecond)
	ctx := context.Background()

	svc.MarkProcessed(ctx, "old-1", 1, 1)
	svc.MarkProcessed(ctx, "old-2", 1, 2)
	time.Sleep(80 * time.Millisecond)
	svc.MarkProcessed(ctx, "fresh", 1, 3)

	deleted, err := svc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 expired entries deleted, got %d", deleted)
	}
	if !svc.IsDuplicate(ctx, "fresh") {
		t.Error("Cleanup removed a live entry")
	}
}

// brokenStore simulates an unreachable backing store.
type brokenStore struct{}

func (b *brokenStore) Connect() error      { return nil }
func (b *brokenStore) Close() error        { return nil }
func (b *brokenStore) IsConnected() bool   { return false }
func (b *brokenStore) Name() string        { return "broken" }
func (b *brokenStore) Type() string        { return "broken" }
func (b *brokenStore) InsertIfAbsent(ctx context.Context, entry Entry, ttl time.Duration) (bool, error) {
	return false, errors.New("store unreachable")
}
func (b *brokenStore) Exists(ctx context.Context, fp string) (bool, error) {
	return false, errors.New("store unreachable")
}
func (b *brokenStore) DeleteExpired(ctx context.Context, ttl time.Duration) (int, error) {
	return 0, errors.New("store unreachable")
}

func TestFailOpenOnStoreError(t *testing.T) {
	svc := NewService(&brokenStore{}, time.Hour)
	ctx := context.Background()

	// Reads fail open: forwarding availability over strict dedup.
	if svc.IsDuplicate(ctx, "abc") {
		t.Error("Expected unreachable store to admit the message")
	}

	// Writes must not panic or fail the admission path.
	svc.MarkProcessed(ctx, "abc", 1, 1)
}

func TestStats(t *testing.T) {
	svc := setupMemoryService(t, time.Hour)
	ctx := context.Background()

	svc.MarkProcessed(ctx, "abc", 100, 1)
	svc.MarkProcessed(ctx, "def", 100, 2)

	stats := svc.Stats(ctx)
	if stats.StoreType != "memory" {
		t.Errorf("Expected store type memory, got %s", stats.StoreType)
	}
	if stats.TTLSeconds != 3600 {
		t.Errorf("Expected TTL 3600s, got %d", stats.TTLSeconds)
	}
	if stats.Entries != 2 {
		t.Errorf("Expected 2 entries, got %d", stats.Entries)
	}
}

func TestStatsWithoutCounter(t *testing.T) {
	svc := NewService(&brokenStore{}, time.Hour)

	// brokenStore does not implement Counter, so the count is unknown.
	stats := svc.Stats(context.Background())
	if stats.Entries != -1 {
		t.Errorf("Expected entry count -1 for a non-counting store, got %d", stats.Entries)
	}
}

func TestMemoryJanitorSweepsUnderConcurrentInserts(t *testing.T) {
	oldInterval := janitorInterval
	janitorInterval = time.Millisecond
	defer func() { janitorInterval = oldInterval }()

	store := NewMemory(Config{Name: "test"})
	if err := store.Connect(); err != nil {
		t.Fatalf("Error connecting memory store: %v", err)
	}
	defer store.Close()

	// Inserts race the janitor sweep; this must be free of data races.
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		entry := Entry{Fingerprint: fmt.Sprintf("fp-%d", i), SourceEndpointID: 1, SourceMessageID: int64(i)}
		if _, err := store.InsertIfAbsent(ctx, entry, time.Millisecond); err != nil {
			t.Fatalf("InsertIfAbsent failed: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := store.DeleteExpired(ctx, time.Millisecond); err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n := store.Len(); n != 0 {
		t.Errorf("Expected all expired entries swept, %d remain", n)
	}
}

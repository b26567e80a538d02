package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/busybox42/relayd/internal/mapping"
)

func newTestRepository(t *testing.T) *SQLite {
	t.Helper()

	repo := NewSQLite(Config{
		Type:     "sqlite",
		Name:     "test",
		Database: filepath.Join(t.TempDir(), "relayd-test.db"),
	})
	if err := repo.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func createEndpoint(t *testing.T, repo Repository, title string, access mapping.AccessType, active bool) mapping.Endpoint {
	t.Helper()
	ep := mapping.Endpoint{Title: title, Access: access, Active: active}
	if err := repo.CreateEndpoint(context.Background(), &ep); err != nil {
		t.Fatalf("CreateEndpoint(%s) failed: %v", title, err)
	}
	return ep
}

func TestEndpointCRUD(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ep := createEndpoint(t, repo, "announcements", mapping.AccessBroadcast, true)
	if ep.ID == 0 {
		t.Fatal("CreateEndpoint did not set ID")
	}

	got, err := repo.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEndpoint failed: %v", err)
	}
	if got.Title != "announcements" || got.Access != mapping.AccessBroadcast || !got.Active {
		t.Errorf("unexpected endpoint: %+v", got)
	}

	got.Title = "renamed"
	got.Active = false
	if err := repo.UpdateEndpoint(ctx, got); err != nil {
		t.Fatalf("UpdateEndpoint failed: %v", err)
	}
	got, err = repo.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEndpoint after update failed: %v", err)
	}
	if got.Title != "renamed" || got.Active {
		t.Errorf("update not persisted: %+v", got)
	}

	all, err := repo.ListEndpoints(ctx)
	if err != nil {
		t.Fatalf("ListEndpoints failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 endpoint, got %d", len(all))
	}

	if err := repo.DeleteEndpoint(ctx, ep.ID); err != nil {
		t.Fatalf("DeleteEndpoint failed: %v", err)
	}
	if _, err := repo.GetEndpoint(ctx, ep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestEndpointInvalidAccess(t *testing.T) {
	repo := newTestRepository(t)

	ep := mapping.Endpoint{Title: "bad", Access: "pigeon", Active: true}
	err := repo.CreateEndpoint(context.Background(), &ep)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRuleUniqueness(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	src := createEndpoint(t, repo, "source", mapping.AccessDirect, true)
	dst := createEndpoint(t, repo, "dest", mapping.AccessDirect, true)

	id, err := repo.CreateRule(ctx, src.ID, dst.ID, mapping.ModeForward)
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if id == 0 {
		t.Fatal("CreateRule returned zero id")
	}

	// Same pair again, even with a different mode, is a duplicate.
	if _, err := repo.CreateRule(ctx, src.ID, dst.ID, mapping.ModeCopy); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	// The reverse direction is a distinct rule.
	if _, err := repo.CreateRule(ctx, dst.ID, src.ID, mapping.ModeForward); err != nil {
		t.Errorf("reverse rule rejected: %v", err)
	}

	if _, err := repo.CreateRule(ctx, src.ID, src.ID, mapping.ModeForward); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("self-rule: expected ErrInvalidInput, got %v", err)
	}
}

func TestGetActiveRulesFiltering(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	src := createEndpoint(t, repo, "source", mapping.AccessDirect, true)
	dstActive := createEndpoint(t, repo, "active-dest", mapping.AccessBroadcast, true)
	dstInactive := createEndpoint(t, repo, "inactive-dest", mapping.AccessDirect, false)
	dstDisabled := createEndpoint(t, repo, "disabled-rule-dest", mapping.AccessDirect, true)

	if _, err := repo.CreateRule(ctx, src.ID, dstActive.ID, mapping.ModeForward); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if _, err := repo.CreateRule(ctx, src.ID, dstInactive.ID, mapping.ModeForward); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	disabledID, err := repo.CreateRule(ctx, src.ID, dstDisabled.ID, mapping.ModeCopy)
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if err := repo.SetRuleEnabled(ctx, disabledID, false); err != nil {
		t.Fatalf("SetRuleEnabled failed: %v", err)
	}

	rules, err := repo.GetActiveRules(ctx, src.ID)
	if err != nil {
		t.Fatalf("GetActiveRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 active rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.Dest.ID != dstActive.ID {
		t.Errorf("expected destination %d, got %d", dstActive.ID, rule.Dest.ID)
	}
	if rule.Mode != mapping.ModeForward || !rule.Enabled {
		t.Errorf("unexpected rule: %+v", rule)
	}
	if rule.Source.Access != mapping.AccessDirect || rule.Dest.Access != mapping.AccessBroadcast {
		t.Errorf("endpoint access not populated: %+v", rule)
	}

	// An unknown source yields an empty result, not an error.
	rules, err = repo.GetActiveRules(ctx, 9999)
	if err != nil {
		t.Fatalf("GetActiveRules for unknown source failed: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected no rules, got %d", len(rules))
	}
}

func TestCreateRecordDuplicate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := DeliveryRecord{SourceEndpointID: 10, SourceMessageID: 20, Fingerprint: "abc"}
	if err := repo.CreateRecord(ctx, &rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("CreateRecord did not set ID")
	}
	if rec.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", rec.Status)
	}

	if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	// A second insert for the same source identity must not touch the
	// existing row.
	dup := DeliveryRecord{SourceEndpointID: 10, SourceMessageID: 20, Fingerprint: "other"}
	if err := repo.CreateRecord(ctx, &dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := repo.GetRecordBySource(ctx, 10, 20)
	if err != nil {
		t.Fatalf("GetRecordBySource failed: %v", err)
	}
	if got.Status != StatusProcessing || got.Fingerprint != "abc" {
		t.Errorf("duplicate insert mutated existing row: %+v", got)
	}
}

func TestRecordStateMachine(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := DeliveryRecord{SourceEndpointID: 1, SourceMessageID: 2, Fingerprint: "fp"}
	if err := repo.CreateRecord(ctx, &rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	fresh, err := repo.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if fresh.ProcessingStartedAt != nil || fresh.ProcessingCompletedAt != nil {
		t.Errorf("PENDING record carries processing timestamps: %+v", fresh)
	}

	// Terminal transitions require PROCESSING.
	if err := repo.MarkSuccess(ctx, rec.ID, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MarkSuccess from PENDING: expected ErrInvalidState, got %v", err)
	}

	if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	// Re-marking a PROCESSING record is a no-op, not an error.
	if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatalf("repeated MarkProcessing failed: %v", err)
	}

	delivered := map[string]int64{"300": 9001, "301": 9002}
	if err := repo.MarkSuccess(ctx, rec.ID, delivered); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	got, err := repo.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Status != StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", got.Status)
	}
	if got.Delivered["300"] != 9001 || got.Delivered["301"] != 9002 {
		t.Errorf("delivered map not persisted: %+v", got.Delivered)
	}
	if got.ProcessingStartedAt == nil || got.ProcessingCompletedAt == nil {
		t.Error("completed record missing processing timestamps")
	}

	// Terminal states reject further transitions.
	if err := repo.MarkProcessing(ctx, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MarkProcessing from SUCCESS: expected ErrInvalidState, got %v", err)
	}
	if err := repo.ResetRecord(ctx, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResetRecord from SUCCESS: expected ErrInvalidState, got %v", err)
	}
}

func TestRecordFailureAndReset(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := DeliveryRecord{SourceEndpointID: 1, SourceMessageID: 3, Fingerprint: "fp"}
	if err := repo.CreateRecord(ctx, &rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	partial := map[string]int64{"300": 9001}
	if err := repo.MarkFailed(ctx, rec.ID, partial, "destination unreachable", 3); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got, err := repo.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Status != StatusFailed || got.LastError != "destination unreachable" || got.Attempts != 3 {
		t.Errorf("unexpected failed record: %+v", got)
	}
	if got.Delivered["300"] != 9001 {
		t.Errorf("partial delivery map not kept: %+v", got.Delivered)
	}
	if got.ProcessingStartedAt == nil || got.ProcessingCompletedAt == nil {
		t.Error("failed record missing processing timestamps")
	}

	if err := repo.ResetRecord(ctx, rec.ID); err != nil {
		t.Fatalf("ResetRecord failed: %v", err)
	}
	got, err = repo.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord after reset failed: %v", err)
	}
	if got.Status != StatusPending || got.LastError != "" {
		t.Errorf("reset did not return record to PENDING: %+v", got)
	}
	if got.ProcessingStartedAt != nil || got.ProcessingCompletedAt != nil {
		t.Errorf("reset did not clear processing timestamps: %+v", got)
	}
}

func TestRecordNotFound(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.GetRecord(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord: expected ErrNotFound, got %v", err)
	}
	if err := repo.MarkProcessing(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkProcessing: expected ErrNotFound, got %v", err)
	}
	if err := repo.ResetRecord(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResetRecord: expected ErrNotFound, got %v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		rec := DeliveryRecord{SourceEndpointID: 1, SourceMessageID: i, Fingerprint: "fp"}
		if err := repo.CreateRecord(ctx, &rec); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
		if i == 1 {
			if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
				t.Fatalf("MarkProcessing failed: %v", err)
			}
			if err := repo.MarkSuccess(ctx, rec.ID, nil); err != nil {
				t.Fatalf("MarkSuccess failed: %v", err)
			}
		}
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusSuccess] != 1 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

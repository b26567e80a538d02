package mapping

import (
	"context"
	"errors"
	"testing"
)

type stubRuleSource struct {
	rules []Rule
	err   error
}

func (s *stubRuleSource) GetActiveRules(ctx context.Context, sourceEndpointID int64) ([]Rule, error) {
	return s.rules, s.err
}

func activeEndpoint(id int64, access AccessType) Endpoint {
	return Endpoint{ID: id, Title: "ep", Access: access, Active: true}
}

func TestResolveFiltersStaleRows(t *testing.T) {
	src := activeEndpoint(1, AccessDirect)
	inactiveDest := activeEndpoint(4, AccessDirect)
	inactiveDest.Active = false

	source := &stubRuleSource{rules: []Rule{
		{ID: 1, Source: src, Dest: activeEndpoint(2, AccessBroadcast), Mode: ModeForward, Enabled: true},
		{ID: 2, Source: src, Dest: activeEndpoint(3, AccessDirect), Mode: ModeCopy, Enabled: false},
		{ID: 3, Source: src, Dest: inactiveDest, Mode: ModeForward, Enabled: true},
		{ID: 4, Source: src, Dest: activeEndpoint(5, AccessDirect), Mode: "teleport", Enabled: true},
	}}

	rules, err := NewResolver(source).Resolve(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != 1 {
		t.Fatalf("expected only rule 1 to survive, got %+v", rules)
	}
}

func TestResolveEmptyIsNotAnError(t *testing.T) {
	rules, err := NewResolver(&stubRuleSource{}).Resolve(context.Background(), 7)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no rules, got %+v", rules)
	}
}

func TestResolveWrapsSourceError(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := NewResolver(&stubRuleSource{err: boom}).Resolve(context.Background(), 7)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}

package mapping

import (
	"context"
	"fmt"
	"log/slog"
)

// RuleSource provides the stored forwarding rules for a source endpoint.
// The repository implements this; the resolver only consumes it.
type RuleSource interface {
	GetActiveRules(ctx context.Context, sourceEndpointID int64) ([]Rule, error)
}

// Resolver returns the active forwarding rules for a source endpoint.
type Resolver struct {
	source RuleSource
	logger *slog.Logger
}

// NewResolver creates a resolver backed by the given rule source.
func NewResolver(source RuleSource) *Resolver {
	return &Resolver{
		source: source,
		logger: slog.Default().With("component", "mapping-resolver"),
	}
}

// Resolve returns the rules that are eligible for dispatch: the rule itself
// is enabled and both endpoints are active. The backing store is expected to
// filter already; the flags are re-checked here so a stale row can never
// produce a dispatch. An empty result is a valid, non-error outcome.
func (r *Resolver) Resolve(ctx context.Context, sourceEndpointID int64) ([]Rule, error) {
	rules, err := r.source.GetActiveRules(ctx, sourceEndpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for endpoint %d: %w", sourceEndpointID, err)
	}

	eligible := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled || !rule.Source.Active || !rule.Dest.Active {
			continue
		}
		if err := rule.Validate(); err != nil {
			r.logger.Warn("Skipping invalid rule", "rule_id", rule.ID, "error", err)
			continue
		}
		eligible = append(eligible, rule)
	}

	r.logger.Debug("Resolved forwarding rules",
		"source_endpoint_id", sourceEndpointID,
		"rules", len(eligible))

	return eligible, nil
}

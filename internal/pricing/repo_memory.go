package pricing

import (
	"context"
	"time"
)

// MemoryRepo is a simple in-memory rate repository for tests and early
// development. Workspace-scoped, exact destination matches only.
type MemoryRepo struct {
	Minute []MinutePricing
}

func (r *MemoryRepo) FindMinutePricing(ctx context.Context, workspaceID, destination string, at time.Time) (MinutePricing, bool, error) {
	_ = ctx

	// Prefer the most recently effective row.
	var best MinutePricing
	found := false

	for _, p := range r.Minute {
		if p.WorkspaceID != workspaceID {
			continue
		}
		if p.Destination != destination {
			continue
		}
		if p.Status != PricingStatusActive {
			continue
		}
		if at.Before(p.EffectiveFrom) {
			continue
		}
		if p.EffectiveTo != nil && !at.Before(*p.EffectiveTo) {
			continue
		}

		if !found || p.EffectiveFrom.After(best.EffectiveFrom) {
			best = p
			found = true
		}
	}

	return best, found, nil
}

package pricing

import (
	"context"
	"testing"
	"time"
)

func TestBillableSeconds(t *testing.T) {
	// 60s increment, no minimum
	if got := billableSeconds(1, 0, 60); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
	if got := billableSeconds(60, 0, 60); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
	if got := billableSeconds(61, 0, 60); got != 120 {
		t.Fatalf("expected 120, got %d", got)
	}

	// minimum billable seconds
	if got := billableSeconds(5, 30, 60); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}

	// per-second billing
	if got := billableSeconds(12, 0, 1); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestBillableMinutesFromSeconds(t *testing.T) {
	if got := billableMinutesFromSeconds(1); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := billableMinutesFromSeconds(60); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := billableMinutesFromSeconds(61); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func testRepo() *MemoryRepo {
	return &MemoryRepo{Minute: []MinutePricing{
		{
			ID:                      "mp1",
			WorkspaceID:             "ws1",
			Destination:             "NL",
			Currency:                "EUR",
			RatePerMinuteMinor:      600,
			BillingIncrementSeconds: 60,
			MinimumBillableSeconds:  0,
			EffectiveFrom:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Status:                  PricingStatusActive,
		},
	}}
}

func TestAttemptCost(t *testing.T) {
	svc := NewService(testRepo())
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	cost, err := svc.AttemptCost(context.Background(), AttemptCostRequest{
		WorkspaceID:     "ws1",
		Destination:     "NL",
		DurationSeconds: 15,
		At:              at,
	})
	if err != nil {
		t.Fatalf("attempt cost: %v", err)
	}
	if cost.TotalMinor != 600 {
		t.Fatalf("expected 600, got %d", cost.TotalMinor)
	}
	if cost.BillableMinutes != 1 {
		t.Fatalf("expected 1 billable minute, got %d", cost.BillableMinutes)
	}

	// Zero duration, zero minimum: nothing billable.
	cost, err = svc.AttemptCost(context.Background(), AttemptCostRequest{
		WorkspaceID: "ws1", Destination: "NL", DurationSeconds: 0, At: at,
	})
	if err != nil {
		t.Fatalf("attempt cost: %v", err)
	}
	if cost.TotalMinor != 0 {
		t.Fatalf("expected 0, got %d", cost.TotalMinor)
	}
}

func TestFloorCost(t *testing.T) {
	svc := NewService(testRepo())
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	floor, err := svc.FloorCost(context.Background(), "ws1", "NL", at)
	if err != nil {
		t.Fatalf("floor cost: %v", err)
	}
	// Shortest billable call is one started minute.
	if floor.TotalMinor != 600 {
		t.Fatalf("expected floor 600, got %d", floor.TotalMinor)
	}
}

func TestAttemptCostUnknownDestination(t *testing.T) {
	svc := NewService(testRepo())
	_, err := svc.AttemptCost(context.Background(), AttemptCostRequest{
		WorkspaceID: "ws1", Destination: "XX", DurationSeconds: 10,
		At: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != ErrPricingNotFound {
		t.Fatalf("expected ErrPricingNotFound, got %v", err)
	}
}

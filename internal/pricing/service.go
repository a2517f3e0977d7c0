package pricing

import (
	"context"
	"errors"
	"time"
)

// Service resolves rates and computes attempt costs.
//
// Contract:
// - Region-based lookup: the destination string acts as the pricing bucket.
// - Pure calculation + repository lookups; no provider calls, no money moves.
// - Cost is only ever computed from provider-reported durations; callers
//   must not feed in client-side estimates.
type Service struct {
	repo  RateRepository
	clock func() time.Time
}

func NewService(repo RateRepository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// RateRepository abstracts pricing persistence.
type RateRepository interface {
	FindMinutePricing(ctx context.Context, workspaceID, destination string, at time.Time) (MinutePricing, bool, error)
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
)

type AttemptCostRequest struct {
	WorkspaceID string
	Destination string

	// DurationSeconds is the provider-reported talk time.
	DurationSeconds int

	// At selects which effective pricing row applies. Zero means now.
	At time.Time
}

type AttemptCost struct {
	WorkspaceID string
	Destination string
	Currency    string

	BillableSeconds int
	BillableMinutes int

	RatePerMinuteMinor int64
	TotalMinor         int64
}

// AttemptCost computes the cost of one terminal attempt.
func (s *Service) AttemptCost(ctx context.Context, req AttemptCostRequest) (AttemptCost, error) {
	if req.WorkspaceID == "" || req.Destination == "" {
		return AttemptCost{}, ErrInvalidPricingReq
	}
	if req.DurationSeconds < 0 {
		return AttemptCost{}, ErrInvalidPricingReq
	}

	mp, err := s.lookup(ctx, req.WorkspaceID, req.Destination, req.At)
	if err != nil {
		return AttemptCost{}, err
	}

	billableSec := billableSeconds(req.DurationSeconds, mp.MinimumBillableSeconds, mp.BillingIncrementSeconds)
	billableMin := billableMinutesFromSeconds(billableSec)

	return AttemptCost{
		WorkspaceID:        req.WorkspaceID,
		Destination:        req.Destination,
		Currency:           mp.Currency,
		BillableSeconds:    billableSec,
		BillableMinutes:    billableMin,
		RatePerMinuteMinor: mp.RatePerMinuteMinor,
		TotalMinor:         mp.RatePerMinuteMinor * int64(billableMin),
	}, nil
}

// FloorCost is the minimum charge a single attempt can produce: the cost of
// the shortest billable call under the effective rate. The orchestrator
// checks the balance against this floor before placing each attempt.
func (s *Service) FloorCost(ctx context.Context, workspaceID, destination string, at time.Time) (AttemptCost, error) {
	if workspaceID == "" || destination == "" {
		return AttemptCost{}, ErrInvalidPricingReq
	}
	mp, err := s.lookup(ctx, workspaceID, destination, at)
	if err != nil {
		return AttemptCost{}, err
	}

	billableSec := billableSeconds(1, mp.MinimumBillableSeconds, mp.BillingIncrementSeconds)
	billableMin := billableMinutesFromSeconds(billableSec)

	return AttemptCost{
		WorkspaceID:        workspaceID,
		Destination:        destination,
		Currency:           mp.Currency,
		BillableSeconds:    billableSec,
		BillableMinutes:    billableMin,
		RatePerMinuteMinor: mp.RatePerMinuteMinor,
		TotalMinor:         mp.RatePerMinuteMinor * int64(billableMin),
	}, nil
}

func (s *Service) lookup(ctx context.Context, workspaceID, destination string, at time.Time) (MinutePricing, error) {
	if at.IsZero() {
		at = s.clock().UTC()
	}
	mp, ok, err := s.repo.FindMinutePricing(ctx, workspaceID, destination, at)
	if err != nil {
		return MinutePricing{}, err
	}
	if !ok {
		return MinutePricing{}, ErrPricingNotFound
	}
	return mp, nil
}

func billableSeconds(actualSec, minSec, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec < 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to the nearest increment
	q := sec / incrementSec
	if sec%incrementSec != 0 {
		q++
	}
	return q * incrementSec
}

func billableMinutesFromSeconds(sec int) int {
	if sec <= 0 {
		return 0
	}
	m := sec / 60
	if sec%60 != 0 {
		m++
	}
	return m
}

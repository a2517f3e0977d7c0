package dispatch

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Settler for tests and local development. It
// mirrors the transactional store's idempotency: a replayed attempt ID is a
// no-op.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]CallAttempt
	order    []string
	debits   map[string]int64 // attempt ID -> debited amount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]CallAttempt),
		debits:   make(map[string]int64),
	}
}

func (s *MemoryStore) SettleAttempt(_ context.Context, attempt CallAttempt, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[attempt.ID]; ok {
		return nil
	}
	s.attempts[attempt.ID] = attempt
	s.order = append(s.order, attempt.ID)
	if attempt.CostMinor > 0 {
		s.debits[attempt.ID] = attempt.CostMinor
	}
	return nil
}

// Attempts returns settled attempts in settlement order.
func (s *MemoryStore) Attempts() []CallAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallAttempt, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.attempts[id])
	}
	return out
}

// DebitedTotal sums every debit posted through this store.
func (s *MemoryStore) DebitedTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, amt := range s.debits {
		total += amt
	}
	return total
}

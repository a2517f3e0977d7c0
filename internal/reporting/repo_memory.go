package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"callburst/internal/dispatch"
	"callburst/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting repository for tests and early development.
// It enforces workspace isolation on reads.

type MemoryRepo struct {
	mu sync.Mutex

	Attempts []dispatch.CallAttempt
	Ledgers  []wallet.WalletLedger
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListAttempts(ctx context.Context, workspaceID string, from, to time.Time, target string) ([]dispatch.CallAttempt, error) {
	if workspaceID == "" {
		return nil, errors.New("workspace_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.CallAttempt, 0)
	for _, a := range r.Attempts {
		if a.WorkspaceID != workspaceID {
			continue
		}
		if !a.StartedAt.IsZero() {
			if a.StartedAt.Before(from) || !a.StartedAt.Before(to) {
				continue
			}
		}
		if target != "" && a.Target != target {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *MemoryRepo) ListWalletLedger(ctx context.Context, workspaceID string, from, to time.Time, walletID string) ([]wallet.WalletLedger, error) {
	if workspaceID == "" {
		return nil, errors.New("workspace_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.WalletLedger, 0)
	for _, l := range r.Ledgers {
		if l.WorkspaceID != workspaceID {
			continue
		}
		if !l.CreatedAt.IsZero() {
			if l.CreatedAt.Before(from) || !l.CreatedAt.Before(to) {
				continue
			}
		}
		if walletID != "" && l.WalletID != walletID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogAdminAction records an admin action (including hidden roles).
func (s *Service) LogAdminAction(ctx context.Context, workspaceID, actorUserID, actorRole, ip, message, walletID string, metadata string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		WalletID:    walletID,
		Message:     message,
		Metadata:    metadata,
	})
}

// LogLedgerGap records a debit that failed after the call already happened.
// The attempt ID is the ledger idempotency key, so reconciliation can replay
// the charge safely.
func (s *Service) LogLedgerGap(ctx context.Context, workspaceID, walletID, requestID, attemptID string, costMinor int64, cause error) error {
	msg := "debit failed after completed call"
	if cause != nil {
		msg = fmt.Sprintf("debit failed after completed call: %v", cause)
	}
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeLedgerGap,
		WalletID:    walletID,
		RequestID:   requestID,
		AttemptID:   attemptID,
		Message:     msg,
		Metadata:    fmt.Sprintf(`{"cost_minor":%d}`, costMinor),
	})
}

// LogDIDBlocked records an operator block on a caller-ID number.
func (s *Service) LogDIDBlocked(ctx context.Context, workspaceID, actorUserID, actorRole, ip, didNumber string, until time.Time) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeDIDBlocked,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		DIDNumber:   didNumber,
		Message:     "caller-id blocked",
		Metadata:    fmt.Sprintf(`{"blocked_until":%q}`, until.UTC().Format(time.RFC3339)),
	})
}

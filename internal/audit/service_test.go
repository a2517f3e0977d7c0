package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestService_AppendRequiresWorkspaceAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeAdminAction}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{WorkspaceID: "w"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogAdminAction(context.Background(), "w", "u", "super_admin", "1.2.3.4", "credited wallet", "wallet1", "{}"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeAdminAction {
		t.Fatalf("expected admin_action")
	}
}

func TestService_LogLedgerGapCarriesReconciliationKeys(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	cause := errors.New("pq: connection reset")
	if err := svc.LogLedgerGap(context.Background(), "w", "wallet1", "req1", "att1", 600, cause); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	e := evs[0]
	if e.Type != EventTypeLedgerGap {
		t.Fatalf("expected ledger_gap, got %s", e.Type)
	}
	if e.AttemptID != "att1" || e.RequestID != "req1" || e.WalletID != "wallet1" {
		t.Fatalf("missing reconciliation keys: %+v", e)
	}
	if !strings.Contains(e.Message, "connection reset") {
		t.Fatalf("cause not captured: %q", e.Message)
	}
	if !strings.Contains(e.Metadata, "600") {
		t.Fatalf("cost not captured: %q", e.Metadata)
	}
}

func TestService_LogDIDBlocked(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	until := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := svc.LogDIDBlocked(context.Background(), "w", "u", "admin", "1.2.3.4", "+3197001", until); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	evs := repo.Events()
	if len(evs) != 1 || evs[0].DIDNumber != "+3197001" {
		t.Fatalf("expected did captured: %+v", evs)
	}
}

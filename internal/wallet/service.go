package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callburst/pkg/utils"

	"github.com/google/uuid"
)

// Service provides wallet operations.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations execute inside a DB transaction
//
// Balance strategy:
// - Balance lives in a projection table (wallet_balances) updated atomically
//   alongside ledger inserts.
//
// DebitTx exists so the dispatch settlement can post the charge and record
// the terminal attempt inside one transaction: either both are visible or
// neither is.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type DebitRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidArgument   = errors.New("invalid argument")
)

func (s *Service) GetBalance(ctx context.Context, workspaceID, walletID string) (Balance, error) {
	if workspaceID == "" || walletID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, workspaceID, walletID)
}

func (s *Service) Credit(ctx context.Context, workspaceID, walletID string, req CreditRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(workspaceID, walletID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		outLedger, outBal, err = s.CreditTx(ctx, tx, workspaceID, walletID, req)
		return err
	})
	return outLedger, outBal, err
}

func (s *Service) Debit(ctx context.Context, workspaceID, walletID string, req DebitRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(workspaceID, walletID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		outLedger, outBal, err = s.DebitTx(ctx, tx, workspaceID, walletID, req)
		return err
	})
	return outLedger, outBal, err
}

// CreditTx posts a credit inside an existing transaction.
func (s *Service) CreditTx(ctx context.Context, tx *sql.Tx, workspaceID, walletID string, req CreditRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(workspaceID, walletID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	now := s.clock().UTC()

	w, err := lockWallet(ctx, tx, workspaceID, walletID)
	if err != nil {
		return WalletLedger{}, Balance{}, err
	}
	if w.Currency != req.Currency {
		return WalletLedger{}, Balance{}, ErrInvalidArgument
	}

	// Idempotency: an existing entry for this wallet+key wins.
	if existing, ok, err := findLedgerByIdempotency(ctx, tx, workspaceID, walletID, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	} else if ok {
		b, err := getBalanceTx(ctx, tx, workspaceID, walletID)
		if err != nil {
			return WalletLedger{}, Balance{}, err
		}
		return existing, b, nil
	}

	entry := WalletLedger{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		WalletID:       walletID,
		Type:           LedgerEntryTypeCredit,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	if err := insertLedger(ctx, tx, entry); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	b, err := applyBalanceDelta(ctx, tx, workspaceID, walletID, req.Currency, req.AmountMinor, now)
	if err != nil {
		return WalletLedger{}, Balance{}, err
	}
	return entry, b, nil
}

// DebitTx posts a debit inside an existing transaction. Returns
// ErrInsufficientFunds without writing anything when the projection balance
// cannot cover the amount.
func (s *Service) DebitTx(ctx context.Context, tx *sql.Tx, workspaceID, walletID string, req DebitRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(workspaceID, walletID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	now := s.clock().UTC()

	w, err := lockWallet(ctx, tx, workspaceID, walletID)
	if err != nil {
		return WalletLedger{}, Balance{}, err
	}
	if w.Currency != req.Currency {
		return WalletLedger{}, Balance{}, ErrInvalidArgument
	}

	if existing, ok, err := findLedgerByIdempotency(ctx, tx, workspaceID, walletID, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	} else if ok {
		b, err := getBalanceTx(ctx, tx, workspaceID, walletID)
		if err != nil {
			return WalletLedger{}, Balance{}, err
		}
		return existing, b, nil
	}

	// Lock the projection row and check funds.
	b, err := getBalanceForUpdate(ctx, tx, workspaceID, walletID)
	if err != nil {
		return WalletLedger{}, Balance{}, err
	}
	if b.Currency != req.Currency {
		return WalletLedger{}, Balance{}, ErrInvalidArgument
	}
	if b.BalanceMinor < req.AmountMinor {
		return WalletLedger{}, Balance{}, ErrInsufficientFunds
	}

	entry := WalletLedger{
		ID:             uuid.NewString(),
		WorkspaceID:    workspaceID,
		WalletID:       walletID,
		Type:           LedgerEntryTypeDebit,
		AmountMinor:    -req.AmountMinor,
		Currency:       req.Currency,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	if err := insertLedger(ctx, tx, entry); err != nil {
		return WalletLedger{}, Balance{}, err
	}

	out, err := applyBalanceDelta(ctx, tx, workspaceID, walletID, req.Currency, -req.AmountMinor, now)
	if err != nil {
		return WalletLedger{}, Balance{}, err
	}
	return entry, out, nil
}

func validateMoneyReq(workspaceID, walletID string, amountMinor int64, currency, idempotencyKey string) error {
	if workspaceID == "" || walletID == "" {
		return ErrInvalidArgument
	}
	if currency == "" {
		return ErrInvalidArgument
	}
	if idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amountMinor <= 0 {
		return ErrInvalidArgument
	}
	return nil
}

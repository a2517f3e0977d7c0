package wallet

import "time"

// Wallet represents a workspace-scoped prepaid balance.
// Invariant: available balance must be derived from immutable ledger
// entries. No code should ever mutate a balance without writing a
// corresponding ledger entry.
type Wallet struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Currency    string `json:"currency" db:"currency"`

	Status WalletStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive   WalletStatus = "active"
	WalletStatusDisabled WalletStatus = "disabled"
)

// WalletLedger is an immutable append-only entry. Each row is one credit or
// debit posted to the wallet; call charges reference the attempt in
// ExternalRef and carry the attempt ID as IdempotencyKey so webhook replays
// and settlement retries can never double-charge.
type WalletLedger struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	WalletID    string `json:"wallet_id" db:"wallet_id"`

	Type LedgerEntryType `json:"type" db:"type"`

	// AmountMinor is signed: credits positive, debits negative.
	AmountMinor int64  `json:"amount_minor" db:"amount_minor"`
	Currency    string `json:"currency" db:"currency"`

	// ExternalRef links the entry to its cause: attempt_id, invoice_id, etc.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// IdempotencyKey is required for safe retries of money-posting operations.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// Metadata is optional JSON for audit/debug.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeCredit LedgerEntryType = "credit" // top-up, adjustment
	LedgerEntryTypeDebit  LedgerEntryType = "debit"  // call charge, fee
)

type Balance struct {
	WorkspaceID  string    `json:"workspace_id"`
	WalletID     string    `json:"wallet_id"`
	Currency     string    `json:"currency"`
	BalanceMinor int64     `json:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at"`
}

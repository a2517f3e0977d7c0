package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// AttemptsSummaryRequest requests aggregated call-attempt metrics.
// Workspace isolation: WorkspaceID is required.

type AttemptsSummaryRequest struct {
	WorkspaceID string    `json:"workspace_id"`
	Range       TimeRange `json:"range"`
	Target      string    `json:"target,omitempty"`
}

type AttemptsSummary struct {
	WorkspaceID string `json:"workspace_id"`
	Target      string `json:"target,omitempty"`

	TotalAttempts     int `json:"total_attempts"`
	CompletedAttempts int `json:"completed_attempts"`
	FailedAttempts    int `json:"failed_attempts"`
	SkippedAttempts   int `json:"skipped_attempts"`

	PoolExhausted     int `json:"pool_exhausted"`
	PlacementRejected int `json:"placement_rejected"`
	CallbackTimeouts  int `json:"callback_timeouts"`
	ProviderFailures  int `json:"provider_failures"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	TotalCostMinor int64 `json:"total_cost_minor"`

	// ConnectionRate is completed / placed (skips excluded).
	ConnectionRate float64 `json:"connection_rate"`
}

// SpendSummaryRequest requests aggregated spend metrics.
// Spend is derived from immutable wallet ledger entries (debits) scoped to workspace.

type SpendSummaryRequest struct {
	WorkspaceID string    `json:"workspace_id"`
	Range       TimeRange `json:"range"`
	WalletID    string    `json:"wallet_id,omitempty"`
	Currency    string    `json:"currency,omitempty"`
}

type SpendSummary struct {
	WorkspaceID string `json:"workspace_id"`
	WalletID    string `json:"wallet_id,omitempty"`
	Currency    string `json:"currency"`

	TotalDebitMinor  int64 `json:"total_debit_minor"`
	TotalCreditMinor int64 `json:"total_credit_minor"`
	NetDeltaMinor    int64 `json:"net_delta_minor"`

	UsageDebitMinor  int64 `json:"usage_debit_minor"`
	AdminAdjustMinor int64 `json:"admin_adjust_minor"`
}

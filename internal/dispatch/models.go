package dispatch

import "time"

// AttemptStatus is the lifecycle state of one outbound call attempt.
//
// Created → Dialing → Ringing → Answered → Terminating → Completed, with
// Failed reachable from any non-terminal state. Skipped attempts were never
// placed (balance pre-check). Completed, Failed and Skipped are terminal;
// the attempt record is immutable afterwards.
type AttemptStatus string

const (
	AttemptCreated     AttemptStatus = "created"
	AttemptDialing     AttemptStatus = "dialing"
	AttemptRinging     AttemptStatus = "ringing"
	AttemptAnswered    AttemptStatus = "answered"
	AttemptTerminating AttemptStatus = "terminating"
	AttemptCompleted   AttemptStatus = "completed"
	AttemptFailed      AttemptStatus = "failed"
	AttemptSkipped     AttemptStatus = "skipped"
)

func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptFailed, AttemptSkipped:
		return true
	default:
		return false
	}
}

// ReasonCode classifies why an attempt ended the way it did. Reasons are
// part of the API surface: every attempt in a DispatchResult carries one
// when it did not complete cleanly.
type ReasonCode string

const (
	ReasonNone ReasonCode = ""

	// ReasonPoolExhausted: no eligible DID was available. A normal outcome
	// under load, not a fault.
	ReasonPoolExhausted ReasonCode = "pool_exhausted"

	// ReasonPlacementRejected: the provider refused the placement call
	// outright (network/auth/invalid number).
	ReasonPlacementRejected ReasonCode = "placement_rejected"

	// ReasonCallbackTimeout: the watchdog fired before a terminal status
	// callback arrived.
	ReasonCallbackTimeout ReasonCode = "callback_timeout"

	// ReasonProviderFailure: the provider reported a failed/busy/no-answer
	// disposition.
	ReasonProviderFailure ReasonCode = "provider_terminal_failure"

	// ReasonInsufficientBalance: the pre-check failed; the attempt was
	// never placed.
	ReasonInsufficientBalance ReasonCode = "skipped_insufficient_balance"

	// ReasonLedgerError: the debit failed after the call already happened.
	// Escalated for manual reconciliation, never silently dropped.
	ReasonLedgerError ReasonCode = "ledger_error"
)

// CallAttempt is one outbound call placement.
//
// Invariants:
// - Exactly one assigned DID for the attempt's entire lifetime.
// - CostMinor stays zero until the status is terminal.
// - DurationSeconds comes from provider-reported timestamps, never from
//   client-side estimates.
type CallAttempt struct {
	ID          string `json:"id" db:"id"`
	RequestID   string `json:"request_id" db:"request_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	UserID      string `json:"user_id" db:"user_id"`

	// Seq is the 1-based position of this attempt within its request.
	Seq int `json:"seq" db:"seq"`

	Target string `json:"target" db:"target"`
	DID    string `json:"did,omitempty" db:"did"`

	// ProviderCallID is assigned once the provider accepts the placement.
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Status AttemptStatus `json:"status" db:"status"`
	Reason ReasonCode    `json:"reason,omitempty" db:"reason"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int    `json:"duration_seconds" db:"duration_seconds"`
	CostMinor       int64  `json:"cost_minor" db:"cost_minor"`
	Currency        string `json:"currency,omitempty" db:"currency"`
}

// DispatchRequest asks for the same target to be called RepeatCount times,
// strictly sequentially.
type DispatchRequest struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	WalletID    string `json:"wallet_id"`

	Target string `json:"target"`

	// Destination is the pricing bucket for the target.
	Destination string `json:"destination"`

	// RepeatCount is bounded 1..Config.MaxRepeatCount.
	RepeatCount int `json:"repeat_count"`

	// InterAttemptDelay and MaxTalkTime are fixed at creation; zero means
	// "engine default". MaxTalkTime is capped by the engine-wide limit.
	InterAttemptDelay time.Duration `json:"inter_attempt_delay,omitempty"`
	MaxTalkTime       time.Duration `json:"max_talk_time,omitempty"`
}

// DispatchResult is the complete per-attempt breakdown. It is only built
// once every requested attempt is terminal or skipped; callers never see a
// partial result.
type DispatchResult struct {
	RequestID   string `json:"request_id"`
	WorkspaceID string `json:"workspace_id"`
	Target      string `json:"target"`

	Attempts []CallAttempt `json:"attempts"`

	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
	SkippedCount int `json:"skipped_count"`

	TotalCostMinor int64  `json:"total_cost_minor"`
	Currency       string `json:"currency,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

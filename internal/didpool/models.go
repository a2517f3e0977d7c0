package didpool

import "time"

// DID is a purchased phone number usable as outbound caller-ID.
//
// Invariants:
// - A DID with BlockedUntil in the future is not eligible for selection,
//   regardless of Active.
// - CurrentTarget is non-empty only while an attempt using this DID is in
//   flight, and is cleared when that attempt reaches a terminal state.
// - UsageCount increments exactly once per attempt that reaches a terminal
//   state (success or failure), never on selection alone.
//
// Rows are fed by the inventory-sync collaborator; this core only mutates
// usage state (deactivation included), it never deletes a DID.
type DID struct {
	Number            string `json:"number" db:"number"`
	ProviderAccountID string `json:"provider_account_id" db:"provider_account_id"`

	Active       bool       `json:"active" db:"active"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`

	// CurrentTarget is the destination of the in-flight attempt holding
	// this DID, or empty when the DID is free.
	CurrentTarget string `json:"current_target,omitempty" db:"current_target"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`

	// LastFailedTarget/LastFailedAt drive the soft deprioritization of a
	// DID that recently failed against the same destination.
	LastFailedTarget string     `json:"last_failed_target,omitempty" db:"last_failed_target"`
	LastFailedAt     *time.Time `json:"last_failed_at,omitempty" db:"last_failed_at"`

	UsageCount int64 `json:"usage_count" db:"usage_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EligibleAt reports whether the DID may be handed out at the given instant.
// In-flight DIDs (CurrentTarget set) are never eligible; handing one out
// twice would put two live attempts on the same caller-ID.
func (d DID) EligibleAt(now time.Time) bool {
	if !d.Active {
		return false
	}
	if d.CurrentTarget != "" {
		return false
	}
	if d.BlockedUntil != nil && d.BlockedUntil.After(now) {
		return false
	}
	return true
}

// Release describes the outcome reported back to the pool when the attempt
// holding a DID reaches a terminal state.
type Release struct {
	// Target is the destination the attempt was placed against.
	Target string
	// Failed marks the attempt as unsuccessful against Target.
	Failed bool
	// At is the terminal-state instant; zero means "now".
	At time.Time
}

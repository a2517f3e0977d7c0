package didpool

import (
	"errors"
	"sync"
	"time"
)

// Inventory is the single-writer arena for the shared DID pool.
//
// All mutation goes through one mutex: selection and the commit that marks a
// DID in-use are a single critical section, so two concurrent dispatch
// requests can never pick the same DID for simultaneously live attempts.
// Per-record locks are deliberately avoided.
//
// Selection policy (round-robin with soft deprioritization):
// - A rotation cursor walks the table cyclically.
// - First pass prefers eligible DIDs that did not recently fail against the
//   requested target (recency window is tunable, see NewInventory).
// - If no DID satisfies the preference, any eligible DID is used.
// - The cursor always advances past the selected DID so consecutive
//   selections spread load evenly.
type Inventory struct {
	mu     sync.Mutex
	dids   []*DID
	index  map[string]int
	cursor int

	retryAvoidWindow time.Duration
	clock            func() time.Time
}

var (
	ErrUnknownDID  = errors.New("didpool: unknown did")
	ErrNotInFlight = errors.New("didpool: did is not in flight")
)

// DefaultRetryAvoidWindow is how long a DID that failed against a target is
// deprioritized for that same target. Product owners may tune this; it is a
// heuristic, not a correctness knob.
const DefaultRetryAvoidWindow = 60 * time.Second

func NewInventory(retryAvoidWindow time.Duration) *Inventory {
	if retryAvoidWindow <= 0 {
		retryAvoidWindow = DefaultRetryAvoidWindow
	}
	return &Inventory{
		index:            make(map[string]int),
		retryAvoidWindow: retryAvoidWindow,
		clock:            time.Now,
	}
}

// Upsert adds a DID or refreshes the sync-fed attributes of an existing one.
// Usage state (CurrentTarget, counters, failure markers) is owned by this
// core and is preserved on refresh.
func (inv *Inventory) Upsert(d DID) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if i, ok := inv.index[d.Number]; ok {
		cur := inv.dids[i]
		cur.ProviderAccountID = d.ProviderAccountID
		cur.Active = d.Active
		cur.BlockedUntil = d.BlockedUntil
		cur.UpdatedAt = d.UpdatedAt
		return
	}
	cp := d
	inv.index[d.Number] = len(inv.dids)
	inv.dids = append(inv.dids, &cp)
}

// Load bulk-feeds the pool, typically at boot from the persistent store.
func (inv *Inventory) Load(dids []DID) {
	for _, d := range dids {
		inv.Upsert(d)
	}
}

// Acquire atomically selects an eligible DID for the target and commits it:
// CurrentTarget is set and LastUsedAt touched before the lock is dropped.
// The second return is false when the pool is exhausted, which is a normal
// outcome, not a fault.
func (inv *Inventory) Acquire(target string) (DID, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	now := inv.clock().UTC()
	i := inv.pick(target, now)
	if i < 0 {
		return DID{}, false
	}

	d := inv.dids[i]
	d.CurrentTarget = target
	t := now
	d.LastUsedAt = &t
	d.UpdatedAt = now

	inv.cursor = (i + 1) % len(inv.dids)
	return *d, true
}

// pick scans the arena cyclically from the cursor and returns the position
// of the DID to use, or -1. Pure with respect to pool state: callers commit.
func (inv *Inventory) pick(target string, now time.Time) int {
	n := len(inv.dids)
	if n == 0 {
		return -1
	}

	fallback := -1
	for off := 0; off < n; off++ {
		i := (inv.cursor + off) % n
		d := inv.dids[i]
		if !d.EligibleAt(now) {
			continue
		}
		if inv.recentlyFailedAgainst(d, target, now) {
			if fallback < 0 {
				fallback = i
			}
			continue
		}
		return i
	}
	return fallback
}

func (inv *Inventory) recentlyFailedAgainst(d *DID, target string, now time.Time) bool {
	if d.LastFailedTarget != target || d.LastFailedAt == nil {
		return false
	}
	return now.Sub(*d.LastFailedAt) < inv.retryAvoidWindow
}

// Release returns a DID to the pool once its attempt reached a terminal
// state. CurrentTarget is cleared and UsageCount incremented exactly once;
// a failed outcome additionally records the failure marker used by the
// selector's deprioritization pass.
func (inv *Inventory) Release(number string, rel Release) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	i, ok := inv.index[number]
	if !ok {
		return ErrUnknownDID
	}
	d := inv.dids[i]
	if d.CurrentTarget == "" {
		// Duplicate release; the first one already accounted for the attempt.
		return ErrNotInFlight
	}

	at := rel.At
	if at.IsZero() {
		at = inv.clock().UTC()
	}

	d.CurrentTarget = ""
	d.UsageCount++
	if rel.Failed {
		d.LastFailedTarget = rel.Target
		t := at
		d.LastFailedAt = &t
	}
	d.UpdatedAt = at
	return nil
}

// Block makes a DID ineligible until the given time.
func (inv *Inventory) Block(number string, until time.Time) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	i, ok := inv.index[number]
	if !ok {
		return ErrUnknownDID
	}
	d := inv.dids[i]
	d.BlockedUntil = &until
	d.UpdatedAt = inv.clock().UTC()
	return nil
}

// Deactivate permanently removes a DID from rotation. The record stays in
// the arena; this core never deletes inventory.
func (inv *Inventory) Deactivate(number string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	i, ok := inv.index[number]
	if !ok {
		return ErrUnknownDID
	}
	inv.dids[i].Active = false
	inv.dids[i].UpdatedAt = inv.clock().UTC()
	return nil
}

// Get returns a copy of one DID.
func (inv *Inventory) Get(number string) (DID, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	i, ok := inv.index[number]
	if !ok {
		return DID{}, false
	}
	return *inv.dids[i], true
}

// Snapshot returns a copy of the pool in arena order.
func (inv *Inventory) Snapshot() []DID {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	out := make([]DID, len(inv.dids))
	for i, d := range inv.dids {
		out[i] = *d
	}
	return out
}

// Cursor exposes the rotation cursor position. Intended for tests and
// operational introspection only.
func (inv *Inventory) Cursor() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.cursor
}

// SetClock overrides the time source for deterministic tests.
func (inv *Inventory) SetClock(clock func() time.Time) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.clock = clock
}

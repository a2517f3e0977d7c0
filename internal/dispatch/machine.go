package dispatch

import (
	"time"

	"callburst/internal/provider"
)

// machine reduces provider status events onto a single attempt.
//
// Callbacks can arrive duplicated or out of order. The reduction is
// rank-based: an event whose status rank is not strictly above the highest
// rank already applied is dropped, so replays and stale events are no-ops
// and the attempt visits each state at most once.
//
// A machine is only touched by the goroutine running its attempt; it needs
// no locking of its own.
type machine struct {
	attempt *CallAttempt
	rank    int
}

// transition describes what an applied event changed.
type transition struct {
	// Answered is set on the created→...→answered edge, exactly once.
	Answered bool
	// Terminal is set when the attempt just reached Completed or Failed.
	Terminal bool
}

func newMachine(attempt *CallAttempt) *machine {
	return &machine{attempt: attempt, rank: -1}
}

// apply folds one provider event into the attempt. The second return is
// false when the event was ignored.
func (m *machine) apply(ev provider.StatusEvent, now time.Time) (transition, bool) {
	if m.attempt.Status.Terminal() {
		return transition{}, false
	}
	rank := ev.Status.Rank()
	if rank <= m.rank {
		return transition{}, false
	}
	m.rank = rank

	var tr transition
	switch {
	case ev.Status.Terminal():
		tr.Terminal = true
		at := now
		if !ev.OccurredAt.IsZero() {
			at = ev.OccurredAt
		}
		m.attempt.EndedAt = &at
		if ev.DurationSeconds > 0 {
			m.attempt.DurationSeconds = ev.DurationSeconds
		}
		if ev.Status.Success() {
			// "completed" implies the call connected even when the answered
			// callback was lost along the way.
			if m.attempt.AnsweredAt == nil {
				m.attempt.AnsweredAt = &at
			}
			m.attempt.Status = AttemptCompleted
		} else {
			m.attempt.Status = AttemptFailed
			m.attempt.Reason = ReasonProviderFailure
		}
	case ev.Status == provider.StatusAnswered:
		at := now
		if !ev.OccurredAt.IsZero() {
			at = ev.OccurredAt
		}
		m.attempt.AnsweredAt = &at
		// Terminating sticks: a late "answered" after we issued the hangup
		// records the answer time but must not regress the status.
		if m.attempt.Status != AttemptTerminating {
			m.attempt.Status = AttemptAnswered
		}
		tr.Answered = true
	case ev.Status == provider.StatusRinging:
		if m.attempt.Status != AttemptTerminating {
			m.attempt.Status = AttemptRinging
		}
	default:
		// queued / initiated
		if m.attempt.Status == AttemptCreated {
			m.attempt.Status = AttemptDialing
		}
	}
	return tr, true
}

package domain

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a requested lifecycle change is not
// allowed from the agreement's current state. The agreement is left
// untouched.
var ErrInvalidTransition = errors.New("invalid state transition")

// ResumePolicy decides what happens to a paused agreement whose stored due
// date fell into the past while paused.
type ResumePolicy string

const (
	// ResumeSkip moves the due date to the next future cycle; missed cycles
	// are not owed.
	ResumeSkip ResumePolicy = "skip"
	// ResumeCatchUp leaves the stale due date in place, making the missed
	// cycle immediately eligible on the next sweep.
	ResumeCatchUp ResumePolicy = "catchup"
)

// Valid reports whether p is a known resume policy.
func (p ResumePolicy) Valid() bool {
	return p == ResumeSkip || p == ResumeCatchUp
}

// AgreementPatch carries the fields a modify command may change. Nil fields
// are left as they are. Modify never changes lifecycle state.
type AgreementPatch struct {
	AmountMinor     *int64
	Frequency       *Frequency
	OccurrenceLimit *int
	EndDate         *time.Time
}

// Pause suspends collection. Allowed only from active.
func (a *RecurringAgreement) Pause() error {
	if a.State != StateActive {
		return ErrInvalidTransition
	}
	a.State = StatePaused
	return nil
}

// Resume reactivates a paused agreement. If the stored due date fell into the
// past while paused, the skip policy recomputes it as the first
// calculator-produced date after now; resuming does not retroactively owe
// missed cycles. The catch-up policy keeps the stale date so the missed cycle
// fires on the next sweep. If skipping ahead pushes the schedule past the end
// date, the agreement completes instead.
func (a *RecurringAgreement) Resume(now time.Time, policy ResumePolicy) error {
	if a.State != StatePaused {
		return ErrInvalidTransition
	}
	a.State = StateActive
	if policy != ResumeSkip || a.NextDueDate.After(now) {
		return nil
	}
	due, err := NextDueDateAfter(a.Frequency, a.AnchorDate, now)
	if err != nil {
		return err
	}
	a.NextDueDate = due
	if a.EndDate != nil && due.After(*a.EndDate) {
		a.State = StateCompleted
	}
	return nil
}

// Cancel terminates the agreement. Allowed from active, paused, or failed;
// irreversible.
func (a *RecurringAgreement) Cancel() error {
	switch a.State {
	case StateActive, StatePaused, StateFailed:
		a.State = StateCancelled
		return nil
	}
	return ErrInvalidTransition
}

// Reactivate is the operator's manual reset of a failed agreement: back to
// active with the retry budget cleared. The sweep never performs this on its
// own.
func (a *RecurringAgreement) Reactivate() error {
	if a.State != StateFailed {
		return ErrInvalidTransition
	}
	a.State = StateActive
	a.FailureStreak = 0
	a.NextRetryAt = nil
	return nil
}

// ApplyCycleSuccess records a captured cycle: the occurrence counter
// advances, the retry state clears, and the due date moves to the first
// calculator-produced date after the captured cycle. If the occurrence limit
// is reached, or the newly computed due date passes the end date, the
// agreement completes.
func (a *RecurringAgreement) ApplyCycleSuccess() error {
	if a.State != StateActive {
		return ErrInvalidTransition
	}
	a.OccurrencesCompleted++
	a.FailureStreak = 0
	a.NextRetryAt = nil

	if a.OccurrenceLimit != nil && a.OccurrencesCompleted >= *a.OccurrenceLimit {
		a.State = StateCompleted
		return nil
	}

	due, err := NextDueDateAfter(a.Frequency, a.AnchorDate, a.NextDueDate)
	if err != nil {
		return err
	}
	a.NextDueDate = due
	if a.EndDate != nil && due.After(*a.EndDate) {
		a.State = StateCompleted
	}
	return nil
}

// ApplyCycleFailure records a declined capture for the current cycle. While
// the retry budget lasts, the streak grows and NextRetryAt is pushed out by
// the policy's backoff; the due date stays put so the eventual capture is
// still recorded against the originally-due cycle. Once the budget is
// exhausted the agreement parks in failed, awaiting operator intervention.
func (a *RecurringAgreement) ApplyCycleFailure(p RetryPolicy, now time.Time) error {
	if a.State != StateActive {
		return ErrInvalidTransition
	}
	a.FailureStreak++
	if p.Exhausted(a.FailureStreak) {
		a.State = StateFailed
		a.NextRetryAt = nil
		return nil
	}
	at := now.Add(p.NextDelay(a.FailureStreak))
	a.NextRetryAt = &at
	return nil
}

// ApplyPatch applies a modify command. Allowed only on active or paused
// agreements. A frequency change recomputes the due date from the anchor and
// the completed-occurrence count under the new cadence, so the stored date is
// never stale relative to the new schedule. Lowering the occurrence limit to
// or below the completed count completes the agreement immediately, so no
// further cycle can capture under the reduced limit.
func (a *RecurringAgreement) ApplyPatch(patch AgreementPatch) error {
	if a.State != StateActive && a.State != StatePaused {
		return ErrInvalidTransition
	}
	if patch.Frequency != nil && !patch.Frequency.Valid() {
		return ErrInvalidFrequency
	}
	if patch.AmountMinor != nil {
		a.AmountMinor = *patch.AmountMinor
	}
	if patch.OccurrenceLimit != nil {
		a.OccurrenceLimit = patch.OccurrenceLimit
	}
	if patch.EndDate != nil {
		d := DateOnly(*patch.EndDate)
		a.EndDate = &d
	}
	if patch.Frequency != nil && *patch.Frequency != a.Frequency {
		a.Frequency = *patch.Frequency
		due, err := NextDueDate(a.Frequency, a.AnchorDate, a.OccurrencesCompleted)
		if err != nil {
			return err
		}
		a.NextDueDate = due
	}
	if a.OccurrenceLimit != nil && a.OccurrencesCompleted >= *a.OccurrenceLimit {
		a.State = StateCompleted
		a.FailureStreak = 0
		a.NextRetryAt = nil
	}
	return nil
}

// Eligible reports whether the agreement should be picked up by a sweep at
// the given instant: active, due, and not inside a retry backoff window.
func (a *RecurringAgreement) Eligible(now time.Time) bool {
	if a.State != StateActive {
		return false
	}
	if a.NextDueDate.After(now) {
		return false
	}
	return a.NextRetryAt == nil || !a.NextRetryAt.After(now)
}

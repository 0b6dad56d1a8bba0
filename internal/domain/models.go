// Package domain defines the persistence models for recurring agreements and
// their materialized donation instances. These types are mapped with GORM and
// form the core data layer of the donation engine.
package domain

import "time"

// State is the lifecycle state of a recurring agreement. Transitions between
// states go exclusively through the methods in state.go.
type State string

// Agreement lifecycle states. Completed and cancelled are terminal.
const (
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// InstanceStatus is the capture status of a single donation instance.
type InstanceStatus string

// Donation instance statuses. An instance left pending after a capture attempt
// means the outcome is unknown (e.g. gateway timeout) and the cycle will be
// retried on a later sweep.
const (
	InstancePending  InstanceStatus = "pending"
	InstanceCaptured InstanceStatus = "captured"
	InstanceFailed   InstanceStatus = "failed"
)

// RecurringAgreement is one donor's recurring donation commitment: a fixed
// amount collected on a cadence until cancelled, failed, or completed by an
// occurrence limit or end date.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - DonorID: opaque reference to the owning donor; indexed.
//   - AmountMinor / Currency: value in the smallest currency unit plus
//     ISO-4217 code. Integer arithmetic end to end; no floats.
//   - Frequency / AnchorDate: the recurrence definition. AnchorDate is the
//     original start date every due date is computed from.
//   - NextDueDate: due date of the next cycle to materialize (UTC midnight);
//     always derived by the frequency calculator, never by adding an interval
//     to the previous value.
//   - OccurrencesCompleted: count of successfully captured cycles.
//   - OccurrenceLimit: optional cap; the agreement completes when
//     OccurrencesCompleted reaches it.
//   - EndDate: optional hard stop; the agreement completes once the next
//     computed due date passes it.
//   - State: lifecycle state, mutated only via the state machine.
//   - FailureStreak / NextRetryAt: consecutive capture failures for the
//     current cycle and the earliest instant the cycle may be retried.
//   - Version: optimistic-concurrency counter; starts at 1 and increments by
//     exactly one on every successful conditional write.
type RecurringAgreement struct {
	ID                   string     `json:"id"                    gorm:"type:char(36);primaryKey"`
	DonorID              string     `json:"donor_id"              gorm:"type:varchar(64);not null;index:idx_donor_agreements"`
	AmountMinor          int64      `json:"amount_minor"          gorm:"not null;check:amount_minor > 0"`
	Currency             string     `json:"currency"              gorm:"type:char(3);not null"`
	Frequency            Frequency  `json:"frequency"             gorm:"type:varchar(16);not null"`
	AnchorDate           time.Time  `json:"anchor_date"           gorm:"not null"`
	NextDueDate          time.Time  `json:"next_due_date"         gorm:"not null;index:idx_due_scan,priority:2"`
	OccurrencesCompleted int        `json:"occurrences_completed" gorm:"not null;default:0"`
	OccurrenceLimit      *int       `json:"occurrence_limit,omitempty"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	State                State      `json:"state"                 gorm:"type:varchar(16);not null;index:idx_due_scan,priority:1"`
	FailureStreak        int        `json:"failure_streak"        gorm:"not null;default:0"`
	NextRetryAt          *time.Time `json:"next_retry_at,omitempty"`
	Version              int64      `json:"version"               gorm:"not null;default:1"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TableName returns the database table name for RecurringAgreement.
func (RecurringAgreement) TableName() string { return "recurring_agreements" }

// Clone returns a shallow copy with fresh copies of pointer fields, so a
// transition can be applied and persisted without mutating the value read
// from the store until the conditional write succeeds.
func (a *RecurringAgreement) Clone() *RecurringAgreement {
	c := *a
	if a.OccurrenceLimit != nil {
		v := *a.OccurrenceLimit
		c.OccurrenceLimit = &v
	}
	if a.EndDate != nil {
		v := *a.EndDate
		c.EndDate = &v
	}
	if a.NextRetryAt != nil {
		v := *a.NextRetryAt
		c.NextRetryAt = &v
	}
	return &c
}

// DonationInstance is one materialized payment for one due cycle of an
// agreement. The (agreement_id, due_date) pair is the cycle's idempotency
// key: at most one row exists per cycle, and a retried cycle reuses its row.
// Instances are an append-only audit trail and are never deleted.
type DonationInstance struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	AgreementID    string         `json:"agreement_id"    gorm:"type:char(36);not null;uniqueIndex:ux_agreement_cycle,priority:1"`
	DueDate        time.Time      `json:"due_date"        gorm:"not null;uniqueIndex:ux_agreement_cycle,priority:2"`
	AmountMinor    int64          `json:"amount_minor"    gorm:"not null"`
	Currency       string         `json:"currency"        gorm:"type:char(3);not null"`
	Status         InstanceStatus `json:"status"          gorm:"type:varchar(16);not null"`
	TransactionRef string         `json:"transaction_ref,omitempty" gorm:"type:varchar(128)"`
	FailureCode    string         `json:"failure_code,omitempty"    gorm:"type:varchar(64)"`
	CapturedAt     *time.Time     `json:"captured_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// Agreement is the parent commitment. Instances keep a back-reference
	// only; the agreement does not own or cascade into its audit trail.
	Agreement RecurringAgreement `json:"-" gorm:"foreignKey:AgreementID;references:ID"`
}

// TableName returns the database table name for DonationInstance.
func (DonationInstance) TableName() string { return "donation_instances" }

// CycleKey returns the deterministic idempotency key for one due cycle,
// passed to the payment gateway so overlapping sweeps cannot double-charge.
func CycleKey(agreementID string, dueDate time.Time) string {
	return agreementID + ":" + DateOnly(dueDate).Format("2006-01-02")
}

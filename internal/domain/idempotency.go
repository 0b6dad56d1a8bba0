package domain

import "time"

// Idempotency records the outcome of a previously processed command, keyed by
// (donor_id, scope, key). It lets a retried create request replay the
// originally created agreement instead of opening a duplicate commitment.
//
// This is command-level idempotency for the HTTP surface; capture-level
// idempotency for due cycles is handled separately by the (agreement_id,
// due_date) unique index on donation instances.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	DonorID     string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_donor_scope_key,priority:1"`
	Scope       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_donor_scope_key,priority:2"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_donor_scope_key,priority:3"`
	AgreementID string    `gorm:"type:TEXT NOT NULL"`
	Status      int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

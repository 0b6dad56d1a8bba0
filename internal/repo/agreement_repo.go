// Package repo implements the durable agreement store backed by GORM. This
// file provides the RecurringAgreement repository: creation, lookup, the due
// scan used by the sweep, and the version-checked conditional write that all
// mutation paths go through.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition.
//
// Error semantics:
//   - When an agreement is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - UpdateAgreementVersioned returns ErrVersionConflict when the row's
//     version no longer matches the version the caller read. The caller's
//     mutation is not applied; there is no partial write.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/giveflow/go-donation-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrVersionConflict is returned by UpdateAgreementVersioned when another
// writer committed first. The read-modify-write cycle should be retried from
// a fresh read.
var ErrVersionConflict = errors.New("agreement version conflict")

// CreateAgreement inserts a new agreement row. The ID is a generated UUID,
// Version starts at 1, schedule dates are normalized to UTC midnight, and the
// passed struct is updated in place with the generated values.
func CreateAgreement(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement) error {
	a.ID = uuid.NewString()
	a.Version = 1
	a.AnchorDate = domain.DateOnly(a.AnchorDate)
	a.NextDueDate = domain.DateOnly(a.NextDueDate)
	if a.EndDate != nil {
		d := domain.DateOnly(*a.EndDate)
		a.EndDate = &d
	}
	a.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(a).Error
}

// GetAgreement fetches a single agreement by ID, or ErrNotFound.
func GetAgreement(ctx context.Context, db *gorm.DB, id string) (*domain.RecurringAgreement, error) {
	var a domain.RecurringAgreement
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CountAgreements returns the total number of agreements owned by donorID.
func CountAgreements(ctx context.Context, db *gorm.DB, donorID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.RecurringAgreement{}).
		Where("donor_id = ?", donorID).
		Count(&total).Error
	return total, err
}

// ListAgreementsPage returns a paginated slice of agreements for donorID,
// ordered by creation time descending. Use CountAgreements to obtain the
// total for pagination metadata.
func ListAgreementsPage(ctx context.Context, db *gorm.DB, donorID string, offset, limit int) ([]domain.RecurringAgreement, error) {
	var out []domain.RecurringAgreement
	err := db.WithContext(ctx).
		Where("donor_id = ?", donorID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// QueryDue returns agreements eligible for processing at the given instant:
// active, due, and either not in retry backoff or with the backoff elapsed.
// Results are ordered by due date (oldest first) and capped at limit when
// limit > 0. This is a pull-based scan; the engine keeps no in-memory list of
// due agreements.
func QueryDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.RecurringAgreement, error) {
	q := db.WithContext(ctx).
		Where("state = ?", domain.StateActive).
		Where("next_due_date <= ?", now).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("next_due_date asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.RecurringAgreement
	err := q.Find(&out).Error
	return out, err
}

// UpdateAgreementVersioned persists every mutable field of a, but only if the
// stored row still carries expectedVersion. The write bumps the version by
// exactly one. On success a.Version is updated to the new value; when another
// writer committed first it returns ErrVersionConflict (or ErrNotFound if the
// row is gone) and a is left unchanged.
//
// This is the engine's single mutation primitive: no lock is ever held across
// a gateway call, correctness comes entirely from this conditional write.
func UpdateAgreementVersioned(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement, expectedVersion int64) error {
	updates := map[string]any{
		"amount_minor":          a.AmountMinor,
		"currency":              a.Currency,
		"frequency":             a.Frequency,
		"next_due_date":         a.NextDueDate,
		"occurrences_completed": a.OccurrencesCompleted,
		"occurrence_limit":      a.OccurrenceLimit,
		"end_date":              a.EndDate,
		"state":                 a.State,
		"failure_streak":        a.FailureStreak,
		"next_retry_at":         a.NextRetryAt,
		"version":               expectedVersion + 1,
		"updated_at":            time.Now().UTC(),
	}
	res := db.WithContext(ctx).
		Model(&domain.RecurringAgreement{}).
		Where("id = ? AND version = ?", a.ID, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a lost race from a missing row.
		var n int64
		if err := db.WithContext(ctx).
			Model(&domain.RecurringAgreement{}).
			Where("id = ?", a.ID).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	a.Version = expectedVersion + 1
	return nil
}

// Package repo implements the durable agreement store backed by GORM. This
// file provides the DonationInstance repository: the append-only audit trail
// of materialized cycles. Rows are created once per (agreement, due date)
// pair (enforced by a unique index) and only ever change status.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/giveflow/go-donation-backend/internal/domain"
)

// ErrDuplicate indicates that an instance already exists for the given
// (agreement_id, due_date) cycle, or that an idempotency record already
// exists for its key tuple.
var ErrDuplicate = errors.New("duplicate")

// CreateInstance inserts a pending instance for one due cycle. When another
// writer materialized the same cycle first, the unique index trips and
// ErrDuplicate is returned; callers treat that as "someone else owns this
// cycle" and re-read.
func CreateInstance(ctx context.Context, db *gorm.DB, inst *domain.DonationInstance) error {
	inst.ID = uuid.NewString()
	inst.DueDate = domain.DateOnly(inst.DueDate)
	if inst.Status == "" {
		inst.Status = domain.InstancePending
	}
	inst.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(inst).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetInstanceForCycle fetches the instance for one (agreement, due date)
// cycle, or ErrNotFound when the cycle has never been materialized.
func GetInstanceForCycle(ctx context.Context, db *gorm.DB, agreementID string, dueDate time.Time) (*domain.DonationInstance, error) {
	var inst domain.DonationInstance
	err := db.WithContext(ctx).
		Where("agreement_id = ? AND due_date = ?", agreementID, domain.DateOnly(dueDate)).
		First(&inst).Error
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// MarkInstanceCaptured records a successful capture: status, the gateway's
// transaction reference, and the capture timestamp. The failure code from any
// earlier declined attempt is cleared.
func MarkInstanceCaptured(ctx context.Context, db *gorm.DB, id, transactionRef string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.DonationInstance{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          domain.InstanceCaptured,
			"transaction_ref": transactionRef,
			"failure_code":    "",
			"captured_at":     at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkInstanceFailed records a declined capture with the gateway's reason
// code. The row stays in place so the retried cycle reuses it.
func MarkInstanceFailed(ctx context.Context, db *gorm.DB, id, failureCode string) error {
	res := db.WithContext(ctx).
		Model(&domain.DonationInstance{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.InstanceFailed,
			"failure_code": failureCode,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountInstances returns the total number of instances for an agreement.
func CountInstances(ctx context.Context, db *gorm.DB, agreementID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.DonationInstance{}).
		Where("agreement_id = ?", agreementID).
		Count(&total).Error
	return total, err
}

// ListInstancesPage returns a page of an agreement's instances, newest due
// date first.
func ListInstancesPage(ctx context.Context, db *gorm.DB, agreementID string, offset, limit int) ([]domain.DonationInstance, error) {
	var out []domain.DonationInstance
	err := db.WithContext(ctx).
		Where("agreement_id = ?", agreementID).
		Order("due_date desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

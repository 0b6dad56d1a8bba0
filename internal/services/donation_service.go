package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/giveflow/go-donation-backend/internal/domain"
	"github.com/giveflow/go-donation-backend/internal/repo"
)

// DonationService exposes read access to the donation instance audit trail.
// Instances are written exclusively by the sweep; this service never mutates.
type DonationService struct {
	DB *gorm.DB
}

// ListPage returns a page of an agreement's donation instances (newest first)
// together with the total count. It applies defaults for invalid paging input.
func (s *DonationService) ListPage(ctx context.Context, agreementID string, page, pageSize int) ([]domain.DonationInstance, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountInstances(ctx, s.DB, agreementID)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListInstancesPage(ctx, s.DB, agreementID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

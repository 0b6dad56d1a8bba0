// Package services – AgreementService
//
// This file implements the AgreementService, the command side of the
// recurring-donation engine. It validates create/modify input, drives every
// lifecycle change through the domain state machine, and persists the result
// with a version-checked conditional write so commands serialize correctly
// against a concurrently running sweep. On a lost race the caller gets
// ErrConcurrentModification and may simply retry; no partial mutation is ever
// visible.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the agreement and donor identifiers.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/currency"

	"github.com/giveflow/go-donation-backend/internal/domain"
	"github.com/giveflow/go-donation-backend/internal/repo"
)

// AgreementRepo defines the store contract required by AgreementService.
// Implementations are responsible for persistence of agreement records and
// must provide version-checked conditional writes.
type AgreementRepo interface {
	// Create inserts a new agreement, generating its ID and initial version.
	Create(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement) error

	// Get fetches an agreement by ID, or repo.ErrNotFound.
	Get(ctx context.Context, db *gorm.DB, id string) (*domain.RecurringAgreement, error)

	// UpdateVersioned persists a only if the stored row still carries
	// expectedVersion; otherwise repo.ErrVersionConflict.
	UpdateVersioned(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement, expectedVersion int64) error

	// Count returns the total number of agreements for pagination.
	Count(ctx context.Context, db *gorm.DB, donorID string) (int64, error)

	// ListPage returns a page of agreements belonging to the donor.
	ListPage(ctx context.Context, db *gorm.DB, donorID string, offset, limit int) ([]domain.RecurringAgreement, error)
}

// CreateSpec carries the fields needed to open a new agreement.
type CreateSpec struct {
	DonorID         string
	AmountMinor     int64
	Currency        string
	Frequency       domain.Frequency
	AnchorDate      time.Time
	OccurrenceLimit *int
	EndDate         *time.Time
}

// AgreementService provides the synchronous agreement commands. All mutation
// goes read → domain transition on a copy → conditional write; the service
// never touches state fields directly.
type AgreementService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the agreement repository used by this service.
	Repo AgreementRepo
	// ResumePolicy decides whether resuming past a missed due date skips to
	// the next future cycle or fires the missed one.
	ResumePolicy domain.ResumePolicy
	// Now returns the current instant; overridable in tests.
	Now func() time.Time
}

// NewAgreementService constructs an AgreementService with the given resume
// policy (defaulting to skip).
func NewAgreementService(db *gorm.DB, r AgreementRepo, policy domain.ResumePolicy) *AgreementService {
	if !policy.Valid() {
		policy = domain.ResumeSkip
	}
	return &AgreementService{
		DB:           db,
		Repo:         r,
		ResumePolicy: policy,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the spec, computes the first due date from the anchor, and
// persists a new active agreement with zero completed occurrences.
func (s *AgreementService) Create(ctx context.Context, spec CreateSpec) (*domain.RecurringAgreement, error) {
	ctx, span := s.startSpan(ctx, "Create", "", spec.DonorID)
	defer span.End()

	if spec.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	code := strings.ToUpper(strings.TrimSpace(spec.Currency))
	if _, err := currency.ParseISO(code); err != nil {
		return nil, ErrInvalidCurrency
	}
	if !spec.Frequency.Valid() {
		return nil, domain.ErrInvalidFrequency
	}
	if spec.AnchorDate.IsZero() {
		return nil, ErrInvalidSchedule
	}
	if spec.OccurrenceLimit != nil && *spec.OccurrenceLimit <= 0 {
		return nil, ErrInvalidSchedule
	}

	anchor := domain.DateOnly(spec.AnchorDate)
	firstDue, err := domain.NextDueDate(spec.Frequency, anchor, 0)
	if err != nil {
		return nil, err
	}
	if spec.EndDate != nil {
		end := domain.DateOnly(*spec.EndDate)
		if !end.After(anchor) {
			return nil, ErrInvalidSchedule
		}
		spec.EndDate = &end
	}

	a := &domain.RecurringAgreement{
		DonorID:     spec.DonorID,
		AmountMinor: spec.AmountMinor,
		Currency:    code,
		Frequency:   spec.Frequency,
		AnchorDate:  anchor,
		NextDueDate: firstDue,
		State:       domain.StateActive,
		EndDate:     spec.EndDate,
	}
	if spec.OccurrenceLimit != nil {
		v := *spec.OccurrenceLimit
		a.OccurrenceLimit = &v
	}
	if err := s.Repo.Create(ctx, s.DB, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns an agreement by ID.
func (s *AgreementService) Get(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	a, err := s.Repo.Get(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAgreementNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListPage returns a page of a donor's agreements with the total count.
// It applies defaults for invalid page/pageSize.
func (s *AgreementService) ListPage(ctx context.Context, donorID string, page, pageSize int) ([]domain.RecurringAgreement, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.Count(ctx, s.DB, donorID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.RecurringAgreement{}, 0, nil
	}

	items, err := s.Repo.ListPage(ctx, s.DB, donorID, offset, pageSize)
	return items, total, err
}

// Pause suspends collection on an active agreement.
func (s *AgreementService) Pause(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	ctx, span := s.startSpan(ctx, "Pause", id, "")
	defer span.End()
	return s.transition(ctx, id, func(a *domain.RecurringAgreement) error {
		return a.Pause()
	})
}

// Resume reactivates a paused agreement under the configured resume policy.
func (s *AgreementService) Resume(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	ctx, span := s.startSpan(ctx, "Resume", id, "")
	defer span.End()
	now := s.Now()
	return s.transition(ctx, id, func(a *domain.RecurringAgreement) error {
		return a.Resume(now, s.ResumePolicy)
	})
}

// Cancel irreversibly terminates an agreement.
func (s *AgreementService) Cancel(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	ctx, span := s.startSpan(ctx, "Cancel", id, "")
	defer span.End()
	return s.transition(ctx, id, func(a *domain.RecurringAgreement) error {
		return a.Cancel()
	})
}

// Reactivate is the operator's manual reset of a failed agreement back to
// active with a cleared retry budget.
func (s *AgreementService) Reactivate(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	ctx, span := s.startSpan(ctx, "Reactivate", id, "")
	defer span.End()
	return s.transition(ctx, id, func(a *domain.RecurringAgreement) error {
		return a.Reactivate()
	})
}

// Modify applies a patch to an active or paused agreement. Amount and
// currency-independent schedule bounds are validated here; the frequency
// recompute rule lives in the domain.
func (s *AgreementService) Modify(ctx context.Context, id string, patch domain.AgreementPatch) (*domain.RecurringAgreement, error) {
	ctx, span := s.startSpan(ctx, "Modify", id, "")
	defer span.End()

	if patch.AmountMinor != nil && *patch.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	if patch.OccurrenceLimit != nil && *patch.OccurrenceLimit <= 0 {
		return nil, ErrInvalidSchedule
	}
	return s.transition(ctx, id, func(a *domain.RecurringAgreement) error {
		if patch.EndDate != nil && !domain.DateOnly(*patch.EndDate).After(a.AnchorDate) {
			return ErrInvalidSchedule
		}
		return a.ApplyPatch(patch)
	})
}

// transition runs one optimistic read-modify-conditional-write cycle: fetch,
// apply the mutation to a copy, persist against the version that was read.
func (s *AgreementService) transition(ctx context.Context, id string, mutate func(*domain.RecurringAgreement) error) (*domain.RecurringAgreement, error) {
	a, err := s.Repo.Get(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrAgreementNotFound
		}
		return nil, err
	}

	next := a.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	if err := s.Repo.UpdateVersioned(ctx, s.DB, next, a.Version); err != nil {
		switch {
		case errors.Is(err, repo.ErrVersionConflict):
			return nil, ErrConcurrentModification
		case errors.Is(err, repo.ErrNotFound):
			return nil, ErrAgreementNotFound
		}
		return nil, err
	}
	return next, nil
}

func (s *AgreementService) startSpan(ctx context.Context, op, agreementID, donorID string) (context.Context, trace.Span) {
	tr := otel.Tracer("services/AgreementService")
	attrs := make([]attribute.KeyValue, 0, 2)
	if agreementID != "" {
		attrs = append(attrs, attribute.String("agreement.id", agreementID))
	}
	if donorID != "" {
		attrs = append(attrs, attribute.String("donor.id", donorID))
	}
	return tr.Start(ctx, op, trace.WithAttributes(attrs...))
}

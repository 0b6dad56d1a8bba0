package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/giveflow/go-donation-backend/internal/domain"
	"github.com/giveflow/go-donation-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:agreementsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// agreementRepoShim adapts the repository free functions to AgreementRepo.
type agreementRepoShim struct{}

func (agreementRepoShim) Create(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement) error {
	return repo.CreateAgreement(ctx, db, a)
}

func (agreementRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.RecurringAgreement, error) {
	return repo.GetAgreement(ctx, db, id)
}

func (agreementRepoShim) UpdateVersioned(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement, expectedVersion int64) error {
	return repo.UpdateAgreementVersioned(ctx, db, a, expectedVersion)
}

func (agreementRepoShim) Count(ctx context.Context, db *gorm.DB, donorID string) (int64, error) {
	return repo.CountAgreements(ctx, db, donorID)
}

func (agreementRepoShim) ListPage(ctx context.Context, db *gorm.DB, donorID string, offset, limit int) ([]domain.RecurringAgreement, error) {
	return repo.ListAgreementsPage(ctx, db, donorID, offset, limit)
}

func newService(t *testing.T) (*AgreementService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewAgreementService(db, agreementRepoShim{}, domain.ResumeSkip), db
}

func validSpec() CreateSpec {
	return CreateSpec{
		DonorID:     "donor-1",
		AmountMinor: 50000,
		Currency:    "eur",
		Frequency:   domain.FrequencyMonthly,
		AnchorDate:  time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestCreate_HappyPath(t *testing.T) {
	svc, _ := newService(t)

	a, err := svc.Create(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.State != domain.StateActive {
		t.Fatalf("state = %s, want active", a.State)
	}
	if a.OccurrencesCompleted != 0 || a.Version != 1 {
		t.Fatalf("occurrences=%d version=%d, want 0/1", a.OccurrencesCompleted, a.Version)
	}
	if a.Currency != "EUR" {
		t.Fatalf("currency not normalized: %q", a.Currency)
	}
	if want := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC); !a.NextDueDate.Equal(want) {
		t.Fatalf("first due = %s, want %s (clamped)", a.NextDueDate, want)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		mut  func(*CreateSpec)
		want error
	}{
		{"zero amount", func(s *CreateSpec) { s.AmountMinor = 0 }, ErrInvalidAmount},
		{"negative amount", func(s *CreateSpec) { s.AmountMinor = -5 }, ErrInvalidAmount},
		{"bad currency", func(s *CreateSpec) { s.Currency = "EURO" }, ErrInvalidCurrency},
		{"bad frequency", func(s *CreateSpec) { s.Frequency = "daily" }, domain.ErrInvalidFrequency},
		{"zero anchor", func(s *CreateSpec) { s.AnchorDate = time.Time{} }, ErrInvalidSchedule},
		{"zero limit", func(s *CreateSpec) { v := 0; s.OccurrenceLimit = &v }, ErrInvalidSchedule},
		{"end before anchor", func(s *CreateSpec) {
			d := s.AnchorDate.AddDate(0, 0, -1)
			s.EndDate = &d
		}, ErrInvalidSchedule},
	}
	for _, c := range cases {
		spec := validSpec()
		c.mut(&spec)
		if _, err := svc.Create(ctx, spec); !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
}

func TestPauseResumeCancel_Lifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	paused, err := svc.Pause(ctx, a.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.State != domain.StatePaused || paused.Version != 2 {
		t.Fatalf("pause: state=%s version=%d", paused.State, paused.Version)
	}

	resumed, err := svc.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != domain.StateActive || resumed.Version != 3 {
		t.Fatalf("resume: state=%s version=%d", resumed.State, resumed.Version)
	}

	cancelled, err := svc.Cancel(ctx, a.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != domain.StateCancelled {
		t.Fatalf("cancel: state=%s", cancelled.State)
	}

	// Terminal: every further command is rejected with no mutation.
	if _, err := svc.Pause(ctx, a.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pause after cancel: %v", err)
	}
	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 4 {
		t.Fatalf("version moved after rejected command: %d", got.Version)
	}
}

func TestResume_SkipsMissedCycles(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	svc.Now = func() time.Time { return time.Date(2025, time.June, 10, 8, 0, 0, 0, time.UTC) }

	a, err := svc.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Due date (Feb 28) is long past "now" by the time we resume.
	if _, err := svc.Pause(ctx, a.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	resumed, err := svc.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if want := time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC); !resumed.NextDueDate.Equal(want) {
		t.Fatalf("next due = %s, want %s", resumed.NextDueDate, want)
	}
}

func TestModify_FrequencyRecompute(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	yearly := domain.FrequencyYearly
	got, err := svc.Modify(ctx, a.ID, domain.AgreementPatch{Frequency: &yearly})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if want := time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC); !got.NextDueDate.Equal(want) {
		t.Fatalf("next due = %s, want %s (recomputed under yearly)", got.NextDueDate, want)
	}
	if got.State != domain.StateActive {
		t.Fatalf("modify changed state: %s", got.State)
	}
}

func TestModify_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	a, err := svc.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bad := int64(-1)
	if _, err := svc.Modify(ctx, a.ID, domain.AgreementPatch{AmountMinor: &bad}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount: %v", err)
	}
	end := a.AnchorDate.AddDate(0, 0, -10)
	if _, err := svc.Modify(ctx, a.ID, domain.AgreementPatch{EndDate: &end}); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("end before anchor: %v", err)
	}
}

func TestReactivate_OnlyFromFailed(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Reactivate(ctx, a.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reactivate active: %v", err)
	}

	// Park it in failed the way the sweep would.
	if err := db.Model(&domain.RecurringAgreement{}).Where("id = ?", a.ID).
		Updates(map[string]any{"state": domain.StateFailed, "failure_streak": 4}).Error; err != nil {
		t.Fatalf("seed failed state: %v", err)
	}

	got, err := svc.Reactivate(ctx, a.ID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if got.State != domain.StateActive || got.FailureStreak != 0 {
		t.Fatalf("reactivate: state=%s streak=%d", got.State, got.FailureStreak)
	}
}

func TestCommands_ConcurrentModification(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, validSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Another writer bumps the version between this command's read and write.
	raced := false
	slow := &racingRepo{inner: agreementRepoShim{}, onGet: func() {
		if raced {
			return
		}
		raced = true
		other := NewAgreementService(db, agreementRepoShim{}, domain.ResumeSkip)
		if _, err := other.Pause(ctx, a.ID); err != nil {
			t.Fatalf("racing pause: %v", err)
		}
		if _, err := other.Resume(ctx, a.ID); err != nil {
			t.Fatalf("racing resume: %v", err)
		}
	}}
	svc.Repo = slow

	if _, err := svc.Pause(ctx, a.ID); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.Get(ctx, "ghost"); !errors.Is(err, ErrAgreementNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := svc.Pause(ctx, "ghost"); !errors.Is(err, ErrAgreementNotFound) {
		t.Fatalf("pause: %v", err)
	}
}

func TestListPage(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := svc.Create(ctx, validSpec()); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	items, total, err := svc.ListPage(ctx, "donor-1", 1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 3 {
		t.Fatalf("total=%d page=%d, want 5/3", total, len(items))
	}

	items, total, err = svc.ListPage(ctx, "nobody", 1, 3)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("expected empty result, got total=%d len=%d", total, len(items))
	}
}

// racingRepo wraps an AgreementRepo and runs a hook after each Get, letting a
// test interleave another writer between read and conditional write.
type racingRepo struct {
	inner AgreementRepo
	onGet func()
}

func (r *racingRepo) Create(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement) error {
	return r.inner.Create(ctx, db, a)
}

func (r *racingRepo) Get(ctx context.Context, db *gorm.DB, id string) (*domain.RecurringAgreement, error) {
	a, err := r.inner.Get(ctx, db, id)
	if err == nil && r.onGet != nil {
		r.onGet()
	}
	return a, err
}

func (r *racingRepo) UpdateVersioned(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement, v int64) error {
	return r.inner.UpdateVersioned(ctx, db, a, v)
}

func (r *racingRepo) Count(ctx context.Context, db *gorm.DB, donorID string) (int64, error) {
	return r.inner.Count(ctx, db, donorID)
}

func (r *racingRepo) ListPage(ctx context.Context, db *gorm.DB, donorID string, offset, limit int) ([]domain.RecurringAgreement, error) {
	return r.inner.ListPage(ctx, db, donorID, offset, limit)
}

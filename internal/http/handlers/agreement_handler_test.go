package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/giveflow/go-donation-backend/internal/domain"
	"github.com/giveflow/go-donation-backend/internal/repo"
	"github.com/giveflow/go-donation-backend/internal/services"
	"github.com/giveflow/go-donation-backend/internal/sweep"
)

//
// Stub services
//

type stubAgreementSvc struct {
	createFn func(ctx context.Context, spec services.CreateSpec) (*domain.RecurringAgreement, error)
	getFn    func(ctx context.Context, id string) (*domain.RecurringAgreement, error)
	listFn   func(ctx context.Context, donorID string, page, pageSize int) ([]domain.RecurringAgreement, int64, error)
	cmdFn    func(ctx context.Context, id string) (*domain.RecurringAgreement, error)
	modifyFn func(ctx context.Context, id string, patch domain.AgreementPatch) (*domain.RecurringAgreement, error)
}

func (s *stubAgreementSvc) Create(ctx context.Context, spec services.CreateSpec) (*domain.RecurringAgreement, error) {
	return s.createFn(ctx, spec)
}
func (s *stubAgreementSvc) Get(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	return s.getFn(ctx, id)
}
func (s *stubAgreementSvc) ListPage(ctx context.Context, donorID string, page, pageSize int) ([]domain.RecurringAgreement, int64, error) {
	return s.listFn(ctx, donorID, page, pageSize)
}
func (s *stubAgreementSvc) Pause(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	return s.cmdFn(ctx, id)
}
func (s *stubAgreementSvc) Resume(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	return s.cmdFn(ctx, id)
}
func (s *stubAgreementSvc) Cancel(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	return s.cmdFn(ctx, id)
}
func (s *stubAgreementSvc) Reactivate(ctx context.Context, id string) (*domain.RecurringAgreement, error) {
	return s.cmdFn(ctx, id)
}
func (s *stubAgreementSvc) Modify(ctx context.Context, id string, patch domain.AgreementPatch) (*domain.RecurringAgreement, error) {
	return s.modifyFn(ctx, id, patch)
}

type stubDonationSvc struct {
	listFn func(ctx context.Context, agreementID string, page, pageSize int) ([]domain.DonationInstance, int64, error)
}

func (s *stubDonationSvc) ListPage(ctx context.Context, agreementID string, page, pageSize int) ([]domain.DonationInstance, int64, error) {
	return s.listFn(ctx, agreementID, page, pageSize)
}

type stubSweepSvc struct {
	runFn func(ctx context.Context, now time.Time) (*sweep.Report, error)
}

func (s *stubSweepSvc) RunSweep(ctx context.Context, now time.Time) (*sweep.Report, error) {
	return s.runFn(ctx, now)
}

func testAgreement() *domain.RecurringAgreement {
	anchor := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	return &domain.RecurringAgreement{
		ID:          uuid.NewString(),
		DonorID:     "donor-1",
		AmountMinor: 2500,
		Currency:    "EUR",
		Frequency:   domain.FrequencyMonthly,
		AnchorDate:  anchor,
		NextDueDate: time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
		State:       domain.StateActive,
		Version:     1,
	}
}

func router(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/agreements", h.CreateAgreement)
	r.GET("/agreements", h.ListAgreements)
	r.GET("/agreements/:id", h.GetAgreement)
	r.POST("/agreements/:id/pause", h.PauseAgreement)
	r.POST("/agreements/:id/resume", h.ResumeAgreement)
	r.POST("/agreements/:id/cancel", h.CancelAgreement)
	r.POST("/agreements/:id/reactivate", h.ReactivateAgreement)
	r.PATCH("/agreements/:id", h.ModifyAgreement)
	r.GET("/agreements/:id/donations", h.ListDonations)
	r.POST("/sweeps", h.RunSweep)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

//
// Create
//

func TestCreateAgreement_Success(t *testing.T) {
	var gotSpec services.CreateSpec
	svc := &stubAgreementSvc{
		createFn: func(_ context.Context, spec services.CreateSpec) (*domain.RecurringAgreement, error) {
			gotSpec = spec
			return testAgreement(), nil
		},
	}
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))

	w := do(t, r, http.MethodPost, "/agreements", CreateAgreementRequest{
		AmountMinor: 2500,
		Currency:    "eur",
		Frequency:   "Monthly",
		AnchorDate:  "2025-01-31",
	}, map[string]string{"X-Donor-ID": "donor-42"})

	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if gotSpec.DonorID != "donor-42" {
		t.Fatalf("donor id = %q", gotSpec.DonorID)
	}
	if gotSpec.Frequency != domain.FrequencyMonthly {
		t.Fatalf("frequency = %q", gotSpec.Frequency)
	}
	want := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	if !gotSpec.AnchorDate.Equal(want) {
		t.Fatalf("anchor = %v", gotSpec.AnchorDate)
	}
}

func TestCreateAgreement_BadPayloads(t *testing.T) {
	svc := &stubAgreementSvc{
		createFn: func(_ context.Context, _ services.CreateSpec) (*domain.RecurringAgreement, error) {
			return nil, services.ErrInvalidAmount
		},
	}
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))

	cases := []struct {
		name string
		body any
	}{
		{"malformed anchor date", CreateAgreementRequest{AmountMinor: 1, Currency: "EUR", Frequency: "monthly", AnchorDate: "31/01/2025"}},
		{"malformed end date", CreateAgreementRequest{AmountMinor: 1, Currency: "EUR", Frequency: "monthly", AnchorDate: "2025-01-31", EndDate: ptr("someday")}},
		{"service validation error", CreateAgreementRequest{AmountMinor: -5, Currency: "EUR", Frequency: "monthly", AnchorDate: "2025-01-31"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/agreements", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

//
// Commands + error mapping
//

func TestCommands_ErrorMapping(t *testing.T) {
	id := uuid.NewString()
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", services.ErrAgreementNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"version conflict", services.ErrConcurrentModification, http.StatusConflict, ErrCodeVersionConflict},
		{"invalid transition", domain.ErrInvalidTransition, http.StatusConflict, ErrCodeInvalidTransition},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubAgreementSvc{
				cmdFn: func(_ context.Context, _ string) (*domain.RecurringAgreement, error) {
					return nil, tc.err
				},
			}
			r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))
			w := do(t, r, http.MethodPost, "/agreements/"+id+"/pause", nil, nil)
			if w.Code != tc.wantStatus {
				t.Fatalf("status=%d, want %d", w.Code, tc.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("json: %v", err)
			}
			if resp.Code != tc.wantCode {
				t.Fatalf("code=%q, want %q", resp.Code, tc.wantCode)
			}
		})
	}
}

func TestCommands_RejectNonUUID(t *testing.T) {
	svc := &stubAgreementSvc{
		cmdFn: func(_ context.Context, _ string) (*domain.RecurringAgreement, error) {
			t.Fatal("service should not be reached")
			return nil, nil
		},
	}
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))
	for _, path := range []string{"/agreements/not-a-uuid/pause", "/agreements/not-a-uuid/cancel"} {
		w := do(t, r, http.MethodPost, path, nil, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", path, w.Code)
		}
	}
}

func TestCommands_Success(t *testing.T) {
	a := testAgreement()
	a.State = domain.StatePaused
	svc := &stubAgreementSvc{
		cmdFn: func(_ context.Context, id string) (*domain.RecurringAgreement, error) {
			if id != a.ID {
				t.Fatalf("unexpected id %q", id)
			}
			return a, nil
		},
	}
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))
	w := do(t, r, http.MethodPost, "/agreements/"+a.ID+"/pause", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var got domain.RecurringAgreement
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got.State != domain.StatePaused {
		t.Fatalf("state=%q", got.State)
	}
}

//
// Modify
//

func TestModifyAgreement_ForwardsPatch(t *testing.T) {
	a := testAgreement()
	var gotPatch domain.AgreementPatch
	svc := &stubAgreementSvc{
		modifyFn: func(_ context.Context, _ string, patch domain.AgreementPatch) (*domain.RecurringAgreement, error) {
			gotPatch = patch
			return a, nil
		},
	}
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))

	w := do(t, r, http.MethodPatch, "/agreements/"+a.ID, ModifyAgreementRequest{
		AmountMinor: ptr(int64(5000)),
		Frequency:   ptr("YEARLY"),
		EndDate:     ptr("2027-06-30"),
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if gotPatch.AmountMinor == nil || *gotPatch.AmountMinor != 5000 {
		t.Fatalf("amount patch = %v", gotPatch.AmountMinor)
	}
	if gotPatch.Frequency == nil || *gotPatch.Frequency != domain.FrequencyYearly {
		t.Fatalf("frequency patch = %v", gotPatch.Frequency)
	}
	if gotPatch.EndDate == nil || gotPatch.EndDate.Format(time.DateOnly) != "2027-06-30" {
		t.Fatalf("end date patch = %v", gotPatch.EndDate)
	}
}

//
// Get / List
//

func TestGetAgreement(t *testing.T) {
	a := testAgreement()
	svc := &stubAgreementSvc{
		getFn: func(_ context.Context, id string) (*domain.RecurringAgreement, error) {
			if id == a.ID {
				return a, nil
			}
			return nil, services.ErrAgreementNotFound
		},
	}
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))

	w := do(t, r, http.MethodGet, "/agreements/"+a.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w = do(t, r, http.MethodGet, "/agreements/"+uuid.NewString(), nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestListAgreements_Pagination(t *testing.T) {
	svc := &stubAgreementSvc{
		listFn: func(_ context.Context, donorID string, page, pageSize int) ([]domain.RecurringAgreement, int64, error) {
			if donorID != "demo-donor" {
				t.Fatalf("donor id = %q", donorID)
			}
			if page != 2 || pageSize != 10 {
				t.Fatalf("page=%d pageSize=%d", page, pageSize)
			}
			return []domain.RecurringAgreement{*testAgreement()}, 11, nil
		},
	}
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))

	w := do(t, r, http.MethodGet, "/agreements?page=2&page_size=10", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ListAgreementsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Pagination.Total != 11 || resp.Pagination.TotalPages != 2 || resp.Pagination.HasNext {
		t.Fatalf("pagination = %+v", resp.Pagination)
	}
}

func TestListDonations(t *testing.T) {
	a := testAgreement()
	inst := domain.DonationInstance{
		ID:          uuid.NewString(),
		AgreementID: a.ID,
		DueDate:     a.NextDueDate,
		AmountMinor: 2500,
		Currency:    "EUR",
		Status:      domain.InstanceCaptured,
	}
	svc := &stubDonationSvc{
		listFn: func(_ context.Context, agreementID string, _, _ int) ([]domain.DonationInstance, int64, error) {
			if agreementID != a.ID {
				t.Fatalf("agreement id = %q", agreementID)
			}
			return []domain.DonationInstance{inst}, 1, nil
		},
	}
	r := router(New(&stubAgreementSvc{}, svc, &stubSweepSvc{}))

	w := do(t, r, http.MethodGet, "/agreements/"+a.ID+"/donations", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp ListDonationsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Donations) != 1 || resp.Donations[0].Status != domain.InstanceCaptured {
		t.Fatalf("donations = %+v", resp.Donations)
	}
}

//
// Idempotent create (real service + store)
//

type realRepoShim struct{}

func (realRepoShim) Create(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement) error {
	return repo.CreateAgreement(ctx, db, a)
}
func (realRepoShim) Get(ctx context.Context, db *gorm.DB, id string) (*domain.RecurringAgreement, error) {
	return repo.GetAgreement(ctx, db, id)
}
func (realRepoShim) UpdateVersioned(ctx context.Context, db *gorm.DB, a *domain.RecurringAgreement, expectedVersion int64) error {
	return repo.UpdateAgreementVersioned(ctx, db, a, expectedVersion)
}
func (realRepoShim) Count(ctx context.Context, db *gorm.DB, donorID string) (int64, error) {
	return repo.CountAgreements(ctx, db, donorID)
}
func (realRepoShim) ListPage(ctx context.Context, db *gorm.DB, donorID string, offset, limit int) ([]domain.RecurringAgreement, error) {
	return repo.ListAgreementsPage(ctx, db, donorID, offset, limit)
}

func newRealService(t *testing.T) *services.AgreementService {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return services.NewAgreementService(db, realRepoShim{}, domain.ResumeSkip)
}

func TestCreateAgreement_IdempotencyKeyReplaysOriginal(t *testing.T) {
	svc := newRealService(t)
	r := router(New(svc, &stubDonationSvc{}, &stubSweepSvc{}))

	body := CreateAgreementRequest{
		AmountMinor: 2500,
		Currency:    "EUR",
		Frequency:   "monthly",
		AnchorDate:  "2025-01-15",
	}
	hdr := map[string]string{
		"X-Donor-ID":      "d-idem",
		"Idempotency-Key": "create-once",
	}

	w := do(t, r, http.MethodPost, "/agreements", body, hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("first create status=%d body=%s", w.Code, w.Body.String())
	}
	var first domain.RecurringAgreement
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("json: %v", err)
	}

	// Same donor + key replays the original agreement instead of opening a
	// second commitment.
	w = do(t, r, http.MethodPost, "/agreements", body, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status=%d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("expected Idempotency-Replayed header")
	}
	var second domain.RecurringAgreement
	if err := json.Unmarshal(w.Body.Bytes(), &second); err != nil {
		t.Fatalf("json: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned %q, want %q", second.ID, first.ID)
	}

	// A fresh key opens a new agreement.
	hdr["Idempotency-Key"] = "create-again"
	w = do(t, r, http.MethodPost, "/agreements", body, hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("second create status=%d", w.Code)
	}
	var third domain.RecurringAgreement
	if err := json.Unmarshal(w.Body.Bytes(), &third); err != nil {
		t.Fatalf("json: %v", err)
	}
	if third.ID == first.ID {
		t.Fatalf("expected a new agreement for a new key")
	}
}

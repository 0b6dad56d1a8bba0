// Agreement HTTP handlers.
//
// This file exposes REST endpoints for recurring agreement resources:
//   - POST   /agreements                      (create)
//   - GET    /agreements                      (list, paginated)
//   - GET    /agreements/{id}                 (fetch)
//   - POST   /agreements/{id}/pause           (command)
//   - POST   /agreements/{id}/resume          (command)
//   - POST   /agreements/{id}/cancel          (command)
//   - POST   /agreements/{id}/reactivate      (command)
//   - PATCH  /agreements/{id}                 (modify amount/frequency/limits)
//   - GET    /agreements/{id}/donations       (audit trail, paginated)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results (including state machine and concurrency errors) into
// HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/giveflow/go-donation-backend/internal/domain"
	"github.com/giveflow/go-donation-backend/internal/repo"
	"github.com/giveflow/go-donation-backend/internal/services"
	"github.com/giveflow/go-donation-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// AgreementService defines the agreement commands consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type AgreementService interface {
	// Create opens a new active agreement from the given spec.
	Create(ctx context.Context, spec services.CreateSpec) (*domain.RecurringAgreement, error)
	// Get returns an agreement by ID.
	Get(ctx context.Context, id string) (*domain.RecurringAgreement, error)
	// ListPage returns a page of a donor's agreements and the total count.
	ListPage(ctx context.Context, donorID string, page, pageSize int) ([]domain.RecurringAgreement, int64, error)
	// Pause suspends collection without losing schedule position.
	Pause(ctx context.Context, id string) (*domain.RecurringAgreement, error)
	// Resume reactivates a paused agreement per the configured resume policy.
	Resume(ctx context.Context, id string) (*domain.RecurringAgreement, error)
	// Cancel terminally ends the agreement.
	Cancel(ctx context.Context, id string) (*domain.RecurringAgreement, error)
	// Reactivate returns a failed agreement to active with a cleared streak.
	Reactivate(ctx context.Context, id string) (*domain.RecurringAgreement, error)
	// Modify patches amount, frequency, occurrence limit, or end date.
	Modify(ctx context.Context, id string, patch domain.AgreementPatch) (*domain.RecurringAgreement, error)
}

// DonationService defines read access to an agreement's donation instances.
type DonationService interface {
	// ListPage returns a page of instances (newest first) and the total count.
	ListPage(ctx context.Context, agreementID string, page, pageSize int) ([]domain.DonationInstance, int64, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for agreements, donations, and sweeps.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	agreementSvc AgreementService
	donationSvc  DonationService
	sweepSvc     SweepService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(agreementSvc AgreementService, donationSvc DonationService, sweepSvc SweepService) *Handlers {
	return &Handlers{agreementSvc: agreementSvc, donationSvc: donationSvc, sweepSvc: sweepSvc}
}

// donorID extracts the authenticated donor id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-Donor-ID" header (tests use it),
// and finally to "demo-donor". It never touches c.Request if it's nil.
func donorID(c *gin.Context) string {
	if v, ok := c.Get("donorID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-Donor-ID")); h != "" {
			return h
		}
	}
	return "demo-donor"
}

// requestIdempotencyKey extracts an idempotency key if an upstream middleware
// has already validated/stashed it. The fallback behavior reads the
// "Idempotency-Key" header directly when no dedicated middleware exists.
func requestIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}

//
// DTOs
//

// CreateAgreementRequest is the JSON payload for opening an agreement.
type CreateAgreementRequest struct {
	// AmountMinor is the donation value in the smallest currency unit.
	AmountMinor int64 `json:"amount_minor" binding:"required" example:"2500"`
	// Currency is a three-letter ISO-4217 code.
	Currency string `json:"currency" binding:"required" example:"EUR"`
	// Frequency is one of: weekly, monthly, quarterly, yearly.
	Frequency string `json:"frequency" binding:"required" example:"monthly"`
	// AnchorDate is the schedule start date (YYYY-MM-DD).
	AnchorDate string `json:"anchor_date" binding:"required" example:"2025-01-31"`
	// OccurrenceLimit optionally caps the number of captured cycles.
	OccurrenceLimit *int `json:"occurrence_limit,omitempty" example:"12"`
	// EndDate optionally stops the schedule after this date (YYYY-MM-DD).
	EndDate *string `json:"end_date,omitempty" example:"2026-12-31"`
}

// ModifyAgreementRequest is the JSON payload for patching an agreement.
// Absent fields are left unchanged.
type ModifyAgreementRequest struct {
	AmountMinor     *int64  `json:"amount_minor,omitempty" example:"5000"`
	Frequency       *string `json:"frequency,omitempty" example:"yearly"`
	OccurrenceLimit *int    `json:"occurrence_limit,omitempty" example:"24"`
	EndDate         *string `json:"end_date,omitempty" example:"2027-06-30"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListAgreementsResponse wraps a page of agreements and pagination information.
type ListAgreementsResponse struct {
	Agreements []domain.RecurringAgreement `json:"agreements"`
	Pagination Pagination                  `json:"pagination"`
}

// ListDonationsResponse wraps a page of donation instances.
type ListDonationsResponse struct {
	Donations  []domain.DonationInstance `json:"donations"`
	Pagination Pagination                `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// parseDate parses a YYYY-MM-DD value into a UTC midnight time.
func parseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, strings.TrimSpace(s))
}

// failCommand translates service and state machine errors into the canonical
// HTTP status and error code for agreement commands.
func failCommand(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrAgreementNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "agreement not found")
	case errors.Is(err, services.ErrConcurrentModification):
		fail(c, http.StatusConflict, ErrCodeVersionConflict, "agreement was modified concurrently, retry")
	case errors.Is(err, domain.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidCurrency),
		errors.Is(err, services.ErrInvalidSchedule),
		errors.Is(err, domain.ErrInvalidFrequency):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// requireAgreementID validates the :id path param as a UUID.
func requireAgreementID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "agreement id must be a UUID")
		return "", false
	}
	return id, true
}

//
// Handlers
//

// CreateAgreement godoc
// @ID          createAgreement
// @Summary     Open a recurring agreement
// @Description Creates an active agreement for the current donor and returns the resource.
// @Tags        Agreements
// @Accept      json
// @Produce     json
//
// @Param       X-Donor-ID  header  string  false "Donor ID (demo header)"  example(donor123)
// @Param       body        body    handlers.CreateAgreementRequest  true  "Create agreement payload"
//
// @Success     201  {object}  domain.RecurringAgreement
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /agreements [post]
func (h *Handlers) CreateAgreement(c *gin.Context) {
	var req CreateAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	anchor, err := parseDate(req.AnchorDate)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "anchor_date must be YYYY-MM-DD")
		return
	}
	spec := services.CreateSpec{
		DonorID:         donorID(c),
		AmountMinor:     req.AmountMinor,
		Currency:        req.Currency,
		Frequency:       domain.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency))),
		AnchorDate:      anchor,
		OccurrenceLimit: req.OccurrenceLimit,
	}
	if req.EndDate != nil {
		end, err := parseDate(*req.EndDate)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		spec.EndDate = &end
	}

	ctx := c.Request.Context()
	donor := spec.DonorID

	// Idempotency (replay path): a key already recorded for this donor and
	// route returns the originally created agreement instead of a duplicate.
	idemKey, _ := requestIdempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.agreementSvc.(*services.AgreementService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, donor, c.FullPath(), idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := svc.Get(ctx, rec.AgreementID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, prev)
					return
				}
			}
		}
	}

	a, err := h.agreementSvc.Create(ctx, spec)
	if err != nil {
		failCommand(c, err)
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, okSvc := h.agreementSvc.(*services.AgreementService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, donor, c.FullPath(), idemKey, a.ID, http.StatusCreated, ttl)
		}
	}

	ok(c, http.StatusCreated, a)
}

// ListAgreements godoc
// @ID          listAgreements
// @Summary     List agreements (paginated)
// @Description Returns a page of the donor's agreements.
// @Tags        Agreements
// @Produce     json
//
// @Param       X-Donor-ID  header  string  false "Donor ID (demo header)"  example(donor123)
// @Param       page        query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size   query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListAgreementsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /agreements [get]
func (h *Handlers) ListAgreements(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.agreementSvc.ListPage(c.Request.Context(), donorID(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListAgreementsResponse{
		Agreements: items,
		Pagination: paginate(page, pageSize, total),
	})
}

// GetAgreement godoc
// @ID          getAgreement
// @Summary     Fetch an agreement
// @Tags        Agreements
// @Produce     json
//
// @Param       id  path  string  true  "Agreement ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.RecurringAgreement
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Agreement not found"
// @Router      /agreements/{id} [get]
func (h *Handlers) GetAgreement(c *gin.Context) {
	id, okID := requireAgreementID(c)
	if !okID {
		return
	}
	a, err := h.agreementSvc.Get(c.Request.Context(), id)
	if err != nil {
		failCommand(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// PauseAgreement godoc
// @ID          pauseAgreement
// @Summary     Pause an agreement
// @Description Suspends collection. The schedule position is preserved.
// @Tags        Agreements
// @Produce     json
//
// @Param       id  path  string  true  "Agreement ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.RecurringAgreement
// @Failure     404  {object} handlers.ErrorResponse "Agreement not found"
// @Failure     409  {object} handlers.ErrorResponse "Invalid transition or version conflict"
// @Router      /agreements/{id}/pause [post]
func (h *Handlers) PauseAgreement(c *gin.Context) {
	h.command(c, h.agreementSvc.Pause)
}

// ResumeAgreement godoc
// @ID          resumeAgreement
// @Summary     Resume a paused agreement
// @Description Reactivates collection. Missed cycles are skipped or caught up per the configured resume policy.
// @Tags        Agreements
// @Produce     json
//
// @Param       id  path  string  true  "Agreement ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.RecurringAgreement
// @Failure     404  {object} handlers.ErrorResponse "Agreement not found"
// @Failure     409  {object} handlers.ErrorResponse "Invalid transition or version conflict"
// @Router      /agreements/{id}/resume [post]
func (h *Handlers) ResumeAgreement(c *gin.Context) {
	h.command(c, h.agreementSvc.Resume)
}

// CancelAgreement godoc
// @ID          cancelAgreement
// @Summary     Cancel an agreement
// @Description Terminally ends the agreement. Historical donation instances are preserved.
// @Tags        Agreements
// @Produce     json
//
// @Param       id  path  string  true  "Agreement ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.RecurringAgreement
// @Failure     404  {object} handlers.ErrorResponse "Agreement not found"
// @Failure     409  {object} handlers.ErrorResponse "Invalid transition or version conflict"
// @Router      /agreements/{id}/cancel [post]
func (h *Handlers) CancelAgreement(c *gin.Context) {
	h.command(c, h.agreementSvc.Cancel)
}

// ReactivateAgreement godoc
// @ID          reactivateAgreement
// @Summary     Reactivate a failed agreement
// @Description Returns an agreement parked in the failed state to active with a cleared failure streak.
// @Tags        Agreements
// @Produce     json
//
// @Param       id  path  string  true  "Agreement ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.RecurringAgreement
// @Failure     404  {object} handlers.ErrorResponse "Agreement not found"
// @Failure     409  {object} handlers.ErrorResponse "Invalid transition or version conflict"
// @Router      /agreements/{id}/reactivate [post]
func (h *Handlers) ReactivateAgreement(c *gin.Context) {
	h.command(c, h.agreementSvc.Reactivate)
}

// command runs a single-argument agreement command with shared validation and
// error mapping.
func (h *Handlers) command(c *gin.Context, op func(context.Context, string) (*domain.RecurringAgreement, error)) {
	id, okID := requireAgreementID(c)
	if !okID {
		return
	}
	a, err := op(c.Request.Context(), id)
	if err != nil {
		failCommand(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// ModifyAgreement godoc
// @ID          modifyAgreement
// @Summary     Modify an agreement
// @Description Patches amount, frequency, occurrence limit, or end date. A frequency change recomputes the next due date from the anchor.
// @Tags        Agreements
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Agreement ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ModifyAgreementRequest  true  "Fields to change"
//
// @Success     200  {object} domain.RecurringAgreement
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Agreement not found"
// @Failure     409  {object} handlers.ErrorResponse "Invalid transition or version conflict"
// @Router      /agreements/{id} [patch]
func (h *Handlers) ModifyAgreement(c *gin.Context) {
	id, okID := requireAgreementID(c)
	if !okID {
		return
	}
	var req ModifyAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	patch := domain.AgreementPatch{
		AmountMinor:     req.AmountMinor,
		OccurrenceLimit: req.OccurrenceLimit,
	}
	if req.Frequency != nil {
		f := domain.Frequency(strings.ToLower(strings.TrimSpace(*req.Frequency)))
		patch.Frequency = &f
	}
	if req.EndDate != nil {
		end, err := parseDate(*req.EndDate)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		patch.EndDate = &end
	}

	a, err := h.agreementSvc.Modify(c.Request.Context(), id, patch)
	if err != nil {
		failCommand(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// ListDonations godoc
// @ID          listDonations
// @Summary     List an agreement's donation instances (paginated)
// @Description Returns the agreement's capture audit trail, newest first.
// @Tags        Donations
// @Produce     json
//
// @Param       id         path   string  true  "Agreement ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListDonationsResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /agreements/{id}/donations [get]
func (h *Handlers) ListDonations(c *gin.Context) {
	id, okID := requireAgreementID(c)
	if !okID {
		return
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.donationSvc.ListPage(c.Request.Context(), id, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListDonationsResponse{
		Donations:  items,
		Pagination: paginate(page, pageSize, total),
	})
}

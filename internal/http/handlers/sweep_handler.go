// Sweep HTTP handlers.
//
// POST /sweeps triggers a due-cycle sweep on demand, in addition to the cron
// schedule. The sweep itself is idempotent, so an operator can fire it freely.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/giveflow/go-donation-backend/internal/sweep"
)

// SweepService defines the sweep trigger consumed by HTTP handlers.
type SweepService interface {
	// RunSweep processes every agreement due at the given instant.
	RunSweep(ctx context.Context, now time.Time) (*sweep.Report, error)
}

// RunSweepRequest optionally pins the sweep's reference instant. When absent
// the current UTC time is used.
type RunSweepRequest struct {
	// AsOf is an RFC 3339 timestamp the sweep evaluates due dates against.
	AsOf *time.Time `json:"as_of,omitempty" example:"2026-03-01T00:00:00Z"`
}

// RunSweep godoc
// @ID          runSweep
// @Summary     Trigger a due-cycle sweep
// @Description Runs the sweep immediately and returns its report. Safe to call repeatedly; already-processed cycles are not re-charged.
// @Tags        Sweeps
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.RunSweepRequest  false  "Optional reference instant"
//
// @Success     200  {object} sweep.Report
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Sweep failed"
// @Router      /sweeps [post]
func (h *Handlers) RunSweep(c *gin.Context) {
	now := time.Now().UTC()
	if c.Request.ContentLength > 0 {
		var req RunSweepRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
		if req.AsOf != nil {
			now = req.AsOf.UTC()
		}
	}

	report, err := h.sweepSvc.RunSweep(c.Request.Context(), now)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeSweepFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, report)
}

// Package sweep implements the due-cycle processor. A sweep scans the store
// for eligible agreements, materializes a donation instance for each due
// cycle, attempts capture through the payment gateway, and drives the
// agreement state machine, each agreement independently, under bounded
// worker concurrency.
//
// Safety model, in layers:
//   - eligibility filtering happens in the store query (pull-based, no
//     process-wide due list),
//   - the (agreement_id, due_date) unique index plus the deterministic
//     gateway idempotency key prevent duplicate charges for one cycle,
//   - every agreement mutation is a version-checked conditional write, so
//     two overlapping sweeps (or a sweep racing a command) cannot both win.
//
// Together those guarantee at most one successful capture per cycle no
// matter how often or how concurrently sweeps run.
package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giveflow/go-donation-backend/internal/domain"
	"github.com/giveflow/go-donation-backend/internal/events"
	"github.com/giveflow/go-donation-backend/internal/gateway"
	"github.com/giveflow/go-donation-backend/internal/repo"
)

// Report summarizes one sweep run. Processed counts eligible agreements the
// sweep picked up; every processed agreement lands in exactly one of
// Succeeded (cycle captured and advanced), Failed (capture declined and
// recorded), or Skipped (no mutation: already captured, lost a version race,
// unknown capture outcome, or no longer eligible on re-read).
type Report struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Processor orchestrates sweep runs. Construct once and reuse; RunSweep is
// safe to invoke repeatedly and concurrently.
type Processor struct {
	// DB is the GORM handle for the agreement store.
	DB *gorm.DB
	// Gateway performs captures. Never called while holding any lock or
	// open transaction.
	Gateway gateway.Client
	// Events receives materialization events after outcomes are persisted.
	Events events.Sink
	// Retry is the backoff policy applied to declined captures.
	Retry domain.RetryPolicy
	// Concurrency bounds the worker pool; values < 1 mean serial.
	Concurrency int
	// CaptureTimeout bounds each gateway call. A capture cut off by this
	// timeout is an unknown outcome, not a failure.
	CaptureTimeout time.Duration
	// BatchLimit caps how many agreements one sweep picks up; 0 = no cap.
	BatchLimit int
	// Logger is used for per-agreement diagnostics.
	Logger zerolog.Logger
}

// RunSweep processes every agreement eligible at the given instant and
// returns a Report. Per-agreement problems are logged and counted, never
// propagated; one broken agreement must not abort the sweep for the rest.
// Cancelling ctx stops the sweep at the next per-agreement checkpoint; the
// error return is only ever the context's.
func (p *Processor) RunSweep(ctx context.Context, now time.Time) (*Report, error) {
	tr := otel.Tracer("sweep/Processor")
	ctx, span := tr.Start(ctx, "RunSweep", trace.WithAttributes(
		attribute.String("sweep.now", now.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	start := time.Now()
	report := &Report{}

	due, err := repo.QueryDue(ctx, p.DB, now, p.BatchLimit)
	if err != nil {
		return report, err
	}

	workers := p.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(due) {
		workers = len(due)
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan domain.RecurringAgreement)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				out := p.processOne(ctx, now, a.ID)
				mu.Lock()
				report.Processed++
				switch out {
				case outcomeSucceeded:
					report.Succeeded++
				case outcomeFailed:
					report.Failed++
				default:
					report.Skipped++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, a := range due {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- a:
		}
	}
	close(jobs)
	wg.Wait()

	sweepsTotal.Inc()
	sweepDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("sweep.processed", report.Processed),
		attribute.Int("sweep.succeeded", report.Succeeded),
		attribute.Int("sweep.failed", report.Failed),
		attribute.Int("sweep.skipped", report.Skipped),
	)
	p.Logger.Info().
		Int("processed", report.Processed).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("elapsed", time.Since(start)).
		Msg("sweep complete")

	return report, ctx.Err()
}

// processOne handles a single agreement's due cycle. The agreement is
// re-read fresh so the eligibility decision and the version used for the
// conditional write reflect the latest committed state, not the snapshot the
// due scan returned.
func (p *Processor) processOne(ctx context.Context, now time.Time, id string) outcome {
	lg := p.Logger.With().Str("agreement_id", id).Logger()

	a, err := repo.GetAgreement(ctx, p.DB, id)
	if err != nil {
		lg.Error().Err(err).Msg("sweep: re-read failed")
		return outcomeSkipped
	}
	if !a.Eligible(now) {
		// A concurrent command (pause/cancel) or sweep got here first.
		return outcomeSkipped
	}
	dueDate := a.NextDueDate
	lg = lg.With().Time("due_date", dueDate).Logger()

	inst, err := repo.GetInstanceForCycle(ctx, p.DB, a.ID, dueDate)
	switch {
	case err == nil:
		if inst.Status == domain.InstanceCaptured {
			// The money already moved but this agreement still points at the
			// cycle: a previous sweep captured and then lost the version race
			// before advancing. Complete the advance without touching the
			// gateway again.
			return p.finishCapturedCycle(ctx, lg, a, inst)
		}
		// Pending or failed row from an earlier attempt: reuse it.
	case errors.Is(err, repo.ErrNotFound):
		inst = &domain.DonationInstance{
			AgreementID: a.ID,
			DueDate:     dueDate,
			AmountMinor: a.AmountMinor,
			Currency:    a.Currency,
		}
		if cerr := repo.CreateInstance(ctx, p.DB, inst); cerr != nil {
			if errors.Is(cerr, repo.ErrDuplicate) {
				// Another sweep materialized this cycle between our lookup
				// and insert; it owns the attempt.
				return outcomeSkipped
			}
			lg.Error().Err(cerr).Msg("sweep: creating donation instance failed")
			return outcomeSkipped
		}
	default:
		lg.Error().Err(err).Msg("sweep: instance lookup failed")
		return outcomeSkipped
	}

	// The capture call runs outside any lock or transaction; only the final
	// conditional write decides who wins.
	captureCtx := ctx
	if p.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		captureCtx, cancel = context.WithTimeout(ctx, p.CaptureTimeout)
		defer cancel()
	}
	res, err := p.Gateway.Capture(captureCtx, gateway.CaptureRequest{
		AmountMinor:    a.AmountMinor,
		Currency:       a.Currency,
		IdempotencyKey: domain.CycleKey(a.ID, dueDate),
		AgreementID:    a.ID,
		DonorID:        a.DonorID,
	})

	var declined *gateway.DeclinedError
	switch {
	case err == nil:
		return p.recordSuccess(ctx, lg, a, inst, res.TransactionRef)

	case errors.As(err, &declined):
		return p.recordFailure(ctx, lg, a, inst, now, declined.Code)

	default:
		// Timeout, cancellation, transport failure: the outcome is unknown.
		// The instance stays pending and the agreement untouched; the next
		// sweep retries under the same idempotency key, so a provider-side
		// success cannot be charged twice.
		capturesTotal.WithLabelValues("unknown").Inc()
		lg.Warn().Err(err).Msg("sweep: capture outcome unknown, deferring cycle")
		return outcomeSkipped
	}
}

// recordSuccess persists the captured instance, advances the agreement, and
// emits the materialization event only after the conditional write commits.
func (p *Processor) recordSuccess(ctx context.Context, lg zerolog.Logger, a *domain.RecurringAgreement, inst *domain.DonationInstance, transactionRef string) outcome {
	capturedAt := time.Now().UTC()
	if err := repo.MarkInstanceCaptured(ctx, p.DB, inst.ID, transactionRef, capturedAt); err != nil {
		lg.Error().Err(err).Msg("sweep: persisting capture failed")
		return outcomeSkipped
	}
	capturesTotal.WithLabelValues("captured").Inc()

	next := a.Clone()
	if err := next.ApplyCycleSuccess(); err != nil {
		lg.Error().Err(err).Msg("sweep: cycle success transition rejected")
		return outcomeSkipped
	}
	if err := repo.UpdateAgreementVersioned(ctx, p.DB, next, a.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			// Another writer won; the captured instance is durable and the
			// advance completes on the next sweep via finishCapturedCycle.
			versionConflictsTotal.Inc()
			lg.Warn().Msg("sweep: version conflict after capture, deferring advance")
			return outcomeSkipped
		}
		lg.Error().Err(err).Msg("sweep: persisting cycle success failed")
		return outcomeSkipped
	}

	p.emit(ctx, next, inst, events.OutcomeCaptured, capturedAt)
	lg.Info().
		Str("transaction_ref", transactionRef).
		Int("occurrences", next.OccurrencesCompleted).
		Str("state", string(next.State)).
		Msg("cycle captured")
	return outcomeSucceeded
}

// recordFailure persists the declined instance and the failure transition
// (backoff or parked failed state).
func (p *Processor) recordFailure(ctx context.Context, lg zerolog.Logger, a *domain.RecurringAgreement, inst *domain.DonationInstance, now time.Time, reasonCode string) outcome {
	if err := repo.MarkInstanceFailed(ctx, p.DB, inst.ID, reasonCode); err != nil {
		lg.Error().Err(err).Msg("sweep: persisting decline failed")
		return outcomeSkipped
	}
	capturesTotal.WithLabelValues("declined").Inc()

	next := a.Clone()
	if err := next.ApplyCycleFailure(p.Retry, now); err != nil {
		lg.Error().Err(err).Msg("sweep: cycle failure transition rejected")
		return outcomeSkipped
	}
	if err := repo.UpdateAgreementVersioned(ctx, p.DB, next, a.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			versionConflictsTotal.Inc()
			lg.Warn().Msg("sweep: version conflict recording decline, deferring")
			return outcomeSkipped
		}
		lg.Error().Err(err).Msg("sweep: persisting cycle failure failed")
		return outcomeSkipped
	}

	p.emit(ctx, next, inst, events.OutcomeFailed, time.Now().UTC())
	ev := lg.Warn().Str("reason_code", reasonCode).Int("failure_streak", next.FailureStreak)
	if next.State == domain.StateFailed {
		ev.Msg("capture declined, retry budget exhausted")
	} else {
		ev.Time("next_retry_at", *next.NextRetryAt).Msg("capture declined, retry scheduled")
	}
	return outcomeFailed
}

// finishCapturedCycle advances an agreement whose due cycle already captured
// but whose schedule never moved (an earlier sweep lost the version race
// between capture and advance). No gateway call is made.
func (p *Processor) finishCapturedCycle(ctx context.Context, lg zerolog.Logger, a *domain.RecurringAgreement, inst *domain.DonationInstance) outcome {
	next := a.Clone()
	if err := next.ApplyCycleSuccess(); err != nil {
		lg.Error().Err(err).Msg("sweep: deferred advance rejected")
		return outcomeSkipped
	}
	if err := repo.UpdateAgreementVersioned(ctx, p.DB, next, a.Version); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			versionConflictsTotal.Inc()
			return outcomeSkipped
		}
		lg.Error().Err(err).Msg("sweep: deferred advance failed")
		return outcomeSkipped
	}
	capturedAt := time.Now().UTC()
	if inst.CapturedAt != nil {
		capturedAt = *inst.CapturedAt
	}
	p.emit(ctx, next, inst, events.OutcomeCaptured, capturedAt)
	lg.Info().Msg("sweep: completed deferred advance for captured cycle")
	return outcomeSucceeded
}

func (p *Processor) emit(ctx context.Context, a *domain.RecurringAgreement, inst *domain.DonationInstance, out events.Outcome, at time.Time) {
	if p.Events == nil {
		return
	}
	p.Events.Emit(ctx, events.MaterializationEvent{
		AgreementID:        a.ID,
		DonationInstanceID: inst.ID,
		DonorID:            a.DonorID,
		Outcome:            out,
		AmountMinor:        inst.AmountMinor,
		Currency:           inst.Currency,
		DueDate:            inst.DueDate,
		OccurredAt:         at,
	})
}

// Package scheduler runs the due-cycle sweep on a cron cadence. It is the
// only time-based trigger in the engine; everything downstream is pull-based
// and idempotent, so a missed or doubled tick is harmless.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/giveflow/go-donation-backend/internal/sweep"
)

// SweepRunner is the slice of the sweep processor the scheduler needs.
type SweepRunner interface {
	RunSweep(ctx context.Context, now time.Time) (*sweep.Report, error)
}

// SweepScheduler triggers sweeps according to a cron expression. Runs are
// serialized: if a sweep is still going when the next tick fires, the tick
// is skipped rather than stacked.
type SweepScheduler struct {
	engine     *cron.Cron
	runner     SweepRunner
	logger     zerolog.Logger
	spec       string
	runTimeout time.Duration
}

// NewSweepScheduler builds a scheduler over the given cron spec (standard
// five-field syntax, evaluated in UTC). runTimeout bounds each sweep run;
// zero means no bound.
func NewSweepScheduler(runner SweepRunner, spec string, runTimeout time.Duration, logger zerolog.Logger) *SweepScheduler {
	return &SweepScheduler{
		engine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		runner:     runner,
		logger:     logger,
		spec:       spec,
		runTimeout: runTimeout,
	}
}

// Start registers the sweep job and starts the cron engine. It returns an
// error if the cron expression does not parse.
func (s *SweepScheduler) Start() error {
	_, err := s.engine.AddFunc(s.spec, s.runOnce)
	if err != nil {
		return err
	}
	s.engine.Start()
	s.logger.Info().Str("cron", s.spec).Msg("sweep scheduler started")
	return nil
}

func (s *SweepScheduler) runOnce() {
	ctx := context.Background()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	report, err := s.runner.RunSweep(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled sweep failed")
		return
	}
	s.logger.Info().
		Int("processed", report.Processed).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("scheduled sweep finished")
}

// Stop halts the cron engine and waits for any in-flight sweep to finish.
func (s *SweepScheduler) Stop() {
	ctx := s.engine.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("sweep scheduler stopped")
}

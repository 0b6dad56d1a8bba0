// Package events carries materialization events from the sweep to downstream
// collaborators (receipts, notifications). Delivery is fire-and-forget: the
// engine never waits on a sink, and a slow or broken sink cannot stall or
// fail a sweep.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the result a materialization event reports.
type Outcome string

const (
	OutcomeCaptured Outcome = "captured"
	OutcomeFailed   Outcome = "failed"
)

// MaterializationEvent is emitted after a cycle's outcome has been durably
// persisted, never speculatively. Downstream consumers should expect
// at-least-once delivery.
type MaterializationEvent struct {
	AgreementID        string    `json:"agreement_id"`
	DonationInstanceID string    `json:"donation_instance_id"`
	DonorID            string    `json:"donor_id"`
	Outcome            Outcome   `json:"outcome"`
	AmountMinor        int64     `json:"amount_minor"`
	Currency           string    `json:"currency"`
	DueDate            time.Time `json:"due_date"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Sink receives materialization events. Implementations must not block for
// long and must never panic into the caller.
type Sink interface {
	Emit(ctx context.Context, ev MaterializationEvent)
}

// LogSink writes every event as a structured log line. It doubles as the
// default sink in deployments where downstream consumers tail logs.
type LogSink struct {
	Logger zerolog.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(_ context.Context, ev MaterializationEvent) {
	s.Logger.Info().
		Str("agreement_id", ev.AgreementID).
		Str("donation_instance_id", ev.DonationInstanceID).
		Str("donor_id", ev.DonorID).
		Str("outcome", string(ev.Outcome)).
		Int64("amount_minor", ev.AmountMinor).
		Str("currency", ev.Currency).
		Time("due_date", ev.DueDate).
		Msg("donation materialized")
}

// AsyncSink decouples emitters from a delegate sink through a bounded buffer.
// When the buffer is full the event is dropped with a warning; downstream
// consumers tolerate gaps (at-least-once overall, via replay from the audit
// trail), and the sweep must never block on delivery.
type AsyncSink struct {
	delegate Sink
	logger   zerolog.Logger
	ch       chan MaterializationEvent
	done     chan struct{}
}

// NewAsyncSink starts a single drain goroutine over a buffer of the given
// size. Call Close to flush and stop it.
func NewAsyncSink(delegate Sink, buffer int, logger zerolog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		delegate: delegate,
		logger:   logger,
		ch:       make(chan MaterializationEvent, buffer),
		done:     make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit implements Sink. It never blocks.
func (s *AsyncSink) Emit(_ context.Context, ev MaterializationEvent) {
	select {
	case s.ch <- ev:
	default:
		s.logger.Warn().
			Str("agreement_id", ev.AgreementID).
			Msg("event buffer full, dropping materialization event")
	}
}

// Close stops accepting events, flushes the buffer to the delegate, and
// waits for the drain goroutine to finish.
func (s *AsyncSink) Close() {
	close(s.ch)
	<-s.done
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for ev := range s.ch {
		s.delegate.Emit(context.Background(), ev)
	}
}

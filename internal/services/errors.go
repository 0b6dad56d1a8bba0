// Package services implements the agreement command API: the synchronous
// create/pause/resume/cancel/reactivate/modify operations exposed to the
// surrounding application. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the
// handler layer. Pure domain errors (domain.ErrInvalidTransition,
// domain.ErrInvalidFrequency) pass through unchanged.
package services

import "errors"

var (
	// ErrAgreementNotFound indicates that the requested agreement does not
	// exist.
	ErrAgreementNotFound = errors.New("agreement not found")

	// ErrConcurrentModification is returned when a command lost the
	// optimistic-concurrency race against another writer (a concurrent
	// command or sweep). The operation applied nothing and is safe to retry.
	ErrConcurrentModification = errors.New("agreement modified concurrently")

	// ErrInvalidAmount is returned when a donation amount is zero or
	// negative.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidCurrency is returned when a currency code is not a known
	// ISO-4217 unit.
	ErrInvalidCurrency = errors.New("invalid currency code")

	// ErrInvalidSchedule is returned when the anchor date is missing, the
	// end date does not lie after the anchor, or the occurrence limit is not
	// positive.
	ErrInvalidSchedule = errors.New("invalid schedule bounds")
)

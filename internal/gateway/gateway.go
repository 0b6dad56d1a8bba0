// Package gateway defines the payment-capture capability the donation engine
// delegates to. The engine is polymorphic over providers: it sees a single
// Capture interface and never branches on provider identity. Concrete
// adapters live in subpackages (restpay for HTTP providers, mockpay for tests
// and local development).
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// CaptureRequest describes one capture attempt for one due cycle.
type CaptureRequest struct {
	// AmountMinor is the value to collect, in the currency's smallest unit.
	AmountMinor int64
	// Currency is the ISO-4217 code.
	Currency string
	// IdempotencyKey is deterministic per (agreement, due date). Providers
	// must return the original outcome for a repeated key rather than
	// charging twice.
	IdempotencyKey string
	// AgreementID and DonorID are passed for provider-side reconciliation.
	AgreementID string
	DonorID     string
}

// CaptureResult is a successful capture.
type CaptureResult struct {
	// TransactionRef is the provider's reference for the captured payment.
	TransactionRef string
}

// DeclinedError is a definitive provider-side refusal (insufficient funds,
// expired card, ...). The cycle will be retried under the backoff policy.
type DeclinedError struct {
	// Code is the provider's machine-readable reason.
	Code string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("capture declined: %s", e.Code)
}

// ErrUnknownOutcome marks a capture whose result could not be determined:
// timeouts and transport failures after the request may have reached the
// provider. Callers must NOT treat this as a decline; the conservative
// policy is to leave the cycle pending and retry later under the same
// idempotency key, so a provider-side success is never double-charged.
var ErrUnknownOutcome = errors.New("capture outcome unknown")

// Client is the capture capability. Implementations must be safe for
// concurrent use and must honor the context for cancellation and timeouts.
type Client interface {
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
}

// Package mockpay is a deterministic in-memory gateway.Client used by tests
// and local development. It honors capture idempotency: a key that already
// captured returns the original result instead of charging again.
package mockpay

import (
	"context"
	"fmt"
	"sync"

	"github.com/giveflow/go-donation-backend/internal/gateway"
)

// Client is a scriptable capture double. The zero value approves everything.
// Safe for concurrent use.
type Client struct {
	mu sync.Mutex

	// DeclineTimes makes the first N attempts per key fail with DeclineCode
	// before approving.
	DeclineTimes int
	// DeclineCode is the reason reported for scripted declines.
	DeclineCode string
	// Err, when set, is returned verbatim from every attempt (e.g.
	// gateway.ErrUnknownOutcome to simulate a provider timeout).
	Err error

	attempts map[string]int
	captured map[string]*gateway.CaptureResult
	calls    int
}

// Capture implements gateway.Client.
func (c *Client) Capture(_ context.Context, req gateway.CaptureRequest) (*gateway.CaptureResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.attempts == nil {
		c.attempts = make(map[string]int)
		c.captured = make(map[string]*gateway.CaptureResult)
	}

	// Idempotent replay of an already-captured key.
	if res, ok := c.captured[req.IdempotencyKey]; ok {
		return res, nil
	}

	if c.Err != nil {
		return nil, c.Err
	}

	c.attempts[req.IdempotencyKey]++
	if c.attempts[req.IdempotencyKey] <= c.DeclineTimes {
		code := c.DeclineCode
		if code == "" {
			code = "card_declined"
		}
		return nil, &gateway.DeclinedError{Code: code}
	}

	res := &gateway.CaptureResult{
		TransactionRef: fmt.Sprintf("mock-%s-%d", req.IdempotencyKey, c.calls),
	}
	c.captured[req.IdempotencyKey] = res
	return res, nil
}

// Calls returns the total number of capture attempts seen.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// CapturedKeys returns the set of idempotency keys that reached capture.
func (c *Client) CapturedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.captured))
	for k := range c.captured {
		keys = append(keys, k)
	}
	return keys
}

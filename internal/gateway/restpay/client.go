// Package restpay adapts an HTTP JSON payment provider to the gateway.Client
// capability. The provider contract is a single POST /captures endpoint that
// deduplicates on the Idempotency-Key header.
package restpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/giveflow/go-donation-backend/internal/gateway"
)

// Client calls a REST capture endpoint. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	// apiKey is SENSITIVE - never logged.
	apiKey string
}

// Config configures the REST gateway adapter.
type Config struct {
	// BaseURL is the provider's API root, e.g. "https://pay.example.com/v1".
	BaseURL string
	// APIKey authenticates requests. SENSITIVE: never log this value.
	APIKey string
	// HTTPClient is an optional custom HTTP client (for testing).
	HTTPClient *http.Client
	// Timeout is the per-request timeout when no custom client is given.
	Timeout time.Duration
}

// ErrNotConfigured is returned by NewClient when the base URL is missing.
var ErrNotConfigured = errors.New("restpay: base URL not configured")

// NewClient creates a REST gateway adapter.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNotConfigured
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}, nil
}

type captureBody struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	AgreementID string `json:"agreement_id"`
	DonorID     string `json:"donor_id"`
}

type captureResponse struct {
	TransactionRef string `json:"transaction_ref"`
	ReasonCode     string `json:"reason_code"`
}

// Capture posts one capture request. Outcome mapping:
//   - 2xx: captured, with the provider's transaction reference.
//   - 402 / 422: definitive decline (gateway.DeclinedError with the
//     provider's reason code).
//   - anything else, including transport errors and timeouts: unknown
//     outcome. The request may have reached the provider, so the caller must
//     retry with the same idempotency key rather than record a failure.
func (c *Client) Capture(ctx context.Context, req gateway.CaptureRequest) (*gateway.CaptureResult, error) {
	payload, err := json.Marshal(captureBody{
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		AgreementID: req.AgreementID,
		DonorID:     req.DonorID,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/captures", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnknownOutcome, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", gateway.ErrUnknownOutcome, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out captureResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("%w: malformed success body: %v", gateway.ErrUnknownOutcome, err)
		}
		return &gateway.CaptureResult{TransactionRef: out.TransactionRef}, nil

	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		var out captureResponse
		code := "declined"
		if err := json.Unmarshal(body, &out); err == nil && out.ReasonCode != "" {
			code = out.ReasonCode
		}
		return nil, &gateway.DeclinedError{Code: code}

	default:
		return nil, fmt.Errorf("%w: provider returned %d", gateway.ErrUnknownOutcome, resp.StatusCode)
	}
}

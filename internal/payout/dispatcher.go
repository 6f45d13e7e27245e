package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"upibridge/internal/model"
)

// ErrGateway marks a payout that the gateway rejected or that could not be
// delivered within the retry budget. The deposit has already been consumed at
// this point, so callers must record enough detail for manual reconciliation.
var ErrGateway = errors.New("payout gateway error")

// Dispatcher performs the fiat-side transfer through an authenticated payout
// gateway. Delivery is at-least-once: transient failures are retried with
// backoff, reusing the request's idempotency key so the gateway deduplicates.
type Dispatcher struct {
	client     *http.Client
	gatewayURL string
	apiKey     string
	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

type gatewayResponse struct {
	Success     bool   `json:"success"`
	Reference   string `json:"reference"`
	FailureText string `json:"failure_reason"`
}

func NewDispatcher(gatewayURL, apiKey string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:     &http.Client{Timeout: 30 * time.Second},
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		logger:     logger,
	}
}

// Dispatch posts the payout request, retrying transient failures. The same
// idempotency key is sent on every attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, req model.PayoutRequest) (model.PayoutResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.PayoutResult{}, fmt.Errorf("%w: marshal request: %v", ErrGateway, err)
	}

	delay := d.backoff
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return model.PayoutResult{}, fmt.Errorf("%w: %v", ErrGateway, ctx.Err())
			case <-timer.C:
			}
			delay *= 2
		}

		result, retryable, err := d.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		d.logger.Warn("Payout attempt failed",
			zap.String("reference_id", req.ReferenceID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int("attempt", attempt+1),
			zap.Bool("retryable", retryable),
			zap.Error(err))

		if !retryable {
			break
		}
	}

	return model.PayoutResult{Success: false, FailureText: lastErr.Error()}, lastErr
}

func (d *Dispatcher) post(ctx context.Context, body []byte) (model.PayoutResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return model.PayoutResult{}, false, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return model.PayoutResult{}, true, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.PayoutResult{}, true, fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}

	// 4xx means the gateway understood and rejected the transfer; retrying
	// the identical request cannot succeed.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return model.PayoutResult{}, false, fmt.Errorf("%w: gateway rejected request with status %d: %s", ErrGateway, resp.StatusCode, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.PayoutResult{}, true, fmt.Errorf("%w: gateway returned status %d", ErrGateway, resp.StatusCode)
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return model.PayoutResult{}, true, fmt.Errorf("%w: decode response: %v", ErrGateway, err)
	}
	if !parsed.Success {
		return model.PayoutResult{}, false, fmt.Errorf("%w: %s", ErrGateway, parsed.FailureText)
	}

	return model.PayoutResult{Success: true, ProviderRef: parsed.Reference}, false, nil
}

// Package billing reports paid-plan overage minutes to the external
// billing sink, keyed by the tenant's payment-processor customer id.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/resilience"
)

// OverageEvent reports minutes consumed beyond a tenant's included
// paid-plan allotment.
type OverageEvent struct {
	CustomerID      string `json:"customer_id"`
	TenantID        string `json:"tenant_id"`
	SessionID       string `json:"session_id"`
	OverageMinutes  int    `json:"overage_minutes"`
	TotalUsed       int    `json:"total_minutes_used"`
	MinutesIncluded int    `json:"minutes_included"`
}

// Sink posts overage events to the billing processor.
type Sink struct {
	cfg            *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
}

// NewSink builds a billing sink against cfg.BillingSinkURL.
func NewSink(cfg *config.Config) *Sink {
	return &Sink{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.ExternalCallTimeout) * time.Second,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"billing",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// ReportOverage emits an overage event. If no sink URL is configured,
// this is a no-op: not every deployment wires a billing processor.
func (s *Sink) ReportOverage(ctx context.Context, event OverageEvent) error {
	if s.cfg.BillingSinkURL == "" {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("billing: marshal event: %w", err)
	}

	cbErr := s.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       s.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(s.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}

		return resilience.Retry(func() error {
			return s.post(ctx, payload)
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("billing", int(s.circuitBreaker.GetState()))
	if cbErr != nil {
		observability.IncrementCircuitBreakerFailures("billing")
		return fmt.Errorf("billing: report overage for %s: %w", event.TenantID, cbErr)
	}
	return nil
}

func (s *Sink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BillingSinkURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.BillingAPIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("billing: sink returned status %d", resp.StatusCode)
	}
	return nil
}

// Package transfer implements the outbound hand-off to a human agent:
// an isolated function that tells the carrier's telephony control API to
// redirect the live call into a Dial verb.
package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/resilience"
)

// dialTimeoutSeconds bounds how long the carrier rings the transfer
// number before giving up and returning control to the call.
const dialTimeoutSeconds = 30

// Client invokes the carrier's telephony control API to redirect an
// in-progress call.
type Client struct {
	cfg            *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
}

// NewClient builds a transfer client against cfg.TransferBaseURL.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.ExternalCallTimeout) * time.Second,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"transfer",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// BuildDialTwiML renders the TwiML document that redirects the live call
// into a Dial verb aimed at transferNumber, with callerId also set to
// transferNumber.
func BuildDialTwiML(transferNumber string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Dial timeout="%d" callerId="%s">%s</Dial></Response>`,
		dialTimeoutSeconds, transferNumber, transferNumber,
	)
}

// Initiate redirects callSID into a Dial to transferNumber via the
// carrier's telephony control API, carrying the full conversation
// history for the human agent's context where the carrier supports it.
func (c *Client) Initiate(ctx context.Context, callSID, transferNumber, conversationHistory string) error {
	twiml := BuildDialTwiML(transferNumber)

	form := url.Values{}
	form.Set("Twiml", twiml)
	form.Set("ConversationContext", conversationHistory)

	endpoint := strings.TrimRight(c.cfg.TransferBaseURL, "/") + "/Calls/" + callSID + ".json"

	cbErr := c.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       c.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}

		return resilience.Retry(func() error {
			return c.postUpdate(ctx, endpoint, form)
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("transfer", int(c.circuitBreaker.GetState()))
	if cbErr != nil {
		observability.IncrementCircuitBreakerFailures("transfer")
		return fmt.Errorf("transfer: initiate call %s: %w", callSID, cbErr)
	}
	return nil
}

func (c *Client) postUpdate(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("transfer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.cfg.TransferAPIKey)
	req.Header.Set("Content-Length", strconv.Itoa(len(form.Encode())))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transfer: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transfer: carrier returned status %d", resp.StatusCode)
	}
	return nil
}

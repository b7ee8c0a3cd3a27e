package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/resilience"
)

// Client talks to the chat-completions endpoint of the configured LLM
// vendor: a streaming path for live turns, and a non-streaming path for
// the post-call extraction passes.
type Client struct {
	cfg            *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
}

// NewClient builds an LLM client against cfg.LLMBaseURL.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.ExternalCallTimeout) * time.Second,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"llm",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// StreamReply posts messages to the chat-completions endpoint with
// stream:true and returns a channel of incremental Deltas. The channel is
// closed once the vendor sends its [DONE] sentinel, the stream ends, or
// ctx is cancelled.
func (c *Client) StreamReply(ctx context.Context, messages []Message) (<-chan Delta, error) {
	req := completionRequest{
		Model:       c.cfg.LLMModel,
		Messages:    messages,
		MaxTokens:   c.cfg.LLMMaxTokens,
		Temperature: c.cfg.LLMTemperature,
		Stream:      true,
	}

	var resp *http.Response

	cbErr := c.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       c.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}

		return resilience.Retry(func() error {
			r, err := c.postCompletion(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("llm", int(c.circuitBreaker.GetState()))
	if cbErr != nil {
		observability.IncrementCircuitBreakerFailures("llm")
		return nil, fmt.Errorf("llm: start stream: %w", cbErr)
	}

	deltas := make(chan Delta, 64)
	go c.pump(ctx, resp.Body, deltas)
	return deltas, nil
}

func (c *Client) pump(ctx context.Context, body io.ReadCloser, deltas chan<- Delta) {
	defer close(deltas)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			deltas <- Delta{IsDone: true}
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			deltas <- Delta{TextChunk: choice.Delta.Content}
		}
		if choice.FinishReason != nil {
			deltas <- Delta{IsDone: true}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		deltas <- Delta{Err: fmt.Errorf("llm: stream read: %w", err)}
	}
}

// Complete performs a single non-streaming chat-completion call, used by
// the lead and booking extraction passes.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	req := completionRequest{
		Model:       c.cfg.LLMModel,
		Messages:    messages,
		MaxTokens:   c.cfg.LLMMaxTokens,
		Temperature: c.cfg.LLMTemperature,
		Stream:      false,
	}

	var resp *http.Response

	cbErr := c.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       c.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}

		return resilience.Retry(func() error {
			r, err := c.postCompletion(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("llm", int(c.circuitBreaker.GetState()))
	if cbErr != nil {
		observability.IncrementCircuitBreakerFailures("llm")
		return "", fmt.Errorf("llm: complete: %w", cbErr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) postCompletion(ctx context.Context, req completionRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llm: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/resilience"
)

// VendorClient implements Client over an HTTP TTS vendor API, requesting
// mu-law 8kHz output directly so no resampling is needed before the
// audio reaches the carrier.
type VendorClient struct {
	cfg            *config.Config
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
}

// NewVendorClient builds a TTS client against cfg.TTSBaseURL.
func NewVendorClient(cfg *config.Config) *VendorClient {
	return &VendorClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.ExternalCallTimeout) * time.Second,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"tts",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// Synthesize converts one chunk of text into mu-law 8kHz audio.
func (c *VendorClient) Synthesize(ctx context.Context, text, voiceID string) (*AudioChunk, error) {
	reqBody := synthesizeRequest{
		Text:         text,
		VoiceID:      voiceID,
		OutputFormat: "ulaw_8000",
		Speed:        1.0,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	var audioData []byte

	cbErr := c.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       c.cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}

		return resilience.Retry(func() error {
			data, err := c.synthesizeOnce(ctx, jsonData)
			if err != nil {
				return err
			}
			audioData = data
			return nil
		}, retryConfig, resilience.IsRetryableNetworkError)
	})

	observability.UpdateCircuitBreakerState("tts", int(c.circuitBreaker.GetState()))
	if cbErr != nil {
		observability.IncrementCircuitBreakerFailures("tts")
		return nil, fmt.Errorf("tts: synthesize: %w", cbErr)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("tts: vendor returned empty audio for chunk %q", text)
	}

	return &AudioChunk{
		Data:       stripContainerHeader(audioData),
		SampleRate: 8000,
		Channels:   1,
	}, nil
}

func (c *VendorClient) synthesizeOnce(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TTSBaseURL+"/text-to-speech", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.TTSAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tts: vendor returned status %d: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

// stripContainerHeader removes a RIFF/WAV or AU container header if the
// vendor wrapped the raw mu-law payload in one. Some TTS vendors return
// bare mu-law bytes for ulaw_8000 requests; others wrap it. Both must be
// tolerated since the vendor contract doesn't guarantee either way.
func stripContainerHeader(data []byte) []byte {
	if len(data) >= 44 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return data[44:]
	}
	if len(data) >= 24 && string(data[0:4]) == ".snd" {
		return data[24:]
	}
	return data
}

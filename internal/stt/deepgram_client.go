package stt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements Client over Deepgram's streaming API. A
// mid-call peer drop is not retried: per the half-duplex contract the
// call degrades gracefully rather than reconnecting, and the caller
// only finds out when the carrier itself tears down the socket.
type DeepgramClient struct {
	config         *config.Config
	client         *listenClient.WSCallback
	transcript     chan *TranscriptionResult
	mu             sync.RWMutex
	isActive       bool
	ctx            context.Context
	cancel         context.CancelFunc
	circuitBreaker *resilience.CircuitBreaker
	keepAliveDone  chan struct{}
}

// NewDeepgramClient creates a new Deepgram streaming client.
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())

	circuitBreaker := resilience.NewCircuitBreaker(
		"stt",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)

	return &DeepgramClient{
		config:         cfg,
		transcript:     make(chan *TranscriptionResult, 100),
		ctx:            ctx,
		cancel:         cancel,
		isActive:       false,
		circuitBreaker: circuitBreaker,
	}
}

// Start begins a new Deepgram streaming transcription session, fixed to
// the carrier's audio format: mu-law, 8kHz, mono.
func (d *DeepgramClient) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     8000,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleDeepgramMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			log.Printf("Deepgram error: %+v", errorResponse)

			d.circuitBreaker.RecordResult(false)
			observability.UpdateCircuitBreakerState("stt", int(d.circuitBreaker.GetState()))
			observability.IncrementCircuitBreakerFailures("stt")

			d.mu.Lock()
			d.isActive = false
			d.mu.Unlock()
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		nil,
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("stt: create deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true
	d.keepAliveDone = make(chan struct{})

	d.circuitBreaker.RecordResult(true)
	observability.UpdateCircuitBreakerState("stt", int(d.circuitBreaker.GetState()))

	go d.runKeepAlive(d.keepAliveDone)

	log.Printf("Deepgram streaming client started (model: %s, language: %s)", d.config.DeepgramModel, d.config.DeepgramLanguage)
	return nil
}

// runKeepAlive sends a JSON keep-alive heartbeat every STTKeepAliveSec
// seconds to prevent the vendor from idling the socket out between
// utterances. It stops when the client is stopped or closed.
func (d *DeepgramClient) runKeepAlive(done <-chan struct{}) {
	interval := time.Duration(d.config.STTKeepAliveSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mu.RLock()
			active := d.isActive
			client := d.client
			d.mu.RUnlock()
			if !active || client == nil {
				return
			}
			if _, err := client.Write([]byte(`{"type":"KeepAlive"}`)); err != nil {
				log.Printf("Deepgram keep-alive failed: %v", err)
			}
		case <-done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

// handleDeepgramMessage processes messages from Deepgram.
func (d *DeepgramClient) handleDeepgramMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Metadata":
		log.Printf("Deepgram metadata: %+v", msg.Metadata)

	case "SpeechStarted":
		log.Printf("Deepgram: speech started")

	case "UtteranceEnd":
		log.Printf("Deepgram: utterance ended")

	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}

		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		confidence := 0.0
		if alt.Confidence > 0 {
			confidence = alt.Confidence
		}

		result := &TranscriptionResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: confidence,
		}

		select {
		case d.transcript <- result:
		default:
			log.Printf("Warning: transcript channel full, dropping transcription")
		}

	default:
		log.Printf("Deepgram: received unknown message type: %s", msg.Type)
	}
}

// SendAudio forwards a decoded mu-law audio chunk to Deepgram.
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	err := d.circuitBreaker.Call(func() error {
		d.mu.RLock()
		active := d.isActive
		client := d.client
		d.mu.RUnlock()

		if !active || client == nil {
			return fmt.Errorf("stt: deepgram client is not active")
		}

		_, err := client.Write(audioData)
		if err != nil {
			return fmt.Errorf("stt: send audio: %w", err)
		}
		return nil
	})

	observability.UpdateCircuitBreakerState("stt", int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("stt")
	}
	return err
}

// Transcriptions returns the channel of transcription results.
func (d *DeepgramClient) Transcriptions() <-chan *TranscriptionResult {
	return d.transcript
}

// Stop ends the Deepgram streaming session. Idempotent.
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isActive {
		return nil
	}

	if d.keepAliveDone != nil {
		close(d.keepAliveDone)
		d.keepAliveDone = nil
	}
	d.client.Finish()
	d.isActive = false
	log.Printf("Deepgram streaming client stopped")
	return nil
}

// Close releases resources. Idempotent.
func (d *DeepgramClient) Close() error {
	if d.ctx.Err() != nil {
		return nil // already closed
	}
	d.cancel()

	if err := d.Stop(); err != nil {
		return err
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(d.transcript)
	}()

	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/receptionai/voice-bridge/internal/billing"
	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/llm"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/store"
	"github.com/receptionai/voice-bridge/internal/stt"
	"github.com/receptionai/voice-bridge/internal/telephony"
	"github.com/receptionai/voice-bridge/internal/transfer"
	"github.com/receptionai/voice-bridge/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice bridge service starting")

	st, err := store.NewSQLiteStore(cfg.StoreDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}

	deps := telephony.Deps{
		Config:         cfg,
		Store:          st,
		LLMClient:      llm.NewClient(cfg),
		TTSClient:      tts.NewVendorClient(cfg),
		TransferClient: transfer.NewClient(cfg),
		BillingSink:    billing.NewSink(cfg),
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Register the carrier media WebSocket handler. The call id is taken
	// from the URL path; the tenant id isn't known until the start frame.
	mux.HandleFunc("GET /streams/{call_id}", telephony.HandleCarrierWS(deps))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint - create health check functions here to avoid import cycles
	storeCheck := func(ctx context.Context) (bool, error) {
		return true, st.Ping(ctx)
	}

	deepgramCheck := func(ctx context.Context) (bool, error) {
		// Simple check: try to create a client (validates config)
		client := stt.NewDeepgramClient(cfg)
		if client == nil {
			return false, fmt.Errorf("failed to create Deepgram client")
		}
		// Note: We don't actually start the client to avoid API costs
		return true, nil
	}

	ttsCheck := func(ctx context.Context) (bool, error) {
		client := tts.NewVendorClient(cfg)
		if client == nil {
			return false, fmt.Errorf("failed to create TTS client")
		}
		return true, nil
	}

	llmCheck := func(ctx context.Context) (bool, error) {
		client := llm.NewClient(cfg)
		if client == nil {
			return false, fmt.Errorf("failed to create LLM client")
		}
		return true, nil
	}

	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"store": storeCheck,
		"stt":   deepgramCheck,
		"tts":   ttsCheck,
		"llm":   llmCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/{call_id}", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

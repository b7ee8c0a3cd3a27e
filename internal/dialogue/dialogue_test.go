package dialogue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/domain"
	"github.com/receptionai/voice-bridge/internal/llm"
)

func testTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:                  "tenant-1",
		BusinessName:        "Acme Dental",
		Industry:            "dental",
		Timezone:            "America/Los_Angeles",
		BusinessHours:       map[time.Weekday]domain.BusinessHours{},
		CallTransferEnabled: true,
	}
}

func testVoice() domain.VoiceProfile {
	return domain.VoiceProfile{ID: "v1", DisplayName: "Riley", Accent: "neutral American"}
}

func testLLMConfig(url string) *config.Config {
	return &config.Config{
		LLMAPIKey:                  "test-key",
		LLMBaseURL:                 url,
		LLMModel:                   "test-model",
		LLMMaxTokens:               150,
		LLMTemperature:             0.7,
		HistoryTurns:               10,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        10,
		ExternalCallTimeout:        5,
	}
}

func sseServer(frames []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
			flusher.Flush()
		}
	}))
}

func TestProcessUtterance_DispatchesSentenceChunksInOrder(t *testing.T) {
	srv := sseServer([]string{
		`data: {"choices":[{"delta":{"content":"Hello there. "}}]}`,
		`data: {"choices":[{"delta":{"content":"How can I help?"}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	client := llm.NewClient(cfg)
	orch := New(cfg, testTenant(), testVoice(), zerolog.Nop())

	if !orch.TryBegin() {
		t.Fatal("expected TryBegin to succeed on a fresh session")
	}

	var dispatched []Chunk
	dispatch := func(ctx context.Context, chunk Chunk) error {
		dispatched = append(dispatched, chunk)
		return nil
	}

	result, err := orch.ProcessUtterance(context.Background(), client, "hi there", dispatch)
	if err != nil {
		t.Fatalf("ProcessUtterance returned error: %v", err)
	}

	if len(dispatched) != 2 {
		t.Fatalf("expected 2 dispatched chunks, got %d: %+v", len(dispatched), dispatched)
	}
	if dispatched[0].Index != 0 || dispatched[1].Index != 1 {
		t.Fatalf("expected monotonic indices, got %+v", dispatched)
	}
	if dispatched[0].Text != "Hello there." {
		t.Fatalf("unexpected first chunk: %q", dispatched[0].Text)
	}
	if dispatched[1].Text != "How can I help?" {
		t.Fatalf("unexpected final flushed chunk: %q", dispatched[1].Text)
	}
	if result.AssistantText != "Hello there. How can I help?" {
		t.Fatalf("unexpected assistant text: %q", result.AssistantText)
	}
}

func TestProcessUtterance_StripsMarkersFromHistoryButNotLoseData(t *testing.T) {
	srv := sseServer([]string{
		`data: {"choices":[{"delta":{"content":"I will connect you now. INITIATING_TRANSFER"}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	client := llm.NewClient(cfg)
	orch := New(cfg, testTenant(), testVoice(), zerolog.Nop())
	orch.TryBegin()

	var dispatched []Chunk
	result, err := orch.ProcessUtterance(context.Background(), client, "can I talk to a person", func(ctx context.Context, chunk Chunk) error {
		dispatched = append(dispatched, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessUtterance returned error: %v", err)
	}

	if !result.Markers.HasTransfer {
		t.Fatal("expected the transfer marker to be detected")
	}
	if containsMarker(result.AssistantText) {
		t.Fatalf("expected marker stripped from assistant text, got %q", result.AssistantText)
	}

	for _, chunk := range dispatched {
		if containsMarker(chunk.Text) {
			t.Fatalf("marker text must never be dispatched for synthesis, got chunk %q", chunk.Text)
		}
	}

	history := orch.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 turns in history, got %d", len(history))
	}
	if containsMarker(history[1].Content) {
		t.Fatalf("expected marker stripped from the stored assistant turn, got %q", history[1].Content)
	}
}

func TestProcessUtterance_BookingBlockNeverDispatched(t *testing.T) {
	srv := sseServer([]string{
		`data: {"choices":[{"delta":{"content":"You're all set. "}}]}`,
		`data: {"choices":[{"delta":{"content":"BOOKING_APPOINTMENT\nDATE: 2025-12-01\nSTART_TIME: 14:00\nEND_TIME: 14:30\nCUSTOMER_NAME: Jordan Lee\n"}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	client := llm.NewClient(cfg)
	orch := New(cfg, testTenant(), testVoice(), zerolog.Nop())
	orch.TryBegin()

	var dispatched []Chunk
	result, err := orch.ProcessUtterance(context.Background(), client, "book me for 2pm tomorrow", func(ctx context.Context, chunk Chunk) error {
		dispatched = append(dispatched, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessUtterance returned error: %v", err)
	}

	if !result.Markers.HasBooking {
		t.Fatal("expected the booking marker to be detected")
	}
	if result.Markers.Booking.CustomerName != "Jordan Lee" {
		t.Fatalf("unexpected parsed booking block: %+v", result.Markers.Booking)
	}

	for _, chunk := range dispatched {
		if containsMarker(chunk.Text) {
			t.Fatalf("booking block text must never be dispatched for synthesis, got chunk %q", chunk.Text)
		}
	}
	if len(dispatched) != 1 || dispatched[0].Text != "You're all set." {
		t.Fatalf("expected exactly one spoken chunk before the booking block, got %+v", dispatched)
	}
}

func containsMarker(s string) bool {
	return len(s) >= len("INITIATING_TRANSFER") &&
		(stringContains(s, "INITIATING_TRANSFER") || stringContains(s, "BOOKING_APPOINTMENT"))
}

func stringContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestProcessUtterance_ClearsBusyOnCompletion(t *testing.T) {
	srv := sseServer([]string{
		`data: {"choices":[{"delta":{"content":"Okay."}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	client := llm.NewClient(cfg)
	orch := New(cfg, testTenant(), testVoice(), zerolog.Nop())
	orch.TryBegin()

	_, err := orch.ProcessUtterance(context.Background(), client, "thanks", func(ctx context.Context, chunk Chunk) error {
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessUtterance returned error: %v", err)
	}

	if !orch.TryBegin() {
		t.Fatal("expected busy to be cleared after ProcessUtterance returns")
	}
}

func TestProcessUtterance_ClearsBusyOnStreamStartError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	client := llm.NewClient(cfg)
	orch := New(cfg, testTenant(), testVoice(), zerolog.Nop())
	orch.TryBegin()

	_, err := orch.ProcessUtterance(context.Background(), client, "hi", func(ctx context.Context, chunk Chunk) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected an error from the failing upstream")
	}

	if !orch.TryBegin() {
		t.Fatal("expected busy to be cleared even when the stream fails to start")
	}
}

func TestHeuristicName_ExtractsFromCommonIntroductions(t *testing.T) {
	cases := map[string]string{
		"Hi, my name is Jordan Lee.": "Jordan Lee",
		"This is Pat, calling about a booking": "Pat",
		"I'm Sam": "Sam",
	}
	for input, want := range cases {
		got, ok := heuristicName(input)
		if !ok {
			t.Errorf("expected a name to be found in %q", input)
			continue
		}
		if got != want {
			t.Errorf("heuristicName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHeuristicName_NoMatchReturnsFalse(t *testing.T) {
	if _, ok := heuristicName("I need to reschedule my appointment"); ok {
		t.Fatal("expected no name match")
	}
}

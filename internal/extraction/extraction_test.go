package extraction

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/receptionai/voice-bridge/internal/config"
	"github.com/receptionai/voice-bridge/internal/llm"
)

func testClient(t *testing.T, body string) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":` + quoteJSON(body) + `}}]}`))
	}))
	t.Cleanup(srv.Close)

	return llm.NewClient(&config.Config{
		LLMAPIKey:                  "k",
		LLMBaseURL:                 srv.URL,
		LLMModel:                   "m",
		LLMMaxTokens:               150,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        10,
		ExternalCallTimeout:        5,
	})
}

func quoteJSON(s string) string {
	out := "\""
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\n':
			out += `\n`
		default:
			out += string(r)
		}
	}
	return out + "\""
}

func TestExtractLead_ParsesFields(t *testing.T) {
	client := testClient(t, `{"name":"Jane Doe","email":"jane@example.com","phone":"","notes":"wants a quote"}`)
	lead, err := ExtractLead(context.Background(), client, "transcript text", "+15551234567")
	if err != nil {
		t.Fatalf("ExtractLead returned error: %v", err)
	}
	if lead.Name != "Jane Doe" || lead.Email != "jane@example.com" {
		t.Errorf("unexpected lead: %+v", lead)
	}
	if lead.Phone != "+15551234567" {
		t.Errorf("expected caller number backfilled, got %q", lead.Phone)
	}
}

func TestExtractLead_EmptyWhenNothingFound(t *testing.T) {
	client := testClient(t, `{}`)
	lead, err := ExtractLead(context.Background(), client, "transcript", "")
	if err != nil {
		t.Fatalf("ExtractLead returned error: %v", err)
	}
	if !lead.IsEmpty() {
		t.Errorf("expected empty lead, got %+v", lead)
	}
}

func TestExtractLead_ToleratesProseWrappedJSON(t *testing.T) {
	client := testClient(t, "Here is the result:\n{\"name\":\"Bob\"}\nThanks!")
	lead, err := ExtractLead(context.Background(), client, "transcript", "")
	if err != nil {
		t.Fatalf("ExtractLead returned error: %v", err)
	}
	if lead.Name != "Bob" {
		t.Errorf("expected name Bob, got %+v", lead)
	}
}

func TestExtractBooking_ConfirmedWhenDateAndStartPresent(t *testing.T) {
	client := testClient(t, `{"has_booking":true,"date":"2025-12-01","start_time":"14:00","end_time":"15:00","customer_name":"John","service":"cleaning"}`)
	booking, err := ExtractBooking(context.Background(), client, "transcript")
	if err != nil {
		t.Fatalf("ExtractBooking returned error: %v", err)
	}
	if !booking.HasEnoughDetail() || !booking.IsConfirmed() {
		t.Errorf("expected confirmed booking with enough detail, got %+v", booking)
	}
}

func TestExtractBooking_PendingWhenDateMissing(t *testing.T) {
	client := testClient(t, `{"has_booking":true,"customer_name":"John"}`)
	booking, err := ExtractBooking(context.Background(), client, "transcript")
	if err != nil {
		t.Fatalf("ExtractBooking returned error: %v", err)
	}
	if booking.IsConfirmed() {
		t.Error("expected pending (unconfirmed) booking")
	}
	if !booking.HasEnoughDetail() {
		t.Error("expected enough detail with a customer name present")
	}
}

func TestExtractBooking_NoBookingWhenCallerDidNotRequestOne(t *testing.T) {
	client := testClient(t, `{"has_booking":false}`)
	booking, err := ExtractBooking(context.Background(), client, "transcript")
	if err != nil {
		t.Fatalf("ExtractBooking returned error: %v", err)
	}
	if booking.HasEnoughDetail() {
		t.Error("expected no booking to persist")
	}
}

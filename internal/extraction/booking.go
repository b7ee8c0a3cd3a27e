package extraction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/receptionai/voice-bridge/internal/llm"
)

const bookingExtractionPrompt = `You extract appointment booking intent from a phone call transcript between an AI receptionist and a caller. Return ONLY a JSON object with keys: "has_booking" (bool), "date" (YYYY-MM-DD or empty), "start_time" (HH:MM or empty), "end_time" (HH:MM or empty), "customer_name" (string), "service" (string). Set has_booking to true only if the caller actually agreed to or requested an appointment. Respond with JSON only, no other text.`

// BookingResult is the parsed shape of the booking-extraction LLM pass.
type BookingResult struct {
	HasBooking   bool   `json:"has_booking"`
	Date         string `json:"date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	CustomerName string `json:"customer_name"`
	Service      string `json:"service"`
}

// HasEnoughDetail reports whether the extraction carries enough to
// persist an appointment at all (a customer name at minimum).
func (b BookingResult) HasEnoughDetail() bool {
	return b.HasBooking && b.CustomerName != ""
}

// IsConfirmed reports whether both date and start time are present, the
// threshold for a confirmed (rather than pending) appointment.
func (b BookingResult) IsConfirmed() bool {
	return b.Date != "" && b.StartTime != ""
}

// ExtractBooking runs the booking-extraction LLM pass over a transcript.
func ExtractBooking(ctx context.Context, client *llm.Client, transcript string) (BookingResult, error) {
	reply, err := client.Complete(ctx, []llm.Message{
		{Role: "system", Content: bookingExtractionPrompt},
		{Role: "user", Content: transcript},
	})
	if err != nil {
		return BookingResult{}, fmt.Errorf("extraction: booking pass: %w", err)
	}

	var result BookingResult
	if err := json.Unmarshal([]byte(extractJSONObject(reply)), &result); err != nil {
		return BookingResult{}, fmt.Errorf("extraction: decode booking response: %w", err)
	}
	return result, nil
}

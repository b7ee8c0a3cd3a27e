// Package extraction runs the secondary, short LLM passes the Finaliser
// uses to pull a lead and a booking intent out of a completed call's
// transcript.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/receptionai/voice-bridge/internal/llm"
)

const leadExtractionPrompt = `You extract contact details from a phone call transcript between an AI receptionist and a caller. Read the transcript and return ONLY a JSON object with these optional keys: "name", "email", "phone", "notes". Omit a key or use an empty string if it was never mentioned. Do not invent information. Respond with JSON only, no other text.`

// LeadResult is the parsed shape of the lead-extraction LLM pass.
type LeadResult struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

// IsEmpty reports whether no lead-worthy field was extracted.
func (l LeadResult) IsEmpty() bool {
	return l.Name == "" && l.Email == "" && l.Phone == ""
}

// ExtractLead runs the lead-extraction LLM pass over a transcript. If
// the caller number is known and no phone was extracted, it backfills
// phone with the caller number.
func ExtractLead(ctx context.Context, client *llm.Client, transcript, callerNumber string) (LeadResult, error) {
	reply, err := client.Complete(ctx, []llm.Message{
		{Role: "system", Content: leadExtractionPrompt},
		{Role: "user", Content: transcript},
	})
	if err != nil {
		return LeadResult{}, fmt.Errorf("extraction: lead pass: %w", err)
	}

	var result LeadResult
	if err := json.Unmarshal([]byte(extractJSONObject(reply)), &result); err != nil {
		return LeadResult{}, fmt.Errorf("extraction: decode lead response: %w", err)
	}

	if result.Phone == "" && callerNumber != "" {
		result.Phone = callerNumber
	}
	return result, nil
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSONObject pulls the first `{...}` span out of a model reply,
// tolerating the model wrapping its JSON in prose or a code fence.
func extractJSONObject(reply string) string {
	reply = strings.TrimSpace(reply)
	if match := jsonObjectRe.FindString(reply); match != "" {
		return match
	}
	return reply
}

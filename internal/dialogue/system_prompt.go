package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/receptionai/voice-bridge/internal/domain"
)

// BuildSystemPrompt assembles the per-turn system prompt from the voice
// profile, tenant context (with business hours rendered live against
// now), and the behavioural rules every response must follow.
func BuildSystemPrompt(tenant *domain.Tenant, voice domain.VoiceProfile, now time.Time) string {
	loc, err := time.LoadLocation(tenant.Timezone)
	if err != nil {
		loc = time.UTC
	}
	localNow := now.In(loc)

	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, the AI phone receptionist for %s", voice.DisplayName, tenant.BusinessName)
	if tenant.Industry != "" {
		fmt.Fprintf(&b, ", a %s business", tenant.Industry)
	}
	b.WriteString(".\n\n")

	if voice.Accent != "" {
		fmt.Fprintf(&b, "You speak with a %s accent.\n", voice.Accent)
	}

	fmt.Fprintf(&b, "Channel: phone call. Current date/time: %s (%s).\n",
		localNow.Format("Monday, January 2, 2006 at 3:04 PM"), tenant.Timezone)

	b.WriteString("Business hours:\n")
	b.WriteString(renderBusinessHours(tenant.BusinessHours))

	if len(tenant.Services) > 0 {
		fmt.Fprintf(&b, "Services offered: %s.\n", strings.Join(tenant.Services, ", "))
	}
	if tenant.PricingBlurb != "" {
		fmt.Fprintf(&b, "Pricing context (do not volunteer unless asked): %s\n", tenant.PricingBlurb)
	}

	b.WriteString("\nBehavioural rules:\n")
	b.WriteString("- Keep responses short: this is a voice conversation, not a chat window.\n")
	b.WriteString("- Never use markdown, bullet points, or formatting — speak in plain sentences.\n")
	b.WriteString("- Never read raw digits for prices, percentages, or phone numbers; say them the way a person would.\n")
	b.WriteString("- Never volunteer pricing information unless the caller asks for it.\n")
	if tenant.CallTransferEnabled {
		b.WriteString("- If the caller asks for a human, or the request is beyond what you can handle, say a short transfer sentence and end your response with the exact token INITIATING_TRANSFER.\n")
	}
	b.WriteString("- If the caller wants to book an appointment and you have confirmed the date, start time, end time, and their name, say a short confirmation sentence, then on a new line emit BOOKING_APPOINTMENT followed by lines DATE:, START_TIME:, END_TIME:, CUSTOMER_NAME:, CUSTOMER_PHONE:, CUSTOMER_EMAIL:, SERVICE:, NOTES: with whatever you know (leave a line blank after the label if unknown).\n")

	return b.String()
}

func renderBusinessHours(hours map[time.Weekday]domain.BusinessHours) string {
	var b strings.Builder
	order := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	}
	for _, day := range order {
		h, ok := hours[day]
		if !ok || h.Closed {
			fmt.Fprintf(&b, "- %s: closed\n", day)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s to %s\n", day, h.Open, h.Close)
	}
	return b.String()
}

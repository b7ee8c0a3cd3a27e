// Package markers scans accumulated LLM output for the in-band
// sentinels the model uses to request a side effect from the system,
// and strips them before the turn is appended to conversation history.
package markers

import (
	"regexp"
	"strings"
	"time"
)

const (
	// TransferMarker requests a hand-off to a human agent.
	TransferMarker = "INITIATING_TRANSFER"

	// BookingMarker introduces a labelled appointment block.
	BookingMarker = "BOOKING_APPOINTMENT"
)

// BookingBlock is the parsed labelled block following a BOOKING_APPOINTMENT
// marker.
type BookingBlock struct {
	Date          string
	StartTime     string
	EndTime       string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Service       string
	Notes         string
}

// HasRequiredFields reports whether the block carries every field the
// booking handler needs to create an appointment.
func (b BookingBlock) HasRequiredFields() bool {
	return b.Date != "" && b.StartTime != "" && b.EndTime != "" && b.CustomerName != ""
}

// Scan is the result of ScanResponse over a fully accumulated assistant
// response: the text with every marker (and, for BOOKING_APPOINTMENT,
// its labelled block) removed, plus whether each marker was found and
// the parsed booking block if present.
type Scan struct {
	CleanText   string
	HasTransfer bool
	HasBooking  bool
	Booking     BookingBlock
}

var bookingFieldRe = regexp.MustCompile(`(?m)^\s*(DATE|START_TIME|END_TIME|CUSTOMER_NAME|CUSTOMER_PHONE|CUSTOMER_EMAIL|SERVICE|NOTES)\s*:\s*(.*)$`)

// FindMarkerPrefix returns the index of the earliest occurrence of
// either marker in text, or -1 if neither appears. Callers that dispatch
// partial text as it streams in use this to withhold everything from
// that point on: once a marker starts, the rest of the reply is protocol
// content, never speech.
func FindMarkerPrefix(text string) int {
	idx := -1
	if i := strings.Index(text, TransferMarker); i >= 0 {
		idx = i
	}
	if i := strings.Index(text, BookingMarker); i >= 0 && (idx == -1 || i < idx) {
		idx = i
	}
	return idx
}

// ScanResponse runs the marker scan over one fully accumulated LLM
// response. Because the orchestrator calls ScanResponse once, after the
// full response has been buffered (§4.4 step 6), a marker split across
// individual stream deltas is still found here.
func ScanResponse(text string) Scan {
	result := Scan{CleanText: text}

	if idx := strings.Index(text, TransferMarker); idx >= 0 {
		result.HasTransfer = true
		result.CleanText = strings.Replace(result.CleanText, TransferMarker, "", 1)
	}

	if idx := strings.Index(text, BookingMarker); idx >= 0 {
		result.HasBooking = true
		block, blockText := extractBookingBlock(text[idx:])
		result.Booking = block
		result.CleanText = strings.Replace(result.CleanText, blockText, "", 1)
	}

	result.CleanText = strings.TrimSpace(squeezeWhitespace(result.CleanText))
	return result
}

// extractBookingBlock parses the labelled lines immediately following a
// BOOKING_APPOINTMENT marker and returns the block plus the exact
// substring (marker + labelled lines) to strip from the response.
func extractBookingBlock(fromMarker string) (BookingBlock, string) {
	lines := strings.Split(fromMarker, "\n")
	block := BookingBlock{}
	consumed := lines[0] // the marker line itself

	for _, line := range lines[1:] {
		matches := bookingFieldRe.FindStringSubmatch(line)
		if matches == nil {
			break
		}
		consumed += "\n" + line

		value := strings.TrimSpace(matches[2])
		switch matches[1] {
		case "DATE":
			block.Date = value
		case "START_TIME":
			block.StartTime = value
		case "END_TIME":
			block.EndTime = value
		case "CUSTOMER_NAME":
			block.CustomerName = value
		case "CUSTOMER_PHONE":
			block.CustomerPhone = value
		case "CUSTOMER_EMAIL":
			block.CustomerEmail = value
		case "SERVICE":
			block.Service = value
		case "NOTES":
			block.Notes = value
		}
	}

	return block, consumed
}

var blankRunRe = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)

// squeezeWhitespace collapses the blank lines left behind by removing a
// marker (and, for bookings, its labelled block) into a single space.
// It applies to every line break in the text, so newlines in the
// assistant's prose become single spaces too; runs of spaces or tabs
// with no line break in them are left as they are.
func squeezeWhitespace(text string) string {
	return blankRunRe.ReplaceAllString(text, " ")
}

// ParseTime parses an HH:MM booking time against a YYYY-MM-DD date in
// the given location, for booking creation and appointment persistence.
func ParseTime(date, hhmm string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", date+" "+hhmm, loc)
}

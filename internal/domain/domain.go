// Package domain holds the storage-agnostic entities shared across the
// call bridge: tenants, voice profiles, call sessions, transcripts, leads
// and appointments.
package domain

import "time"

// Tenant is a business using the receptionist bridge.
type Tenant struct {
	ID                  string
	BusinessName        string
	Industry            string
	Region              string
	Timezone            string
	BusinessHours       map[time.Weekday]BusinessHours
	VoiceProfileID      string
	SystemPrompt        string
	CallTransferEnabled bool
	CallTransferNumber  string
	ContactEmail        string
	TrialMinutesTotal   int
	TrialMinutesUsed    int
	PaidPlan            bool
	PaidMinutesIncluded int
	PaidMinutesUsed     int
	IntroAudioFileID    string
	PaymentCustomerID   string
	Services            []string
	PricingBlurb        string
}

// BusinessHours describes one day's open/close schedule.
type BusinessHours struct {
	Closed bool
	Open   string // "09:00"
	Close  string // "17:00"
}

// VoiceProfile is an immutable (for the duration of a call) TTS voice
// identity.
type VoiceProfile struct {
	ID          string
	DisplayName string
	Accent      string
	Gender      string
}

// CallStatus is the lifecycle state of a CallSession.
type CallStatus string

const (
	CallStatusInProgress  CallStatus = "in-progress"
	CallStatusCompleted   CallStatus = "completed"
	CallStatusFailed      CallStatus = "failed"
	CallStatusTransferred CallStatus = "transferred"
)

// Speaker identifies who produced a ConversationTurn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// MessageType tags the semantic role of a ConversationTurn.
type MessageType string

const (
	MessageTypeGreeting            MessageType = "greeting"
	MessageTypeTranscription       MessageType = "transcription"
	MessageTypeAIResponse          MessageType = "ai_response"
	MessageTypeTransfer            MessageType = "transfer"
	MessageTypeTransferFallback    MessageType = "transfer_fallback"
	MessageTypeBookingConfirmation MessageType = "booking_confirmation"
	MessageTypeBookingError        MessageType = "booking_error"
)

// ConversationTurn is one append-only entry in a call's transcript.
type ConversationTurn struct {
	Speaker     Speaker
	Content     string
	Timestamp   time.Time
	MessageType MessageType
}

// CallSession is the per-call running record. It is a plain struct with
// no lock and no mutating methods of its own: its fields are set
// directly by the code that holds it.
type CallSession struct {
	CallID       string
	TenantID     string
	CallerNumber string
	StreamID     string
	StartTime    time.Time
	EndTime      time.Time // zero until finalised
	Status       CallStatus
	Transcript   []ConversationTurn
	Summary      string
}

// DurationSeconds returns the wall-clock duration of the call. If the call
// has not yet ended, it is measured against now.
func (c *CallSession) DurationSeconds(now time.Time) float64 {
	end := c.EndTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(c.StartTime).Seconds()
}

// Lead is a prospective customer record extracted from a call.
type Lead struct {
	TenantID  string
	SessionID string
	Name      string
	Email     string
	Phone     string
	Notes     string
	Source    string
	Status    string
}

// AppointmentStatus is the booking confirmation state.
type AppointmentStatus string

const (
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentPending   AppointmentStatus = "pending"
)

// Appointment is a booking intent extracted from a call.
type Appointment struct {
	TenantID      string
	SessionID     string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	Start         time.Time
	End           time.Time
	Service       string
	Notes         string
	Status        AppointmentStatus
}

// TransferRecord logs the outcome of an attempted human-agent transfer.
type TransferRecord struct {
	TenantID  string
	SessionID string
	Status    string // "initiated" or "failed"
	Reason    string
	Timestamp time.Time
}

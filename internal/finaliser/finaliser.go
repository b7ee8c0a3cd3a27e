// Package finaliser implements the once-per-call post-call pipeline:
// STT teardown, transcript persistence, minute accounting, and the
// secondary lead/booking extraction passes.
package finaliser

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/receptionai/voice-bridge/internal/billing"
	"github.com/receptionai/voice-bridge/internal/domain"
	"github.com/receptionai/voice-bridge/internal/extraction"
	"github.com/receptionai/voice-bridge/internal/llm"
	"github.com/receptionai/voice-bridge/internal/markers"
	"github.com/receptionai/voice-bridge/internal/observability"
	"github.com/receptionai/voice-bridge/internal/stt"
	"github.com/receptionai/voice-bridge/internal/store"
)

const (
	summaryMaxChars  = 200
	externalCallWait = 30 * time.Second
)

// Finaliser runs the post-call pipeline. A single instance is shared
// across calls; it holds no per-call state.
type Finaliser struct {
	store       store.Store
	llmClient   *llm.Client
	billingSink *billing.Sink
}

// New builds a Finaliser.
func New(st store.Store, llmClient *llm.Client, billingSink *billing.Sink) *Finaliser {
	return &Finaliser{store: st, llmClient: llmClient, billingSink: billingSink}
}

// Input carries everything the pipeline needs out of a finished call.
// Status must already reflect the outcome (completed or transferred).
type Input struct {
	Tenant  *domain.Tenant
	Session *domain.CallSession
	History []domain.ConversationTurn
}

// Run executes every pipeline step, in order, isolating failures so one
// broken step never blocks the rest. Callers are responsible for making
// sure Run is invoked at most once per call id; Run itself does not
// guard against repeat invocation.
func (f *Finaliser) Run(sttClient stt.Client, in Input, logger zerolog.Logger) {
	if sttClient != nil {
		if err := sttClient.Stop(); err != nil {
			logger.Warn().Err(err).Msg("finaliser: stt stop failed")
		}
		if err := sttClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("finaliser: stt close failed")
		}
	}

	now := time.Now()
	if in.Session.EndTime.IsZero() {
		in.Session.EndTime = now
	}
	durationSeconds := in.Session.DurationSeconds(now)

	f.persistTranscript(in, logger)
	f.persistSession(in, logger)
	minutes := f.accountMinutes(in, durationSeconds, logger)
	f.extractLead(in, logger)
	f.extractBooking(in, logger)

	observability.RecordFinaliserStep("pipeline", true)
	logger.Info().
		Float64("duration_seconds", durationSeconds).
		Int("minutes_billed", minutes).
		Msg("finaliser: call finalised")
}

func (f *Finaliser) persistTranscript(in Input, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallWait)
	defer cancel()

	for _, turn := range in.History {
		if err := f.store.AppendConversationTurn(ctx, in.Session.CallID, turn); err != nil {
			logger.Warn().Err(err).Msg("finaliser: append conversation turn failed")
			observability.RecordFinaliserStep("persist_transcript", false)
			continue
		}
	}
	observability.RecordFinaliserStep("persist_transcript", true)
}

func (f *Finaliser) persistSession(in Input, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallWait)
	defer cancel()

	in.Session.Transcript = in.History
	in.Session.Summary = summarize(in.History)

	if err := f.store.UpsertCallSession(ctx, in.Session); err != nil {
		logger.Warn().Err(err).Msg("finaliser: upsert call session failed")
		observability.RecordFinaliserStep("persist_session", false)
		return
	}
	observability.RecordFinaliserStep("persist_session", true)
}

// summarize concatenates the caller's own turns into a short summary,
// truncated to summaryMaxChars.
func summarize(history []domain.ConversationTurn) string {
	var b strings.Builder
	for _, turn := range history {
		if turn.Speaker != domain.SpeakerUser {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(turn.Content)
	}
	summary := b.String()
	if len(summary) > summaryMaxChars {
		summary = summary[:summaryMaxChars]
	}
	return summary
}

// accountMinutes applies the critical minute-accounting step: partial
// minutes always round up, trial and paid plans accrue into separate
// counters, and a paid-plan overage is reported to the billing sink.
func (f *Finaliser) accountMinutes(in Input, durationSeconds float64, logger zerolog.Logger) int {
	minutes := int(math.Ceil(durationSeconds / 60))
	if minutes <= 0 {
		minutes = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), externalCallWait)
	defer cancel()

	tenant := in.Tenant
	if tenant.PaidPlan {
		total, included, err := f.store.AddPaidMinutesUsed(ctx, tenant.ID, minutes)
		if err != nil {
			logger.Warn().Err(err).Msg("finaliser: add paid minutes failed")
			observability.RecordFinaliserStep("minute_accounting", false)
			return minutes
		}
		observability.RecordMinutesAccrued("paid", minutes)

		if total > included {
			event := billing.OverageEvent{
				CustomerID:      tenant.PaymentCustomerID,
				TenantID:        tenant.ID,
				SessionID:       in.Session.CallID,
				OverageMinutes:  total - included,
				TotalUsed:       total,
				MinutesIncluded: included,
			}
			if err := f.billingSink.ReportOverage(ctx, event); err != nil {
				logger.Warn().Err(err).Msg("finaliser: report overage failed")
			}
		}
	} else {
		if err := f.store.AddTrialMinutesUsed(ctx, tenant.ID, minutes); err != nil {
			logger.Warn().Err(err).Msg("finaliser: add trial minutes failed")
			observability.RecordFinaliserStep("minute_accounting", false)
			return minutes
		}
		observability.RecordMinutesAccrued("trial", minutes)
	}

	observability.RecordFinaliserStep("minute_accounting", true)
	return minutes
}

func (f *Finaliser) extractLead(in Input, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallWait)
	defer cancel()

	result, err := extraction.ExtractLead(ctx, f.llmClient, transcriptText(in.History), in.Session.CallerNumber)
	if err != nil {
		logger.Warn().Err(err).Msg("finaliser: lead extraction failed")
		observability.RecordFinaliserStep("lead_extraction", false)
		return
	}
	if result.IsEmpty() {
		observability.RecordFinaliserStep("lead_extraction", true)
		return
	}

	lead := &domain.Lead{
		TenantID:  in.Tenant.ID,
		SessionID: in.Session.CallID,
		Name:      result.Name,
		Email:     result.Email,
		Phone:     result.Phone,
		Notes:     result.Notes,
		Source:    "phone",
		Status:    "new",
	}
	if err := f.store.InsertLead(ctx, lead); err != nil {
		logger.Warn().Err(err).Msg("finaliser: insert lead failed")
		observability.RecordFinaliserStep("lead_extraction", false)
		return
	}
	observability.RecordFinaliserStep("lead_extraction", true)
}

func (f *Finaliser) extractBooking(in Input, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallWait)
	defer cancel()

	result, err := extraction.ExtractBooking(ctx, f.llmClient, transcriptText(in.History))
	if err != nil {
		logger.Warn().Err(err).Msg("finaliser: booking extraction failed")
		observability.RecordFinaliserStep("booking_extraction", false)
		return
	}
	if !result.HasEnoughDetail() {
		observability.RecordFinaliserStep("booking_extraction", true)
		return
	}

	status := domain.AppointmentPending
	if result.IsConfirmed() {
		status = domain.AppointmentConfirmed
	}

	loc, err := time.LoadLocation(in.Tenant.Timezone)
	if err != nil {
		loc = time.UTC
	}
	appt := &domain.Appointment{
		TenantID:     in.Tenant.ID,
		SessionID:    in.Session.CallID,
		CustomerName: result.CustomerName,
		Service:      result.Service,
		Status:       status,
	}
	if result.Date != "" && result.StartTime != "" {
		if start, err := markers.ParseTime(result.Date, result.StartTime, loc); err == nil {
			appt.Start = start
		}
	}
	if result.Date != "" && result.EndTime != "" {
		if end, err := markers.ParseTime(result.Date, result.EndTime, loc); err == nil {
			appt.End = end
		}
	}

	if err := f.store.InsertAppointment(ctx, appt); err != nil {
		logger.Warn().Err(err).Msg("finaliser: insert appointment failed")
		observability.RecordFinaliserStep("booking_extraction", false)
		return
	}
	observability.RecordFinaliserStep("booking_extraction", true)
}

func transcriptText(history []domain.ConversationTurn) string {
	var b strings.Builder
	for _, turn := range history {
		role := "Caller"
		if turn.Speaker == domain.SpeakerAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, turn.Content)
	}
	return b.String()
}

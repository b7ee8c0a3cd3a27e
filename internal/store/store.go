// Package store implements the persistence contract of the receptionist
// bridge: tenant snapshots, call session upserts, append-only conversation
// logs, monotonic minute-usage updates, and lead/appointment inserts.
package store

import (
	"context"

	"github.com/receptionai/voice-bridge/internal/domain"
)

// Store is the storage-agnostic persistence contract used by the call
// bridge. Every write is atomic per record; callers do not assume
// cross-record transactions.
type Store interface {
	// GetTenant loads a tenant snapshot for use at call start.
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)

	// GetVoiceProfile loads the voice identity referenced by a tenant's
	// VoiceProfileID.
	GetVoiceProfile(ctx context.Context, voiceProfileID string) (domain.VoiceProfile, error)

	// HasActiveSubscription reports whether the tenant owner currently has
	// an active paid subscription, per the external billing system.
	HasActiveSubscription(ctx context.Context, tenantID string) (bool, error)

	// UpsertCallSession creates or updates the Call Session record keyed
	// by call id.
	UpsertCallSession(ctx context.Context, session *domain.CallSession) error

	// AppendConversationTurn appends one turn to the call's conversation
	// log. Append-only; never mutated afterward.
	AppendConversationTurn(ctx context.Context, callID string, turn domain.ConversationTurn) error

	// AddTrialMinutesUsed increments a tenant's trial minute counter.
	AddTrialMinutesUsed(ctx context.Context, tenantID string, minutes int) error

	// AddPaidMinutesUsed increments a tenant's paid-plan minute counter
	// and returns the new total alongside the included allotment, so the
	// caller can decide whether an overage event is due.
	AddPaidMinutesUsed(ctx context.Context, tenantID string, minutes int) (total, included int, err error)

	// InsertLead persists a lead exactly once per call.
	InsertLead(ctx context.Context, lead *domain.Lead) error

	// InsertAppointment persists an appointment exactly once per call.
	InsertAppointment(ctx context.Context, appt *domain.Appointment) error

	// InsertTransferRecord logs a transfer attempt outcome.
	InsertTransferRecord(ctx context.Context, rec *domain.TransferRecord) error

	// Ping checks store connectivity for readiness probes.
	Ping(ctx context.Context) error
}

// Package gate implements the access gate: the admission check that runs
// once, synchronously, between carrier `start` and STT startup, deciding
// whether a tenant may consume AI resources for this call.
package gate

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/receptionai/voice-bridge/internal/domain"
	"github.com/receptionai/voice-bridge/internal/observability"
)

// Reason codes, stable strings so they can be asserted on in tests and
// matched against in metrics.
const (
	ReasonActiveSubscription    = "active_subscription"
	ReasonTrialMinutesActive    = "trial_minutes_active"
	ReasonTrialMinutesExhausted = "trial_minutes_exhausted"
	ReasonPaidPlan              = "paid_plan"
	ReasonFailOpen              = "fail_open"
)

// SubscriptionChecker reports whether a tenant's owner has an active paid
// subscription, per the external billing system.
type SubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, tenantID string) (bool, error)
}

// Decision is the outcome of evaluating the access gate.
type Decision struct {
	Allowed        bool
	Reason         string
	OverageMinutes int
}

// Evaluate runs the admission predicate: allow if the tenant has an
// active paid subscription, is on a paid plan (reporting any minutes
// used beyond the included allotment as overage), or has unused trial
// minutes; deny otherwise. On
// any exception it fails open (logs a warning, allows the call) since
// losing a real caller is worse than an un-billed minute.
func Evaluate(ctx context.Context, checker SubscriptionChecker, tenant *domain.Tenant, logger zerolog.Logger) Decision {
	active, err := checker.HasActiveSubscription(ctx, tenant.ID)
	if err != nil {
		logger.Warn().Err(err).Str("tenant_id", tenant.ID).Msg("access gate: subscription check failed, failing open")
		observability.RecordGateDecision(true, ReasonFailOpen)
		return Decision{Allowed: true, Reason: ReasonFailOpen}
	}

	if active {
		observability.RecordGateDecision(true, ReasonActiveSubscription)
		return Decision{Allowed: true, Reason: ReasonActiveSubscription}
	}

	if tenant.PaidPlan {
		overage := tenant.PaidMinutesUsed - tenant.PaidMinutesIncluded
		if overage < 0 {
			overage = 0
		}
		observability.RecordGateDecision(true, ReasonPaidPlan)
		return Decision{Allowed: true, Reason: ReasonPaidPlan, OverageMinutes: overage}
	}

	if tenant.TrialMinutesUsed >= tenant.TrialMinutesTotal {
		observability.RecordGateDecision(false, ReasonTrialMinutesExhausted)
		return Decision{Allowed: false, Reason: ReasonTrialMinutesExhausted}
	}

	observability.RecordGateDecision(true, ReasonTrialMinutesActive)
	return Decision{Allowed: true, Reason: ReasonTrialMinutesActive}
}

// RejectionMessage composes the tenant-specific rejection message spoken
// to the caller before hangup.
func RejectionMessage(tenant *domain.Tenant, reason string) string {
	switch reason {
	case ReasonTrialMinutesExhausted:
		return "Thanks for calling " + tenant.BusinessName + ". Our free trial with this assistant has run out of minutes. Please contact us directly, and we're sorry for the inconvenience."
	default:
		return "Thanks for calling " + tenant.BusinessName + ". This service is temporarily unavailable. Please try again later."
	}
}

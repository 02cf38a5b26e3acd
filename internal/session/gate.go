package session

import "github.com/MegaGrindStone/roadmap-chat/internal/models"

// GateSnapshot is the live authentication, quota and billing state a submission is judged against.
type GateSnapshot struct {
	Authenticated bool
	Usage         models.Usage
	Billing       models.BillingStatus
}

// LimitExceeded reports whether the quota is used up. A zero limit with zero usage counts as exceeded,
// so quota that was never loaded locks the input instead of unlocking it.
func (s GateSnapshot) LimitExceeded() bool {
	return s.Usage.Used >= s.Usage.Limit
}

// IsPaidUser reports whether the user has an active subscription.
func (s GateSnapshot) IsPaidUser() bool {
	return s.Billing == models.BillingStatusActive
}

// Decision is the outcome of evaluating a GateSnapshot.
type Decision int

const (
	Allowed Decision = iota
	DeniedUnauthenticated
	DeniedQuotaExceeded
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case DeniedUnauthenticated:
		return "denied_unauthenticated"
	case DeniedQuotaExceeded:
		return "denied_quota_exceeded"
	default:
		return "unknown"
	}
}

// Admit decides whether a submission may proceed. Authentication is checked before quota.
func Admit(s GateSnapshot) Decision {
	if !s.Authenticated {
		return DeniedUnauthenticated
	}
	if s.LimitExceeded() {
		return DeniedQuotaExceeded
	}
	return Allowed
}

// GateOverlay is what the presentation layer shows over the input when the gate is closed.
type GateOverlay struct {
	Decision Decision
	Message  string

	// CanLogin and CanUpgrade tell which action button the overlay carries.
	CanLogin   bool
	CanUpgrade bool
}

// Locked reports whether the overlay hides the input.
func (o GateOverlay) Locked() bool {
	return o.Decision != Allowed
}

// Overlay evaluates the snapshot and describes the overlay for the decision.
func Overlay(s GateSnapshot) GateOverlay {
	d := Admit(s)
	switch d {
	case DeniedUnauthenticated:
		return GateOverlay{Decision: d, Message: "Please login to continue", CanLogin: true}
	case DeniedQuotaExceeded:
		if s.IsPaidUser() {
			return GateOverlay{Decision: d, Message: "Limit reached for today. Please wait until tomorrow."}
		}
		return GateOverlay{Decision: d, Message: "Limit reached for today", CanUpgrade: true}
	default:
		return GateOverlay{Decision: d}
	}
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// GrantStatus is the lifecycle state of an authorization grant.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantRevoked GrantStatus = "revoked"
)

// Permission names understood by the registry. Grants may carry any string;
// these are the ones the collection flow uses.
const (
	PermInitiateConversation = "initiate_conversation"
	PermRequestPayment       = "request_payment"
	PermExecutePayment       = "execute_payment"
	PermReadPaymentStatus    = "read_payment_status"
	PermCancelPayment        = "cancel_payment"
)

// AuthorizationGrant records that a principal agent may perform a set of
// actions on behalf of a subject, optionally capped by amount and frequency.
type AuthorizationGrant struct {
	ID          uuid.UUID   `json:"id"`
	PrincipalID uuid.UUID   `json:"principal_id"`
	SubjectID   uuid.UUID   `json:"subject_id"`
	Permissions []string    `json:"permissions"`
	Status      GrantStatus `json:"status"`

	// Caps. Zero means uncapped.
	MaxAmountCents      int64 `json:"max_amount_cents,omitempty"`
	MaxFrequencyPerHour int   `json:"max_frequency_per_hour,omitempty"`

	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the grant's expiry has passed at the given time.
// A stored status of active does not make an expired grant usable; expiry is
// evaluated lazily against the clock on every validation.
func (g AuthorizationGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Usable reports whether the grant can authorize an action at the given time:
// status active and not past expiry. Revoked and expired grants never come
// back; a new grant must be issued.
func (g AuthorizationGrant) Usable(now time.Time) bool {
	return g.Status == GrantActive && !g.Expired(now)
}

// Allows reports whether the grant's permission list contains action.
func (g AuthorizationGrant) Allows(action string) bool {
	for _, p := range g.Permissions {
		if p == action {
			return true
		}
	}
	return false
}

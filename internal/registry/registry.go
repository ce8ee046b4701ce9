// Package registry implements the authorization registry: time-boxed grants
// of specific permissions between agents, with amount and frequency caps
// enforced at point of use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/storage"
)

// DefaultGrantTTL applies when a grant is created without an explicit TTL.
const DefaultGrantTTL = 24 * time.Hour

// CapWindow is the trailing window over which frequency caps are counted.
const CapWindow = time.Hour

var (
	// ErrGrantNotUsable is returned when a grant is expired or revoked.
	ErrGrantNotUsable = errors.New("registry: grant not usable")
	// ErrPermissionDenied is returned when a usable grant lacks the
	// requested permission.
	ErrPermissionDenied = errors.New("registry: permission not granted")
	// ErrAmountCapExceeded is returned when a payment exceeds the grant's
	// per-payment amount cap.
	ErrAmountCapExceeded = errors.New("registry: amount cap exceeded")
	// ErrFrequencyCapExceeded is returned when the grant's hourly usage
	// cap has been reached.
	ErrFrequencyCapExceeded = errors.New("registry: frequency cap exceeded")
)

// Registry issues, validates, and revokes authorization grants.
type Registry struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a Registry.
func New(db *storage.DB, logger *slog.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

// CreateGrantInput is the caller-supplied portion of a grant.
type CreateGrantInput struct {
	PrincipalID         uuid.UUID
	SubjectID           uuid.UUID
	Permissions         []string
	MaxAmountCents      int64
	MaxFrequencyPerHour int
	TTL                 time.Duration
}

// Grant issues a new authorization grant. Both agents must exist; the
// principal must be active.
func (r *Registry) Grant(ctx context.Context, in CreateGrantInput) (model.AuthorizationGrant, error) {
	if len(in.Permissions) == 0 {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: at least one permission is required")
	}
	if in.MaxAmountCents < 0 || in.MaxFrequencyPerHour < 0 {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: caps must be non-negative")
	}
	if in.TTL <= 0 {
		in.TTL = DefaultGrantTTL
	}

	principal, err := r.db.GetAgent(ctx, in.PrincipalID)
	if err != nil {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: principal: %w", err)
	}
	if principal.Status != model.AgentActive {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: principal %s is %s: %w", principal.Name, principal.Status, ErrGrantNotUsable)
	}
	if _, err := r.db.GetAgent(ctx, in.SubjectID); err != nil {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: subject: %w", err)
	}

	grant, err := r.db.CreateGrant(ctx, model.AuthorizationGrant{
		PrincipalID:         in.PrincipalID,
		SubjectID:           in.SubjectID,
		Permissions:         in.Permissions,
		MaxAmountCents:      in.MaxAmountCents,
		MaxFrequencyPerHour: in.MaxFrequencyPerHour,
		ExpiresAt:           time.Now().UTC().Add(in.TTL),
	})
	if err != nil {
		return model.AuthorizationGrant{}, err
	}

	r.logger.Info("grant issued",
		"grant_id", grant.ID,
		"principal_id", grant.PrincipalID,
		"subject_id", grant.SubjectID,
		"permissions", grant.Permissions,
		"expires_at", grant.ExpiresAt,
	)
	return grant, nil
}

// Validate checks that grantID authorizes principal to perform action right
// now. Expiry is evaluated lazily: a past-expiry grant fails validation
// immediately and its stored status is flipped as a side effect, whether or
// not a sweep has run.
func (r *Registry) Validate(ctx context.Context, grantID, principalID uuid.UUID, action string) (model.AuthorizationGrant, error) {
	grant, err := r.db.GetGrant(ctx, grantID)
	if err != nil {
		return model.AuthorizationGrant{}, err
	}

	now := time.Now().UTC()
	if grant.Status == model.GrantActive && grant.Expired(now) {
		if err := r.db.MarkGrantExpired(ctx, grant.ID); err != nil {
			r.logger.Warn("failed to persist lazy grant expiry", "grant_id", grant.ID, "error", err)
		}
		grant.Status = model.GrantExpired
	}

	if !grant.Usable(now) {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: grant %s is %s: %w", grant.ID, grant.Status, ErrGrantNotUsable)
	}
	if grant.PrincipalID != principalID {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: grant %s does not belong to agent %s: %w", grant.ID, principalID, ErrPermissionDenied)
	}
	if !grant.Allows(action) {
		return model.AuthorizationGrant{}, fmt.Errorf("registry: grant %s does not allow %q: %w", grant.ID, action, ErrPermissionDenied)
	}
	return grant, nil
}

// ConsumeCap checks a validated grant's caps against a proposed payment:
// the per-payment amount cap and the trailing-hour frequency cap. Frequency
// is counted from persisted payment requests, so the window survives
// restarts. Zero caps mean uncapped.
func (r *Registry) ConsumeCap(ctx context.Context, grant model.AuthorizationGrant, amountCents int64) error {
	if grant.MaxAmountCents > 0 && amountCents > grant.MaxAmountCents {
		return fmt.Errorf("registry: amount %d exceeds cap %d: %w", amountCents, grant.MaxAmountCents, ErrAmountCapExceeded)
	}
	if grant.MaxFrequencyPerHour > 0 {
		used, err := r.db.CountGrantUsage(ctx, grant.ID, CapWindow)
		if err != nil {
			return err
		}
		if used >= grant.MaxFrequencyPerHour {
			return fmt.Errorf("registry: grant %s used %d/%d in the last hour: %w", grant.ID, used, grant.MaxFrequencyPerHour, ErrFrequencyCapExceeded)
		}
	}
	return nil
}

// Get returns a grant by ID.
func (r *Registry) Get(ctx context.Context, grantID uuid.UUID) (model.AuthorizationGrant, error) {
	return r.db.GetGrant(ctx, grantID)
}

// ListByPrincipal returns an agent's grants, newest first.
func (r *Registry) ListByPrincipal(ctx context.Context, principalID uuid.UUID, limit, offset int) ([]model.AuthorizationGrant, error) {
	return r.db.ListGrantsByPrincipal(ctx, principalID, limit, offset)
}

// Revoke permanently revokes an active grant. Revoking an expired or
// already-revoked grant is a conflict; revocation never resurrects a grant.
func (r *Registry) Revoke(ctx context.Context, grantID uuid.UUID) (model.AuthorizationGrant, error) {
	grant, err := r.db.RevokeGrant(ctx, grantID)
	if err != nil {
		return model.AuthorizationGrant{}, err
	}
	r.logger.Info("grant revoked", "grant_id", grant.ID, "principal_id", grant.PrincipalID)
	return grant, nil
}

// SweepExpired flips all past-expiry active grants to expired. Correctness
// does not depend on this running; validation expires lazily.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.db.SweepExpiredGrants(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("expired grants swept", "count", n)
	}
	return n, nil
}

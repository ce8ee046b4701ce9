package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentpay-dev/agentpay/internal/model"
)

const grantColumns = `id, principal_id, subject_id, permissions, status, max_amount_cents,
	 max_frequency_per_hour, expires_at, revoked_at, created_at, updated_at`

func scanGrant(row pgx.Row) (model.AuthorizationGrant, error) {
	var g model.AuthorizationGrant
	err := row.Scan(
		&g.ID, &g.PrincipalID, &g.SubjectID, &g.Permissions, &g.Status,
		&g.MaxAmountCents, &g.MaxFrequencyPerHour, &g.ExpiresAt, &g.RevokedAt,
		&g.CreatedAt, &g.UpdatedAt,
	)
	return g, err
}

// CreateGrant inserts a new authorization grant.
func (db *DB) CreateGrant(ctx context.Context, grant model.AuthorizationGrant) (model.AuthorizationGrant, error) {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	now := time.Now().UTC()
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = now
	}
	grant.UpdatedAt = now
	if grant.Permissions == nil {
		grant.Permissions = []string{}
	}
	if grant.Status == "" {
		grant.Status = model.GrantActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO authorization_grants (id, principal_id, subject_id, permissions, status, max_amount_cents, max_frequency_per_hour, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		grant.ID, grant.PrincipalID, grant.SubjectID, grant.Permissions,
		string(grant.Status), grant.MaxAmountCents, grant.MaxFrequencyPerHour,
		grant.ExpiresAt, grant.CreatedAt, grant.UpdatedAt,
	)
	if err != nil {
		return model.AuthorizationGrant{}, fmt.Errorf("storage: create grant: %w", err)
	}
	return grant, nil
}

// GetGrant retrieves a grant by ID.
func (db *DB) GetGrant(ctx context.Context, id uuid.UUID) (model.AuthorizationGrant, error) {
	g, err := scanGrant(db.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM authorization_grants WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuthorizationGrant{}, fmt.Errorf("storage: grant %s: %w", id, ErrNotFound)
		}
		return model.AuthorizationGrant{}, fmt.Errorf("storage: get grant: %w", err)
	}
	return g, nil
}

// ListGrantsByPrincipal returns grants where the agent is the principal,
// newest first.
func (db *DB) ListGrantsByPrincipal(ctx context.Context, principalID uuid.UUID, limit, offset int) ([]model.AuthorizationGrant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM authorization_grants
		 WHERE principal_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		principalID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list grants: %w", err)
	}
	defer rows.Close()

	var grants []model.AuthorizationGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// RevokeGrant marks an active grant revoked. Revocation is permanent; a
// grant that is already expired or revoked returns ErrConflict.
func (db *DB) RevokeGrant(ctx context.Context, id uuid.UUID) (model.AuthorizationGrant, error) {
	g, err := scanGrant(db.pool.QueryRow(ctx,
		`UPDATE authorization_grants
		 SET status = 'revoked', revoked_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'active'
		 RETURNING `+grantColumns, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuthorizationGrant{}, fmt.Errorf("storage: revoke grant %s: %w", id, ErrConflict)
		}
		return model.AuthorizationGrant{}, fmt.Errorf("storage: revoke grant: %w", err)
	}
	return g, nil
}

// MarkGrantExpired flips a past-expiry active grant to expired. A no-op
// (nil) when the grant is not active or not yet past expiry; lazy expiry
// treats the stored status as a cache of the clock comparison.
func (db *DB) MarkGrantExpired(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE authorization_grants
		 SET status = 'expired', updated_at = now()
		 WHERE id = $1 AND status = 'active' AND expires_at <= now()`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark grant expired: %w", err)
	}
	return nil
}

// SweepExpiredGrants flips all past-expiry active grants to expired and
// returns how many were updated.
func (db *DB) SweepExpiredGrants(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE authorization_grants
		 SET status = 'expired', updated_at = now()
		 WHERE status = 'active' AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep expired grants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountGrantUsage returns the number of payment requests created under a
// grant within the trailing window. Cancelled requests still count; the cap
// limits attempts, not outcomes.
func (db *DB) CountGrantUsage(ctx context.Context, grantID uuid.UUID, window time.Duration) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_requests
		 WHERE grant_id = $1 AND created_at > now() - ($2 * interval '1 microsecond')`,
		grantID, window.Microseconds(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count grant usage: %w", err)
	}
	return count, nil
}

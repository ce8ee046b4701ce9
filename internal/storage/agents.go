package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const agentColumns = `id, name, type, description, endpoint, signing_secret, capabilities,
	 status, consecutive_failures, last_heartbeat, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Type, &a.Description, &a.Endpoint, &a.SigningSecret,
		&a.Capabilities, &a.Status, &a.ConsecutiveFailures, &a.LastHeartbeat,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAgent inserts a new agent. Names are unique; a collision returns
// ErrDuplicate.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	if agent.Status == "" {
		agent.Status = model.AgentActive
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, type, description, endpoint, signing_secret, capabilities, status, consecutive_failures, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.Name, string(agent.Type), agent.Description, agent.Endpoint,
		agent.SigningSecret, agent.Capabilities, string(agent.Status),
		agent.ConsecutiveFailures, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("storage: agent name %s: %w", agent.Name, ErrDuplicate)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName retrieves an agent by its unique name.
func (db *DB) GetAgentByName(ctx context.Context, name string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = $1`, name,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", name, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by name: %w", err)
	}
	return a, nil
}

// ListAgents returns agents with pagination, ordered by creation time.
// limit is clamped to [1, 1000] with a default of 200.
func (db *DB) ListAgents(ctx context.Context, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// TouchHeartbeat records a heartbeat: updates last_heartbeat and resets the
// consecutive failure counter. It does not change status; an agent in error
// stays in error until explicitly reactivated.
func (db *DB) TouchHeartbeat(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents SET last_heartbeat = now(), consecutive_failures = 0, updated_at = now()
		 WHERE id = $1
		 RETURNING `+agentColumns, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: touch heartbeat: %w", err)
	}
	return a, nil
}

// IncrementAgentFailures bumps the consecutive failure counter and flips the
// agent to status=error once the counter reaches threshold. Returns the
// updated agent.
func (db *DB) IncrementAgentFailures(ctx context.Context, id uuid.UUID, threshold int) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET consecutive_failures = consecutive_failures + 1,
		     status = CASE WHEN consecutive_failures + 1 >= $2 THEN 'error' ELSE status END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+agentColumns, id, threshold,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: increment agent failures: %w", err)
	}
	return a, nil
}

// SetAgentStatus updates an agent's status. Used for deactivation,
// maintenance windows, and admin reactivation; reactivation also clears the
// failure counter.
func (db *DB) SetAgentStatus(ctx context.Context, id uuid.UUID, status model.AgentStatus) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET status = $2,
		     consecutive_failures = CASE WHEN $2 = 'active' THEN 0 ELSE consecutive_failures END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+agentColumns, id, string(status),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: set agent status: %w", err)
	}
	return a, nil
}

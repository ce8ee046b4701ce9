// Package directory implements the agent directory: registration,
// heartbeats, failure tracking, and capability lookups.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/auth"
	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/storage"
)

var (
	// ErrDuplicateName is returned when a registration reuses an existing
	// agent name.
	ErrDuplicateName = errors.New("directory: agent name already registered")
	// ErrAgentUnavailable is returned when an operation requires an active
	// agent and the agent is not active.
	ErrAgentUnavailable = errors.New("directory: agent not active")
	// ErrNotInError is returned when reactivation targets an agent that is
	// not in the error state.
	ErrNotInError = errors.New("directory: agent not in error state")
)

// Directory manages the registered agent population.
type Directory struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a Directory.
func New(db *storage.DB, logger *slog.Logger) *Directory {
	return &Directory{db: db, logger: logger}
}

// Register creates a new agent and mints its signing secret. The secret is
// returned exactly once; only its value in the agents row is used for
// verification afterward.
func (d *Directory) Register(ctx context.Context, req model.RegisterAgentRequest) (model.Agent, string, error) {
	if err := model.ValidateAgentName(req.Name); err != nil {
		return model.Agent{}, "", fmt.Errorf("directory: %w", err)
	}
	if req.Endpoint == "" {
		return model.Agent{}, "", fmt.Errorf("directory: endpoint is required")
	}

	secret, err := auth.NewSigningSecret()
	if err != nil {
		return model.Agent{}, "", fmt.Errorf("directory: %w", err)
	}

	agent, err := d.db.CreateAgent(ctx, model.Agent{
		Name:          req.Name,
		Type:          req.Type,
		Description:   req.Description,
		Endpoint:      req.Endpoint,
		SigningSecret: secret,
		Capabilities:  req.Capabilities,
		Status:        model.AgentActive,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.Agent{}, "", fmt.Errorf("directory: name %s: %w", req.Name, ErrDuplicateName)
		}
		return model.Agent{}, "", err
	}

	d.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name, "type", agent.Type)
	return agent, secret, nil
}

// Get returns an agent by ID.
func (d *Directory) Get(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	return d.db.GetAgent(ctx, id)
}

// GetByName returns an agent by its unique name.
func (d *Directory) GetByName(ctx context.Context, name string) (model.Agent, error) {
	return d.db.GetAgentByName(ctx, name)
}

// List returns agents with pagination.
func (d *Directory) List(ctx context.Context, limit, offset int) ([]model.Agent, error) {
	return d.db.ListAgents(ctx, limit, offset)
}

// Heartbeat records liveness for an agent and resets its consecutive
// failure counter. Status is untouched: a heartbeat never pulls an agent
// out of error, maintenance, or inactive.
func (d *Directory) Heartbeat(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	return d.db.TouchHeartbeat(ctx, id)
}

// RecordFailure counts one failed interaction with the agent. Reaching the
// failure threshold flips the agent to error, where it stays until an admin
// reactivates it.
func (d *Directory) RecordFailure(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	agent, err := d.db.IncrementAgentFailures(ctx, id, model.FailureThreshold)
	if err != nil {
		return model.Agent{}, err
	}
	if agent.Status == model.AgentError {
		d.logger.Warn("agent entered error state",
			"agent_id", agent.ID,
			"name", agent.Name,
			"consecutive_failures", agent.ConsecutiveFailures,
		)
	}
	return agent, nil
}

// Reactivate is the explicit administrative recovery path for an agent in
// error. It flips the agent back to active and clears the failure counter.
func (d *Directory) Reactivate(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	agent, err := d.db.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, err
	}
	if agent.Status != model.AgentError {
		return model.Agent{}, fmt.Errorf("directory: agent %s is %s: %w", agent.Name, agent.Status, ErrNotInError)
	}

	agent, err = d.db.SetAgentStatus(ctx, id, model.AgentActive)
	if err != nil {
		return model.Agent{}, err
	}
	d.logger.Info("agent reactivated", "agent_id", agent.ID, "name", agent.Name)
	return agent, nil
}

// SetStatus moves an agent to inactive or maintenance. Transitions to
// active from error must go through Reactivate.
func (d *Directory) SetStatus(ctx context.Context, id uuid.UUID, status model.AgentStatus) (model.Agent, error) {
	switch status {
	case model.AgentInactive, model.AgentMaintenance:
	default:
		return model.Agent{}, fmt.Errorf("directory: status %s cannot be set directly", status)
	}
	agent, err := d.db.SetAgentStatus(ctx, id, status)
	if err != nil {
		return model.Agent{}, err
	}
	d.logger.Info("agent status changed", "agent_id", agent.ID, "status", agent.Status)
	return agent, nil
}

// RequireActive returns the agent if it exists and is active.
func (d *Directory) RequireActive(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	agent, err := d.db.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, err
	}
	if agent.Status != model.AgentActive {
		return model.Agent{}, fmt.Errorf("directory: agent %s is %s: %w", agent.Name, agent.Status, ErrAgentUnavailable)
	}
	return agent, nil
}

// CanPerform reports whether the agent is active and lists the capability.
func (d *Directory) CanPerform(ctx context.Context, id uuid.UUID, capability string) (bool, error) {
	agent, err := d.db.GetAgent(ctx, id)
	if err != nil {
		return false, err
	}
	return agent.Status == model.AgentActive && agent.HasCapability(capability), nil
}

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the liveness state of a registered agent.
type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentInactive    AgentStatus = "inactive"
	AgentMaintenance AgentStatus = "maintenance"
	AgentError       AgentStatus = "error"
)

// AgentType enumerates the known agent roles in the collection flow.
type AgentType string

const (
	AgentTypeCollections     AgentType = "collections_agent"
	AgentTypePayment         AgentType = "payment_agent"
	AgentTypeCustomerSupport AgentType = "customer_support_agent"
	AgentTypeFraudDetection  AgentType = "fraud_detection_agent"
	AgentTypeReconciliation  AgentType = "reconciliation_agent"
)

// FailureThreshold is the number of consecutive failures after which an
// agent is transitioned to status=error. Recovery from error requires an
// explicit administrative reactivation; heartbeats only clear the counter.
const FailureThreshold = 5

// Agent is a registered participant in the agent-to-agent protocol.
// Agents are never hard-deleted, only deactivated.
type Agent struct {
	ID                  uuid.UUID   `json:"id"`
	Name                string      `json:"name"`
	Type                AgentType   `json:"type"`
	Description         string      `json:"description,omitempty"`
	Endpoint            string      `json:"endpoint"`
	SigningSecret       string      `json:"-"` // shared secret for HMAC message signatures
	Capabilities        []string    `json:"capabilities"`
	Status              AgentStatus `json:"status"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastHeartbeat       *time.Time  `json:"last_heartbeat,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// HasCapability reports whether the agent's capability set contains action.
func (a Agent) HasCapability(action string) bool {
	for _, c := range a.Capabilities {
		if c == action {
			return true
		}
	}
	return false
}

// ValidateAgentName checks that an agent name conforms to the allowed format.
// Names must be 1-100 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("name must be at most 100 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

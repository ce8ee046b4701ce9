package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the protocol state of an agent-to-agent conversation.
// Transitions are monotonic: initiated -> active -> one of the terminal
// states. Terminal states never change.
type ConversationStatus string

const (
	ConversationInitiated ConversationStatus = "initiated"
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationFailed    ConversationStatus = "failed"
	ConversationTimeout   ConversationStatus = "timeout"
)

// DefaultConversationWindow is how long a conversation may stay open before
// it is considered timed out. Expiry is evaluated lazily on access.
const DefaultConversationWindow = time.Hour

// Terminal reports whether the status admits no further transitions.
func (s ConversationStatus) Terminal() bool {
	switch s {
	case ConversationCompleted, ConversationFailed, ConversationTimeout:
		return true
	}
	return false
}

// conversationRank orders statuses along the allowed progression. Terminal
// states share the top rank because no terminal state may replace another.
func conversationRank(s ConversationStatus) int {
	switch s {
	case ConversationInitiated:
		return 0
	case ConversationActive:
		return 1
	case ConversationCompleted, ConversationFailed, ConversationTimeout:
		return 2
	}
	return -1
}

// CanTransitionConversation reports whether moving from one status to
// another is a legal forward step.
func CanTransitionConversation(from, to ConversationStatus) bool {
	if from.Terminal() {
		return false
	}
	rf, rt := conversationRank(from), conversationRank(to)
	if rf < 0 || rt < 0 {
		return false
	}
	return rt > rf
}

// Conversation is a bounded request/response exchange between two agents,
// opened under an authorization grant. Context is the initiator's opening
// payload; it doubles as the body of the first message.
type Conversation struct {
	ID          uuid.UUID          `json:"id"`
	InitiatorID uuid.UUID          `json:"initiator_id"`
	TargetID    uuid.UUID          `json:"target_id"`
	GrantID     uuid.UUID          `json:"grant_id"`
	Purpose     string             `json:"purpose"`
	Context     json.RawMessage    `json:"context,omitempty"`
	Status      ConversationStatus `json:"status"`
	Token       string             `json:"token,omitempty"`
	Result      map[string]any     `json:"result,omitempty"`
	FailReason  string             `json:"fail_reason,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	ExpiresAt   time.Time          `json:"expires_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ExpiredAt reports whether the conversation window has closed at the given
// time. Only non-terminal conversations can time out.
func (c Conversation) ExpiredAt(now time.Time) bool {
	return !c.Status.Terminal() && !now.Before(c.ExpiresAt)
}

// HasParticipant reports whether the agent is one of the two parties.
func (c Conversation) HasParticipant(agentID uuid.UUID) bool {
	return agentID == c.InitiatorID || agentID == c.TargetID
}

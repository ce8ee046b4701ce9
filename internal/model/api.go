package model

import (
	"encoding/json"
	"time"
)

// Error codes returned in API error envelopes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeProcessorError = "PROCESSOR_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMITED"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any           `json:"data"`
	Meta *ResponseMeta `json:"meta,omitempty"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error   string        `json:"error"`
	Code    string        `json:"code"`
	Details any           `json:"details,omitempty"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta carries request tracing info on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterAgentRequest is the body of POST /v1/agents.
type RegisterAgentRequest struct {
	Name         string    `json:"name"`
	Type         AgentType `json:"type"`
	Description  string    `json:"description,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Capabilities []string  `json:"capabilities"`
}

// RegisteredAgent is the response to registration. The signing secret is
// returned exactly once, here; it is never served again.
type RegisteredAgent struct {
	Agent         Agent  `json:"agent"`
	SigningSecret string `json:"signing_secret"`
}

// CreateGrantRequest is the body of POST /v1/grants.
type CreateGrantRequest struct {
	PrincipalID         string   `json:"principal_id"`
	SubjectID           string   `json:"subject_id"`
	Permissions         []string `json:"permissions"`
	MaxAmountCents      int64    `json:"max_amount_cents,omitempty"`
	MaxFrequencyPerHour int      `json:"max_frequency_per_hour,omitempty"`
	TTLSeconds          int64    `json:"ttl_seconds,omitempty"`
}

// InitiateConversationRequest is the body of POST /v1/conversations.
// Context is the opening payload; it becomes the body of the conversation's
// first message and Signature is the initiator's HMAC over
// "timestamp:context", computed with the initiator's signing secret.
type InitiateConversationRequest struct {
	TargetID   string          `json:"target_id"`
	GrantID    string          `json:"grant_id"`
	Purpose    string          `json:"purpose"`
	Context    json.RawMessage `json:"context"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
	Signature  string          `json:"signature"`
	Timestamp  int64           `json:"timestamp"`
}

// PostMessageRequest is the body of POST /v1/conversations/{id}/messages.
// Signature is the sender's HMAC over "timestamp:body", computed with the
// sender's signing secret; it is stored with the message.
type PostMessageRequest struct {
	Type      MessageType     `json:"type"`
	Body      json.RawMessage `json:"body"`
	Final     bool            `json:"final"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

// PaymentStatusResponse is the read model for one payment request with its
// settlements.
type PaymentStatusResponse struct {
	Request     PaymentRequest `json:"request"`
	Settlements []Settlement   `json:"settlements"`
}

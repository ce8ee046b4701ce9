package agentpay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Agent is a registered participant in the coordination network.
type Agent struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	Type                string     `json:"type"`
	Description         string     `json:"description,omitempty"`
	Endpoint            string     `json:"endpoint"`
	Capabilities        []string   `json:"capabilities"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHeartbeat       *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// RegisteredAgent is the registration response. The signing secret is
// returned exactly once; store it securely.
type RegisteredAgent struct {
	Agent         Agent  `json:"agent"`
	SigningSecret string `json:"signing_secret"`
}

// RegisterAgentRequest creates a new agent.
type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Description  string   `json:"description,omitempty"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
}

// Grant is a time-boxed authorization between two agents.
type Grant struct {
	ID                  uuid.UUID `json:"id"`
	PrincipalID         uuid.UUID `json:"principal_id"`
	SubjectID           uuid.UUID `json:"subject_id"`
	Permissions         []string  `json:"permissions"`
	MaxAmountCents      int64     `json:"max_amount_cents,omitempty"`
	MaxFrequencyPerHour int       `json:"max_frequency_per_hour,omitempty"`
	Status              string    `json:"status"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CreateGrantRequest issues a grant. The calling agent must be the subject.
type CreateGrantRequest struct {
	PrincipalID         string   `json:"principal_id"`
	SubjectID           string   `json:"subject_id"`
	Permissions         []string `json:"permissions"`
	MaxAmountCents      int64    `json:"max_amount_cents,omitempty"`
	MaxFrequencyPerHour int      `json:"max_frequency_per_hour,omitempty"`
	TTLSeconds          int64    `json:"ttl_seconds,omitempty"`
}

// Conversation is a bounded exchange between two agents. Context is the
// initiator's opening payload, stored as the first message.
type Conversation struct {
	ID          uuid.UUID       `json:"id"`
	InitiatorID uuid.UUID       `json:"initiator_id"`
	TargetID    uuid.UUID       `json:"target_id"`
	GrantID     uuid.UUID       `json:"grant_id"`
	Purpose     string          `json:"purpose"`
	Context     json.RawMessage `json:"context,omitempty"`
	Status      string          `json:"status"`
	Token       string          `json:"token"`
	Result      map[string]any  `json:"result,omitempty"`
	FailReason  string          `json:"fail_reason,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InitiateConversationRequest opens a conversation with a target agent.
// Context is the opening payload; the client signs it before sending.
type InitiateConversationRequest struct {
	TargetID   string          `json:"target_id"`
	GrantID    string          `json:"grant_id"`
	Purpose    string          `json:"purpose"`
	Context    json.RawMessage `json:"context"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

// Message is one signed message inside a conversation.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	Type           string          `json:"type"`
	Body           json.RawMessage `json:"body"`
	Final          bool            `json:"final"`
	Signature      string          `json:"signature"`
	SentAt         time.Time       `json:"sent_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PaymentRequest is one payment moving through the orchestration state
// machine.
type PaymentRequest struct {
	ID             uuid.UUID  `json:"id"`
	RequestRef     string     `json:"request_ref"`
	IdempotencyKey string     `json:"idempotency_key"`
	RequesterID    uuid.UUID  `json:"requester_id"`
	ExecutorID     uuid.UUID  `json:"executor_id"`
	GrantID        uuid.UUID  `json:"grant_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	AmountCents    int64      `json:"amount_cents"`
	Currency       string     `json:"currency"`
	Method         string     `json:"method"`
	CustomerRef    string     `json:"customer_ref,omitempty"`
	InvoiceRef     string     `json:"invoice_ref,omitempty"`
	Description    string     `json:"description,omitempty"`
	Status         string     `json:"status"`
	ProcessorName  string     `json:"processor_name,omitempty"`
	ExternalTxnID  string     `json:"external_txn_id,omitempty"`
	FeeCents       int64      `json:"fee_cents,omitempty"`
	NetCents       int64      `json:"net_cents,omitempty"`
	FailureCode    string     `json:"failure_code,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SubmitPaymentRequest submits a payment for orchestration. Retries with the
// same idempotency key return the original request.
type SubmitPaymentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	ExecutorID     string `json:"executor_id"`
	GrantID        string `json:"grant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Method         string `json:"method"`
	CustomerRef    string `json:"customer_ref,omitempty"`
	InvoiceRef     string `json:"invoice_ref,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Settlement is a processor-confirmed settlement for a payment request.
type Settlement struct {
	ID               uuid.UUID  `json:"id"`
	PaymentRequestID uuid.UUID  `json:"payment_request_id"`
	ExternalTxnID    string     `json:"external_txn_id"`
	GrossCents       int64      `json:"gross_cents"`
	FeeCents         int64      `json:"fee_cents"`
	NetCents         int64      `json:"net_cents"`
	Currency         string     `json:"currency"`
	FeeMismatch      bool       `json:"fee_mismatch"`
	Reconciled       bool       `json:"reconciled"`
	ReconcileRef     string     `json:"reconcile_ref,omitempty"`
	SettledAt        time.Time  `json:"settled_at"`
	ReconciledAt     *time.Time `json:"reconciled_at,omitempty"`
}

// PaymentStatus is a payment request with its settlements.
type PaymentStatus struct {
	Request     PaymentRequest `json:"request"`
	Settlements []Settlement   `json:"settlements"`
}

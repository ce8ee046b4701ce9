package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a conversation message.
type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
	MessageError    MessageType = "error"
	MessageStatus   MessageType = "status"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageRequest, MessageResponse, MessageError, MessageStatus:
		return true
	}
	return false
}

// Message is a single signed exchange within a conversation. The signature
// covers the canonical JSON body and the sender's timestamp using the
// sender's shared secret.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	Type           MessageType     `json:"type"`
	Body           json.RawMessage `json:"body"`
	Final          bool            `json:"final"`
	Signature      string          `json:"signature"`
	SentAt         time.Time       `json:"sent_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessageBody is implemented by the structured payload variants a message
// body may decode to. Unrecognized bodies decode to OpaqueBody rather than
// failing, so new payload kinds never break older peers.
type MessageBody interface {
	MessageKind() string
}

// PaymentRequestBody asks the receiving agent to execute a payment.
type PaymentRequestBody struct {
	Kind           string `json:"kind"`
	RequestRef     string `json:"request_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Method         string `json:"method"`
	CustomerRef    string `json:"customer_ref,omitempty"`
	InvoiceRef     string `json:"invoice_ref,omitempty"`
	Description    string `json:"description,omitempty"`
}

func (PaymentRequestBody) MessageKind() string { return "payment_request" }

// PaymentResultBody reports the outcome of a previously requested payment.
type PaymentResultBody struct {
	Kind          string `json:"kind"`
	RequestRef    string `json:"request_ref"`
	Status        string `json:"status"`
	ProcessorName string `json:"processor_name,omitempty"`
	ExternalTxnID string `json:"external_txn_id,omitempty"`
	FeeCents      int64  `json:"fee_cents,omitempty"`
	FailureCode   string `json:"failure_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (PaymentResultBody) MessageKind() string { return "payment_result" }

// StatusQueryBody asks for the current state of a payment request.
type StatusQueryBody struct {
	Kind       string `json:"kind"`
	RequestRef string `json:"request_ref"`
}

func (StatusQueryBody) MessageKind() string { return "status_query" }

// ErrorBody carries a protocol-level error between agents.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorBody) MessageKind() string { return "error" }

// OpaqueBody wraps a body whose kind is not recognized. The raw payload is
// preserved untouched.
type OpaqueBody struct {
	Kind string          `json:"kind"`
	Raw  json.RawMessage `json:"-"`
}

func (b OpaqueBody) MessageKind() string { return b.Kind }

// DecodeMessageBody parses a raw message body into its structured variant.
// Bodies with an unknown or missing kind come back as OpaqueBody; only
// malformed JSON is an error.
func DecodeMessageBody(raw json.RawMessage) (MessageBody, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("model: decode message body: %w", err)
	}

	switch probe.Kind {
	case "payment_request":
		var b PaymentRequestBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("model: decode payment_request body: %w", err)
		}
		return b, nil
	case "payment_result":
		var b PaymentResultBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("model: decode payment_result body: %w", err)
		}
		return b, nil
	case "status_query":
		var b StatusQueryBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("model: decode status_query body: %w", err)
		}
		return b, nil
	case "error":
		var b ErrorBody
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("model: decode error body: %w", err)
		}
		return b, nil
	default:
		return OpaqueBody{Kind: probe.Kind, Raw: raw}, nil
	}
}

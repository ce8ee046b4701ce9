package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookOutcome is what the reconciler decided about an ingested event.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// WebhookEvent is the durable record of one processor event. The pair
// (processor_id, external_event_id) is unique; a redelivered event hits the
// existing row and is acknowledged without reprocessing.
type WebhookEvent struct {
	ID               uuid.UUID       `json:"id"`
	ProcessorID      uuid.UUID       `json:"processor_id"`
	ExternalEventID  string          `json:"external_event_id"`
	EventType        string          `json:"event_type"`
	ExternalTxnID    string          `json:"external_txn_id,omitempty"`
	PaymentRequestID *uuid.UUID      `json:"payment_request_id,omitempty"`
	Outcome          WebhookOutcome  `json:"outcome"`
	IgnoreReason     string          `json:"ignore_reason,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	ReceivedAt       time.Time       `json:"received_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ProcessorEvent is implemented by the classified event variants a webhook
// payload may carry. Unrecognized event types classify to UnknownEvent and
// are recorded as ignored rather than rejected.
type ProcessorEvent interface {
	EventName() string
	TransactionID() string
}

// PaymentSucceededEvent reports a successful charge or transfer. RequestRef
// is the reference we sent with the dispatch, echoed back by the processor;
// it matches payments whose transaction id was never persisted.
type PaymentSucceededEvent struct {
	TxnID       string
	RequestRef  string
	AmountCents int64
	FeeCents    int64
	Currency    string
	OccurredAt  time.Time
}

func (e PaymentSucceededEvent) EventName() string     { return "payment.succeeded" }
func (e PaymentSucceededEvent) TransactionID() string { return e.TxnID }

// PaymentFailedEvent reports a declined or errored charge.
type PaymentFailedEvent struct {
	TxnID      string
	RequestRef string
	Code       string
	Reason     string
	OccurredAt time.Time
}

func (e PaymentFailedEvent) EventName() string     { return "payment.failed" }
func (e PaymentFailedEvent) TransactionID() string { return e.TxnID }

// SettlementCompletedEvent reports that settled funds have been paid out.
type SettlementCompletedEvent struct {
	TxnID        string
	ReconcileRef string
	OccurredAt   time.Time
}

func (e SettlementCompletedEvent) EventName() string     { return "settlement.completed" }
func (e SettlementCompletedEvent) TransactionID() string { return e.TxnID }

// UnknownEvent wraps an event type the reconciler does not act on.
type UnknownEvent struct {
	Type  string
	TxnID string
}

func (e UnknownEvent) EventName() string     { return e.Type }
func (e UnknownEvent) TransactionID() string { return e.TxnID }

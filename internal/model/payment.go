package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the orchestration state of a payment request.
//
//	received -> processing -> authorized -> settled
//	                   \-> failed
//	received/processing -> cancelled
//
// settled, failed, and cancelled are terminal.
type PaymentStatus string

const (
	PaymentReceived   PaymentStatus = "received"
	PaymentProcessing PaymentStatus = "processing"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentSettled    PaymentStatus = "settled"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentSettled, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// ValidPaymentStatus reports whether s is one of the known statuses.
func ValidPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentReceived, PaymentProcessing, PaymentAuthorized,
		PaymentSettled, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// paymentTransitions is the complete set of legal moves. Anything absent is
// rejected, which makes terminal immutability fall out for free.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentReceived:   {PaymentProcessing, PaymentCancelled, PaymentFailed},
	PaymentProcessing: {PaymentAuthorized, PaymentFailed, PaymentCancelled},
	PaymentAuthorized: {PaymentSettled, PaymentFailed},
}

// CanTransitionPayment reports whether from -> to is a legal move.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentMethod is the payment rail used to collect funds.
type PaymentMethod string

const (
	MethodACH  PaymentMethod = "ach"
	MethodCard PaymentMethod = "card"
	MethodSEPA PaymentMethod = "sepa"
	MethodBACS PaymentMethod = "bacs"
	MethodWire PaymentMethod = "wire"
)

// ProcessorType identifies a processor backend implementation.
type ProcessorType string

const (
	ProcessorStripe ProcessorType = "stripe"
	ProcessorAdyen  ProcessorType = "adyen"
	ProcessorPlaid  ProcessorType = "plaid"
)

// ProcessorStatus is the operational state of a payment processor.
type ProcessorStatus string

const (
	ProcessorActive      ProcessorStatus = "active"
	ProcessorInactive    ProcessorStatus = "inactive"
	ProcessorMaintenance ProcessorStatus = "maintenance"
)

// PaymentProcessor is a configured processor backend. Selection walks
// processors in stable name order and picks the first active one supporting
// the request's method and currency.
type PaymentProcessor struct {
	ID                  uuid.UUID       `json:"id"`
	Name                string          `json:"name"`
	Type                ProcessorType   `json:"type"`
	APIEndpoint         string          `json:"api_endpoint"`
	WebhookEndpoint     string          `json:"webhook_endpoint,omitempty"`
	SupportedMethods    []string        `json:"supported_methods"`
	SupportedCurrencies []string        `json:"supported_currencies"`
	Status              ProcessorStatus `json:"status"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SupportsMethod reports whether the processor handles the given payment
// method. Comparison is case-insensitive.
func (p PaymentProcessor) SupportsMethod(method PaymentMethod) bool {
	for _, m := range p.SupportedMethods {
		if strings.EqualFold(m, string(method)) {
			return true
		}
	}
	return false
}

// SupportsCurrency reports whether the processor handles the given currency.
// Comparison is case-insensitive.
func (p PaymentProcessor) SupportsCurrency(currency string) bool {
	for _, c := range p.SupportedCurrencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// PaymentRequest is one payment collection attempt moving through the state
// machine. IdempotencyKey dedupes client retries; RequestRef is the external
// identifier exchanged between agents and embedded in processor metadata.
type PaymentRequest struct {
	ID             uuid.UUID     `json:"id"`
	RequestRef     string        `json:"request_ref"`
	IdempotencyKey string        `json:"idempotency_key"`
	RequesterID    uuid.UUID     `json:"requester_id"`
	ExecutorID     uuid.UUID     `json:"executor_id"`
	GrantID        uuid.UUID     `json:"grant_id"`
	ConversationID *uuid.UUID    `json:"conversation_id,omitempty"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Method         PaymentMethod `json:"method"`
	CustomerRef    string        `json:"customer_ref,omitempty"`
	InvoiceRef     string        `json:"invoice_ref,omitempty"`
	Description    string        `json:"description,omitempty"`

	Status        PaymentStatus `json:"status"`
	ProcessorID   *uuid.UUID    `json:"processor_id,omitempty"`
	ProcessorName string        `json:"processor_name,omitempty"`
	ExternalTxnID string        `json:"external_txn_id,omitempty"`
	FeeCents      int64         `json:"fee_cents"`
	NetCents      int64         `json:"net_cents"`
	FailureCode   string        `json:"failure_code,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`

	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Settlement records funds confirmed by a processor for a payment request.
// Processor-reported figures are authoritative; when they disagree with our
// own fee computation the settlement is flagged, never silently corrected.
type Settlement struct {
	ID               uuid.UUID  `json:"id"`
	PaymentRequestID uuid.UUID  `json:"payment_request_id"`
	ProcessorID      uuid.UUID  `json:"processor_id"`
	ExternalTxnID    string     `json:"external_txn_id"`
	GrossCents       int64      `json:"gross_cents"`
	FeeCents         int64      `json:"fee_cents"`
	NetCents         int64      `json:"net_cents"`
	Currency         string     `json:"currency"`
	FeeMismatch      bool       `json:"fee_mismatch"`
	Reconciled       bool       `json:"reconciled"`
	ReconciledAt     *time.Time `json:"reconciled_at,omitempty"`
	ReconcileRef     string     `json:"reconcile_ref,omitempty"`
	SettledAt        time.Time  `json:"settled_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// MaxAmountCents is the largest single payment accepted, one million dollars
// in minor units.
const MaxAmountCents int64 = 100_000_000

var supportedCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true,
}

var supportedMethods = map[PaymentMethod]bool{
	MethodACH: true, MethodCard: true, MethodSEPA: true, MethodBACS: true, MethodWire: true,
}

// SupportedCurrency reports whether the currency code is accepted.
// Codes are compared upper-cased.
func SupportedCurrency(currency string) bool {
	return supportedCurrencies[strings.ToUpper(currency)]
}

// SupportedMethod reports whether the payment method is accepted.
func SupportedMethod(method PaymentMethod) bool {
	return supportedMethods[PaymentMethod(strings.ToLower(string(method)))]
}

// SubmitPaymentInput is the caller-supplied portion of a payment request.
type SubmitPaymentInput struct {
	IdempotencyKey string        `json:"idempotency_key"`
	RequesterID    uuid.UUID     `json:"requester_id"`
	ExecutorID     uuid.UUID     `json:"executor_id"`
	GrantID        uuid.UUID     `json:"grant_id"`
	ConversationID *uuid.UUID    `json:"conversation_id,omitempty"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Method         PaymentMethod `json:"method"`
	CustomerRef    string        `json:"customer_ref,omitempty"`
	InvoiceRef     string        `json:"invoice_ref,omitempty"`
	Description    string        `json:"description,omitempty"`
}

// Validate checks the submission for structural problems before any state is
// created. Amounts are integer minor units, bounded above by MaxAmountCents.
func (in SubmitPaymentInput) Validate() error {
	if in.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if in.RequesterID == uuid.Nil {
		return fmt.Errorf("requester_id is required")
	}
	if in.ExecutorID == uuid.Nil {
		return fmt.Errorf("executor_id is required")
	}
	if in.GrantID == uuid.Nil {
		return fmt.Errorf("grant_id is required")
	}
	if in.AmountCents <= 0 {
		return fmt.Errorf("amount_cents must be positive")
	}
	if in.AmountCents > MaxAmountCents {
		return fmt.Errorf("amount_cents exceeds maximum of %d", MaxAmountCents)
	}
	if !SupportedCurrency(in.Currency) {
		return fmt.Errorf("unsupported currency: %s", in.Currency)
	}
	if !SupportedMethod(in.Method) {
		return fmt.Errorf("unsupported payment method: %s", in.Method)
	}
	return nil
}

package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// Normalized failure codes. Processor-specific decline reasons map onto
// these so callers never branch on backend-specific strings.
const (
	FailInsufficientFunds = "insufficient_funds"
	FailDeclined          = "declined"
	FailInvalidAccount    = "invalid_account"
	FailProcessorDown     = "processor_unavailable"
	FailUnknown           = "processor_error"
)

// ErrNoProcessor is returned when no active processor supports the
// requested method and currency.
var ErrNoProcessor = errors.New("payments: no processor supports request")

// ErrBadWebhook is returned when a webhook body cannot be decoded.
var ErrBadWebhook = errors.New("payments: malformed webhook payload")

// ProcessorError is a normalized failure reported by a processor backend.
// Retryable errors leave the request retried by the caller; permanent ones
// fail the payment.
type ProcessorError struct {
	Code      string
	Reason    string
	Retryable bool
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("payments: processor error %s: %s", e.Code, e.Reason)
}

// SubmitResult is a successful dispatch to a processor backend.
type SubmitResult struct {
	ExternalTxnID string
}

// ParsedWebhook is a processor event decoded from a raw webhook body.
type ParsedWebhook struct {
	EventID string
	Event   model.ProcessorEvent
}

// ProcessorClient is one processor backend. Submit dispatches a payment for
// authorization; ParseWebhook decodes the backend's webhook payload into a
// normalized event.
type ProcessorClient interface {
	Submit(ctx context.Context, req model.PaymentRequest) (SubmitResult, error)
	ParseWebhook(body []byte) (ParsedWebhook, error)
}

// SelectProcessor walks processors in stable name order and returns the
// first active one supporting the request's method and currency. The input
// must already be name-ordered (ListProcessors guarantees it); selection is
// deterministic so duplicate submissions choose the same backend.
func SelectProcessor(procs []model.PaymentProcessor, method model.PaymentMethod, currency string) (model.PaymentProcessor, error) {
	for _, p := range procs {
		if p.Status != model.ProcessorActive {
			continue
		}
		if p.SupportsMethod(method) && p.SupportsCurrency(currency) {
			return p, nil
		}
	}
	return model.PaymentProcessor{}, fmt.Errorf("payments: method %s currency %s: %w", method, currency, ErrNoProcessor)
}

package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// StripeClient dispatches payments through Stripe PaymentIntents.
type StripeClient struct {
	client        *stripe.Client
	webhookSecret string
}

// NewStripeClient creates a StripeClient. webhookSecret may be empty when
// webhook signatures are verified upstream.
func NewStripeClient(secretKey, webhookSecret string) *StripeClient {
	return &StripeClient{
		client:        stripe.NewClient(secretKey),
		webhookSecret: webhookSecret,
	}
}

// Submit creates and confirms a PaymentIntent for the request. The request
// ref rides along in metadata so processor-side records can be traced back.
func (c *StripeClient) Submit(ctx context.Context, req model.PaymentRequest) (SubmitResult, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		Metadata: map[string]string{
			"request_ref": req.RequestRef,
			"invoice_ref": req.InvoiceRef,
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	intent, err := c.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return SubmitResult{}, normalizeStripeError(err)
	}
	return SubmitResult{ExternalTxnID: intent.ID}, nil
}

// normalizeStripeError maps Stripe API errors onto the normalized failure
// codes. Card declines are permanent; transport and 5xx failures retryable.
func normalizeStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &ProcessorError{Code: FailProcessorDown, Reason: err.Error(), Retryable: true}
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined:
		if stripeErr.DeclineCode == stripe.DeclineCodeInsufficientFunds {
			return &ProcessorError{Code: FailInsufficientFunds, Reason: stripeErr.Msg}
		}
		return &ProcessorError{Code: FailDeclined, Reason: stripeErr.Msg}
	case stripe.ErrorCodeAccountInvalid, stripe.ErrorCodeBankAccountUnusable:
		return &ProcessorError{Code: FailInvalidAccount, Reason: stripeErr.Msg}
	}
	if stripeErr.HTTPStatusCode >= 500 {
		return &ProcessorError{Code: FailProcessorDown, Reason: stripeErr.Msg, Retryable: true}
	}
	return &ProcessorError{Code: FailUnknown, Reason: stripeErr.Msg}
}

// stripeWebhookPayload is the envelope Stripe posts. Only the fields the
// reconciler needs are decoded; the full payload is stored raw.
type stripeWebhookPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID          string            `json:"id"`
			Amount      int64             `json:"amount"`
			Fee         int64             `json:"fee"`
			Currency    string            `json:"currency"`
			PayoutRef   string            `json:"payout_ref"`
			FailureCode string            `json:"failure_code"`
			FailureMsg  string            `json:"failure_message"`
			Metadata    map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook decodes a Stripe-style webhook body into a normalized event.
// Both Stripe-native event types (payment_intent.*) and the generic names
// other processors emit (payment.*) are understood.
func (c *StripeClient) ParseWebhook(body []byte) (ParsedWebhook, error) {
	var payload stripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ParsedWebhook{}, fmt.Errorf("parse stripe webhook: %v: %w", err, ErrBadWebhook)
	}
	if payload.ID == "" {
		return ParsedWebhook{}, fmt.Errorf("stripe webhook missing event id: %w", ErrBadWebhook)
	}

	occurred := time.Unix(payload.Created, 0).UTC()
	obj := payload.Data.Object

	var event model.ProcessorEvent
	switch payload.Type {
	case "payment_intent.succeeded", "charge.succeeded", "payment.succeeded":
		event = model.PaymentSucceededEvent{
			TxnID:       obj.ID,
			RequestRef:  obj.Metadata["request_ref"],
			AmountCents: obj.Amount,
			FeeCents:    obj.Fee,
			Currency:    obj.Currency,
			OccurredAt:  occurred,
		}
	case "payment_intent.payment_failed", "charge.failed", "payment.failed":
		event = model.PaymentFailedEvent{
			TxnID:      obj.ID,
			RequestRef: obj.Metadata["request_ref"],
			Code:       obj.FailureCode,
			Reason:     obj.FailureMsg,
			OccurredAt: occurred,
		}
	case "payout.paid", "settlement.completed":
		event = model.SettlementCompletedEvent{
			TxnID:        obj.ID,
			ReconcileRef: obj.PayoutRef,
			OccurredAt:   occurred,
		}
	default:
		event = model.UnknownEvent{Type: payload.Type, TxnID: obj.ID}
	}

	return ParsedWebhook{EventID: payload.ID, Event: event}, nil
}

// Package reconciler ingests processor webhook events: durable dedup,
// classification, matching against payment requests, and settlement.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/payments"
	"github.com/agentpay-dev/agentpay/internal/storage"
)

// ErrUnknownProcessor is returned when a webhook arrives for a processor
// name that is not registered.
var ErrUnknownProcessor = errors.New("reconciler: unknown processor")

// Reconciler applies processor events to payment state.
type Reconciler struct {
	db      *storage.DB
	clients map[model.ProcessorType]payments.ProcessorClient
	logger  *slog.Logger
}

// New creates a Reconciler.
func New(db *storage.DB, clients map[model.ProcessorType]payments.ProcessorClient, logger *slog.Logger) *Reconciler {
	return &Reconciler{db: db, clients: clients, logger: logger}
}

// Ingest processes one raw webhook body from the named processor. The event
// is recorded durably before any state changes; a redelivered event id is
// acknowledged as a duplicate without reprocessing. Events that cannot be
// matched or acted on are recorded as ignored with a reason, never dropped
// silently.
func (r *Reconciler) Ingest(ctx context.Context, processorName string, body []byte) (model.WebhookEvent, error) {
	proc, err := r.db.GetProcessorByName(ctx, processorName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.WebhookEvent{}, fmt.Errorf("reconciler: processor %s: %w", processorName, ErrUnknownProcessor)
		}
		return model.WebhookEvent{}, err
	}

	client, ok := r.clients[proc.Type]
	if !ok {
		return model.WebhookEvent{}, fmt.Errorf("reconciler: no client for processor type %s", proc.Type)
	}

	parsed, err := client.ParseWebhook(body)
	if err != nil {
		return model.WebhookEvent{}, err
	}

	record, created, err := r.db.InsertWebhookEventIfAbsent(ctx, model.WebhookEvent{
		ProcessorID:     proc.ID,
		ExternalEventID: parsed.EventID,
		EventType:       parsed.Event.EventName(),
		ExternalTxnID:   parsed.Event.TransactionID(),
		Outcome:         model.WebhookApplied,
		Payload:         json.RawMessage(body),
		ReceivedAt:      time.Now().UTC(),
	})
	if err != nil {
		return model.WebhookEvent{}, err
	}
	if !created {
		r.logger.Info("duplicate webhook event acknowledged",
			"processor", processorName,
			"external_event_id", parsed.EventID,
		)
		record.Outcome = model.WebhookDuplicate
		return record, nil
	}

	outcome, reason, paymentID := r.apply(ctx, proc, parsed.Event)
	record.Outcome = outcome
	record.IgnoreReason = reason
	record.PaymentRequestID = paymentID

	if err := r.db.UpdateWebhookEventOutcome(ctx, record.ID, outcome, reason, paymentID); err != nil {
		return model.WebhookEvent{}, err
	}

	r.logger.Info("webhook event processed",
		"processor", processorName,
		"external_event_id", parsed.EventID,
		"event_type", record.EventType,
		"outcome", outcome,
		"reason", reason,
	)
	return record, nil
}

// apply routes a classified event to its handler. Handler errors degrade to
// an ignored outcome with the error as reason; a bad event never poisons
// the webhook channel.
func (r *Reconciler) apply(ctx context.Context, proc model.PaymentProcessor, event model.ProcessorEvent) (model.WebhookOutcome, string, *uuid.UUID) {
	switch ev := event.(type) {
	case model.PaymentSucceededEvent:
		return r.applySucceeded(ctx, proc, ev)
	case model.PaymentFailedEvent:
		return r.applyFailed(ctx, ev)
	case model.SettlementCompletedEvent:
		return r.applySettlementCompleted(ctx, ev)
	default:
		return model.WebhookIgnored, fmt.Sprintf("unhandled event type %s", event.EventName()), nil
	}
}

// matchPayment resolves the payment a processor event belongs to. The
// transaction id is tried first; the request ref we sent at dispatch, echoed
// back by the processor, covers rows whose transaction id was never
// persisted because the dispatch crashed before MarkPaymentAuthorized.
func (r *Reconciler) matchPayment(ctx context.Context, txnID, requestRef string) (model.PaymentRequest, error) {
	payment, err := r.db.GetPaymentByExternalTxn(ctx, txnID)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return payment, err
	}
	if requestRef == "" {
		return model.PaymentRequest{}, err
	}
	return r.db.GetPaymentByRequestRef(ctx, requestRef)
}

func (r *Reconciler) applySucceeded(ctx context.Context, proc model.PaymentProcessor, ev model.PaymentSucceededEvent) (model.WebhookOutcome, string, *uuid.UUID) {
	payment, err := r.matchPayment(ctx, ev.TxnID, ev.RequestRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.WebhookIgnored, "no payment request matches transaction", nil
		}
		return model.WebhookIgnored, err.Error(), nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := r.db.GetPaymentForUpdate(ctx, tx, payment.ID)
	if err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}
	if locked.Status != model.PaymentProcessing && locked.Status != model.PaymentAuthorized {
		return model.WebhookIgnored, fmt.Sprintf("payment is %s, not settleable", locked.Status), &payment.ID
	}

	// Processor-reported figures are authoritative. Our own fee computation
	// runs alongside; a disagreement flags the settlement for review rather
	// than overriding what the processor settled.
	gross := ev.AmountCents
	if gross == 0 {
		gross = locked.AmountCents
	}
	fee := ev.FeeCents
	expectedFee := payments.FeeCents(proc.Type, locked.Method, gross)
	if fee == 0 {
		fee = expectedFee
	}
	mismatch := fee != expectedFee || gross != locked.AmountCents

	settledAt := ev.OccurredAt
	if settledAt.IsZero() {
		settledAt = time.Now().UTC()
	}

	if _, err := r.db.InsertSettlementTx(ctx, tx, model.Settlement{
		PaymentRequestID: locked.ID,
		ProcessorID:      proc.ID,
		ExternalTxnID:    ev.TxnID,
		GrossCents:       gross,
		FeeCents:         fee,
		NetCents:         gross - fee,
		Currency:         currencyOr(ev.Currency, locked.Currency),
		FeeMismatch:      mismatch,
		SettledAt:        settledAt,
	}); err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}

	if _, err := r.db.MarkPaymentSettledTx(ctx, tx, locked.ID, ev.TxnID, fee, gross-fee, settledAt); err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}

	if mismatch {
		r.logger.Warn("settlement figures disagree with fee schedule",
			"payment_id", locked.ID,
			"reported_fee_cents", fee,
			"expected_fee_cents", expectedFee,
			"reported_gross_cents", gross,
			"amount_cents", locked.AmountCents,
		)
	}
	return model.WebhookApplied, "", &payment.ID
}

func (r *Reconciler) applyFailed(ctx context.Context, ev model.PaymentFailedEvent) (model.WebhookOutcome, string, *uuid.UUID) {
	payment, err := r.matchPayment(ctx, ev.TxnID, ev.RequestRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.WebhookIgnored, "no payment request matches transaction", nil
		}
		return model.WebhookIgnored, err.Error(), nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := r.db.GetPaymentForUpdate(ctx, tx, payment.ID)
	if err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}
	if locked.Status.Terminal() {
		return model.WebhookIgnored, fmt.Sprintf("payment already %s", locked.Status), &payment.ID
	}

	code := ev.Code
	if code == "" {
		code = payments.FailUnknown
	}
	if _, err := r.db.MarkPaymentFailedTx(ctx, tx, locked.ID, code, ev.Reason); err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WebhookIgnored, err.Error(), &payment.ID
	}
	return model.WebhookApplied, "", &payment.ID
}

func (r *Reconciler) applySettlementCompleted(ctx context.Context, ev model.SettlementCompletedEvent) (model.WebhookOutcome, string, *uuid.UUID) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	settlement, err := r.db.MarkSettlementReconciled(ctx, ev.TxnID, ev.ReconcileRef, at)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.WebhookIgnored, "no unreconciled settlement matches transaction", nil
		}
		return model.WebhookIgnored, err.Error(), nil
	}
	return model.WebhookApplied, "", &settlement.PaymentRequestID
}

func currencyOr(reported, fallback string) string {
	if reported == "" {
		return fallback
	}
	return reported
}

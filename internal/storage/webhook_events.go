package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// InsertWebhookEventIfAbsent records a webhook event keyed by
// (processor_id, external_event_id). Returns created=false when the event
// was already recorded; redeliveries must be acknowledged without
// reprocessing.
func (db *DB) InsertWebhookEventIfAbsent(ctx context.Context, ev model.WebhookEvent) (model.WebhookEvent, bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = ev.CreatedAt
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, processor_id, external_event_id, event_type, external_txn_id, payment_request_id, outcome, ignore_reason, payload, received_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (processor_id, external_event_id) DO NOTHING`,
		ev.ID, ev.ProcessorID, ev.ExternalEventID, ev.EventType, ev.ExternalTxnID,
		ev.PaymentRequestID, string(ev.Outcome), ev.IgnoreReason, ev.Payload,
		ev.ReceivedAt, ev.CreatedAt,
	)
	if err != nil {
		return model.WebhookEvent{}, false, fmt.Errorf("storage: insert webhook event: %w", err)
	}
	return ev, tag.RowsAffected() == 1, nil
}

// UpdateWebhookEventOutcome records what the reconciler decided after
// processing the event.
func (db *DB) UpdateWebhookEventOutcome(ctx context.Context, id uuid.UUID, outcome model.WebhookOutcome, ignoreReason string, paymentRequestID *uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE webhook_events SET outcome = $2, ignore_reason = $3, payment_request_id = $4 WHERE id = $1`,
		id, string(outcome), ignoreReason, paymentRequestID,
	)
	if err != nil {
		return fmt.Errorf("storage: update webhook event outcome: %w", err)
	}
	return nil
}

// ListWebhookEvents returns recent events for a processor, newest first.
func (db *DB) ListWebhookEvents(ctx context.Context, processorID uuid.UUID, limit int) ([]model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, processor_id, external_event_id, event_type, external_txn_id, payment_request_id, outcome, ignore_reason, payload, received_at, created_at
		 FROM webhook_events WHERE processor_id = $1 ORDER BY created_at DESC LIMIT $2`,
		processorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list webhook events: %w", err)
	}
	defer rows.Close()

	var events []model.WebhookEvent
	for rows.Next() {
		var ev model.WebhookEvent
		var payload []byte
		if err := rows.Scan(
			&ev.ID, &ev.ProcessorID, &ev.ExternalEventID, &ev.EventType,
			&ev.ExternalTxnID, &ev.PaymentRequestID, &ev.Outcome, &ev.IgnoreReason,
			&payload, &ev.ReceivedAt, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan webhook event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

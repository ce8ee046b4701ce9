package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentpay-dev/agentpay/internal/model"
)

const paymentColumns = `id, request_ref, idempotency_key, requester_id, executor_id, grant_id,
	 conversation_id, amount_cents, currency, method, customer_ref, invoice_ref, description,
	 status, processor_id, processor_name, external_txn_id, fee_cents, net_cents,
	 failure_code, failure_reason, authorized_at, settled_at, created_at, updated_at`

func scanPayment(row pgx.Row) (model.PaymentRequest, error) {
	var p model.PaymentRequest
	err := row.Scan(
		&p.ID, &p.RequestRef, &p.IdempotencyKey, &p.RequesterID, &p.ExecutorID,
		&p.GrantID, &p.ConversationID, &p.AmountCents, &p.Currency, &p.Method,
		&p.CustomerRef, &p.InvoiceRef, &p.Description, &p.Status, &p.ProcessorID,
		&p.ProcessorName, &p.ExternalTxnID, &p.FeeCents, &p.NetCents,
		&p.FailureCode, &p.FailureReason, &p.AuthorizedAt, &p.SettledAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// CreatePaymentIfAbsent inserts a payment request keyed by idempotency key.
// It returns the winning row and created=true when this call inserted it, or
// the pre-existing row and created=false when the key was already taken.
// The ON CONFLICT DO NOTHING insert is the atomic winner election for
// concurrent duplicate submissions.
func (db *DB) CreatePaymentIfAbsent(ctx context.Context, p model.PaymentRequest) (model.PaymentRequest, bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = model.PaymentReceived
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO payment_requests (id, request_ref, idempotency_key, requester_id, executor_id, grant_id, conversation_id,
		     amount_cents, currency, method, customer_ref, invoice_ref, description, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		p.ID, p.RequestRef, p.IdempotencyKey, p.RequesterID, p.ExecutorID,
		p.GrantID, p.ConversationID, p.AmountCents, p.Currency, string(p.Method),
		p.CustomerRef, p.InvoiceRef, p.Description, string(p.Status),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.PaymentRequest{}, false, fmt.Errorf("storage: create payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return p, true, nil
	}

	existing, err := db.GetPaymentByIdempotencyKey(ctx, p.IdempotencyKey)
	if err != nil {
		return model.PaymentRequest{}, false, err
	}
	return existing, false, nil
}

// GetPayment retrieves a payment request by ID.
func (db *DB) GetPayment(ctx context.Context, id uuid.UUID) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s: %w", id, ErrNotFound)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: get payment: %w", err)
	}
	return p, nil
}

// GetPaymentByIdempotencyKey retrieves a payment request by its client key.
func (db *DB) GetPaymentByIdempotencyKey(ctx context.Context, key string) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE idempotency_key = $1`, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment key %s: %w", key, ErrNotFound)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: get payment by key: %w", err)
	}
	return p, nil
}

// GetPaymentByRequestRef retrieves a payment request by its external ref.
func (db *DB) GetPaymentByRequestRef(ctx context.Context, ref string) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE request_ref = $1`, ref,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment ref %s: %w", ref, ErrNotFound)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: get payment by ref: %w", err)
	}
	return p, nil
}

// GetPaymentByExternalTxn retrieves a payment request by the processor's
// transaction id. Used by the webhook reconciler to match inbound events.
func (db *DB) GetPaymentByExternalTxn(ctx context.Context, txnID string) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE external_txn_id = $1`, txnID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment txn %s: %w", txnID, ErrNotFound)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: get payment by txn: %w", err)
	}
	return p, nil
}

// GetPaymentForUpdate locks the payment row within tx and returns it.
func (db *DB) GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.PaymentRequest, error) {
	p, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s: %w", id, ErrNotFound)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: lock payment: %w", err)
	}
	return p, nil
}

// MarkPaymentProcessing moves received -> processing and records the
// selected processor. Returns ErrConflict when the request already left
// received, which makes a retried dispatch a no-op.
func (db *DB) MarkPaymentProcessing(ctx context.Context, id, processorID uuid.UUID, processorName string) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`UPDATE payment_requests
		 SET status = 'processing', processor_id = $2, processor_name = $3, updated_at = now()
		 WHERE id = $1 AND status = 'received'
		 RETURNING `+paymentColumns, id, processorID, processorName,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s not in received: %w", id, ErrConflict)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: mark payment processing: %w", err)
	}
	return p, nil
}

// MarkPaymentAuthorized moves processing -> authorized with the processor's
// transaction id and computed fees.
func (db *DB) MarkPaymentAuthorized(ctx context.Context, id uuid.UUID, externalTxnID string, feeCents, netCents int64) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`UPDATE payment_requests
		 SET status = 'authorized', external_txn_id = $2, fee_cents = $3, net_cents = $4,
		     authorized_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+paymentColumns, id, externalTxnID, feeCents, netCents,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s not in processing: %w", id, ErrConflict)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: mark payment authorized: %w", err)
	}
	return p, nil
}

// MarkPaymentSettledTx moves processing/authorized -> settled within tx.
// Processing is allowed because a crash between dispatch and authorization
// leaves the row there; the success webhook is the recovery path. The
// transaction id from the event fills external_txn_id when the dispatch
// never got to persist it.
func (db *DB) MarkPaymentSettledTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, externalTxnID string, feeCents, netCents int64, settledAt time.Time) (model.PaymentRequest, error) {
	p, err := scanPayment(tx.QueryRow(ctx,
		`UPDATE payment_requests
		 SET status = 'settled',
		     external_txn_id = CASE WHEN external_txn_id = '' THEN $2 ELSE external_txn_id END,
		     fee_cents = $3, net_cents = $4, settled_at = $5,
		     authorized_at = COALESCE(authorized_at, $5), updated_at = now()
		 WHERE id = $1 AND status IN ('processing', 'authorized')
		 RETURNING `+paymentColumns, id, externalTxnID, feeCents, netCents, settledAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s not settleable: %w", id, ErrConflict)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: mark payment settled: %w", err)
	}
	return p, nil
}

// MarkPaymentFailedTx moves a non-terminal payment to failed within tx,
// recording the normalized failure code and reason.
func (db *DB) MarkPaymentFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, code, reason string) (model.PaymentRequest, error) {
	p, err := scanPayment(tx.QueryRow(ctx,
		`UPDATE payment_requests
		 SET status = 'failed', failure_code = $2, failure_reason = $3, updated_at = now()
		 WHERE id = $1 AND status IN ('received', 'processing', 'authorized')
		 RETURNING `+paymentColumns, id, code, reason,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s already terminal: %w", id, ErrConflict)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: mark payment failed: %w", err)
	}
	return p, nil
}

// MarkPaymentFailed is MarkPaymentFailedTx outside a transaction.
func (db *DB) MarkPaymentFailed(ctx context.Context, id uuid.UUID, code, reason string) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`UPDATE payment_requests
		 SET status = 'failed', failure_code = $2, failure_reason = $3, updated_at = now()
		 WHERE id = $1 AND status IN ('received', 'processing', 'authorized')
		 RETURNING `+paymentColumns, id, code, reason,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s already terminal: %w", id, ErrConflict)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: mark payment failed: %w", err)
	}
	return p, nil
}

// CancelPayment moves received/processing -> cancelled. Authorized and
// terminal requests cannot be cancelled; compensation happens through a
// fresh payment request in the opposite direction.
func (db *DB) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (model.PaymentRequest, error) {
	p, err := scanPayment(db.pool.QueryRow(ctx,
		`UPDATE payment_requests
		 SET status = 'cancelled', failure_reason = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('received', 'processing')
		 RETURNING `+paymentColumns, id, reason,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentRequest{}, fmt.Errorf("storage: payment %s not cancellable: %w", id, ErrConflict)
		}
		return model.PaymentRequest{}, fmt.Errorf("storage: cancel payment: %w", err)
	}
	return p, nil
}

// ListPaymentsByStatus returns payment requests in a given status, oldest
// first.
func (db *DB) ListPaymentsByStatus(ctx context.Context, status model.PaymentStatus, limit int) ([]model.PaymentRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list payments: %w", err)
	}
	defer rows.Close()

	var payments []model.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

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

const settlementColumns = `id, payment_request_id, processor_id, external_txn_id, gross_cents,
	 fee_cents, net_cents, currency, fee_mismatch, reconciled, reconciled_at, reconcile_ref,
	 settled_at, created_at`

func scanSettlement(row pgx.Row) (model.Settlement, error) {
	var s model.Settlement
	err := row.Scan(
		&s.ID, &s.PaymentRequestID, &s.ProcessorID, &s.ExternalTxnID,
		&s.GrossCents, &s.FeeCents, &s.NetCents, &s.Currency, &s.FeeMismatch,
		&s.Reconciled, &s.ReconciledAt, &s.ReconcileRef, &s.SettledAt, &s.CreatedAt,
	)
	return s, err
}

// InsertSettlementTx records a settlement within tx.
func (db *DB) InsertSettlementTx(ctx context.Context, tx pgx.Tx, s model.Settlement) (model.Settlement, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO payment_settlements (id, payment_request_id, processor_id, external_txn_id, gross_cents, fee_cents, net_cents, currency, fee_mismatch, settled_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.PaymentRequestID, s.ProcessorID, s.ExternalTxnID, s.GrossCents,
		s.FeeCents, s.NetCents, s.Currency, s.FeeMismatch, s.SettledAt, s.CreatedAt,
	)
	if err != nil {
		return model.Settlement{}, fmt.Errorf("storage: insert settlement: %w", err)
	}
	return s, nil
}

// ListSettlementsByPayment returns all settlements for a payment request.
func (db *DB) ListSettlementsByPayment(ctx context.Context, paymentRequestID uuid.UUID) ([]model.Settlement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM payment_settlements
		 WHERE payment_request_id = $1 ORDER BY created_at ASC`, paymentRequestID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []model.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

// MarkSettlementReconciled records payout confirmation for the settlement
// matching the external transaction id.
func (db *DB) MarkSettlementReconciled(ctx context.Context, externalTxnID, reconcileRef string, at time.Time) (model.Settlement, error) {
	s, err := scanSettlement(db.pool.QueryRow(ctx,
		`UPDATE payment_settlements
		 SET reconciled = TRUE, reconciled_at = $2, reconcile_ref = $3
		 WHERE external_txn_id = $1 AND reconciled = FALSE
		 RETURNING `+settlementColumns, externalTxnID, at, reconcileRef,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Settlement{}, fmt.Errorf("storage: settlement txn %s: %w", externalTxnID, ErrNotFound)
		}
		return model.Settlement{}, fmt.Errorf("storage: mark settlement reconciled: %w", err)
	}
	return s, nil
}

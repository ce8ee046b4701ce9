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

const processorColumns = `id, name, type, api_endpoint, webhook_endpoint, supported_methods,
	 supported_currencies, status, consecutive_failures, created_at, updated_at`

func scanProcessor(row pgx.Row) (model.PaymentProcessor, error) {
	var p model.PaymentProcessor
	err := row.Scan(
		&p.ID, &p.Name, &p.Type, &p.APIEndpoint, &p.WebhookEndpoint,
		&p.SupportedMethods, &p.SupportedCurrencies, &p.Status,
		&p.ConsecutiveFailures, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// UpsertProcessor inserts a processor or updates its configuration by name.
// Used for startup seeding; operational state (status, failure counter) is
// left untouched on update.
func (db *DB) UpsertProcessor(ctx context.Context, p model.PaymentProcessor) (model.PaymentProcessor, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = model.ProcessorActive
	}
	if p.SupportedMethods == nil {
		p.SupportedMethods = []string{}
	}
	if p.SupportedCurrencies == nil {
		p.SupportedCurrencies = []string{}
	}

	got, err := scanProcessor(db.pool.QueryRow(ctx,
		`INSERT INTO payment_processors (id, name, type, api_endpoint, webhook_endpoint, supported_methods, supported_currencies, status, consecutive_failures, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (name) DO UPDATE SET
		     type = EXCLUDED.type,
		     api_endpoint = EXCLUDED.api_endpoint,
		     webhook_endpoint = EXCLUDED.webhook_endpoint,
		     supported_methods = EXCLUDED.supported_methods,
		     supported_currencies = EXCLUDED.supported_currencies,
		     updated_at = now()
		 RETURNING `+processorColumns,
		p.ID, p.Name, string(p.Type), p.APIEndpoint, p.WebhookEndpoint,
		p.SupportedMethods, p.SupportedCurrencies, string(p.Status),
		p.ConsecutiveFailures, p.CreatedAt, p.UpdatedAt,
	))
	if err != nil {
		return model.PaymentProcessor{}, fmt.Errorf("storage: upsert processor: %w", err)
	}
	return got, nil
}

// GetProcessor retrieves a processor by ID.
func (db *DB) GetProcessor(ctx context.Context, id uuid.UUID) (model.PaymentProcessor, error) {
	p, err := scanProcessor(db.pool.QueryRow(ctx,
		`SELECT `+processorColumns+` FROM payment_processors WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentProcessor{}, fmt.Errorf("storage: processor %s: %w", id, ErrNotFound)
		}
		return model.PaymentProcessor{}, fmt.Errorf("storage: get processor: %w", err)
	}
	return p, nil
}

// GetProcessorByName retrieves a processor by its unique name.
func (db *DB) GetProcessorByName(ctx context.Context, name string) (model.PaymentProcessor, error) {
	p, err := scanProcessor(db.pool.QueryRow(ctx,
		`SELECT `+processorColumns+` FROM payment_processors WHERE name = $1`, name,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentProcessor{}, fmt.Errorf("storage: processor %s: %w", name, ErrNotFound)
		}
		return model.PaymentProcessor{}, fmt.Errorf("storage: get processor by name: %w", err)
	}
	return p, nil
}

// ListProcessors returns all processors in stable name order. Selection
// depends on this ordering being deterministic.
func (db *DB) ListProcessors(ctx context.Context) ([]model.PaymentProcessor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+processorColumns+` FROM payment_processors ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list processors: %w", err)
	}
	defer rows.Close()

	var procs []model.PaymentProcessor
	for rows.Next() {
		p, err := scanProcessor(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan processor: %w", err)
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// RecordProcessorResult updates a processor's health counter after a
// dispatch attempt. Success resets the counter; failure increments it.
func (db *DB) RecordProcessorResult(ctx context.Context, id uuid.UUID, success bool) error {
	var err error
	if success {
		_, err = db.pool.Exec(ctx,
			`UPDATE payment_processors SET consecutive_failures = 0, updated_at = now() WHERE id = $1`, id,
		)
	} else {
		_, err = db.pool.Exec(ctx,
			`UPDATE payment_processors SET consecutive_failures = consecutive_failures + 1, updated_at = now() WHERE id = $1`, id,
		)
	}
	if err != nil {
		return fmt.Errorf("storage: record processor result: %w", err)
	}
	return nil
}

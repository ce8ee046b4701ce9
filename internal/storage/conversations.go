package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentpay-dev/agentpay/internal/model"
)

const conversationColumns = `id, initiator_id, target_id, grant_id, purpose, context, status, token,
	 result, fail_reason, started_at, expires_at, completed_at, created_at, updated_at`

const insertConversationSQL = `INSERT INTO conversations (id, initiator_id, target_id, grant_id, purpose, context, status, token, started_at, expires_at, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(
		&c.ID, &c.InitiatorID, &c.TargetID, &c.GrantID, &c.Purpose, &c.Context,
		&c.Status, &c.Token, &c.Result, &c.FailReason, &c.StartedAt,
		&c.ExpiresAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func prepareConversation(conv model.Conversation) model.Conversation {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Status == "" {
		conv.Status = model.ConversationActive
	}
	if len(conv.Context) == 0 {
		conv.Context = json.RawMessage(`{}`)
	}
	return conv
}

// CreateConversation inserts a new conversation.
func (db *DB) CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, error) {
	conv = prepareConversation(conv)
	_, err := db.pool.Exec(ctx, insertConversationSQL,
		conv.ID, conv.InitiatorID, conv.TargetID, conv.GrantID, conv.Purpose,
		conv.Context, string(conv.Status), conv.Token, conv.StartedAt,
		conv.ExpiresAt, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return conv, nil
}

// CreateConversationTx is CreateConversation within tx, so the opening
// message can land in the same transaction.
func (db *DB) CreateConversationTx(ctx context.Context, tx pgx.Tx, conv model.Conversation) (model.Conversation, error) {
	conv = prepareConversation(conv)
	_, err := tx.Exec(ctx, insertConversationSQL,
		conv.ID, conv.InitiatorID, conv.TargetID, conv.GrantID, conv.Purpose,
		conv.Context, string(conv.Status), conv.Token, conv.StartedAt,
		conv.ExpiresAt, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (db *DB) GetConversation(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// GetConversationForUpdate locks the conversation row within tx and returns
// it. Callers use this to serialize concurrent message posts and status
// transitions on the same conversation.
func (db *DB) GetConversationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Conversation{}, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
		}
		return model.Conversation{}, fmt.Errorf("storage: lock conversation: %w", err)
	}
	return c, nil
}

// UpdateConversationStatusTx moves a locked conversation to a new status.
// Terminal transitions record completed_at; completed conversations store
// the result, failed ones the reason.
func (db *DB) UpdateConversationStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status model.ConversationStatus, result map[string]any, failReason string) error {
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := tx.Exec(ctx,
		`UPDATE conversations
		 SET status = $2, result = $3, fail_reason = $4, completed_at = $5, updated_at = now()
		 WHERE id = $1 AND status IN ('initiated', 'active')`,
		id, string(status), result, failReason, completedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: conversation %s already terminal: %w", id, ErrConflict)
	}
	return nil
}

// InsertMessageTx inserts a message within tx.
func (db *DB) InsertMessageTx(ctx context.Context, tx pgx.Tx, msg model.Message) (model.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, sender_id, type, body, final, signature, sent_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConversationID, msg.SenderID, string(msg.Type),
		msg.Body, msg.Final, msg.Signature, msg.SentAt, msg.CreatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: insert message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in send order.
func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, sender_id, type, body, final, signature, sent_at, created_at
		 FROM conversation_messages
		 WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var body []byte
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &body,
			&m.Final, &m.Signature, &m.SentAt, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.Body = json.RawMessage(body)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SweepExpiredConversations flips all past-expiry open conversations to
// timeout and returns how many were updated.
func (db *DB) SweepExpiredConversations(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations
		 SET status = 'timeout', completed_at = now(), updated_at = now()
		 WHERE status IN ('initiated', 'active') AND expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep expired conversations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Begin starts a transaction on the pool. Exposed so service layers can
// coordinate row locks with their own logic.
func (db *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	return tx, nil
}

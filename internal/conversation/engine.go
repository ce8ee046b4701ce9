// Package conversation implements the agent-to-agent conversation protocol:
// bounded, signed request/response exchanges opened under an authorization
// grant, with lazy timeout handling.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/auth"
	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/registry"
	"github.com/agentpay-dev/agentpay/internal/storage"
)

var (
	// ErrNotParticipant is returned when an agent posts to a conversation
	// it is not part of.
	ErrNotParticipant = errors.New("conversation: agent is not a participant")
	// ErrClosed is returned when a message targets a conversation in a
	// terminal state.
	ErrClosed = errors.New("conversation: conversation is closed")
	// ErrNotActive is returned when a message targets a conversation that
	// is not in active.
	ErrNotActive = errors.New("conversation: conversation is not active")
	// ErrTimedOut is returned when the conversation window has elapsed.
	// The conversation is moved to timeout as a side effect.
	ErrTimedOut = errors.New("conversation: conversation timed out")
	// ErrBadSignature is returned when a message signature does not verify
	// against the sender's signing secret.
	ErrBadSignature = errors.New("conversation: invalid message signature")
)

// agentGetter is the slice of the directory the engine needs.
type agentGetter interface {
	RequireActive(ctx context.Context, id uuid.UUID) (model.Agent, error)
	Get(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// Engine runs the conversation protocol.
type Engine struct {
	db           *storage.DB
	registry     *registry.Registry
	agents       agentGetter
	serverSecret string
	window       time.Duration
	logger       *slog.Logger
}

// New creates an Engine. serverSecret signs conversation tokens; window is
// the default conversation lifetime.
func New(db *storage.DB, reg *registry.Registry, agents agentGetter, serverSecret string, window time.Duration, logger *slog.Logger) *Engine {
	if window <= 0 {
		window = model.DefaultConversationWindow
	}
	return &Engine{
		db:           db,
		registry:     reg,
		agents:       agents,
		serverSecret: serverSecret,
		window:       window,
		logger:       logger,
	}
}

// InitiateInput carries the initiator's opening of a conversation. Context
// is the opening payload; the initiator signs it the same way a posted
// message body is signed.
type InitiateInput struct {
	InitiatorID uuid.UUID
	TargetID    uuid.UUID
	GrantID     uuid.UUID
	Purpose     string
	Context     json.RawMessage
	TTL         time.Duration
	Signature   string
	Timestamp   int64
}

// Initiate opens a conversation between two active agents under a grant
// that permits it. The conversation starts active and the context payload
// is appended as its first message, both in one transaction. The returned
// conversation carries a server-minted token binding the participants to
// the creation instant.
func (e *Engine) Initiate(ctx context.Context, in InitiateInput) (model.Conversation, error) {
	if in.Purpose == "" {
		return model.Conversation{}, fmt.Errorf("conversation: purpose is required")
	}
	if in.InitiatorID == in.TargetID {
		return model.Conversation{}, fmt.Errorf("conversation: initiator and target must differ")
	}
	if len(in.Context) == 0 || !json.Valid(in.Context) {
		return model.Conversation{}, fmt.Errorf("conversation: context payload is required")
	}
	if in.TTL <= 0 {
		in.TTL = e.window
	}

	initiator, err := e.agents.RequireActive(ctx, in.InitiatorID)
	if err != nil {
		return model.Conversation{}, err
	}
	if _, err := e.agents.RequireActive(ctx, in.TargetID); err != nil {
		return model.Conversation{}, err
	}
	if _, err := e.registry.Validate(ctx, in.GrantID, in.InitiatorID, model.PermInitiateConversation); err != nil {
		return model.Conversation{}, err
	}

	now := time.Now().UTC()
	if err := auth.Verify(initiator.SigningSecret, in.Signature, in.Timestamp, in.Context, now); err != nil {
		return model.Conversation{}, fmt.Errorf("conversation: context from %s: %w", initiator.Name, ErrBadSignature)
	}

	token := auth.ConversationToken(e.serverSecret, in.InitiatorID, in.TargetID, now, uuid.New().String())

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return model.Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := e.db.CreateConversationTx(ctx, tx, model.Conversation{
		InitiatorID: in.InitiatorID,
		TargetID:    in.TargetID,
		GrantID:     in.GrantID,
		Purpose:     in.Purpose,
		Context:     in.Context,
		Status:      model.ConversationActive,
		Token:       token,
		StartedAt:   &now,
		ExpiresAt:   now.Add(in.TTL),
	})
	if err != nil {
		return model.Conversation{}, err
	}

	if _, err := e.db.InsertMessageTx(ctx, tx, model.Message{
		ConversationID: conv.ID,
		SenderID:       in.InitiatorID,
		Type:           model.MessageRequest,
		Body:           in.Context,
		Signature:      in.Signature,
		SentAt:         time.Unix(in.Timestamp, 0).UTC(),
	}); err != nil {
		return model.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Conversation{}, fmt.Errorf("conversation: commit initiate: %w", err)
	}

	e.logger.Info("conversation initiated",
		"conversation_id", conv.ID,
		"initiator_id", in.InitiatorID,
		"target_id", in.TargetID,
		"purpose", in.Purpose,
		"expires_at", conv.ExpiresAt,
	)
	return conv, nil
}

// PostMessageInput carries one signed message from a participant.
type PostMessageInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Type           model.MessageType
	Body           json.RawMessage
	Final          bool
	Signature      string
	Timestamp      int64
}

// PostMessage appends a message to an active conversation. The row is locked
// for the duration so concurrent posts to the same conversation serialize.
// An expired conversation is moved to timeout and the post is rejected.
// A final response or error closes the conversation.
func (e *Engine) PostMessage(ctx context.Context, in PostMessageInput) (model.Message, error) {
	if !model.ValidMessageType(in.Type) {
		return model.Message{}, fmt.Errorf("conversation: unknown message type %q", in.Type)
	}
	if _, err := model.DecodeMessageBody(in.Body); err != nil {
		return model.Message{}, err
	}

	sender, err := e.agents.Get(ctx, in.SenderID)
	if err != nil {
		return model.Message{}, err
	}
	now := time.Now().UTC()
	if err := auth.Verify(sender.SigningSecret, in.Signature, in.Timestamp, in.Body, now); err != nil {
		return model.Message{}, fmt.Errorf("conversation: message from %s: %w", sender.Name, ErrBadSignature)
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := e.db.GetConversationForUpdate(ctx, tx, in.ConversationID)
	if err != nil {
		return model.Message{}, err
	}
	if conv.Status.Terminal() {
		return model.Message{}, fmt.Errorf("conversation: %s is %s: %w", conv.ID, conv.Status, ErrClosed)
	}
	if conv.ExpiredAt(now) {
		if err := e.db.UpdateConversationStatusTx(ctx, tx, conv.ID, model.ConversationTimeout, nil, "conversation window elapsed"); err != nil {
			return model.Message{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return model.Message{}, fmt.Errorf("conversation: commit timeout: %w", err)
		}
		return model.Message{}, fmt.Errorf("conversation: %s: %w", conv.ID, ErrTimedOut)
	}
	if !conv.HasParticipant(in.SenderID) {
		return model.Message{}, fmt.Errorf("conversation: agent %s in %s: %w", in.SenderID, conv.ID, ErrNotParticipant)
	}
	if conv.Status != model.ConversationActive {
		return model.Message{}, fmt.Errorf("conversation: %s is %s: %w", conv.ID, conv.Status, ErrNotActive)
	}

	msg, err := e.db.InsertMessageTx(ctx, tx, model.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Body:           in.Body,
		Final:          in.Final,
		Signature:      in.Signature,
		SentAt:         time.Unix(in.Timestamp, 0).UTC(),
	})
	if err != nil {
		return model.Message{}, err
	}

	switch {
	case in.Final && in.Type == model.MessageResponse:
		// A final response completes the conversation and stores the body
		// as its result.
		var result map[string]any
		if err := json.Unmarshal(in.Body, &result); err != nil {
			return model.Message{}, fmt.Errorf("conversation: decode final response: %w", err)
		}
		if err := e.db.UpdateConversationStatusTx(ctx, tx, conv.ID, model.ConversationCompleted, result, ""); err != nil {
			return model.Message{}, err
		}
	case in.Final && in.Type == model.MessageError:
		if err := e.db.UpdateConversationStatusTx(ctx, tx, conv.ID, model.ConversationFailed, nil, string(in.Body)); err != nil {
			return model.Message{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, fmt.Errorf("conversation: commit message: %w", err)
	}

	e.logger.Debug("message posted",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_id", in.SenderID,
		"type", in.Type,
		"final", in.Final,
	)
	return msg, nil
}

// Fail explicitly moves an open conversation to failed with a reason.
func (e *Engine) Fail(ctx context.Context, conversationID, agentID uuid.UUID, reason string) (model.Conversation, error) {
	return e.finish(ctx, conversationID, agentID, model.ConversationFailed, nil, reason)
}

// Complete explicitly moves an open conversation to completed with a result.
func (e *Engine) Complete(ctx context.Context, conversationID, agentID uuid.UUID, result map[string]any) (model.Conversation, error) {
	return e.finish(ctx, conversationID, agentID, model.ConversationCompleted, result, "")
}

func (e *Engine) finish(ctx context.Context, conversationID, agentID uuid.UUID, status model.ConversationStatus, result map[string]any, reason string) (model.Conversation, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return model.Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := e.db.GetConversationForUpdate(ctx, tx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.Status.Terminal() {
		return model.Conversation{}, fmt.Errorf("conversation: %s is %s: %w", conv.ID, conv.Status, ErrClosed)
	}
	if !conv.HasParticipant(agentID) {
		return model.Conversation{}, fmt.Errorf("conversation: agent %s in %s: %w", agentID, conv.ID, ErrNotParticipant)
	}
	now := time.Now().UTC()
	if conv.ExpiredAt(now) {
		status, result, reason = model.ConversationTimeout, nil, "conversation window elapsed"
	}

	if err := e.db.UpdateConversationStatusTx(ctx, tx, conv.ID, status, result, reason); err != nil {
		return model.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Conversation{}, fmt.Errorf("conversation: commit finish: %w", err)
	}

	conv.Status = status
	conv.Result = result
	conv.FailReason = reason
	conv.CompletedAt = &now

	e.logger.Info("conversation closed", "conversation_id", conv.ID, "status", status)
	return conv, nil
}

// Get returns a conversation, applying lazy timeout: a past-expiry open
// conversation is moved to timeout before being returned.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (model.Conversation, error) {
	conv, err := e.db.GetConversation(ctx, id)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.ExpiredAt(time.Now().UTC()) {
		tx, err := e.db.Begin(ctx)
		if err != nil {
			return model.Conversation{}, err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		locked, err := e.db.GetConversationForUpdate(ctx, tx, id)
		if err != nil {
			return model.Conversation{}, err
		}
		// Re-check under the lock; another request may have closed it.
		if !locked.Status.Terminal() {
			if err := e.db.UpdateConversationStatusTx(ctx, tx, id, model.ConversationTimeout, nil, "conversation window elapsed"); err != nil {
				return model.Conversation{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return model.Conversation{}, fmt.Errorf("conversation: commit timeout: %w", err)
			}
			locked.Status = model.ConversationTimeout
			locked.FailReason = "conversation window elapsed"
		}
		return locked, nil
	}
	return conv, nil
}

// Messages returns a conversation's messages in send order.
func (e *Engine) Messages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	if _, err := e.db.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return e.db.ListMessages(ctx, conversationID)
}

// SweepExpired times out all past-expiry open conversations. Best effort;
// lazy expiry on access keeps the protocol correct without it.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	n, err := e.db.SweepExpiredConversations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("expired conversations swept", "count", n)
	}
	return n, nil
}

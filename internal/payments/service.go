// Package payments implements the payment orchestration state machine:
// idempotent submission, deterministic processor selection, fee computation,
// and normalized failure handling.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/registry"
	"github.com/agentpay-dev/agentpay/internal/storage"
)

// agentChecker is the slice of the directory the service needs.
type agentChecker interface {
	RequireActive(ctx context.Context, id uuid.UUID) (model.Agent, error)
	CanPerform(ctx context.Context, id uuid.UUID, capability string) (bool, error)
	RecordFailure(ctx context.Context, id uuid.UUID) (model.Agent, error)
}

// OutcomeNotifier delivers payment outcome notifications to an agent's
// endpoint. Delivery is best effort and never blocks orchestration.
type OutcomeNotifier interface {
	PaymentOutcome(ctx context.Context, endpoint string, payment model.PaymentRequest) error
}

// ErrExecutorIncapable is returned when the executor agent cannot execute
// payments.
var ErrExecutorIncapable = errors.New("payments: executor cannot execute payments")

// Service orchestrates payment requests end to end.
type Service struct {
	db       *storage.DB
	registry *registry.Registry
	agents   agentChecker
	clients  map[model.ProcessorType]ProcessorClient
	notifier OutcomeNotifier
	group    singleflight.Group
	logger   *slog.Logger
}

// New creates a Service. clients maps processor types to their backends;
// notifier may be nil to disable outcome notifications.
func New(db *storage.DB, reg *registry.Registry, agents agentChecker, clients map[model.ProcessorType]ProcessorClient, notifier OutcomeNotifier, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		registry: reg,
		agents:   agents,
		clients:  clients,
		notifier: notifier,
		logger:   logger,
	}
}

// Submit runs one payment request through the state machine. Submission is
// idempotent on the client key: the ON CONFLICT insert elects a single
// winner among concurrent duplicates, and the in-process singleflight group
// collapses them onto one execution so the processor is invoked at most
// once. Losers and retries observe the winner's request.
func (s *Service) Submit(ctx context.Context, in model.SubmitPaymentInput) (model.PaymentRequest, error) {
	if err := in.Validate(); err != nil {
		return model.PaymentRequest{}, fmt.Errorf("payments: %w", err)
	}

	v, err, _ := s.group.Do(in.IdempotencyKey, func() (any, error) {
		return s.submit(ctx, in)
	})
	if err != nil {
		return model.PaymentRequest{}, err
	}
	return v.(model.PaymentRequest), nil
}

func (s *Service) submit(ctx context.Context, in model.SubmitPaymentInput) (model.PaymentRequest, error) {
	// Idempotent replay: a known key returns the existing request as-is,
	// whatever state it has reached, with no authorization side effects.
	existing, err := s.db.GetPaymentByIdempotencyKey(ctx, in.IdempotencyKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.PaymentRequest{}, err
	}

	// Authorization happens before any state is created: a rejected
	// submission leaves no payment request behind.
	grant, err := s.registry.Validate(ctx, in.GrantID, in.RequesterID, model.PermRequestPayment)
	if err != nil {
		return model.PaymentRequest{}, err
	}
	if err := s.registry.ConsumeCap(ctx, grant, in.AmountCents); err != nil {
		return model.PaymentRequest{}, err
	}
	if _, err := s.agents.RequireActive(ctx, in.RequesterID); err != nil {
		return model.PaymentRequest{}, err
	}
	executor, err := s.agents.RequireActive(ctx, in.ExecutorID)
	if err != nil {
		return model.PaymentRequest{}, err
	}
	ok, err := s.agents.CanPerform(ctx, in.ExecutorID, model.PermExecutePayment)
	if err != nil {
		return model.PaymentRequest{}, err
	}
	if !ok {
		return model.PaymentRequest{}, fmt.Errorf("payments: agent %s: %w", executor.Name, ErrExecutorIncapable)
	}

	payment, created, err := s.db.CreatePaymentIfAbsent(ctx, model.PaymentRequest{
		RequestRef:     model.NewRequestRef(time.Now().UTC()),
		IdempotencyKey: in.IdempotencyKey,
		RequesterID:    in.RequesterID,
		ExecutorID:     in.ExecutorID,
		GrantID:        in.GrantID,
		ConversationID: in.ConversationID,
		AmountCents:    in.AmountCents,
		Currency:       normalizeCurrency(in.Currency),
		Method:         normalizeMethod(in.Method),
		CustomerRef:    in.CustomerRef,
		InvoiceRef:     in.InvoiceRef,
		Description:    in.Description,
		Status:         model.PaymentReceived,
	})
	if err != nil {
		return model.PaymentRequest{}, err
	}
	if !created {
		// Lost the insert race to a concurrent duplicate in another
		// process; its request is the authoritative one.
		return payment, nil
	}

	s.logger.Info("payment request received",
		"payment_id", payment.ID,
		"request_ref", payment.RequestRef,
		"amount_cents", payment.AmountCents,
		"currency", payment.Currency,
		"method", payment.Method,
	)
	return s.dispatch(ctx, payment)
}

// dispatch selects a processor and drives the request through
// processing -> authorized, or to failed.
func (s *Service) dispatch(ctx context.Context, payment model.PaymentRequest) (model.PaymentRequest, error) {
	procs, err := s.db.ListProcessors(ctx)
	if err != nil {
		return model.PaymentRequest{}, err
	}
	proc, err := SelectProcessor(procs, payment.Method, payment.Currency)
	if err != nil {
		failed, ferr := s.db.MarkPaymentFailed(ctx, payment.ID, FailProcessorDown, "no processor supports this method and currency")
		if ferr != nil {
			return model.PaymentRequest{}, ferr
		}
		s.notify(failed)
		return failed, nil
	}

	client, ok := s.clients[proc.Type]
	if !ok {
		return model.PaymentRequest{}, fmt.Errorf("payments: no client configured for processor type %s", proc.Type)
	}

	payment, err = s.db.MarkPaymentProcessing(ctx, payment.ID, proc.ID, proc.Name)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Already dispatched elsewhere; return current state.
			return s.db.GetPayment(ctx, payment.ID)
		}
		return model.PaymentRequest{}, err
	}

	result, err := client.Submit(ctx, payment)
	if err != nil {
		return s.handleSubmitFailure(ctx, payment, proc, err)
	}

	if rerr := s.db.RecordProcessorResult(ctx, proc.ID, true); rerr != nil {
		s.logger.Warn("failed to record processor success", "processor", proc.Name, "error", rerr)
	}

	fee := FeeCents(proc.Type, payment.Method, payment.AmountCents)
	payment, err = s.db.MarkPaymentAuthorized(ctx, payment.ID, result.ExternalTxnID, fee, payment.AmountCents-fee)
	if err != nil {
		return model.PaymentRequest{}, err
	}

	s.logger.Info("payment authorized",
		"payment_id", payment.ID,
		"processor", proc.Name,
		"external_txn_id", result.ExternalTxnID,
		"fee_cents", fee,
	)
	s.notify(payment)
	return payment, nil
}

func (s *Service) handleSubmitFailure(ctx context.Context, payment model.PaymentRequest, proc model.PaymentProcessor, err error) (model.PaymentRequest, error) {
	if rerr := s.db.RecordProcessorResult(ctx, proc.ID, false); rerr != nil {
		s.logger.Warn("failed to record processor failure", "processor", proc.Name, "error", rerr)
	}
	if _, ferr := s.agents.RecordFailure(ctx, payment.ExecutorID); ferr != nil {
		s.logger.Warn("failed to record executor failure", "executor_id", payment.ExecutorID, "error", ferr)
	}

	code, reason := FailUnknown, err.Error()
	var procErr *ProcessorError
	if errors.As(err, &procErr) {
		code, reason = procErr.Code, procErr.Reason
	}

	failed, ferr := s.db.MarkPaymentFailed(ctx, payment.ID, code, reason)
	if ferr != nil {
		return model.PaymentRequest{}, ferr
	}

	s.logger.Warn("payment failed at processor",
		"payment_id", payment.ID,
		"processor", proc.Name,
		"failure_code", code,
		"failure_reason", reason,
	)
	s.notify(failed)
	return failed, nil
}

// Cancel moves a received or processing request to cancelled. Authorized
// and terminal requests cannot be cancelled; compensation for settled
// payments is a new payment request in the opposite direction.
func (s *Service) Cancel(ctx context.Context, paymentID, agentID uuid.UUID, reason string) (model.PaymentRequest, error) {
	payment, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return model.PaymentRequest{}, err
	}
	if agentID != payment.RequesterID && agentID != payment.ExecutorID {
		return model.PaymentRequest{}, fmt.Errorf("payments: agent %s is not a party to payment %s: %w", agentID, paymentID, registry.ErrPermissionDenied)
	}

	cancelled, err := s.db.CancelPayment(ctx, paymentID, reason)
	if err != nil {
		return model.PaymentRequest{}, err
	}
	s.logger.Info("payment cancelled", "payment_id", paymentID, "reason", reason)
	s.notify(cancelled)
	return cancelled, nil
}

// Get returns a payment request by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.PaymentRequest, error) {
	return s.db.GetPayment(ctx, id)
}

// Status returns the read model for a payment by its external ref: the
// request plus its settlements.
func (s *Service) Status(ctx context.Context, requestRef string) (model.PaymentStatusResponse, error) {
	payment, err := s.db.GetPaymentByRequestRef(ctx, requestRef)
	if err != nil {
		return model.PaymentStatusResponse{}, err
	}
	settlements, err := s.db.ListSettlementsByPayment(ctx, payment.ID)
	if err != nil {
		return model.PaymentStatusResponse{}, err
	}
	return model.PaymentStatusResponse{Request: payment, Settlements: settlements}, nil
}

// notify delivers an outcome notification to the requester's endpoint in
// the background. Failures are logged and dropped; notification delivery
// never affects payment state.
func (s *Service) notify(payment model.PaymentRequest) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		requester, err := s.agents.RequireActive(ctx, payment.RequesterID)
		if err != nil {
			s.logger.Debug("skipping outcome notification", "payment_id", payment.ID, "error", err)
			return
		}
		if err := s.notifier.PaymentOutcome(ctx, requester.Endpoint, payment); err != nil {
			s.logger.Warn("outcome notification failed",
				"payment_id", payment.ID,
				"endpoint", requester.Endpoint,
				"error", err,
			)
		}
	}()
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(c)
}

func normalizeMethod(m model.PaymentMethod) model.PaymentMethod {
	return model.PaymentMethod(strings.ToLower(string(m)))
}

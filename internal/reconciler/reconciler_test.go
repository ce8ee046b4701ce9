package reconciler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/payments"
	"github.com/agentpay-dev/agentpay/internal/reconciler"
	"github.com/agentpay-dev/agentpay/internal/storage"
	"github.com/agentpay-dev/agentpay/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// fakeEvent is the wire shape the fake client decodes. Tests script events by
// encoding one of these as the webhook body.
type fakeEvent struct {
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"`
	Txn        string `json:"txn"`
	RequestRef string `json:"request_ref,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Fee        int64  `json:"fee,omitempty"`
	Currency   string `json:"currency,omitempty"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Ref        string `json:"ref,omitempty"`
}

func (e fakeEvent) body(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

type fakeClient struct{}

func (fakeClient) Submit(context.Context, model.PaymentRequest) (payments.SubmitResult, error) {
	return payments.SubmitResult{}, fmt.Errorf("fake client does not submit")
}

func (fakeClient) ParseWebhook(body []byte) (payments.ParsedWebhook, error) {
	var e fakeEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return payments.ParsedWebhook{}, fmt.Errorf("parse fake webhook: %v: %w", err, payments.ErrBadWebhook)
	}
	var event model.ProcessorEvent
	switch e.Kind {
	case "succeeded":
		event = model.PaymentSucceededEvent{TxnID: e.Txn, RequestRef: e.RequestRef, AmountCents: e.Amount, FeeCents: e.Fee, Currency: e.Currency}
	case "failed":
		event = model.PaymentFailedEvent{TxnID: e.Txn, RequestRef: e.RequestRef, Code: e.Code, Reason: e.Reason}
	case "settlement":
		event = model.SettlementCompletedEvent{TxnID: e.Txn, ReconcileRef: e.Ref}
	default:
		event = model.UnknownEvent{Type: e.Kind, TxnID: e.Txn}
	}
	return payments.ParsedWebhook{EventID: e.EventID, Event: event}, nil
}

type fixture struct {
	rec  *reconciler.Reconciler
	proc model.PaymentProcessor
}

func setup(t *testing.T, prefix string) fixture {
	t.Helper()
	proc, err := testDB.UpsertProcessor(context.Background(), model.PaymentProcessor{
		Name:                prefix + "-proc",
		Type:                model.ProcessorStripe,
		APIEndpoint:         "https://api.example.com",
		SupportedMethods:    []string{string(model.MethodACH)},
		SupportedCurrencies: []string{"USD"},
		Status:              model.ProcessorActive,
	})
	require.NoError(t, err)

	rec := reconciler.New(testDB,
		map[model.ProcessorType]payments.ProcessorClient{model.ProcessorStripe: fakeClient{}},
		testutil.TestLogger())
	return fixture{rec: rec, proc: proc}
}

// receivedPayment creates the requester, executor, grant, and a fresh
// payment request in received.
func receivedPayment(t *testing.T, prefix string, amount int64) model.PaymentRequest {
	t.Helper()
	ctx := context.Background()

	requester, err := testDB.CreateAgent(ctx, model.Agent{
		Name:          prefix + "-requester",
		Type:          model.AgentTypeCollections,
		Endpoint:      "https://" + prefix + "-req.example.com/hooks",
		SigningSecret: "secret",
		Capabilities:  []string{model.PermRequestPayment},
		Status:        model.AgentActive,
	})
	require.NoError(t, err)
	executor, err := testDB.CreateAgent(ctx, model.Agent{
		Name:          prefix + "-executor",
		Type:          model.AgentTypePayment,
		Endpoint:      "https://" + prefix + "-exe.example.com/hooks",
		SigningSecret: "secret",
		Capabilities:  []string{model.PermExecutePayment},
		Status:        model.AgentActive,
	})
	require.NoError(t, err)
	grant, err := testDB.CreateGrant(ctx, model.AuthorizationGrant{
		PrincipalID: requester.ID,
		SubjectID:   executor.ID,
		Permissions: []string{model.PermRequestPayment},
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	payment, _, err := testDB.CreatePaymentIfAbsent(ctx, model.PaymentRequest{
		RequestRef:     model.NewRequestRef(time.Now().UTC()),
		IdempotencyKey: prefix + "-key",
		RequesterID:    requester.ID,
		ExecutorID:     executor.ID,
		GrantID:        grant.ID,
		AmountCents:    amount,
		Currency:       "USD",
		Method:         model.MethodACH,
		Status:         model.PaymentReceived,
	})
	require.NoError(t, err)
	return payment
}

// authorizedPayment walks a fresh payment request to authorized with the
// given external transaction id, fee computed from the stripe ACH schedule.
func authorizedPayment(t *testing.T, prefix string, proc model.PaymentProcessor, txn string, amount int64) model.PaymentRequest {
	t.Helper()
	ctx := context.Background()

	payment := receivedPayment(t, prefix, amount)
	payment, err := testDB.MarkPaymentProcessing(ctx, payment.ID, proc.ID, proc.Name)
	require.NoError(t, err)

	fee := payments.FeeCents(proc.Type, payment.Method, amount)
	payment, err = testDB.MarkPaymentAuthorized(ctx, payment.ID, txn, fee, amount-fee)
	require.NoError(t, err)
	return payment
}

func TestIngestDedup(t *testing.T) {
	f := setup(t, "dedup")
	ctx := context.Background()

	ev := fakeEvent{EventID: "evt_dedup_1", Kind: "mystery", Txn: "txn_dedup"}
	first, err := f.rec.Ingest(ctx, f.proc.Name, ev.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookIgnored, first.Outcome)

	// Redelivery of the same event id is acknowledged without reprocessing.
	second, err := f.rec.Ingest(ctx, f.proc.Name, ev.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookDuplicate, second.Outcome)
	assert.Equal(t, first.ID, second.ID)
}

func TestSucceededSettlesAuthorizedPayment(t *testing.T) {
	f := setup(t, "settle")
	ctx := context.Background()
	payment := authorizedPayment(t, "settle", f.proc, "txn_settle_1", 50230)

	record, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_settle_1",
		Kind:    "succeeded",
		Txn:     "txn_settle_1",
		Amount:  50230,
		Fee:     payment.FeeCents,
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookApplied, record.Outcome)
	require.NotNil(t, record.PaymentRequestID)
	assert.Equal(t, payment.ID, *record.PaymentRequestID)

	got, err := testDB.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSettled, got.Status)

	settlements, err := testDB.ListSettlementsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, int64(50230), settlements[0].GrossCents)
	assert.False(t, settlements[0].FeeMismatch)
}

func TestSucceededFeeMismatchFlagged(t *testing.T) {
	f := setup(t, "mismatch")
	ctx := context.Background()
	payment := authorizedPayment(t, "mismatch", f.proc, "txn_mismatch_1", 50230)

	// Processor reports a fee one cent off our schedule. The settlement
	// still applies with the reported figure, flagged for review.
	record, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_mismatch_1",
		Kind:    "succeeded",
		Txn:     "txn_mismatch_1",
		Amount:  50230,
		Fee:     payment.FeeCents + 1,
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookApplied, record.Outcome)

	settlements, err := testDB.ListSettlementsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.True(t, settlements[0].FeeMismatch)
	assert.Equal(t, payment.FeeCents+1, settlements[0].FeeCents)
}

func TestSucceededOnSettledPaymentIgnored(t *testing.T) {
	f := setup(t, "early")
	ctx := context.Background()
	payment := authorizedPayment(t, "early", f.proc, "txn_early_1", 1000)

	// Settle it once, then replay success under a new event id: the payment
	// is already settled, so the second event is recorded as ignored.
	_, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_early_1", Kind: "succeeded", Txn: "txn_early_1",
	}.body(t))
	require.NoError(t, err)

	record, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_early_2", Kind: "succeeded", Txn: "txn_early_1",
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookIgnored, record.Outcome)
	assert.Contains(t, record.IgnoreReason, "not settleable")

	settlements, err := testDB.ListSettlementsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, settlements, 1, "no second settlement")
}

// A dispatch can die between the processor call and MarkPaymentAuthorized,
// leaving the row in processing with no transaction id. The success webhook
// matches by the request ref echoed back from dispatch metadata and settles
// the payment, recording the transaction id it never got to persist.
func TestSucceededSettlesProcessingByRequestRef(t *testing.T) {
	f := setup(t, "stuck")
	ctx := context.Background()

	payment := receivedPayment(t, "stuck", 50230)
	payment, err := testDB.MarkPaymentProcessing(ctx, payment.ID, f.proc.ID, f.proc.Name)
	require.NoError(t, err)
	require.Empty(t, payment.ExternalTxnID)

	record, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID:    "evt_stuck_1",
		Kind:       "succeeded",
		Txn:        "txn_stuck_1",
		RequestRef: payment.RequestRef,
		Amount:     50230,
		Fee:        payments.FeeCents(f.proc.Type, payment.Method, 50230),
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookApplied, record.Outcome)
	require.NotNil(t, record.PaymentRequestID)
	assert.Equal(t, payment.ID, *record.PaymentRequestID)

	got, err := testDB.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSettled, got.Status)
	assert.Equal(t, "txn_stuck_1", got.ExternalTxnID)
	require.NotNil(t, got.SettledAt)

	settlements, err := testDB.ListSettlementsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, "txn_stuck_1", settlements[0].ExternalTxnID)
}

func TestFailedEventFailsPayment(t *testing.T) {
	f := setup(t, "fail")
	ctx := context.Background()
	payment := authorizedPayment(t, "fail", f.proc, "txn_fail_1", 2000)

	record, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_fail_1",
		Kind:    "failed",
		Txn:     "txn_fail_1",
		Code:    "insufficient_funds",
		Reason:  "account balance too low",
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookApplied, record.Outcome)

	got, err := testDB.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, got.Status)
	assert.Equal(t, "insufficient_funds", got.FailureCode)
}

func TestSettlementCompletedReconcilesOnce(t *testing.T) {
	f := setup(t, "recon")
	ctx := context.Background()
	payment := authorizedPayment(t, "recon", f.proc, "txn_recon_1", 3000)

	_, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_recon_1", Kind: "succeeded", Txn: "txn_recon_1",
	}.body(t))
	require.NoError(t, err)

	record, err := f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_recon_2", Kind: "settlement", Txn: "txn_recon_1", Ref: "payout_771",
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookApplied, record.Outcome)

	settlements, err := testDB.ListSettlementsByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, "payout_771", settlements[0].ReconcileRef)
	require.NotNil(t, settlements[0].ReconciledAt)

	// A second completion event finds no unreconciled settlement.
	record, err = f.rec.Ingest(ctx, f.proc.Name, fakeEvent{
		EventID: "evt_recon_3", Kind: "settlement", Txn: "txn_recon_1", Ref: "payout_772",
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookIgnored, record.Outcome)
	assert.Contains(t, record.IgnoreReason, "no unreconciled settlement")
}

func TestUnknownEventIgnoredWithReason(t *testing.T) {
	f := setup(t, "unknown")

	record, err := f.rec.Ingest(context.Background(), f.proc.Name, fakeEvent{
		EventID: "evt_unknown_1", Kind: "account.updated", Txn: "txn_whatever",
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookIgnored, record.Outcome)
	assert.Contains(t, record.IgnoreReason, "account.updated")
}

func TestUnmatchedTransactionIgnored(t *testing.T) {
	f := setup(t, "orphan")

	record, err := f.rec.Ingest(context.Background(), f.proc.Name, fakeEvent{
		EventID: "evt_orphan_1", Kind: "succeeded", Txn: "txn_" + uuid.NewString(),
	}.body(t))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookIgnored, record.Outcome)
	assert.Contains(t, record.IgnoreReason, "no payment request matches")
}

func TestUnknownProcessor(t *testing.T) {
	f := setup(t, "noproc")

	_, err := f.rec.Ingest(context.Background(), "never-registered", fakeEvent{
		EventID: "evt_noproc_1", Kind: "succeeded", Txn: "txn_x",
	}.body(t))
	assert.ErrorIs(t, err, reconciler.ErrUnknownProcessor)
}

package payments_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay-dev/agentpay/internal/directory"
	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/payments"
	"github.com/agentpay-dev/agentpay/internal/registry"
	"github.com/agentpay-dev/agentpay/internal/storage"
	"github.com/agentpay-dev/agentpay/internal/testutil"
)

var (
	testDB  *storage.DB
	testDir *directory.Directory
	testReg *registry.Registry
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test database: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDir = directory.New(testDB, testutil.TestLogger())
	testReg = registry.New(testDB, testutil.TestLogger())

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// fakeClient is a scriptable processor backend.
type fakeClient struct {
	mu      sync.Mutex
	submits int32
	err     error
	txnSeq  int
}

func (f *fakeClient) Submit(_ context.Context, req model.PaymentRequest) (payments.SubmitResult, error) {
	atomic.AddInt32(&f.submits, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return payments.SubmitResult{}, f.err
	}
	f.txnSeq++
	return payments.SubmitResult{ExternalTxnID: fmt.Sprintf("fake_txn_%s_%d", req.IdempotencyKey, f.txnSeq)}, nil
}

func (f *fakeClient) ParseWebhook([]byte) (payments.ParsedWebhook, error) {
	return payments.ParsedWebhook{}, fmt.Errorf("fake client does not parse webhooks")
}

type fixture struct {
	svc       *payments.Service
	client    *fakeClient
	requester model.Agent
	executor  model.Agent
	grant     model.AuthorizationGrant
}

func setup(t *testing.T, prefix string, grantIn registry.CreateGrantInput) fixture {
	t.Helper()
	ctx := context.Background()

	requester, _, err := testDir.Register(ctx, model.RegisterAgentRequest{
		Name:         prefix + "-requester",
		Type:         model.AgentTypeCollections,
		Endpoint:     "https://" + prefix + "-req.example.com/hooks",
		Capabilities: []string{model.PermRequestPayment},
	})
	require.NoError(t, err)

	executor, _, err := testDir.Register(ctx, model.RegisterAgentRequest{
		Name:         prefix + "-executor",
		Type:         model.AgentTypePayment,
		Endpoint:     "https://" + prefix + "-exe.example.com/hooks",
		Capabilities: []string{model.PermExecutePayment},
	})
	require.NoError(t, err)

	grantIn.PrincipalID = requester.ID
	grantIn.SubjectID = executor.ID
	if len(grantIn.Permissions) == 0 {
		grantIn.Permissions = []string{model.PermRequestPayment}
	}
	grant, err := testReg.Grant(ctx, grantIn)
	require.NoError(t, err)

	// Each fixture gets its own processor so selection picks it by name.
	_, err = testDB.UpsertProcessor(ctx, model.PaymentProcessor{
		Name:                prefix + "-proc",
		Type:                model.ProcessorStripe,
		APIEndpoint:         "https://api.example.com",
		SupportedMethods:    []string{string(model.MethodACH), string(model.MethodCard)},
		SupportedCurrencies: []string{"USD"},
		Status:              model.ProcessorActive,
	})
	require.NoError(t, err)

	client := &fakeClient{}
	svc := payments.New(testDB, testReg, testDir,
		map[model.ProcessorType]payments.ProcessorClient{model.ProcessorStripe: client},
		nil, testutil.TestLogger())

	return fixture{svc: svc, client: client, requester: requester, executor: executor, grant: grant}
}

func (f fixture) input(key string, amount int64) model.SubmitPaymentInput {
	return model.SubmitPaymentInput{
		IdempotencyKey: key,
		RequesterID:    f.requester.ID,
		ExecutorID:     f.executor.ID,
		GrantID:        f.grant.ID,
		AmountCents:    amount,
		Currency:       "usd",
		Method:         "ACH",
	}
}

func TestSubmitAuthorizesAndComputesFee(t *testing.T) {
	f := setup(t, "authz", registry.CreateGrantInput{TTL: time.Hour})

	payment, err := f.svc.Submit(context.Background(), f.input("authz-key-1", 50230))
	require.NoError(t, err)

	assert.Equal(t, model.PaymentAuthorized, payment.Status)
	assert.Equal(t, "USD", payment.Currency, "currency is normalized upper")
	assert.Equal(t, model.MethodACH, payment.Method, "method is normalized lower")
	assert.Equal(t, int64(432), payment.FeeCents)
	assert.Equal(t, int64(49798), payment.NetCents)
	assert.NotEmpty(t, payment.ExternalTxnID)
	assert.True(t, model.ValidRequestRef(payment.RequestRef))
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := setup(t, "idem", registry.CreateGrantInput{TTL: time.Hour})
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, f.input("idem-key-1", 10000))
	require.NoError(t, err)

	// Same key, different amount: the original request wins untouched.
	replay, err := f.svc.Submit(ctx, f.input("idem-key-1", 99999))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, int64(10000), replay.AmountCents)
	assert.Equal(t, first.ExternalTxnID, replay.ExternalTxnID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.client.submits), "processor invoked at most once per key")
}

func TestConcurrentSubmitsInvokeProcessorOnce(t *testing.T) {
	f := setup(t, "race", registry.CreateGrantInput{TTL: time.Hour})
	ctx := context.Background()

	const n = 8
	results := make([]model.PaymentRequest, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Submit(ctx, f.input("race-key-1", 7500))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID, "every caller observes the same request")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.client.submits))
}

func TestSubmitEnforcesAmountCap(t *testing.T) {
	f := setup(t, "amt", registry.CreateGrantInput{TTL: time.Hour, MaxAmountCents: 5000})

	_, err := f.svc.Submit(context.Background(), f.input("amt-key-1", 5001))
	assert.ErrorIs(t, err, registry.ErrAmountCapExceeded)

	// A rejected submission leaves nothing behind; the same key can retry
	// with a compliant amount.
	payment, err := f.svc.Submit(context.Background(), f.input("amt-key-1", 5000))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentAuthorized, payment.Status)
}

func TestSubmitEnforcesFrequencyCap(t *testing.T) {
	f := setup(t, "freq", registry.CreateGrantInput{TTL: time.Hour, MaxFrequencyPerHour: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Submit(ctx, f.input(fmt.Sprintf("freq-key-%d", i), 1000))
		require.NoError(t, err)
	}

	_, err := f.svc.Submit(ctx, f.input("freq-key-over", 1000))
	assert.ErrorIs(t, err, registry.ErrFrequencyCapExceeded)
}

func TestSubmitFailureNormalizesCodeAndCountsExecutor(t *testing.T) {
	f := setup(t, "decl", registry.CreateGrantInput{TTL: time.Hour})
	f.client.err = &payments.ProcessorError{
		Code:   payments.FailInsufficientFunds,
		Reason: "the account has insufficient funds",
	}

	payment, err := f.svc.Submit(context.Background(), f.input("decl-key-1", 2000))
	require.NoError(t, err, "a processor decline is an outcome, not an error")
	assert.Equal(t, model.PaymentFailed, payment.Status)
	assert.Equal(t, payments.FailInsufficientFunds, payment.FailureCode)

	executor, err := testDir.Get(context.Background(), f.executor.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, executor.ConsecutiveFailures)
}

func TestSubmitRequiresExecutorCapability(t *testing.T) {
	f := setup(t, "incap", registry.CreateGrantInput{TTL: time.Hour})
	ctx := context.Background()

	// An executor without the execute_payment capability.
	plain, _, err := testDir.Register(ctx, model.RegisterAgentRequest{
		Name:     "incap-plain",
		Type:     model.AgentTypePayment,
		Endpoint: "https://plain.example.com/hooks",
	})
	require.NoError(t, err)

	in := f.input("incap-key-1", 1000)
	in.ExecutorID = plain.ID
	_, err = f.svc.Submit(ctx, in)
	assert.ErrorIs(t, err, payments.ErrExecutorIncapable)
}

func TestSubmitNoProcessorForCurrency(t *testing.T) {
	f := setup(t, "nocur", registry.CreateGrantInput{TTL: time.Hour})

	in := f.input("nocur-key-1", 1000)
	in.Currency = "JPY"
	payment, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, payment.Status)
	assert.Equal(t, payments.FailProcessorDown, payment.FailureCode)
}

func TestCancelOnlyByParty(t *testing.T) {
	f := setup(t, "cxl", registry.CreateGrantInput{TTL: time.Hour})
	ctx := context.Background()

	// Insert a received payment directly so it is still cancellable.
	payment, _, err := testDB.CreatePaymentIfAbsent(ctx, model.PaymentRequest{
		RequestRef:     model.NewRequestRef(time.Now().UTC()),
		IdempotencyKey: "cxl-key-1",
		RequesterID:    f.requester.ID,
		ExecutorID:     f.executor.ID,
		GrantID:        f.grant.ID,
		AmountCents:    1000,
		Currency:       "USD",
		Method:         model.MethodACH,
		Status:         model.PaymentReceived,
	})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, payment.ID, uuid.New(), "who am I")
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)

	cancelled, err := f.svc.Cancel(ctx, payment.ID, f.requester.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCancelled, cancelled.Status)
}

func TestStatusReturnsRequestAndSettlements(t *testing.T) {
	f := setup(t, "stat", registry.CreateGrantInput{TTL: time.Hour})
	ctx := context.Background()

	payment, err := f.svc.Submit(ctx, f.input("stat-key-1", 50230))
	require.NoError(t, err)

	status, err := f.svc.Status(ctx, payment.RequestRef)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, status.Request.ID)
	assert.Empty(t, status.Settlements, "nothing settled yet")
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay-dev/agentpay/internal/auth"
	"github.com/agentpay-dev/agentpay/internal/config"
	"github.com/agentpay-dev/agentpay/internal/conversation"
	"github.com/agentpay-dev/agentpay/internal/directory"
	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/payments"
	"github.com/agentpay-dev/agentpay/internal/reconciler"
	"github.com/agentpay-dev/agentpay/internal/registry"
	"github.com/agentpay-dev/agentpay/internal/server"
	"github.com/agentpay-dev/agentpay/internal/storage"
	"github.com/agentpay-dev/agentpay/internal/testutil"
)

const testAdminKey = "test-admin-api-key"

var (
	testDB  *storage.DB
	handler http.Handler
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

	if err := buildServer(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build server: %v\n", err)
		testDB.Close()
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func buildServer() error {
	ctx := context.Background()
	logger := testutil.TestLogger()

	cfg := config.Config{
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		AdminAPIKey:         testAdminKey,
		ServerSecret:        "server-test-secret",
		ConversationWindow:  time.Hour,
		MaxRequestBodyBytes: 1 << 20,
	}

	if _, err := testDB.UpsertProcessor(ctx, model.PaymentProcessor{
		Name:                "stripe",
		Type:                model.ProcessorStripe,
		APIEndpoint:         "https://api.stripe.example.com",
		SupportedMethods:    []string{string(model.MethodACH), string(model.MethodCard)},
		SupportedCurrencies: []string{"USD"},
		Status:              model.ProcessorActive,
	}); err != nil {
		return err
	}

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		return err
	}

	dir := directory.New(testDB, logger)
	reg := registry.New(testDB, logger)
	engine := conversation.New(testDB, reg, dir, cfg.ServerSecret, cfg.ConversationWindow, logger)
	clients := map[model.ProcessorType]payments.ProcessorClient{model.ProcessorStripe: &fakeClient{}}
	pay := payments.New(testDB, reg, dir, clients, nil, logger)
	rec := reconciler.New(testDB, clients, logger)

	srv, err := server.New(cfg, server.Deps{
		DB:         testDB,
		Directory:  dir,
		Registry:   reg,
		Engine:     engine,
		Payments:   pay,
		Reconciler: rec,
		JWTManager: jwtMgr,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	handler = srv.Handler()
	return nil
}

// fakeClient authorizes every submission and parses fakeEvent webhook bodies.
type fakeClient struct{}

func (*fakeClient) Submit(_ context.Context, req model.PaymentRequest) (payments.SubmitResult, error) {
	return payments.SubmitResult{ExternalTxnID: "txn_" + req.IdempotencyKey}, nil
}

func (*fakeClient) ParseWebhook(body []byte) (payments.ParsedWebhook, error) {
	var e fakeEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return payments.ParsedWebhook{}, fmt.Errorf("parse fake webhook: %v: %w", err, payments.ErrBadWebhook)
	}
	if e.EventID == "" {
		return payments.ParsedWebhook{}, fmt.Errorf("fake webhook missing event id: %w", payments.ErrBadWebhook)
	}
	var event model.ProcessorEvent
	switch e.Kind {
	case "succeeded":
		event = model.PaymentSucceededEvent{TxnID: e.Txn, AmountCents: e.Amount, FeeCents: e.Fee}
	case "failed":
		event = model.PaymentFailedEvent{TxnID: e.Txn, Code: e.Code, Reason: e.Reason}
	default:
		event = model.UnknownEvent{Type: e.Kind, TxnID: e.Txn}
	}
	return payments.ParsedWebhook{EventID: e.EventID, Event: event}, nil
}

type fakeEvent struct {
	EventID string `json:"event_id"`
	Kind    string `json:"kind"`
	Txn     string `json:"txn"`
	Amount  int64  `json:"amount,omitempty"`
	Fee     int64  `json:"fee,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type creds struct {
	id     uuid.UUID
	secret string
}

// doReq performs one request against the handler chain. A non-nil signer
// adds the agent signature headers over the encoded body.
func doReq(t *testing.T, method, path string, body any, signer *creds) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		ts := time.Now().Unix()
		req.Header.Set("X-AgentPay-Agent-ID", signer.id.String())
		req.Header.Set("X-AgentPay-Timestamp", fmt.Sprintf("%d", ts))
		req.Header.Set("X-AgentPay-Signature", auth.Sign(signer.secret, ts, payload))
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func registerAgent(t *testing.T, name string, caps ...string) creds {
	t.Helper()
	rr := doReq(t, http.MethodPost, "/v1/agents", model.RegisterAgentRequest{
		Name:         name,
		Type:         model.AgentTypeCollections,
		Endpoint:     "https://" + name + ".example.com/hooks",
		Capabilities: caps,
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var out model.RegisteredAgent
	decodeData(t, rr, &out)
	require.NotEmpty(t, out.SigningSecret)
	return creds{id: out.Agent.ID, secret: out.SigningSecret}
}

func adminToken(t *testing.T) string {
	t.Helper()
	rr := doReq(t, http.MethodPost, "/auth/token", map[string]string{
		"api_key": testAdminKey, "operator": "ops",
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var out struct {
		Token string `json:"token"`
	}
	decodeData(t, rr, &out)
	return out.Token
}

func TestHealth(t *testing.T) {
	rr := doReq(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSignedRequestAuth(t *testing.T) {
	agent := registerAgent(t, "http-auth-agent")

	rr := doReq(t, http.MethodGet, "/v1/agents/"+agent.id.String(), nil, &agent)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// Missing headers.
	rr = doReq(t, http.MethodGet, "/v1/agents/"+agent.id.String(), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Wrong secret.
	bad := creds{id: agent.id, secret: "not-the-secret"}
	rr = doReq(t, http.MethodGet, "/v1/agents/"+agent.id.String(), nil, &bad)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Unknown agent.
	ghost := creds{id: uuid.New(), secret: agent.secret}
	rr = doReq(t, http.MethodGet, "/v1/agents/"+agent.id.String(), nil, &ghost)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Stale timestamp.
	req := httptest.NewRequest(http.MethodGet, "/v1/agents/"+agent.id.String(), nil)
	stale := time.Now().Add(-10 * time.Minute).Unix()
	req.Header.Set("X-AgentPay-Agent-ID", agent.id.String())
	req.Header.Set("X-AgentPay-Timestamp", fmt.Sprintf("%d", stale))
	req.Header.Set("X-AgentPay-Signature", auth.Sign(agent.secret, stale, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorEnvelope(t *testing.T) {
	rr := doReq(t, http.MethodGet, "/v1/grants", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
		Meta  struct {
			RequestID string `json:"request_id"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, model.ErrCodeUnauthorized, envelope.Code)
	assert.NotEmpty(t, envelope.Error)
	assert.NotEmpty(t, envelope.Meta.RequestID)
	assert.Equal(t, envelope.Meta.RequestID, rr.Header().Get("X-Request-ID"))
}

func TestAdminTokenAndAgentStatus(t *testing.T) {
	agent := registerAgent(t, "http-admin-agent")

	rr := doReq(t, http.MethodPost, "/auth/token", map[string]string{"api_key": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token := adminToken(t)

	// Reactivation is only valid from the error state.
	req := httptest.NewRequest(http.MethodPost, "/v1/agents/"+agent.id.String()+"/reactivate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Maintenance can be set directly.
	body, _ := json.Marshal(map[string]string{"status": string(model.AgentMaintenance)})
	req = httptest.NewRequest(http.MethodPut, "/v1/agents/"+agent.id.String()+"/status", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Active is not settable directly, it requires reactivation.
	body, _ = json.Marshal(map[string]string{"status": string(model.AgentActive)})
	req = httptest.NewRequest(http.MethodPut, "/v1/agents/"+agent.id.String()+"/status", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Admin routes reject agent-signed requests.
	req = httptest.NewRequest(http.MethodPost, "/v1/agents/"+agent.id.String()+"/reactivate", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	requester := registerAgent(t, "http-flow-requester", model.PermRequestPayment, model.PermInitiateConversation)
	executor := registerAgent(t, "http-flow-executor", model.PermExecutePayment)

	// The subject of a grant is the one who issues it.
	rr := doReq(t, http.MethodPost, "/v1/grants", model.CreateGrantRequest{
		PrincipalID: requester.id.String(),
		SubjectID:   executor.id.String(),
		Permissions: []string{model.PermRequestPayment, model.PermInitiateConversation},
		TTLSeconds:  3600,
	}, &executor)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var grant model.AuthorizationGrant
	decodeData(t, rr, &grant)

	// A grant cannot be created on someone else's behalf.
	rr = doReq(t, http.MethodPost, "/v1/grants", model.CreateGrantRequest{
		PrincipalID: requester.id.String(),
		SubjectID:   executor.id.String(),
		Permissions: []string{model.PermRequestPayment},
	}, &requester)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doReq(t, http.MethodPost, "/v1/payments", model.SubmitPaymentInput{
		IdempotencyKey: "http-flow-key-1",
		ExecutorID:     executor.id,
		GrantID:        grant.ID,
		AmountCents:    50230,
		Currency:       "USD",
		Method:         model.MethodACH,
	}, &requester)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var payment model.PaymentRequest
	decodeData(t, rr, &payment)
	assert.Equal(t, model.PaymentAuthorized, payment.Status)
	assert.Equal(t, requester.id, payment.RequesterID, "requester comes from the signature, not the body")
	assert.Equal(t, int64(432), payment.FeeCents)

	// Processor reports settlement via webhook.
	rr = doReq(t, http.MethodPost, "/webhooks/stripe", fakeEvent{
		EventID: "evt_http_flow_1",
		Kind:    "succeeded",
		Txn:     payment.ExternalTxnID,
		Amount:  payment.AmountCents,
		Fee:     payment.FeeCents,
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var event model.WebhookEvent
	decodeData(t, rr, &event)
	assert.Equal(t, model.WebhookApplied, event.Outcome)

	// Redelivery is acknowledged without reapplying.
	rr = doReq(t, http.MethodPost, "/webhooks/stripe", fakeEvent{
		EventID: "evt_http_flow_1",
		Kind:    "succeeded",
		Txn:     payment.ExternalTxnID,
	}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeData(t, rr, &event)
	assert.Equal(t, model.WebhookDuplicate, event.Outcome)

	rr = doReq(t, http.MethodGet, "/v1/payments/ref/"+payment.RequestRef, nil, &requester)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var status model.PaymentStatusResponse
	decodeData(t, rr, &status)
	assert.Equal(t, model.PaymentSettled, status.Request.Status)
	require.Len(t, status.Settlements, 1)

	// Outsiders cannot read payment status.
	outsider := registerAgent(t, "http-flow-outsider")
	rr = doReq(t, http.MethodGet, "/v1/payments/ref/"+payment.RequestRef, nil, &outsider)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminListPayments(t *testing.T) {
	requester := registerAgent(t, "http-list-requester", model.PermRequestPayment)
	executor := registerAgent(t, "http-list-executor", model.PermExecutePayment)

	rr := doReq(t, http.MethodPost, "/v1/grants", model.CreateGrantRequest{
		PrincipalID: requester.id.String(),
		SubjectID:   executor.id.String(),
		Permissions: []string{model.PermRequestPayment},
		TTLSeconds:  3600,
	}, &executor)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var grant model.AuthorizationGrant
	decodeData(t, rr, &grant)

	rr = doReq(t, http.MethodPost, "/v1/payments", model.SubmitPaymentInput{
		IdempotencyKey: "http-list-key-1",
		ExecutorID:     executor.id,
		GrantID:        grant.ID,
		AmountCents:    7500,
		Currency:       "USD",
		Method:         model.MethodACH,
	}, &requester)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var payment model.PaymentRequest
	decodeData(t, rr, &payment)

	token := adminToken(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/payments?status=authorized", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envelope struct {
		Data []model.PaymentRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	var found bool
	for _, p := range envelope.Data {
		if p.ID == payment.ID {
			found = true
		}
	}
	assert.True(t, found, "authorized payment should appear in the listing")

	// Unknown status values are rejected.
	req = httptest.NewRequest(http.MethodGet, "/v1/payments?status=pending", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The listing is an operator surface, not an agent one.
	rr = doReq(t, http.MethodGet, "/v1/payments?status=authorized", nil, &requester)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestConversationFlowOverHTTP(t *testing.T) {
	initiator := registerAgent(t, "http-conv-initiator", model.PermInitiateConversation)
	target := registerAgent(t, "http-conv-target", model.PermInitiateConversation)

	rr := doReq(t, http.MethodPost, "/v1/grants", model.CreateGrantRequest{
		PrincipalID: initiator.id.String(),
		SubjectID:   target.id.String(),
		Permissions: []string{model.PermInitiateConversation},
		TTLSeconds:  3600,
	}, &target)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var grant model.AuthorizationGrant
	decodeData(t, rr, &grant)

	// The context signature is separate from the transport signature: it
	// covers the opening payload alone under the initiator's secret.
	openCtx := json.RawMessage(`{"kind":"payment_request","idempotency_key":"http-conv-k1","amount_cents":1200,"currency":"USD","method":"ach"}`)
	ts := time.Now().Unix()
	rr = doReq(t, http.MethodPost, "/v1/conversations", model.InitiateConversationRequest{
		TargetID:  target.id.String(),
		GrantID:   grant.ID.String(),
		Purpose:   "collect invoice 77",
		Context:   openCtx,
		Signature: auth.Sign(initiator.secret, ts, openCtx),
		Timestamp: ts,
	}, &initiator)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var conv model.Conversation
	decodeData(t, rr, &conv)
	assert.Equal(t, model.ConversationActive, conv.Status)
	assert.NotNil(t, conv.StartedAt)

	// The opening context landed as the first message.
	rr = doReq(t, http.MethodGet, "/v1/conversations/"+conv.ID.String()+"/messages", nil, &target)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var msgs []model.Message
	decodeData(t, rr, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageRequest, msgs[0].Type)
	assert.JSONEq(t, string(openCtx), string(msgs[0].Body))

	// Messages are signed the same way by their sender.
	msgBody := json.RawMessage(`{"kind":"status_query","request_ref":"pay_req_1700000000_a1b2c3d4"}`)
	ts = time.Now().Unix()
	rr = doReq(t, http.MethodPost, "/v1/conversations/"+conv.ID.String()+"/messages", model.PostMessageRequest{
		Type:      model.MessageStatus,
		Body:      msgBody,
		Signature: auth.Sign(initiator.secret, ts, msgBody),
		Timestamp: ts,
	}, &initiator)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = doReq(t, http.MethodGet, "/v1/conversations/"+conv.ID.String(), nil, &target)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeData(t, rr, &conv)
	assert.Equal(t, model.ConversationActive, conv.Status)

	// Non-participants get nothing.
	outsider := registerAgent(t, "http-conv-outsider")
	rr = doReq(t, http.MethodGet, "/v1/conversations/"+conv.ID.String(), nil, &outsider)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWebhookErrors(t *testing.T) {
	rr := doReq(t, http.MethodPost, "/webhooks/never-heard-of-it", fakeEvent{
		EventID: "evt_wh_1", Kind: "succeeded", Txn: "txn_x",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(nil))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

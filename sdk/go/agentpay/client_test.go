package agentpay

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string, agentID uuid.UUID) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:       serverURL,
		AgentID:       agentID,
		SigningSecret: "test-secret",
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(Config{AgentID: uuid.New(), SigningSecret: "s"})
	assert.Error(t, err, "missing BaseURL")

	_, err = NewClient(Config{BaseURL: "http://x", SigningSecret: "s"})
	assert.Error(t, err, "missing AgentID")

	_, err = NewClient(Config{BaseURL: "http://x", AgentID: uuid.New()})
	assert.Error(t, err, "missing SigningSecret")
}

func TestRequestsCarrySignatureHeaders(t *testing.T) {
	agentID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/payments": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, agentID.String(), r.Header.Get("X-AgentPay-Agent-ID"))

			ts, err := strconv.ParseInt(r.Header.Get("X-AgentPay-Timestamp"), 10, 64)
			require.NoError(t, err)

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			expected := sign("test-secret", ts, body)
			got := r.Header.Get("X-AgentPay-Signature")
			assert.True(t, hmac.Equal([]byte(expected), []byte(got)), "signature must cover timestamp and body")

			writeJSON(w, http.StatusCreated, map[string]any{
				"data": PaymentRequest{ID: uuid.New(), Status: "received"},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, agentID)
	payment, err := c.SubmitPayment(context.Background(), SubmitPaymentRequest{
		IdempotencyKey: "key-1",
		ExecutorID:     uuid.New().String(),
		GrantID:        uuid.New().String(),
		AmountCents:    5000,
		Currency:       "USD",
		Method:         "ach",
	})
	require.NoError(t, err)
	assert.Equal(t, "received", payment.Status)
}

func TestPostMessageSignsMessageBody(t *testing.T) {
	agentID := uuid.New()
	convID := uuid.New()
	msgBody := json.RawMessage(`{"amount_cents":5000}`)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/conversations/{id}/messages": func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Type      string          `json:"type"`
				Body      json.RawMessage `json:"body"`
				Signature string          `json:"signature"`
				Timestamp int64           `json:"timestamp"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			expected := sign("test-secret", req.Timestamp, req.Body)
			assert.Equal(t, expected, req.Signature, "message signature must cover the message body")

			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Message{ID: uuid.New(), ConversationID: convID, Type: req.Type},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, agentID)
	msg, err := c.PostMessage(context.Background(), convID, "request", msgBody, false)
	require.NoError(t, err)
	assert.Equal(t, convID, msg.ConversationID)
}

func TestInitiateConversationSignsContext(t *testing.T) {
	agentID := uuid.New()
	openCtx := json.RawMessage(`{"invoice":"inv_42","amount_cents":5000}`)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/conversations": func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				TargetID  string          `json:"target_id"`
				Context   json.RawMessage `json:"context"`
				Signature string          `json:"signature"`
				Timestamp int64           `json:"timestamp"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			expected := sign("test-secret", req.Timestamp, req.Context)
			assert.Equal(t, expected, req.Signature, "signature must cover the context payload")

			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Conversation{ID: uuid.New(), InitiatorID: agentID, Status: "active", Context: req.Context},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, agentID)
	conv, err := c.InitiateConversation(context.Background(), InitiateConversationRequest{
		TargetID: uuid.New().String(),
		GrantID:  uuid.New().String(),
		Purpose:  "collect invoice 42",
		Context:  openCtx,
	})
	require.NoError(t, err)
	assert.Equal(t, "active", conv.Status)
	assert.JSONEq(t, string(openCtx), string(conv.Context))
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/payments/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": "resource not found",
				"code":  "NOT_FOUND",
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL, uuid.New())
	_, err := c.GetPayment(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestRegisterReturnsSecretOnce(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/agents": func(w http.ResponseWriter, r *http.Request) {
			var req RegisterAgentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "collections-east", req.Name)

			writeJSON(w, http.StatusCreated, map[string]any{
				"data": RegisteredAgent{
					Agent:         Agent{ID: uuid.New(), Name: req.Name, Status: "active"},
					SigningSecret: "fresh-secret",
				},
			})
		},
	})
	defer srv.Close()

	out, err := Register(context.Background(), srv.URL, RegisterAgentRequest{
		Name:     "collections-east",
		Type:     "collector",
		Endpoint: "https://east.example.com/hooks",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh-secret", out.SigningSecret)
	assert.Equal(t, "active", out.Agent.Status)
}

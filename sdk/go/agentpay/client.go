package agentpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the agentpay server (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies this agent. Obtained from registration.
	AgentID uuid.UUID

	// SigningSecret is the shared secret returned at registration. Every
	// request is HMAC-signed with it.
	SigningSecret string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the agentpay coordination API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	agentID uuid.UUID
	secret  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, AgentID, or SigningSecret is missing.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("agentpay: BaseURL is required")
	}
	if cfg.AgentID == uuid.Nil {
		return nil, fmt.Errorf("agentpay: AgentID is required")
	}
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("agentpay: SigningSecret is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		agentID: cfg.AgentID,
		secret:  cfg.SigningSecret,
		client:  httpClient,
	}, nil
}

// Register creates a new agent. Registration is unauthenticated; the
// returned signing secret is shown exactly once.
func Register(ctx context.Context, baseURL string, req RegisterAgentRequest, httpClient *http.Client) (*RegisteredAgent, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agentpay: marshal register request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/v1/agents", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentpay: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agentpay: register: %w", err)
	}
	defer resp.Body.Close()

	var out RegisteredAgent
	if err := decodeResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat records liveness for this agent and resets its failure counter.
func (c *Client) Heartbeat(ctx context.Context) (*Agent, error) {
	var out Agent
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/agents/%s/heartbeat", c.agentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent looks up an agent by ID.
func (c *Client) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var out Agent
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateGrant issues an authorization grant. This agent must be the subject.
func (c *Client) CreateGrant(ctx context.Context, req CreateGrantRequest) (*Grant, error) {
	if req.SubjectID == "" {
		req.SubjectID = c.agentID.String()
	}
	var out Grant
	if err := c.do(ctx, http.MethodPost, "/v1/grants", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGrant returns a grant this agent is party to.
func (c *Client) GetGrant(ctx context.Context, id uuid.UUID) (*Grant, error) {
	var out Grant
	if err := c.do(ctx, http.MethodGet, "/v1/grants/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeGrant revokes a grant this agent is party to.
func (c *Client) RevokeGrant(ctx context.Context, id uuid.UUID) (*Grant, error) {
	var out Grant
	if err := c.do(ctx, http.MethodPost, "/v1/grants/"+id.String()+"/revoke", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitiateConversation opens a conversation with a target agent. The context
// payload is HMAC-signed with this agent's secret; the server stores it as
// the conversation's first message.
func (c *Client) InitiateConversation(ctx context.Context, req InitiateConversationRequest) (*Conversation, error) {
	ts := time.Now().Unix()
	body := map[string]any{
		"target_id":   req.TargetID,
		"grant_id":    req.GrantID,
		"purpose":     req.Purpose,
		"context":     req.Context,
		"ttl_seconds": req.TTLSeconds,
		"signature":   sign(c.secret, ts, req.Context),
		"timestamp":   ts,
	}
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversation returns a conversation this agent participates in.
func (c *Client) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages returns a conversation's messages in send order.
func (c *Client) Messages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+conversationID.String()+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostMessage sends a signed message into a conversation. The message body
// is HMAC-signed with this agent's secret; the server verifies before
// accepting.
func (c *Client) PostMessage(ctx context.Context, conversationID uuid.UUID, msgType string, body json.RawMessage, final bool) (*Message, error) {
	ts := time.Now().Unix()
	req := map[string]any{
		"type":      msgType,
		"body":      body,
		"final":     final,
		"signature": sign(c.secret, ts, body),
		"timestamp": ts,
	}
	var out Message
	if err := c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID.String()+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteConversation closes a conversation with a result.
func (c *Client) CompleteConversation(ctx context.Context, id uuid.UUID, result map[string]any) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/v1/conversations/"+id.String()+"/complete", map[string]any{"result": result}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FailConversation closes a conversation as failed with a reason.
func (c *Client) FailConversation(ctx context.Context, id uuid.UUID, reason string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/v1/conversations/"+id.String()+"/fail", map[string]string{"reason": reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitPayment submits a payment request. Safe to retry with the same
// idempotency key.
func (c *Client) SubmitPayment(ctx context.Context, req SubmitPaymentRequest) (*PaymentRequest, error) {
	var out PaymentRequest
	if err := c.do(ctx, http.MethodPost, "/v1/payments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment returns a payment this agent is party to.
func (c *Client) GetPayment(ctx context.Context, id uuid.UUID) (*PaymentRequest, error) {
	var out PaymentRequest
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PaymentStatus returns a payment and its settlements by request ref.
func (c *Client) PaymentStatus(ctx context.Context, requestRef string) (*PaymentStatus, error) {
	var out PaymentStatus
	if err := c.do(ctx, http.MethodGet, "/v1/payments/ref/"+requestRef, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelPayment cancels a received or processing payment.
func (c *Client) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*PaymentRequest, error) {
	var out PaymentRequest
	if err := c.do(ctx, http.MethodPost, "/v1/payments/"+id.String()+"/cancel", map[string]string{"reason": reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// sign computes the hex HMAC-SHA256 of "timestamp:body" under the secret.
func sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// do sends one signed request and decodes the data envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agentpay: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("agentpay: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	ts := time.Now().Unix()
	req.Header.Set("X-AgentPay-Agent-ID", c.agentID.String())
	req.Header.Set("X-AgentPay-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-AgentPay-Signature", sign(c.secret, ts, payload))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agentpay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("agentpay: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr errorEnvelope
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return &Error{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
		}
		return &Error{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	var envelope dataEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("agentpay: decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("agentpay: decode response data: %w", err)
	}
	return nil
}

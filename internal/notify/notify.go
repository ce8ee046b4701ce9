// Package notify delivers outbound payment outcome notifications to agent
// endpoints with bounded retry.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentpay-dev/agentpay/internal/auth"
	"github.com/agentpay-dev/agentpay/internal/model"
)

// HTTPNotifier POSTs JSON outcome notifications to agent endpoints,
// retrying transient failures with exponential backoff. Payloads are signed
// with the server secret so receivers can verify origin.
type HTTPNotifier struct {
	client       *http.Client
	serverSecret string
	maxElapsed   time.Duration
	logger       *slog.Logger
}

// New creates an HTTPNotifier. maxElapsed bounds the total retry budget per
// notification.
func New(serverSecret string, maxElapsed time.Duration, logger *slog.Logger) *HTTPNotifier {
	if maxElapsed <= 0 {
		maxElapsed = 20 * time.Second
	}
	return &HTTPNotifier{
		client:       &http.Client{Timeout: 10 * time.Second},
		serverSecret: serverSecret,
		maxElapsed:   maxElapsed,
		logger:       logger,
	}
}

type outcomePayload struct {
	Kind       string               `json:"kind"`
	Payment    model.PaymentRequest `json:"payment"`
	NotifiedAt time.Time            `json:"notified_at"`
}

// PaymentOutcome delivers one payment outcome to the given endpoint.
// Non-2xx responses and transport errors are retried; 4xx responses are
// treated as permanent.
func (n *HTTPNotifier) PaymentOutcome(ctx context.Context, endpoint string, payment model.PaymentRequest) error {
	body, err := json.Marshal(outcomePayload{
		Kind:       "payment_outcome",
		Payment:    payment,
		NotifiedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal outcome: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = n.maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		return n.post(ctx, endpoint, body)
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("notify: deliver to %s after %d attempts: %w", endpoint, attempt, err)
	}
	return nil
}

func (n *HTTPNotifier) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("notify: build request: %w", err))
	}
	ts := time.Now().UTC().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AgentPay-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-AgentPay-Signature", auth.Sign(n.serverSecret, ts, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("notify: endpoint returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("notify: endpoint returned %d", resp.StatusCode)
	}
}

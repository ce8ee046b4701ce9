package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// PlaidClient dispatches ACH transfers through the Plaid Transfer API.
type PlaidClient struct {
	endpoint string
	clientID string
	secret   string
	client   *http.Client
}

// NewPlaidClient creates a PlaidClient against the given API endpoint.
func NewPlaidClient(endpoint, clientID, secret string) *PlaidClient {
	return &PlaidClient{
		endpoint: endpoint,
		clientID: clientID,
		secret:   secret,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type plaidTransferRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	Amount      string `json:"amount"`
	ISOCurrency string `json:"iso_currency_code"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

type plaidTransferResponse struct {
	Transfer struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	} `json:"transfer"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Submit creates a Plaid transfer. Plaid expresses amounts as decimal
// strings; the integer minor units convert losslessly.
func (c *PlaidClient) Submit(ctx context.Context, req model.PaymentRequest) (SubmitResult, error) {
	payload := plaidTransferRequest{
		ClientID:    c.clientID,
		Secret:      c.secret,
		Amount:      fmt.Sprintf("%d.%02d", req.AmountCents/100, req.AmountCents%100),
		ISOCurrency: req.Currency,
		Description: req.Description,
		Reference:   req.RequestRef,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("payments: marshal plaid request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/transfer/create", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("payments: build plaid request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return SubmitResult{}, &ProcessorError{Code: FailProcessorDown, Reason: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return SubmitResult{}, &ProcessorError{Code: FailProcessorDown, Reason: fmt.Sprintf("plaid returned %d", resp.StatusCode), Retryable: true}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("payments: read plaid response: %w", err)
	}

	var result plaidTransferResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("payments: decode plaid response: %w", err)
	}

	if result.ErrorCode != "" {
		return SubmitResult{}, normalizePlaidError(result.ErrorCode, result.ErrorMessage)
	}
	if result.Transfer.Status == "failed" {
		return SubmitResult{}, &ProcessorError{Code: FailDeclined, Reason: result.Transfer.FailureReason}
	}
	return SubmitResult{ExternalTxnID: result.Transfer.ID}, nil
}

func normalizePlaidError(code, msg string) error {
	switch code {
	case "INSUFFICIENT_FUNDS", "NSF":
		return &ProcessorError{Code: FailInsufficientFunds, Reason: msg}
	case "INVALID_ACCOUNT_NUMBER", "ITEM_LOGIN_REQUIRED":
		return &ProcessorError{Code: FailInvalidAccount, Reason: msg}
	case "INTERNAL_SERVER_ERROR", "PLANNED_MAINTENANCE":
		return &ProcessorError{Code: FailProcessorDown, Reason: msg, Retryable: true}
	default:
		return &ProcessorError{Code: FailUnknown, Reason: msg}
	}
}

type plaidWebhookPayload struct {
	WebhookID   string `json:"webhook_id"`
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	TransferID  string `json:"transfer_id"`
	Reference   string `json:"reference"`
	Timestamp   string `json:"timestamp"`
	Amount      struct {
		Value    int64  `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	SweepID       string `json:"sweep_id"`
	FailureReason string `json:"failure_reason"`
}

// ParseWebhook decodes a Plaid transfer webhook into a normalized event.
func (c *PlaidClient) ParseWebhook(body []byte) (ParsedWebhook, error) {
	var payload plaidWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ParsedWebhook{}, fmt.Errorf("parse plaid webhook: %v: %w", err, ErrBadWebhook)
	}
	if payload.WebhookID == "" {
		return ParsedWebhook{}, fmt.Errorf("plaid webhook missing webhook id: %w", ErrBadWebhook)
	}

	occurred, err := time.Parse(time.RFC3339, payload.Timestamp)
	if err != nil {
		occurred = time.Now().UTC()
	}

	var event model.ProcessorEvent
	switch payload.WebhookCode {
	case "TRANSFER_POSTED", "TRANSFER_SETTLED":
		event = model.PaymentSucceededEvent{
			TxnID:       payload.TransferID,
			RequestRef:  payload.Reference,
			AmountCents: payload.Amount.Value,
			Currency:    payload.Amount.Currency,
			OccurredAt:  occurred,
		}
	case "TRANSFER_FAILED", "TRANSFER_RETURNED":
		event = model.PaymentFailedEvent{
			TxnID:      payload.TransferID,
			RequestRef: payload.Reference,
			Code:       "transfer_failed",
			Reason:     payload.FailureReason,
			OccurredAt: occurred,
		}
	case "SWEEP_SETTLED":
		event = model.SettlementCompletedEvent{
			TxnID:        payload.TransferID,
			ReconcileRef: payload.SweepID,
			OccurredAt:   occurred,
		}
	default:
		event = model.UnknownEvent{Type: payload.WebhookCode, TxnID: payload.TransferID}
	}

	return ParsedWebhook{EventID: payload.WebhookID, Event: event}, nil
}

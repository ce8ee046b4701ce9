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

// AdyenClient dispatches payments through the Adyen Checkout API. Adyen has
// no first-party Go SDK worth carrying; this is a thin HTTP client.
type AdyenClient struct {
	endpoint        string
	apiKey          string
	merchantAccount string
	client          *http.Client
}

// NewAdyenClient creates an AdyenClient against the given API endpoint.
func NewAdyenClient(endpoint, apiKey, merchantAccount string) *AdyenClient {
	return &AdyenClient{
		endpoint:        endpoint,
		apiKey:          apiKey,
		merchantAccount: merchantAccount,
		client:          &http.Client{Timeout: 30 * time.Second},
	}
}

type adyenPaymentRequest struct {
	Amount struct {
		Value    int64  `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Reference       string            `json:"reference"`
	MerchantAccount string            `json:"merchantAccount"`
	PaymentMethod   map[string]string `json:"paymentMethod"`
}

type adyenPaymentResponse struct {
	PSPReference  string `json:"pspReference"`
	ResultCode    string `json:"resultCode"`
	RefusalReason string `json:"refusalReason"`
}

// Submit creates an Adyen payment. The request ref doubles as the Adyen
// merchant reference.
func (c *AdyenClient) Submit(ctx context.Context, req model.PaymentRequest) (SubmitResult, error) {
	payload := adyenPaymentRequest{
		Reference:       req.RequestRef,
		MerchantAccount: c.merchantAccount,
		PaymentMethod:   map[string]string{"type": string(req.Method)},
	}
	payload.Amount.Value = req.AmountCents
	payload.Amount.Currency = req.Currency

	body, err := json.Marshal(payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("payments: marshal adyen request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/payments", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("payments: build adyen request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return SubmitResult{}, &ProcessorError{Code: FailProcessorDown, Reason: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return SubmitResult{}, &ProcessorError{Code: FailProcessorDown, Reason: fmt.Sprintf("adyen returned %d", resp.StatusCode), Retryable: true}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("payments: read adyen response: %w", err)
	}

	var result adyenPaymentResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return SubmitResult{}, fmt.Errorf("payments: decode adyen response: %w", err)
	}

	switch result.ResultCode {
	case "Authorised", "Received", "Pending":
		return SubmitResult{ExternalTxnID: result.PSPReference}, nil
	case "Refused":
		return SubmitResult{}, normalizeAdyenRefusal(result.RefusalReason)
	default:
		return SubmitResult{}, &ProcessorError{Code: FailUnknown, Reason: fmt.Sprintf("result %s: %s", result.ResultCode, result.RefusalReason)}
	}
}

func normalizeAdyenRefusal(reason string) error {
	switch reason {
	case "Not enough balance":
		return &ProcessorError{Code: FailInsufficientFunds, Reason: reason}
	case "Invalid Account Number", "Unknown Account":
		return &ProcessorError{Code: FailInvalidAccount, Reason: reason}
	default:
		return &ProcessorError{Code: FailDeclined, Reason: reason}
	}
}

type adyenWebhookPayload struct {
	EventID   string `json:"eventId"`
	EventCode string `json:"eventCode"`
	EventDate string `json:"eventDate"`
	Success   string `json:"success"`
	Amount    struct {
		Value    int64  `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	PSPReference      string `json:"pspReference"`
	MerchantReference string `json:"merchantReference"`
	PayoutRef         string `json:"payoutReference"`
	Reason            string `json:"reason"`
	EstimatedFees     int64  `json:"estimatedFees"`
}

// ParseWebhook decodes an Adyen notification into a normalized event.
func (c *AdyenClient) ParseWebhook(body []byte) (ParsedWebhook, error) {
	var payload adyenWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ParsedWebhook{}, fmt.Errorf("parse adyen webhook: %v: %w", err, ErrBadWebhook)
	}
	if payload.EventID == "" {
		return ParsedWebhook{}, fmt.Errorf("adyen webhook missing event id: %w", ErrBadWebhook)
	}

	occurred, err := time.Parse(time.RFC3339, payload.EventDate)
	if err != nil {
		occurred = time.Now().UTC()
	}

	var event model.ProcessorEvent
	switch payload.EventCode {
	case "AUTHORISATION":
		if payload.Success == "true" {
			event = model.PaymentSucceededEvent{
				TxnID:       payload.PSPReference,
				RequestRef:  payload.MerchantReference,
				AmountCents: payload.Amount.Value,
				FeeCents:    payload.EstimatedFees,
				Currency:    payload.Amount.Currency,
				OccurredAt:  occurred,
			}
		} else {
			event = model.PaymentFailedEvent{
				TxnID:      payload.PSPReference,
				RequestRef: payload.MerchantReference,
				Code:       "declined",
				Reason:     payload.Reason,
				OccurredAt: occurred,
			}
		}
	case "PAYOUT_THIRDPARTY", "SETTLEMENT":
		event = model.SettlementCompletedEvent{
			TxnID:        payload.PSPReference,
			ReconcileRef: payload.PayoutRef,
			OccurredAt:   occurred,
		}
	default:
		event = model.UnknownEvent{Type: payload.EventCode, TxnID: payload.PSPReference}
	}

	return ParsedWebhook{EventID: payload.EventID, Event: event}, nil
}

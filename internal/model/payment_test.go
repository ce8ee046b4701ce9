package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionPayment(t *testing.T) {
	allowed := []struct{ from, to PaymentStatus }{
		{PaymentReceived, PaymentProcessing},
		{PaymentReceived, PaymentCancelled},
		{PaymentReceived, PaymentFailed},
		{PaymentProcessing, PaymentAuthorized},
		{PaymentProcessing, PaymentFailed},
		{PaymentProcessing, PaymentCancelled},
		{PaymentAuthorized, PaymentSettled},
		{PaymentAuthorized, PaymentFailed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransitionPayment(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to PaymentStatus }{
		{PaymentReceived, PaymentSettled},
		{PaymentReceived, PaymentAuthorized},
		{PaymentAuthorized, PaymentCancelled},
		{PaymentSettled, PaymentFailed},
		{PaymentFailed, PaymentProcessing},
		{PaymentCancelled, PaymentReceived},
		{PaymentSettled, PaymentSettled},
	}
	for _, tc := range denied {
		assert.False(t, CanTransitionPayment(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestPaymentStatusTerminal(t *testing.T) {
	assert.True(t, PaymentSettled.Terminal())
	assert.True(t, PaymentFailed.Terminal())
	assert.True(t, PaymentCancelled.Terminal())
	assert.False(t, PaymentReceived.Terminal())
	assert.False(t, PaymentProcessing.Terminal())
	assert.False(t, PaymentAuthorized.Terminal())
}

func TestSubmitPaymentInputValidate(t *testing.T) {
	valid := SubmitPaymentInput{
		IdempotencyKey: "key-1",
		RequesterID:    uuid.New(),
		ExecutorID:     uuid.New(),
		GrantID:        uuid.New(),
		AmountCents:    50230,
		Currency:       "USD",
		Method:         MethodACH,
	}
	require.NoError(t, valid.Validate())

	t.Run("missing idempotency key", func(t *testing.T) {
		in := valid
		in.IdempotencyKey = ""
		assert.Error(t, in.Validate())
	})
	t.Run("zero amount", func(t *testing.T) {
		in := valid
		in.AmountCents = 0
		assert.Error(t, in.Validate())
	})
	t.Run("negative amount", func(t *testing.T) {
		in := valid
		in.AmountCents = -100
		assert.Error(t, in.Validate())
	})
	t.Run("amount over maximum", func(t *testing.T) {
		in := valid
		in.AmountCents = MaxAmountCents + 1
		assert.Error(t, in.Validate())
	})
	t.Run("amount at maximum", func(t *testing.T) {
		in := valid
		in.AmountCents = MaxAmountCents
		assert.NoError(t, in.Validate())
	})
	t.Run("unsupported currency", func(t *testing.T) {
		in := valid
		in.Currency = "JPY"
		assert.Error(t, in.Validate())
	})
	t.Run("lowercase currency accepted", func(t *testing.T) {
		in := valid
		in.Currency = "usd"
		assert.NoError(t, in.Validate())
	})
	t.Run("unsupported method", func(t *testing.T) {
		in := valid
		in.Method = "check"
		assert.Error(t, in.Validate())
	})
}

func TestProcessorSupport(t *testing.T) {
	p := PaymentProcessor{
		SupportedMethods:    []string{"ACH", "card"},
		SupportedCurrencies: []string{"usd", "EUR"},
	}
	assert.True(t, p.SupportsMethod(MethodACH))
	assert.True(t, p.SupportsMethod(MethodCard))
	assert.False(t, p.SupportsMethod(MethodWire))
	assert.True(t, p.SupportsCurrency("USD"))
	assert.True(t, p.SupportsCurrency("eur"))
	assert.False(t, p.SupportsCurrency("GBP"))
}

func TestRequestRef(t *testing.T) {
	ref := NewRequestRef(time.Unix(1700000000, 0))
	assert.True(t, ValidRequestRef(ref), "generated ref %q should validate", ref)
	assert.Contains(t, ref, "pay_req_1700000000_")

	assert.False(t, ValidRequestRef("pay_req_abc_12345678"))
	assert.False(t, ValidRequestRef("pay_req_1700000000_1234567"))
	assert.False(t, ValidRequestRef("req_1700000000_12345678"))
}

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageBody(t *testing.T) {
	t.Run("payment request", func(t *testing.T) {
		raw := json.RawMessage(`{"kind":"payment_request","idempotency_key":"k1","amount_cents":50230,"currency":"USD","method":"ach"}`)
		body, err := DecodeMessageBody(raw)
		require.NoError(t, err)

		pr, ok := body.(PaymentRequestBody)
		require.True(t, ok)
		assert.Equal(t, int64(50230), pr.AmountCents)
		assert.Equal(t, "USD", pr.Currency)
		assert.Equal(t, "payment_request", body.MessageKind())
	})

	t.Run("payment result", func(t *testing.T) {
		raw := json.RawMessage(`{"kind":"payment_result","request_ref":"pay_req_1_abcd1234","status":"settled"}`)
		body, err := DecodeMessageBody(raw)
		require.NoError(t, err)

		res, ok := body.(PaymentResultBody)
		require.True(t, ok)
		assert.Equal(t, "settled", res.Status)
	})

	t.Run("unknown kind falls back to opaque", func(t *testing.T) {
		raw := json.RawMessage(`{"kind":"future_thing","x":1}`)
		body, err := DecodeMessageBody(raw)
		require.NoError(t, err)

		op, ok := body.(OpaqueBody)
		require.True(t, ok)
		assert.Equal(t, "future_thing", op.Kind)
		assert.JSONEq(t, string(raw), string(op.Raw))
	})

	t.Run("missing kind falls back to opaque", func(t *testing.T) {
		body, err := DecodeMessageBody(json.RawMessage(`{"x":1}`))
		require.NoError(t, err)
		_, ok := body.(OpaqueBody)
		assert.True(t, ok)
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		_, err := DecodeMessageBody(json.RawMessage(`{not json`))
		assert.Error(t, err)
	})
}

func TestValidateAgentName(t *testing.T) {
	assert.NoError(t, ValidateAgentName("collections-agent.prod_01@ashita"))
	assert.Error(t, ValidateAgentName(""))
	assert.Error(t, ValidateAgentName("bad name with spaces"))
	assert.Error(t, ValidateAgentName("emojié"))

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateAgentName(string(long)))
}

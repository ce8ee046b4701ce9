package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay-dev/agentpay/internal/model"
)

func TestSelectProcessor(t *testing.T) {
	procs := []model.PaymentProcessor{
		{Name: "adyen-eu", Type: model.ProcessorAdyen, Status: model.ProcessorActive,
			SupportedMethods: []string{"card", "sepa"}, SupportedCurrencies: []string{"EUR", "GBP"}},
		{Name: "plaid-us", Type: model.ProcessorPlaid, Status: model.ProcessorActive,
			SupportedMethods: []string{"ach"}, SupportedCurrencies: []string{"USD"}},
		{Name: "stripe-us", Type: model.ProcessorStripe, Status: model.ProcessorActive,
			SupportedMethods: []string{"ach", "card"}, SupportedCurrencies: []string{"USD", "CAD"}},
	}

	t.Run("first match in name order wins", func(t *testing.T) {
		p, err := SelectProcessor(procs, model.MethodACH, "USD")
		require.NoError(t, err)
		assert.Equal(t, "plaid-us", p.Name)
	})

	t.Run("method filter", func(t *testing.T) {
		p, err := SelectProcessor(procs, model.MethodCard, "USD")
		require.NoError(t, err)
		assert.Equal(t, "stripe-us", p.Name)
	})

	t.Run("currency comparison is case-insensitive", func(t *testing.T) {
		p, err := SelectProcessor(procs, model.MethodSEPA, "eur")
		require.NoError(t, err)
		assert.Equal(t, "adyen-eu", p.Name)
	})

	t.Run("inactive processors are skipped", func(t *testing.T) {
		down := make([]model.PaymentProcessor, len(procs))
		copy(down, procs)
		down[1].Status = model.ProcessorMaintenance

		p, err := SelectProcessor(down, model.MethodACH, "USD")
		require.NoError(t, err)
		assert.Equal(t, "stripe-us", p.Name)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := SelectProcessor(procs, model.MethodWire, "AUD")
		assert.ErrorIs(t, err, ErrNoProcessor)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		first, err := SelectProcessor(procs, model.MethodACH, "USD")
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			p, err := SelectProcessor(procs, model.MethodACH, "USD")
			require.NoError(t, err)
			assert.Equal(t, first.Name, p.Name)
		}
	})
}

func TestStripeParseWebhook(t *testing.T) {
	c := NewStripeClient("sk_test_x", "")

	t.Run("succeeded", func(t *testing.T) {
		body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","created":1700000000,"data":{"object":{"id":"pi_1","amount":50230,"fee":432,"currency":"usd","metadata":{"request_ref":"pay_req_1700000000_a1b2c3d4"}}}}`)
		parsed, err := c.ParseWebhook(body)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", parsed.EventID)

		ev, ok := parsed.Event.(model.PaymentSucceededEvent)
		require.True(t, ok)
		assert.Equal(t, "pi_1", ev.TxnID)
		assert.Equal(t, "pay_req_1700000000_a1b2c3d4", ev.RequestRef)
		assert.Equal(t, int64(50230), ev.AmountCents)
	})

	t.Run("failed", func(t *testing.T) {
		body := []byte(`{"id":"evt_2","type":"payment.failed","data":{"object":{"id":"pi_2","failure_code":"card_declined","failure_message":"insufficient funds"}}}`)
		parsed, err := c.ParseWebhook(body)
		require.NoError(t, err)

		ev, ok := parsed.Event.(model.PaymentFailedEvent)
		require.True(t, ok)
		assert.Equal(t, "card_declined", ev.Code)
	})

	t.Run("settlement", func(t *testing.T) {
		body := []byte(`{"id":"evt_3","type":"settlement.completed","data":{"object":{"id":"pi_1","payout_ref":"po_9"}}}`)
		parsed, err := c.ParseWebhook(body)
		require.NoError(t, err)

		ev, ok := parsed.Event.(model.SettlementCompletedEvent)
		require.True(t, ok)
		assert.Equal(t, "po_9", ev.ReconcileRef)
	})

	t.Run("unknown type", func(t *testing.T) {
		body := []byte(`{"id":"evt_4","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
		parsed, err := c.ParseWebhook(body)
		require.NoError(t, err)

		_, ok := parsed.Event.(model.UnknownEvent)
		assert.True(t, ok)
	})

	t.Run("missing event id", func(t *testing.T) {
		_, err := c.ParseWebhook([]byte(`{"type":"payment.succeeded"}`))
		assert.Error(t, err)
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := c.ParseWebhook([]byte(`{`))
		assert.Error(t, err)
	})
}

package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripe/stripe-go/v76"

	"tgfleet/gate"
)

func TestIntentFromSession_ReadsUserAndBotFromMetadata(t *testing.T) {
	sess := &stripe.CheckoutSession{
		ID:          "cs_123",
		AmountTotal: 19900,
		Metadata:    map[string]string{"user_id": "7", "bot_id": "bot-xyz"},
	}
	intent, err := intentFromSession(sess, "evt_abc")
	require.NoError(t, err)
	assert.Equal(t, int64(7), intent.UserId)
	assert.Equal(t, gate.PaymentTokens, intent.Kind)
	assert.Equal(t, "bot-xyz", intent.BotId)
	assert.Equal(t, int64(19900), intent.AmountCents)
}

func TestIntentFromSession_RejectsMissingMetadata(t *testing.T) {
	sess := &stripe.CheckoutSession{ID: "cs_123"}
	_, err := intentFromSession(sess, "evt_abc")
	require.Error(t, err)
}

func TestIntentFromSession_RejectsMissingBotId(t *testing.T) {
	sess := &stripe.CheckoutSession{ID: "cs_123", Metadata: map[string]string{"user_id": "7"}}
	_, err := intentFromSession(sess, "evt_abc")
	require.Error(t, err)
}

func TestEventAnchorTime_IsDeterministicAcrossCalls(t *testing.T) {
	a := eventAnchorTime("evt_same_id")
	b := eventAnchorTime("evt_same_id")
	assert.Equal(t, a, b)

	c := eventAnchorTime("evt_different_id")
	assert.NotEqual(t, a, c)
}

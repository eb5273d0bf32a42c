package invoicing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tgfleet/gate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeCountry_PassesThroughExistingAlpha2(t *testing.T) {
	assert.Equal(t, "PL", normalizeCountry("PL"))
}

func TestNormalizeCountry_ResolvesFullName(t *testing.T) {
	assert.Equal(t, "PL", normalizeCountry("Poland"))
}

func TestNormalizeCountry_EmptyInputStaysEmpty(t *testing.T) {
	assert.Equal(t, "", normalizeCountry(""))
}

func TestNormalizeCountry_UnknownNameReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", normalizeCountry("Nowhereland"))
}

func TestLineDescription_DistinguishesTokensFromSubscription(t *testing.T) {
	sub := gate.PaymentIntent{Kind: gate.PaymentSubscription}
	tokens := gate.PaymentIntent{Kind: gate.PaymentTokens, BotId: "bot1"}

	assert.Equal(t, "Platform subscription", lineDescription(sub))
	assert.Contains(t, lineDescription(tokens), "bot1")
}

func TestSyncPayment_FailsWhenContractorCreateFails(t *testing.T) {
	c := NewClient(Config{AccessKey: "x", SecretKey: "y", AppID: "z"}, testLogger())
	c.baseURL = "http://127.0.0.1:0" // unroutable, forces a request failure

	intent := gate.PaymentIntent{UserId: 1, Kind: gate.PaymentSubscription, AmountCents: 49900, CreatedAt: time.Now().UTC()}
	err := c.SyncPayment(context.Background(), intent, gate.InvoicePayer{})
	assert.Error(t, err)
}

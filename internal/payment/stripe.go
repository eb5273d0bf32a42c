// Stripe is the secondary token-purchase rail of §6: operators who enable
// card top-ups can settle buy_tokens via a Stripe Checkout session instead of
// Robokassa. Grounded on the teacher's internal/stripeclient (HMAC-SHA256
// header verification with timestamp tolerance) and
// internal/http-server/handlers/stripehandler (read body, verify, decode,
// dispatch, always 200). The Gate treats both rails as the same "tokens"
// webhook effect (§4.4.4 step 4); only checkout.session.completed is handled,
// since this platform never issues Stripe invoices directly.
package payment

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"tgfleet/gate"
	"tgfleet/lib/sl"
)

// StripeConfig carries the secondary rail's credentials.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// StripeHandler settles checkout.session.completed events into token purchases.
// Metadata on the Checkout Session (set when the session was created) carries
// the user id and target bot id, mirroring Shp_user_id's role on the Robokassa
// rail.
type StripeHandler struct {
	sc     *client.API
	secret string
	gate   *gate.Gate
	log    *slog.Logger
}

func NewStripeHandler(cfg StripeConfig, g *gate.Gate, log *slog.Logger) *StripeHandler {
	sc := &client.API{}
	sc.Init(cfg.APIKey, nil)
	return &StripeHandler{sc: sc, secret: cfg.WebhookSecret, gate: g, log: log.With(sl.Module("payment.stripe"))}
}

func (h *StripeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const tolerance = 5 * time.Minute

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Error("reading webhook body", sl.Err(err))
		http.Error(w, "read", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{Tolerance: tolerance})
	if err != nil {
		h.log.Warn("invalid stripe signature", sl.Err(err))
		http.Error(w, "signature", http.StatusBadRequest)
		return
	}

	if evt.Type != "checkout.session.completed" {
		h.log.Debug("ignored stripe event", slog.String("type", string(evt.Type)))
		w.WriteHeader(http.StatusOK)
		return
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		h.log.Error("unmarshal checkout session", sl.Err(err))
		http.Error(w, "json", http.StatusBadRequest)
		return
	}

	intent, err := intentFromSession(&sess, evt.ID)
	if err != nil {
		h.log.Error("decoding checkout session metadata", slog.String("session_id", sess.ID), sl.Err(err))
		http.Error(w, "bad metadata", http.StatusBadRequest)
		return
	}

	if err := h.gate.ApplyPayment(r.Context(), intent, time.Now().UTC()); err != nil {
		h.log.Error("applying payment", slog.String("session_id", sess.ID), sl.Err(err))
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// intentFromSession reads user_id/bot_id from Checkout Session metadata and
// uses the event id (stable across Stripe's own webhook retries) as the
// referral idempotence anchor, same role InvId plays on the Robokassa rail.
func intentFromSession(sess *stripe.CheckoutSession, eventId string) (gate.PaymentIntent, error) {
	if sess.Metadata == nil {
		return gate.PaymentIntent{}, fmt.Errorf("checkout session %s has no metadata", sess.ID)
	}
	userId, err := strconv.ParseInt(sess.Metadata["user_id"], 10, 64)
	if err != nil {
		return gate.PaymentIntent{}, fmt.Errorf("parsing user_id metadata: %w", err)
	}
	botId := sess.Metadata["bot_id"]
	if botId == "" {
		return gate.PaymentIntent{}, fmt.Errorf("checkout session %s missing bot_id metadata", sess.ID)
	}
	return gate.PaymentIntent{
		UserId:      userId,
		Kind:        gate.PaymentTokens,
		BotId:       botId,
		AmountCents: sess.AmountTotal,
		CreatedAt:   eventAnchorTime(eventId),
	}, nil
}

// eventAnchorTime folds Stripe's own event id into a deterministic time so a
// retried webhook delivery of the same event lands on the same referral row.
func eventAnchorTime(eventId string) time.Time {
	var sum int64
	for _, b := range []byte(strings.TrimPrefix(eventId, "evt_")) {
		sum = sum*31 + int64(b)
	}
	if sum < 0 {
		sum = -sum
	}
	return time.Unix(sum%4102444800, 0).UTC() // folded into [1970, 2100) so it stays a sane timestamp
}

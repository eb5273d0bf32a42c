// Package payment implements the Payment Gateway Adapter (§6): Robokassa
// webhook signature verification and intent decoding, plus a secondary
// Stripe rail for token purchases. Grounded on the teacher's
// internal/http-server/handlers/stripehandler (read body, verify signature,
// decode, dispatch, always 200 on success) generalized from Stripe's
// HMAC-SHA256 header scheme to Robokassa's MD5 query-string scheme.
package payment

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tgfleet/gate"
	"tgfleet/lib/sl"
)

// RobokassaConfig carries the merchant credentials of §6's enumerated env keys.
type RobokassaConfig struct {
	MerchantLogin string
	Password1     string // used to build outbound payment links, not verified here
	Password2     string // used to verify inbound webhook signatures
	IsTest        bool
}

// RobokassaHandler verifies and applies Robokassa "Result URL" webhook calls.
type RobokassaHandler struct {
	cfg  RobokassaConfig
	gate *gate.Gate
	log  *slog.Logger
}

func NewRobokassaHandler(cfg RobokassaConfig, g *gate.Gate, log *slog.Logger) *RobokassaHandler {
	return &RobokassaHandler{cfg: cfg, gate: g, log: log.With(sl.Module("payment.robokassa"))}
}

// VerifySignature implements §6's exact formula:
// MD5("{OutSum}:{InvId}:{password2}:Shp_user_id={Shp_user_id}"), upper-cased hex.
func VerifySignature(outSum, invId, shpUserId, password2, signature string) bool {
	payload := fmt.Sprintf("%s:%s:%s:Shp_user_id=%s", outSum, invId, password2, shpUserId)
	sum := md5.Sum([]byte(payload))
	expected := strings.ToUpper(hex.EncodeToString(sum[:]))
	return strings.EqualFold(expected, signature)
}

// decodeShpUserId extracts (user_id, bot_id, isTokenPurchase) from Shp_user_id
// (§4.4.4 step 2): a bare id means a subscription payment, an id suffixed
// with "_tokens_<bot_id>" means a token purchase targeting that bot.
func decodeShpUserId(raw string) (userId int64, botId string, isTokens bool, err error) {
	const tokensMarker = "_tokens_"
	if idx := strings.Index(raw, tokensMarker); idx >= 0 {
		uid, perr := strconv.ParseInt(raw[:idx], 10, 64)
		if perr != nil {
			return 0, "", false, fmt.Errorf("parsing user id from %q: %w", raw, perr)
		}
		return uid, raw[idx+len(tokensMarker):], true, nil
	}
	uid, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return 0, "", false, fmt.Errorf("parsing user id from %q: %w", raw, perr)
	}
	return uid, "", false, nil
}

// ServeHTTP is the Result URL endpoint. Invalid signatures get a non-200
// response and no Store write, per §7's explicit rule.
func (h *RobokassaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.log.Error("parsing robokassa form", sl.Err(err))
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	outSum := r.FormValue("OutSum")
	invId := r.FormValue("InvId")
	shpUserId := r.FormValue("Shp_user_id")
	signature := r.FormValue("SignatureValue")

	if !VerifySignature(outSum, invId, shpUserId, h.cfg.Password2, signature) {
		h.log.Warn("invalid robokassa signature", slog.String("inv_id", invId))
		http.Error(w, "bad signature", http.StatusBadRequest)
		return
	}

	userId, botId, isTokens, err := decodeShpUserId(shpUserId)
	if err != nil {
		h.log.Error("decoding Shp_user_id", sl.Err(err))
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	amountCents, err := amountToCents(outSum)
	if err != nil {
		h.log.Error("parsing OutSum", sl.Err(err))
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}

	kind := gate.PaymentSubscription
	if isTokens {
		kind = gate.PaymentTokens
	}

	// InvId is Robokassa's own invoice number, stable across retried webhook
	// deliveries for the same payment; used as the referral idempotence
	// anchor instead of wall-clock time (P7).
	anchor := time.Unix(invIdUnixSeconds(invId), 0).UTC()
	intent := gate.PaymentIntent{
		UserId:      userId,
		Kind:        kind,
		BotId:       botId,
		AmountCents: amountCents,
		CreatedAt:   anchor,
	}

	if err := h.gate.ApplyPayment(r.Context(), intent, time.Now().UTC()); err != nil {
		h.log.Error("applying payment", slog.String("inv_id", invId), sl.Err(err))
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "OK%s", invId)
}

// invIdUnixSeconds folds Robokassa's InvId into a deterministic Unix
// timestamp so repeated deliveries of the same invoice produce the exact
// same CreatedAt value for the referral idempotence key.
func invIdUnixSeconds(invId string) int64 {
	n, _ := strconv.ParseInt(invId, 10, 64)
	return n
}

// LinkKind distinguishes the two outbound payment links the master bot
// builds; only affects how Shp_user_id is encoded (§4.4.4 step 1/2).
type LinkKind int

const (
	PaymentSubscriptionLink LinkKind = iota
	PaymentTokensLink
)

// BuildPaymentURL assembles a Robokassa "Merchant/Index" payment link for
// shpUserId (§4.4.4 step 1's counterpart: the outbound side of the same
// MD5 scheme VerifySignature checks on the way back in).
func BuildPaymentURL(cfg RobokassaConfig, outSum string, invId int64, shpUserId string) string {
	invIdStr := strconv.FormatInt(invId, 10)
	payload := fmt.Sprintf("%s:%s:%s:%s", cfg.MerchantLogin, outSum, invIdStr, cfg.Password1)
	sum := md5.Sum([]byte(payload))
	sig := strings.ToUpper(hex.EncodeToString(sum[:]))

	q := url.Values{}
	q.Set("MerchantLogin", cfg.MerchantLogin)
	q.Set("OutSum", outSum)
	q.Set("InvId", invIdStr)
	q.Set("Shp_user_id", shpUserId)
	q.Set("SignatureValue", sig)
	if cfg.IsTest {
		q.Set("IsTest", "1")
	}
	return "https://auth.robokassa.ru/Merchant/Index.aspx?" + q.Encode()
}

// amountToCents converts Robokassa's decimal-rubles OutSum into integer cents.
func amountToCents(outSum string) (int64, error) {
	f, err := strconv.ParseFloat(outSum, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing OutSum %q: %w", outSum, err)
	}
	return int64(f*100 + 0.5), nil
}

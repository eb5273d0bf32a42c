// Package gate implements the Subscription & Token Gate (§4.4): the
// free/trial/paid/expired lifecycle, the per-bot LLM token budget, payment
// intake effects, and referral commission posting. Grounded on the teacher's
// internal/stripeclient webhook-effect pattern (apply an external event to
// store state, then notify) generalized from Stripe-only subscriptions to
// the platform's dual subscription/token intents.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tgfleet/entity"
	"tgfleet/internal/store"
	"tgfleet/lib/sl"
)

// ExpirySweepInterval is how often the Gate re-evaluates lapsed
// subscriptions in the background (§4.4.1).
const ExpirySweepInterval = 1 * time.Hour

// TokenWarningThreshold is the remaining-budget fraction that triggers the
// one-time low-budget notification (§4.4.3).
const TokenWarningThreshold = 0.10

// Access denial reasons surfaced to the end user (§4.4.2).
const (
	ReasonExpired      = "expired"
	ReasonTrialExpired = "trial_expired"
	ReasonFree         = "free"
)

// PaymentKind distinguishes what a payment webhook intent purchases (§4.4.4 step 2).
type PaymentKind string

const (
	PaymentSubscription PaymentKind = "subscription"
	PaymentTokens       PaymentKind = "tokens"
)

// PaymentIntent is the decoded effect of a verified payment webhook; decoding
// the raw Shp_user_id parameter happens in internal/payment, upstream of the
// Gate (§4.4.4 step 2).
type PaymentIntent struct {
	UserId      int64
	Kind        PaymentKind
	BotId       string // only meaningful for PaymentTokens
	AmountCents int64
	// CreatedAt anchors the referral transaction's idempotence key; callers
	// must pass a value derived from the payment event itself (e.g. the
	// gateway's own timestamp or InvId), not wall-clock time, so a retried
	// webhook delivery lands on the same row (P7).
	CreatedAt time.Time
}

// Notifier delivers an owner-facing message; the master bot is the
// implementation, since owners only interact with the platform there.
type Notifier interface {
	NotifyOwner(ctx context.Context, ownerUserId int64, message string) error
}

// InvoiceIssuer is the optional wFirma enrichment of step 3/4; nil when the
// operator has not configured it (§4.4.4, "an enrichment... not a required
// path").
type InvoiceIssuer interface {
	SyncPayment(ctx context.Context, intent PaymentIntent, payer InvoicePayer) error
}

// InvoicePayer is the contractor profile passed to the InvoiceIssuer.
// Gate.issueInvoice fills only Name (from the user id); Email and Country
// stay empty, since no contact details are stored for a user.
type InvoicePayer struct {
	Name    string
	Email   string
	Country string
}

// Store is the persistence surface the Gate needs.
type Store interface {
	GetUser(ctx context.Context, userId int64) (*entity.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*entity.User, error)
	CreateUser(ctx context.Context, u *entity.User) error
	UpdateUserSubscription(ctx context.Context, u *entity.User) error
	CreditReferralEarnings(ctx context.Context, referrerUserId, commissionCents int64) error
	ExpireSubscriptions(ctx context.Context, now time.Time, trialDays int) (int64, error)
	GetBot(ctx context.Context, botId string) (*entity.UserBot, error)
	AddBotTokenUsage(ctx context.Context, botId string, inputTokens, outputTokens int64) error
	IncrementBotTokenLimit(ctx context.Context, botId string, delta int64) error
	MarkTokenNotificationSent(ctx context.Context, botId string, sent bool) error
	CreateReferralTransaction(ctx context.Context, t *entity.ReferralTransaction) error
}

// Config carries the operator-tunable knobs of §4.4.1/§4.4.4.
type Config struct {
	TrialDays         int
	TrialEnabled      bool
	TokensPerPurchase int64
}

// Gate is the constructor-injected collaborator satisfying fleet.Gate and
// conversation.Gate.
type Gate struct {
	store    Store
	notifier Notifier
	invoicer InvoiceIssuer
	cfg      Config
	log      *slog.Logger

	stop chan struct{}
}

func New(st Store, notifier Notifier, cfg Config, log *slog.Logger) *Gate {
	return &Gate{store: st, notifier: notifier, cfg: cfg, log: log.With(sl.Module("gate"))}
}

// SetInvoiceIssuer wires the optional wFirma enrichment after construction,
// the same way SetNotifier wires the master bot; left nil, ApplyPayment
// simply skips invoicing.
func (g *Gate) SetInvoiceIssuer(i InvoiceIssuer) {
	g.invoicer = i
}

// SetNotifier wires the owner-notification sink after construction, for the
// master bot/Gate pair's mutual dependency (the bot needs the Gate to handle
// /start, the Gate needs the bot to deliver owner messages).
func (g *Gate) SetNotifier(n Notifier) {
	g.notifier = n
}

// EnsureUser registers a first-time platform user as free (or trial, if
// enabled) and links a referral code supplied on /start (§4.4.1, GLOSSARY
// "referral_code").
func (g *Gate) EnsureUser(ctx context.Context, userId, adminChatId int64, referralCode string, now time.Time) (*entity.User, error) {
	u, err := g.store.GetUser(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("loading user %d: %w", userId, err)
	}
	if u != nil {
		return u, nil
	}

	u = &entity.User{
		UserId:             userId,
		AdminChatId:        adminChatId,
		SubscriptionStatus: entity.StatusFree,
		ReferralCode:       newReferralCode(userId),
		CreatedAt:          now,
	}
	if g.cfg.TrialEnabled {
		u.SubscriptionStatus = entity.StatusTrial
		u.TrialStartedAt = &now
	}
	if referralCode != "" {
		referrer, err := g.store.GetUserByReferralCode(ctx, referralCode)
		if err != nil {
			return nil, fmt.Errorf("resolving referral code %q: %w", referralCode, err)
		}
		if referrer != nil && referrer.UserId != userId {
			u.ReferredBy = &referrer.UserId
		}
	}
	if err := g.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("creating user %d: %w", userId, err)
	}
	return u, nil
}

func newReferralCode(userId int64) string {
	return fmt.Sprintf("REF%d", userId)
}

// CheckUserAccess implements fleet.Gate and conversation.Gate (§4.4.2).
func (g *Gate) CheckUserAccess(ctx context.Context, userId int64, feature string) (bool, string, error) {
	u, err := g.store.GetUser(ctx, userId)
	if err != nil {
		return false, "", fmt.Errorf("loading user %d: %w", userId, err)
	}
	if u == nil {
		return false, ReasonFree, nil
	}
	switch u.SubscriptionStatus {
	case entity.StatusPaid, entity.StatusTrial:
		return true, "", nil
	case entity.StatusExpired:
		return false, ReasonExpired, nil
	default:
		if u.TrialStartedAt != nil {
			return false, ReasonTrialExpired, nil
		}
		return false, ReasonFree, nil
	}
}

// CheckTokenLimit implements the pre-turn gate of §4.4.3. allowed is false
// once remaining <= 0; an unlimited bot (nil TokensLimitTotal) always passes.
func (g *Gate) CheckTokenLimit(ctx context.Context, botId string) (bool, error) {
	b, err := g.store.GetBot(ctx, botId)
	if err != nil {
		return false, fmt.Errorf("loading bot %s: %w", botId, err)
	}
	if b == nil {
		return false, fmt.Errorf("bot %s not found", botId)
	}
	if b.Unlimited() {
		return true, nil
	}
	return b.TokensRemaining() > 0, nil
}

// RecordTokenUsage debits the budget after an LLM turn and fires the
// warning/exhaustion notifications idempotently (§4.4.3). inputTokens and
// outputTokens are applied even when both are zero, per §4.5.3's "always
// performed" usage-accounting rule.
func (g *Gate) RecordTokenUsage(ctx context.Context, botId string, ownerUserId, inputTokens, outputTokens int64) error {
	if err := g.store.AddBotTokenUsage(ctx, botId, inputTokens, outputTokens); err != nil {
		return fmt.Errorf("recording token usage for bot %s: %w", botId, err)
	}
	b, err := g.store.GetBot(ctx, botId)
	if err != nil {
		return fmt.Errorf("reloading bot %s after usage: %w", botId, err)
	}
	if b == nil || b.Unlimited() || b.TokenNotificationSent {
		return nil
	}
	remaining := b.TokensRemaining()
	threshold := float64(*b.TokensLimitTotal) * TokenWarningThreshold
	if float64(remaining) > threshold {
		return nil
	}
	msg := fmt.Sprintf("Bot %s is running low on AI tokens (%d remaining).", botId, remaining)
	if remaining <= 0 {
		msg = fmt.Sprintf("Bot %s has exhausted its AI token budget. AI replies are paused until you add more.", botId)
	}
	if g.notifier != nil {
		if err := g.notifier.NotifyOwner(ctx, ownerUserId, msg); err != nil {
			g.log.Error("notifying owner of token budget", slog.String("bot_id", botId), sl.Err(err))
		}
	}
	return g.store.MarkTokenNotificationSent(ctx, botId, true)
}

// ApplyPayment executes steps 3-6 of §4.4.4 for an already signature-verified
// webhook. Referral posting failure never rolls back the primary effect
// (step 5's explicit carve-out); it is logged and swallowed.
func (g *Gate) ApplyPayment(ctx context.Context, intent PaymentIntent, now time.Time) error {
	switch intent.Kind {
	case PaymentSubscription:
		if err := g.applySubscriptionPayment(ctx, intent, now); err != nil {
			return err
		}
	case PaymentTokens:
		if err := g.applyTokenPayment(ctx, intent); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown payment kind %q", intent.Kind)
	}

	g.postReferralCommission(ctx, intent)
	g.issueInvoice(ctx, intent)

	if g.notifier != nil {
		if err := g.notifier.NotifyOwner(ctx, intent.UserId, confirmationMessage(intent)); err != nil {
			g.log.Error("notifying payer", slog.Int64("user_id", intent.UserId), sl.Err(err))
		}
	}
	return nil
}

func confirmationMessage(intent PaymentIntent) string {
	switch intent.Kind {
	case PaymentTokens:
		return "Payment received: tokens have been added to your bot."
	default:
		return "Payment received: your subscription has been extended by 30 days."
	}
}

// applySubscriptionPayment extends subscription_expires_at by 30 days from
// max(now, current_expires_at), stacking remaining paid time (§4.4.4 step 3).
func (g *Gate) applySubscriptionPayment(ctx context.Context, intent PaymentIntent, now time.Time) error {
	u, err := g.store.GetUser(ctx, intent.UserId)
	if err != nil {
		return fmt.Errorf("loading payer %d: %w", intent.UserId, err)
	}
	if u == nil {
		return fmt.Errorf("payer %d not registered", intent.UserId)
	}

	base := now
	if u.SubscriptionExpiresAt != nil && u.SubscriptionExpiresAt.After(base) {
		base = *u.SubscriptionExpiresAt
	}
	expires := base.Add(30 * 24 * time.Hour)
	u.SubscriptionExpiresAt = &expires
	u.SubscriptionStatus = entity.StatusPaid
	return g.store.UpdateUserSubscription(ctx, u)
}

// applyTokenPayment increments the target bot's token ceiling and clears its
// exhaustion flag (§4.4.4 step 4).
func (g *Gate) applyTokenPayment(ctx context.Context, intent PaymentIntent) error {
	b, err := g.store.GetBot(ctx, intent.BotId)
	if err != nil {
		return fmt.Errorf("loading bot %s: %w", intent.BotId, err)
	}
	if b == nil {
		return fmt.Errorf("bot %s not found for token purchase", intent.BotId)
	}
	if err := g.store.IncrementBotTokenLimit(ctx, intent.BotId, g.cfg.TokensPerPurchase); err != nil {
		return fmt.Errorf("crediting tokens for bot %s: %w", intent.BotId, err)
	}
	return g.store.MarkTokenNotificationSent(ctx, intent.BotId, false)
}

// issueInvoice posts the optional wFirma enrichment; invoicing failures never
// roll back the payment's primary effect, same carve-out as commission
// posting.
func (g *Gate) issueInvoice(ctx context.Context, intent PaymentIntent) {
	if g.invoicer == nil {
		return
	}
	u, err := g.store.GetUser(ctx, intent.UserId)
	if err != nil || u == nil {
		return
	}
	payer := InvoicePayer{Name: fmt.Sprintf("Telegram user %d", u.UserId)}
	if err := g.invoicer.SyncPayment(ctx, intent, payer); err != nil {
		g.log.Error("issuing invoice", slog.Int64("user_id", intent.UserId), sl.Err(err))
	}
}

// postReferralCommission implements §4.4.4 step 5; duplicate posts (retried
// webhook deliveries) are treated as success.
func (g *Gate) postReferralCommission(ctx context.Context, intent PaymentIntent) {
	u, err := g.store.GetUser(ctx, intent.UserId)
	if err != nil || u == nil || u.ReferredBy == nil {
		return
	}
	txType := entity.ReferralSubscription
	if intent.Kind == PaymentTokens {
		txType = entity.ReferralTokens
	}
	commission := entity.Commission(intent.AmountCents)
	t := &entity.ReferralTransaction{
		ReferrerUserId:   *u.ReferredBy,
		ReferredUserId:   u.UserId,
		TransactionType:  txType,
		PaymentAmount:    intent.AmountCents,
		CommissionAmount: commission,
		Status:           entity.ReferralPaid,
		CreatedAt:        intent.CreatedAt,
	}
	err = g.store.CreateReferralTransaction(ctx, t)
	if err != nil && !errors.Is(err, store.ErrDuplicateReferral) {
		g.log.Error("posting referral commission", slog.Int64("referrer", *u.ReferredBy), sl.Err(err))
		return
	}
	if errors.Is(err, store.ErrDuplicateReferral) {
		return
	}
	if err := g.store.CreditReferralEarnings(ctx, *u.ReferredBy, commission); err != nil {
		g.log.Error("crediting referral earnings", slog.Int64("referrer", *u.ReferredBy), sl.Err(err))
	}
}

// StartExpirySweep launches the periodic sweep that flips lapsed
// subscriptions to expired (§4.4.1); the state machine has no other trigger
// for that transition since it isn't driven by an external event.
func (g *Gate) StartExpirySweep(ctx context.Context) {
	g.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(ExpirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				n, err := g.store.ExpireSubscriptions(ctx, time.Now().UTC(), g.cfg.TrialDays)
				if err != nil {
					g.log.Error("expiry sweep", sl.Err(err))
					continue
				}
				if n > 0 {
					g.log.Info("expiry sweep", slog.Int64("expired", n))
				}
			}
		}
	}()
}

func (g *Gate) StopExpirySweep() {
	if g.stop != nil {
		close(g.stop)
	}
}

package entity

import "time"

// Conversation is the per-(bot, end-user) handle into an external LLM's
// server-side thread, keyed so a second message from the same user can
// continue the same thread without resending history (§4.5.2).
type Conversation struct {
	BotId      string    `json:"bot_id" bson:"bot_id"`
	UserId     int64     `json:"user_id" bson:"user_id"`
	ResponseId string    `json:"response_id,omitempty" bson:"response_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// ReferralTransactionType distinguishes what kind of payment earned a
// commission (§4.4.4 step 5).
type ReferralTransactionType string

const (
	ReferralSubscription ReferralTransactionType = "subscription"
	ReferralTokens       ReferralTransactionType = "tokens"
)

// ReferralTransactionStatus tracks whether the commission has been credited.
type ReferralTransactionStatus string

const (
	ReferralPaid    ReferralTransactionStatus = "paid"
	ReferralPending ReferralTransactionStatus = "pending"
)

// CommissionRate is the fixed 15% of §4.4.4 step 5 / GLOSSARY.
const CommissionRate = 0.15

// ReferralTransaction is a commission event posted when a referred user pays.
type ReferralTransaction struct {
	Id               int64                     `json:"id" bson:"id"`
	ReferrerUserId   int64                     `json:"referrer_user_id" bson:"referrer_user_id"`
	ReferredUserId   int64                     `json:"referred_user_id" bson:"referred_user_id"`
	TransactionType  ReferralTransactionType   `json:"transaction_type" bson:"transaction_type"`
	PaymentAmount    int64                     `json:"payment_amount_cents" bson:"payment_amount_cents"`
	CommissionAmount int64                     `json:"commission_amount_cents" bson:"commission_amount_cents"`
	Status           ReferralTransactionStatus `json:"status" bson:"status"`
	CreatedAt        time.Time                 `json:"created_at" bson:"created_at"`
}

// Commission computes 15% of a payment, rounded to the nearest cent.
func Commission(paymentAmountCents int64) int64 {
	return int64(float64(paymentAmountCents)*CommissionRate + 0.5)
}

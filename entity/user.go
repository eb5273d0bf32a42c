// Package entity defines the domain types persisted by the Store and shared
// across every component.
package entity

import "time"

// SubscriptionStatus is the lifecycle state of a platform User (§4.4.1).
type SubscriptionStatus string

const (
	StatusFree    SubscriptionStatus = "free"
	StatusTrial   SubscriptionStatus = "trial"
	StatusPaid    SubscriptionStatus = "paid"
	StatusExpired SubscriptionStatus = "expired"
)

// User is the platform account behind a Telegram account interacting with
// the master bot. UserId is the external Telegram user id and acts as
// the natural key.
type User struct {
	UserId                int64              `json:"user_id" bson:"user_id"`
	AdminChatId           int64              `json:"admin_chat_id" bson:"admin_chat_id"`
	SubscriptionStatus    SubscriptionStatus `json:"subscription_status" bson:"subscription_status"`
	TrialStartedAt        *time.Time         `json:"trial_started_at,omitempty" bson:"trial_started_at,omitempty"`
	SubscriptionExpiresAt *time.Time         `json:"subscription_expires_at,omitempty" bson:"subscription_expires_at,omitempty"`
	ReferralCode          string             `json:"referral_code" bson:"referral_code"`
	ReferredBy            *int64             `json:"referred_by,omitempty" bson:"referred_by,omitempty"`
	TotalReferrals        int                `json:"total_referrals" bson:"total_referrals"`
	ReferralEarnings      int64              `json:"referral_earnings_cents" bson:"referral_earnings_cents"`
	CreatedAt             time.Time          `json:"created_at" bson:"created_at"`
}

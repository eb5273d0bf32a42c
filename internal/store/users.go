package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tgfleet/entity"
)

func scanUser(row interface{ Scan(...any) error }) (*entity.User, error) {
	var u entity.User
	var trialStartedAt, subExpiresAt sql.NullTime
	var referredBy sql.NullInt64
	err := row.Scan(
		&u.UserId, &u.AdminChatId, &u.SubscriptionStatus, &trialStartedAt, &subExpiresAt,
		&u.ReferralCode, &referredBy, &u.TotalReferrals, &u.ReferralEarnings, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if trialStartedAt.Valid {
		u.TrialStartedAt = &trialStartedAt.Time
	}
	if subExpiresAt.Valid {
		u.SubscriptionExpiresAt = &subExpiresAt.Time
	}
	if referredBy.Valid {
		u.ReferredBy = &referredBy.Int64
	}
	return &u, nil
}

const userColumns = `user_id, admin_chat_id, subscription_status, trial_started_at, subscription_expires_at,
		referral_code, referred_by, total_referrals, referral_earnings_cents, created_at`

// GetUser returns the platform User for a Telegram id, or nil if unregistered.
func (s *Store) GetUser(ctx context.Context, userId int64) (*entity.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userId)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userId, err)
	}
	return u, nil
}

// GetUserByReferralCode looks up the referrer owning a code (§4.4.4 step 1).
func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*entity.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = ?`, code)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by referral code: %w", err)
	}
	return u, nil
}

// CreateUser inserts a freshly-registered User with whatever subscription
// status the caller set (the Gate creates users as free, or as trial when
// trials are enabled).
func (s *Store) CreateUser(ctx context.Context, u *entity.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, admin_chat_id, subscription_status, trial_started_at, subscription_expires_at,
			referral_code, referred_by, total_referrals, referral_earnings_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UserId, u.AdminChatId, u.SubscriptionStatus, u.TrialStartedAt, u.SubscriptionExpiresAt,
		u.ReferralCode, u.ReferredBy, u.TotalReferrals, u.ReferralEarnings, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %d: %w", u.UserId, err)
	}
	return nil
}

// UpdateUserSubscription persists a subscription state transition (§4.4.2/§4.4.4).
func (s *Store) UpdateUserSubscription(ctx context.Context, u *entity.User) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET subscription_status = ?, trial_started_at = ?, subscription_expires_at = ?
		WHERE user_id = ?`,
		u.SubscriptionStatus, u.TrialStartedAt, u.SubscriptionExpiresAt, u.UserId,
	)
	if err != nil {
		return fmt.Errorf("update user subscription %d: %w", u.UserId, err)
	}
	return nil
}

// CreditReferralEarnings atomically bumps a referrer's lifetime totals (§4.4.4 step 5).
func (s *Store) CreditReferralEarnings(ctx context.Context, referrerUserId, commissionCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET total_referrals = total_referrals + 1, referral_earnings_cents = referral_earnings_cents + ?
		WHERE user_id = ?`,
		commissionCents, referrerUserId,
	)
	if err != nil {
		return fmt.Errorf("credit referral earnings to %d: %w", referrerUserId, err)
	}
	return nil
}

// ExpireSubscriptions flips every user whose paid/trial window has lapsed to
// expired (§4.4.2); called from the Gate's periodic sweep.
func (s *Store) ExpireSubscriptions(ctx context.Context, now time.Time, trialDays int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET subscription_status = 'expired'
		WHERE subscription_status = 'paid' AND subscription_expires_at IS NOT NULL AND subscription_expires_at <= ?`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire paid subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()

	res2, err := s.db.ExecContext(ctx, `
		UPDATE users SET subscription_status = 'expired'
		WHERE subscription_status = 'trial' AND trial_started_at IS NOT NULL
			AND trial_started_at <= DATE_SUB(?, INTERVAL ? DAY)`,
		now, trialDays,
	)
	if err != nil {
		return n, fmt.Errorf("expire trial subscriptions: %w", err)
	}
	n2, _ := res2.RowsAffected()
	return n + n2, nil
}

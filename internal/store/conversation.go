package store

import (
	"context"
	"database/sql"
	"fmt"

	"tgfleet/entity"
)

// GetConversation loads the LLM thread handle for a (bot, user) pair, or nil
// on first contact (§4.5.2).
func (s *Store) GetConversation(ctx context.Context, botId string, userId int64) (*entity.Conversation, error) {
	var c entity.Conversation
	err := s.db.QueryRowContext(ctx, `SELECT bot_id, user_id, response_id, updated_at FROM conversations WHERE bot_id = ? AND user_id = ?`, botId, userId).
		Scan(&c.BotId, &c.UserId, &c.ResponseId, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s/%d: %w", botId, userId, err)
	}
	return &c, nil
}

// SaveConversation stores the provider's latest response id so the next
// message from this user continues the same thread.
func (s *Store) SaveConversation(ctx context.Context, c *entity.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (bot_id, user_id, response_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE response_id = VALUES(response_id), updated_at = VALUES(updated_at)`,
		c.BotId, c.UserId, c.ResponseId, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation %s/%d: %w", c.BotId, c.UserId, err)
	}
	return nil
}

// ResetConversation clears a thread, used by conversation.Manager's
// ExitConversation (the "exit conversation" button) so the next turn starts
// a fresh thread.
func (s *Store) ResetConversation(ctx context.Context, botId string, userId int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE bot_id = ? AND user_id = ?`, botId, userId)
	if err != nil {
		return fmt.Errorf("reset conversation %s/%d: %w", botId, userId, err)
	}
	return nil
}

// CreateReferralTransaction records a commission event (§4.4.4 step 5),
// rejecting a duplicate post for the same payment via the unique key on
// (referred_user_id, transaction_type, payment_amount_cents, created_at) —
// callers pass a stable created_at derived from the payment event, not
// wall-clock time, so retried webhook deliveries land on the same row
// (P7: referral idempotence).
func (s *Store) CreateReferralTransaction(ctx context.Context, t *entity.ReferralTransaction) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO referral_transactions
			(referrer_user_id, referred_user_id, transaction_type, payment_amount_cents, commission_amount_cents, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ReferrerUserId, t.ReferredUserId, t.TransactionType, t.PaymentAmount, t.CommissionAmount, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create referral transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("referral transaction rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateReferral
	}
	return nil
}

// ErrDuplicateReferral is returned by CreateReferralTransaction when the
// same payment already posted a commission (idempotent retry, P7).
var ErrDuplicateReferral = fmt.Errorf("referral transaction already recorded")

// ListReferralHistory backs the "referral_history" callback (§4.6).
func (s *Store) ListReferralHistory(ctx context.Context, referrerUserId int64, limit int) ([]*entity.ReferralTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, referrer_user_id, referred_user_id, transaction_type, payment_amount_cents, commission_amount_cents, status, created_at
		FROM referral_transactions WHERE referrer_user_id = ? ORDER BY created_at DESC LIMIT ?`, referrerUserId, limit)
	if err != nil {
		return nil, fmt.Errorf("list referral history for %d: %w", referrerUserId, err)
	}
	defer rows.Close()
	var out []*entity.ReferralTransaction
	for rows.Next() {
		var t entity.ReferralTransaction
		if err := rows.Scan(&t.Id, &t.ReferrerUserId, &t.ReferredUserId, &t.TransactionType, &t.PaymentAmount, &t.CommissionAmount, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan referral transaction: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

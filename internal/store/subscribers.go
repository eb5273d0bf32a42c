package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tgfleet/entity"
)

const subscriberColumns = `bot_id, user_id, chat_id, first_name, username, funnel_started_at, last_broadcast_message, funnel_enabled, is_active`

func scanSubscriber(row interface{ Scan(...any) error }) (*entity.Subscriber, error) {
	var sub entity.Subscriber
	var funnelStartedAt sql.NullTime
	err := row.Scan(&sub.BotId, &sub.UserId, &sub.ChatId, &sub.FirstName, &sub.Username,
		&funnelStartedAt, &sub.LastBroadcastMsg, &sub.FunnelEnabled, &sub.IsActive)
	if err != nil {
		return nil, err
	}
	if funnelStartedAt.Valid {
		sub.FunnelStartedAt = &funnelStartedAt.Time
	}
	return &sub, nil
}

// GetSubscriber loads one (bot, user) pair.
func (s *Store) GetSubscriber(ctx context.Context, botId string, userId int64) (*entity.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE bot_id = ? AND user_id = ?`, botId, userId)
	sub, err := scanSubscriber(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber %s/%d: %w", botId, userId, err)
	}
	return sub, nil
}

// UpsertSubscriber records a subscriber on first contact or refreshes their
// chat id/profile fields on subsequent ones (§4.1.3 welcome flow).
func (s *Store) UpsertSubscriber(ctx context.Context, sub *entity.Subscriber) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (`+subscriberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE chat_id = VALUES(chat_id), first_name = VALUES(first_name),
			username = VALUES(username), is_active = VALUES(is_active)`,
		sub.BotId, sub.UserId, sub.ChatId, sub.FirstName, sub.Username,
		sub.FunnelStartedAt, sub.LastBroadcastMsg, sub.FunnelEnabled, sub.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber %s/%d: %w", sub.BotId, sub.UserId, err)
	}
	return nil
}

// SetSubscriberActive flips is_active on block/unblock detection (§4.3.2 P4,
// §4.2.4 ReasonBlocked).
func (s *Store) SetSubscriberActive(ctx context.Context, botId string, userId int64, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET is_active = ? WHERE bot_id = ? AND user_id = ?`, active, botId, userId)
	if err != nil {
		return fmt.Errorf("set subscriber active %s/%d: %w", botId, userId, err)
	}
	return nil
}

// StartFunnel marks the subscriber's funnel clock started, idempotently: a
// second call is a no-op so re-joining never restarts the sequence (P1/P3).
func (s *Store) StartFunnel(ctx context.Context, botId string, userId int64, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscribers SET funnel_started_at = ?
		WHERE bot_id = ? AND user_id = ? AND funnel_started_at IS NULL`,
		startedAt, botId, userId,
	)
	if err != nil {
		return fmt.Errorf("start funnel %s/%d: %w", botId, userId, err)
	}
	return nil
}

// SetFunnelEnabled toggles per-subscriber opt-out. Blocking the bot does not
// go through here; it is recorded as is_active by SetSubscriberActive.
func (s *Store) SetFunnelEnabled(ctx context.Context, botId string, userId int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscribers SET funnel_enabled = ? WHERE bot_id = ? AND user_id = ?`, enabled, botId, userId)
	if err != nil {
		return fmt.Errorf("set funnel enabled %s/%d: %w", botId, userId, err)
	}
	return nil
}

// ListActiveSubscribers returns every active subscriber of a bot, used by
// the master bot's stats view (the Mass-Broadcast materializer selects its
// recipients with its own query in MaterializeBroadcastDeliveries).
func (s *Store) ListActiveSubscribers(ctx context.Context, botId string) ([]*entity.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE bot_id = ? AND is_active = 1`, botId)
	if err != nil {
		return nil, fmt.Errorf("list active subscribers for bot %s: %w", botId, err)
	}
	defer rows.Close()
	var subs []*entity.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

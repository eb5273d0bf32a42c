package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tgfleet/entity"
)

const massBroadcastColumns = `id, bot_id, created_by, title, message_text, media_file_id, media_type,
		button_text, button_url, broadcast_type, scheduled_at, status, created_at`

func scanMassBroadcast(row interface{ Scan(...any) error }) (*entity.MassBroadcast, error) {
	var b entity.MassBroadcast
	var scheduledAt sql.NullTime
	err := row.Scan(&b.Id, &b.BotId, &b.CreatedBy, &b.Title, &b.MessageText, &b.MediaFileId, &b.MediaType,
		&b.ButtonText, &b.ButtonURL, &b.BroadcastType, &scheduledAt, &b.Status, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	if scheduledAt.Valid {
		b.ScheduledAt = &scheduledAt.Time
	}
	return &b, nil
}

// CreateMassBroadcast stores a new draft or scheduled blast (§4.3.1).
func (s *Store) CreateMassBroadcast(ctx context.Context, b *entity.MassBroadcast) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mass_broadcasts (bot_id, created_by, title, message_text, media_file_id, media_type,
			button_text, button_url, broadcast_type, scheduled_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BotId, b.CreatedBy, b.Title, b.MessageText, b.MediaFileId, b.MediaType,
		b.ButtonText, b.ButtonURL, b.BroadcastType, b.ScheduledAt, b.Status, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create mass broadcast: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("mass broadcast insert id: %w", err)
	}
	b.Id = id
	return nil
}

// GetMassBroadcast loads a single broadcast.
func (s *Store) GetMassBroadcast(ctx context.Context, id int64) (*entity.MassBroadcast, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+massBroadcastColumns+` FROM mass_broadcasts WHERE id = ?`, id)
	b, err := scanMassBroadcast(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mass broadcast %d: %w", id, err)
	}
	return b, nil
}

// BroadcastTally summarizes one completed MassBroadcast's delivery counts for
// the admin_history report (SPEC_FULL.md's "digest-style broadcast history
// export", adapted from the teacher's DigestBuffer batching idea).
type BroadcastTally struct {
	Broadcast *entity.MassBroadcast
	Sent      int
	Blocked   int
	Failed    int
}

// ListBroadcastHistory paginates completed/cancelled/failed broadcasts for a
// bot, newest first, with per-status delivery tallies.
func (s *Store) ListBroadcastHistory(ctx context.Context, botId string, limit, offset int) ([]*BroadcastTally, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+massBroadcastColumns+` FROM mass_broadcasts
		WHERE bot_id = ? AND status IN ('completed', 'cancelled', 'failed')
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, botId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list broadcast history for bot %s: %w", botId, err)
	}
	defer rows.Close()

	var broadcasts []*entity.MassBroadcast
	for rows.Next() {
		b, err := scanMassBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broadcast history row: %w", err)
		}
		broadcasts = append(broadcasts, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tallies := make([]*BroadcastTally, 0, len(broadcasts))
	for _, b := range broadcasts {
		t := &BroadcastTally{Broadcast: b}
		var sent, blocked, failed sql.NullInt64
		err := s.db.QueryRowContext(ctx, `
			SELECT
				SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END),
				SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END),
				SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
			FROM broadcast_deliveries WHERE broadcast_id = ?`, b.Id,
		).Scan(&sent, &blocked, &failed)
		if err != nil {
			return nil, fmt.Errorf("tally broadcast %d: %w", b.Id, err)
		}
		t.Sent, t.Blocked, t.Failed = int(sent.Int64), int(blocked.Int64), int(failed.Int64)
		tallies = append(tallies, t)
	}
	return tallies, nil
}

// SetMassBroadcastStatus advances the lifecycle state machine of §4.3.1.
func (s *Store) SetMassBroadcastStatus(ctx context.Context, id int64, status entity.MassBroadcastStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mass_broadcasts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set mass broadcast status %d: %w", id, err)
	}
	return nil
}

// ListDueScheduledBroadcasts returns scheduled broadcasts whose time has
// come, for the dispatcher to materialize and flip to sending (§4.3.4).
func (s *Store) ListDueScheduledBroadcasts(ctx context.Context, now time.Time) ([]*entity.MassBroadcast, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+massBroadcastColumns+` FROM mass_broadcasts
		WHERE status = 'scheduled' AND broadcast_type = 'scheduled' AND scheduled_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled broadcasts: %w", err)
	}
	defer rows.Close()
	var out []*entity.MassBroadcast
	for rows.Next() {
		b, err := scanMassBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due broadcast: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MaterializeBroadcastDeliveries snapshots every active subscriber of the
// broadcast's bot into broadcast_deliveries inside one transaction, so the
// recipient set is fixed at send time even if subscribers join afterward
// (§4.3.2 step 2, the "no double send"/"fixed snapshot" guarantee behind P4).
func (s *Store) MaterializeBroadcastDeliveries(ctx context.Context, broadcastId int64, botId string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin materialize broadcast: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM subscribers WHERE bot_id = ? AND is_active = 1`, botId)
	if err != nil {
		return 0, fmt.Errorf("select active subscribers for broadcast: %w", err)
	}
	var userIds []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan subscriber id: %w", err)
		}
		userIds = append(userIds, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, uid := range userIds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO broadcast_deliveries (broadcast_id, user_id, status) VALUES (?, ?, 'pending')
			ON DUPLICATE KEY UPDATE broadcast_id = broadcast_id`,
			broadcastId, uid,
		); err != nil {
			return 0, fmt.Errorf("insert delivery row for user %d: %w", uid, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE mass_broadcasts SET status = 'sending' WHERE id = ?`, broadcastId); err != nil {
		return 0, fmt.Errorf("mark broadcast sending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit materialize broadcast: %w", err)
	}
	return len(userIds), nil
}

// ClaimPendingDeliveries row-locks a batch of undelivered recipient rows for
// one broadcast, the same claim-token pattern as ClaimDueFunnelMessages (§5).
func (s *Store) ClaimPendingDeliveries(ctx context.Context, broadcastId int64, limit int, handle func(ctx context.Context, tx *sql.Tx, d *entity.BroadcastDelivery) (entity.BroadcastDeliveryStatus, *int64, string)) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin claim delivery batch: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, broadcast_id, user_id, status, telegram_message_id, error_message, attempted_at
		FROM broadcast_deliveries WHERE broadcast_id = ? AND status = 'pending' LIMIT ? FOR UPDATE`, broadcastId, limit)
	if err != nil {
		return 0, fmt.Errorf("select pending deliveries: %w", err)
	}
	var claimed []*entity.BroadcastDelivery
	for rows.Next() {
		var d entity.BroadcastDelivery
		var tgMsgId sql.NullInt64
		var attemptedAt sql.NullTime
		if err := rows.Scan(&d.Id, &d.BroadcastId, &d.UserId, &d.Status, &tgMsgId, &d.ErrorMessage, &attemptedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan pending delivery: %w", err)
		}
		if tgMsgId.Valid {
			d.TelegramMessageId = &tgMsgId.Int64
		}
		claimed = append(claimed, &d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, d := range claimed {
		status, tgMsgId, errMsg := handle(ctx, tx, d)
		if _, err := tx.ExecContext(ctx, `UPDATE broadcast_deliveries SET status = ?, telegram_message_id = ?, error_message = ?, attempted_at = NOW() WHERE id = ?`,
			status, tgMsgId, errMsg, d.Id); err != nil {
			return 0, fmt.Errorf("mark delivery %d %s: %w", d.Id, status, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit claimed delivery batch: %w", err)
	}
	return len(claimed), nil
}

// CountPendingDeliveries backs the completion check of §4.3.3/P4: a
// broadcast is done once no pending rows remain.
func (s *Store) CountPendingDeliveries(ctx context.Context, broadcastId int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcast_deliveries WHERE broadcast_id = ? AND status = 'pending'`, broadcastId).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending deliveries for broadcast %d: %w", broadcastId, err)
	}
	return n, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tgfleet/entity"
)

// GetSequence loads a bot's single funnel sequence, created alongside the bot
// in CreateBot.
func (s *Store) GetSequence(ctx context.Context, botId string) (*entity.BroadcastSequence, error) {
	var seq entity.BroadcastSequence
	err := s.db.QueryRowContext(ctx, `SELECT sequence_id, bot_id, is_enabled FROM broadcast_sequences WHERE bot_id = ?`, botId).
		Scan(&seq.SequenceId, &seq.BotId, &seq.IsEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence for bot %s: %w", botId, err)
	}
	return &seq, nil
}

// SetSequenceEnabled implements the onSequenceEnabled/onSequenceDisabled
// switch of §4.2.5; disabling does not delete or cancel materialised rows.
// While the sequence is disabled no new rows are created and the dispatcher
// leaves existing rows pending without sending them (see funnel.Scheduler's
// sendOne and IsSequenceEnabledForBot below).
func (s *Store) SetSequenceEnabled(ctx context.Context, botId string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE broadcast_sequences SET is_enabled = ? WHERE bot_id = ?`, enabled, botId)
	if err != nil {
		return fmt.Errorf("set sequence enabled for bot %s: %w", botId, err)
	}
	return nil
}

// IsSequenceEnabledForBot is a cheap existence+flag check used by the
// dispatcher before rendering a claimed row (§4.2.1 onSequenceDisabled:
// "the dispatcher simply skips rows whose sequence is disabled").
func (s *Store) IsSequenceEnabledForBot(ctx context.Context, botId string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx, `SELECT is_enabled FROM broadcast_sequences WHERE bot_id = ?`, botId).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking sequence enabled for bot %s: %w", botId, err)
	}
	return enabled, nil
}

// GetFunnelMessage loads a single step with its buttons, used by the
// dispatcher to render a claimed row.
func (s *Store) GetFunnelMessage(ctx context.Context, messageId int64) (*entity.BroadcastMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+funnelMessageColumns+` FROM broadcast_messages WHERE message_id = ?`, messageId)
	m, err := scanFunnelMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get funnel message %d: %w", messageId, err)
	}
	buttons, err := s.listMessageButtons(ctx, messageId)
	if err != nil {
		return nil, err
	}
	m.Buttons = buttons
	return m, nil
}

func scanFunnelMessage(row interface{ Scan(...any) error }) (*entity.BroadcastMessage, error) {
	var m entity.BroadcastMessage
	err := row.Scan(&m.MessageId, &m.SequenceId, &m.MessageNumber, &m.MessageText, &m.DelayHours,
		&m.MediaFileId, &m.MediaType, &m.MediaFileUniqueId, &m.MediaFileSize, &m.MediaFilename,
		&m.IsActive, &m.UtmCampaign, &m.UtmContent)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const funnelMessageColumns = `message_id, sequence_id, message_number, message_text, delay_hours,
		media_file_id, media_type, media_file_unique_id, media_file_size, media_filename,
		is_active, utm_campaign, utm_content`

// ListFunnelMessages returns every step of a sequence ordered by position,
// used by funnel.Scheduler.OnSubscriberActivated to materialize a
// subscriber's scheduled rows.
func (s *Store) ListFunnelMessages(ctx context.Context, sequenceId int64) ([]*entity.BroadcastMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+funnelMessageColumns+` FROM broadcast_messages WHERE sequence_id = ? ORDER BY message_number`, sequenceId)
	if err != nil {
		return nil, fmt.Errorf("list funnel messages for sequence %d: %w", sequenceId, err)
	}
	defer rows.Close()
	var out []*entity.BroadcastMessage
	for rows.Next() {
		m, err := scanFunnelMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan funnel message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range out {
		buttons, err := s.listMessageButtons(ctx, m.MessageId)
		if err != nil {
			return nil, err
		}
		m.Buttons = buttons
	}
	return out, nil
}

func (s *Store) listMessageButtons(ctx context.Context, messageId int64) ([]entity.MessageButton, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, position, button_text, button_url FROM message_buttons WHERE message_id = ? ORDER BY position`, messageId)
	if err != nil {
		return nil, fmt.Errorf("list buttons for message %d: %w", messageId, err)
	}
	defer rows.Close()
	var out []entity.MessageButton
	for rows.Next() {
		var b entity.MessageButton
		if err := rows.Scan(&b.MessageId, &b.Position, &b.ButtonText, &b.ButtonURL); err != nil {
			return nil, fmt.Errorf("scan button: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateFunnelMessage inserts a new step, auto-assigning the next
// message_number within its sequence (§4.2.1 step ordering).
func (s *Store) CreateFunnelMessage(ctx context.Context, m *entity.BroadcastMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create funnel message: %w", err)
	}
	defer tx.Rollback()

	var maxNumber sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(message_number) FROM broadcast_messages WHERE sequence_id = ?`, m.SequenceId).Scan(&maxNumber); err != nil {
		return fmt.Errorf("compute next message number: %w", err)
	}
	m.MessageNumber = int(maxNumber.Int64) + 1

	res, err := tx.ExecContext(ctx, `
		INSERT INTO broadcast_messages (sequence_id, message_number, message_text, delay_hours,
			media_file_id, media_type, media_file_unique_id, media_file_size, media_filename,
			is_active, utm_campaign, utm_content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SequenceId, m.MessageNumber, m.MessageText, m.DelayHours,
		m.MediaFileId, m.MediaType, m.MediaFileUniqueId, m.MediaFileSize, m.MediaFilename,
		m.IsActive, m.UtmCampaign, m.UtmContent,
	)
	if err != nil {
		return fmt.Errorf("insert funnel message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("funnel message insert id: %w", err)
	}
	m.MessageId = id

	for i, b := range m.Buttons {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_buttons (message_id, position, button_text, button_url) VALUES (?, ?, ?, ?)`,
			id, i, b.ButtonText, b.ButtonURL); err != nil {
			return fmt.Errorf("insert button %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// UpdateFunnelMessage rewrites an existing step's content/delay/buttons. It
// does not touch scheduled_messages; pending rows for the step are moved to
// a new delay only by funnel.Scheduler.OnMessageEdited (§4.2.5 / P2).
func (s *Store) UpdateFunnelMessage(ctx context.Context, m *entity.BroadcastMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update funnel message: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE broadcast_messages SET message_text = ?, delay_hours = ?, media_file_id = ?, media_type = ?,
			media_file_unique_id = ?, media_file_size = ?, media_filename = ?, is_active = ?,
			utm_campaign = ?, utm_content = ?
		WHERE message_id = ?`,
		m.MessageText, m.DelayHours, m.MediaFileId, m.MediaType,
		m.MediaFileUniqueId, m.MediaFileSize, m.MediaFilename, m.IsActive,
		m.UtmCampaign, m.UtmContent, m.MessageId,
	)
	if err != nil {
		return fmt.Errorf("update funnel message %d: %w", m.MessageId, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_buttons WHERE message_id = ?`, m.MessageId); err != nil {
		return fmt.Errorf("clear buttons for message %d: %w", m.MessageId, err)
	}
	for i, b := range m.Buttons {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_buttons (message_id, position, button_text, button_url) VALUES (?, ?, ?, ?)`,
			m.MessageId, i, b.ButtonText, b.ButtonURL); err != nil {
			return fmt.Errorf("insert button %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// DeleteFunnelMessage removes a step and cancels its not-yet-sent scheduled
// rows (§4.2.5 onMessageDeleted / P2).
func (s *Store) DeleteFunnelMessage(ctx context.Context, messageId int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete funnel message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE scheduled_messages SET status = 'cancelled' WHERE message_id = ? AND status = 'pending'`, messageId); err != nil {
		return fmt.Errorf("cancel scheduled rows for message %d: %w", messageId, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_buttons WHERE message_id = ?`, messageId); err != nil {
		return fmt.Errorf("delete buttons for message %d: %w", messageId, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM broadcast_messages WHERE message_id = ?`, messageId); err != nil {
		return fmt.Errorf("delete funnel message %d: %w", messageId, err)
	}
	return tx.Commit()
}

// UpsertScheduledMessage materializes (or idempotently re-materializes, via
// the unique key on bot/subscriber/message) one per-subscriber delivery row
// (§4.2.2 step 2, P1). The ON DUPLICATE KEY UPDATE clause is a true no-op
// on re-entry: scheduled_at is left as originally materialized so a second
// activation can't restart an in-progress funnel clock (§4.2.3).
func (s *Store) UpsertScheduledMessage(ctx context.Context, sm *entity.ScheduledMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (bot_id, subscriber_id, message_id, scheduled_at, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE scheduled_at = scheduled_at`,
		sm.BotId, sm.SubscriberId, sm.MessageId, sm.ScheduledAt, sm.Status, sm.ErrorMessage, sm.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert scheduled message bot=%s subscriber=%d message=%d: %w", sm.BotId, sm.SubscriberId, sm.MessageId, err)
	}
	return nil
}

// RescheduleMessage moves every pending row for a step (whether already due
// or not) to its new delay without disturbing rows already sent, failed or
// cancelled (§4.2.5 onMessageEdited / P2).
func (s *Store) RescheduleMessage(ctx context.Context, messageId int64, newScheduledAt func(subscriberId int64, created time.Time) time.Time) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subscriber_id, created_at FROM scheduled_messages WHERE message_id = ? AND status = 'pending'`, messageId)
	if err != nil {
		return fmt.Errorf("select pending scheduled rows for message %d: %w", messageId, err)
	}
	type row struct {
		id           int64
		subscriberId int64
		createdAt    time.Time
	}
	var toUpdate []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.subscriberId, &r.createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending scheduled row: %w", err)
		}
		toUpdate = append(toUpdate, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range toUpdate {
		at := newScheduledAt(r.subscriberId, r.createdAt)
		if _, err := s.db.ExecContext(ctx, `UPDATE scheduled_messages SET scheduled_at = ? WHERE id = ?`, at, r.id); err != nil {
			return fmt.Errorf("reschedule row %d: %w", r.id, err)
		}
	}
	return nil
}

// CancelScheduledMessagesForSubscriber cancels pending rows when a
// subscriber disables the funnel or blocks the bot.
func (s *Store) CancelScheduledMessagesForSubscriber(ctx context.Context, botId string, subscriberId int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_messages SET status = 'cancelled' WHERE bot_id = ? AND subscriber_id = ? AND status = 'pending'`, botId, subscriberId)
	if err != nil {
		return fmt.Errorf("cancel scheduled messages for %s/%d: %w", botId, subscriberId, err)
	}
	return nil
}

// ClaimDueFunnelMessages row-locks a batch of due, pending rows and writes
// the status the handler returns for each (a terminal status, or pending when
// the handler skips the row) within one transaction, giving exactly-once
// dispatch across multiple scheduler instances (§5, P2). The caller supplies
// a handler invoked per claimed row inside the transaction; a row the
// handler reports as failed does not abort the batch, but a failed status
// UPDATE rolls the whole batch back.
func (s *Store) ClaimDueFunnelMessages(ctx context.Context, now time.Time, limit int, handle func(ctx context.Context, tx *sql.Tx, sm *entity.ScheduledMessage) (entity.ScheduledMessageStatus, string)) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin claim funnel batch: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, bot_id, subscriber_id, message_id, scheduled_at, status, error_message, created_at
		FROM scheduled_messages WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at LIMIT ? FOR UPDATE`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("select due funnel messages: %w", err)
	}
	var claimed []*entity.ScheduledMessage
	for rows.Next() {
		var sm entity.ScheduledMessage
		if err := rows.Scan(&sm.Id, &sm.BotId, &sm.SubscriberId, &sm.MessageId, &sm.ScheduledAt, &sm.Status, &sm.ErrorMessage, &sm.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan due funnel message: %w", err)
		}
		claimed = append(claimed, &sm)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, sm := range claimed {
		status, errMsg := handle(ctx, tx, sm)
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_messages SET status = ?, error_message = ? WHERE id = ?`, status, errMsg, sm.Id); err != nil {
			return 0, fmt.Errorf("mark funnel message %d %s: %w", sm.Id, status, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit claimed funnel batch: %w", err)
	}
	return len(claimed), nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"tgfleet/entity"
)

const botColumns = `bot_id, owner_user_id, token, bot_username, status, is_running,
		welcome_message, welcome_button_text, confirmation_message, goodbye_message,
		goodbye_button_text, goodbye_button_url,
		ai_enabled, ai_assistant_id, ai_provider, ai_model, ai_system_prompt,
		tokens_limit_total, tokens_input_used, tokens_output_used, token_notification_sent`

func scanBot(row interface{ Scan(...any) error }) (*entity.UserBot, error) {
	var b entity.UserBot
	var limit sql.NullInt64
	err := row.Scan(
		&b.BotId, &b.OwnerUserId, &b.Token, &b.BotUsername, &b.Status, &b.IsRunning,
		&b.WelcomeMessage, &b.WelcomeButtonText, &b.ConfirmationMessage, &b.GoodbyeMessage,
		&b.GoodbyeButtonText, &b.GoodbyeButtonURL,
		&b.AIEnabled, &b.AIAssistantId, &b.AIProvider, &b.AIModel, &b.AISystemPrompt,
		&limit, &b.TokensInputUsed, &b.TokensOutputUsed, &b.TokenNotificationSent,
	)
	if err != nil {
		return nil, err
	}
	if limit.Valid {
		b.TokensLimitTotal = &limit.Int64
	}
	return &b, nil
}

// GetBot loads one UserBot by id.
func (s *Store) GetBot(ctx context.Context, botId string) (*entity.UserBot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM user_bots WHERE bot_id = ?`, botId)
	b, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %s: %w", botId, err)
	}
	return b, nil
}

// ListActiveBots is used by the Fleet Supervisor at startup to rebuild its
// in-memory runtime set (§4.1.1).
func (s *Store) ListActiveBots(ctx context.Context) ([]*entity.UserBot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM user_bots WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("list active bots: %w", err)
	}
	defer rows.Close()
	var bots []*entity.UserBot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// ListBotsByOwner backs the "my_bots" menu (§4.6).
func (s *Store) ListBotsByOwner(ctx context.Context, ownerUserId int64) ([]*entity.UserBot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM user_bots WHERE owner_user_id = ?`, ownerUserId)
	if err != nil {
		return nil, fmt.Errorf("list bots by owner %d: %w", ownerUserId, err)
	}
	defer rows.Close()
	var bots []*entity.UserBot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// CreateBot registers a new UserBot (§4.1.2) and its empty funnel sequence.
func (s *Store) CreateBot(ctx context.Context, b *entity.UserBot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create bot: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_bots (`+botColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BotId, b.OwnerUserId, b.Token, b.BotUsername, b.Status, b.IsRunning,
		b.WelcomeMessage, b.WelcomeButtonText, b.ConfirmationMessage, b.GoodbyeMessage,
		b.GoodbyeButtonText, b.GoodbyeButtonURL,
		b.AIEnabled, b.AIAssistantId, b.AIProvider, b.AIModel, b.AISystemPrompt,
		b.TokensLimitTotal, b.TokensInputUsed, b.TokensOutputUsed, b.TokenNotificationSent,
	)
	if err != nil {
		return fmt.Errorf("insert bot %s: %w", b.BotId, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO broadcast_sequences (bot_id, is_enabled) VALUES (?, 1)`, b.BotId)
	if err != nil {
		return fmt.Errorf("insert funnel sequence for bot %s: %w", b.BotId, err)
	}
	return tx.Commit()
}

// UpdateBotConfig persists the editable fields of the configure-bot flow (§4.6).
func (s *Store) UpdateBotConfig(ctx context.Context, b *entity.UserBot) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_bots SET
			bot_username = ?, welcome_message = ?, welcome_button_text = ?, confirmation_message = ?,
			goodbye_message = ?, goodbye_button_text = ?, goodbye_button_url = ?,
			ai_enabled = ?, ai_assistant_id = ?, ai_provider = ?, ai_model = ?, ai_system_prompt = ?,
			tokens_limit_total = ?
		WHERE bot_id = ?`,
		b.BotUsername, b.WelcomeMessage, b.WelcomeButtonText, b.ConfirmationMessage,
		b.GoodbyeMessage, b.GoodbyeButtonText, b.GoodbyeButtonURL,
		b.AIEnabled, b.AIAssistantId, b.AIProvider, b.AIModel, b.AISystemPrompt,
		b.TokensLimitTotal, b.BotId,
	)
	if err != nil {
		return fmt.Errorf("update bot config %s: %w", b.BotId, err)
	}
	return nil
}

// SetBotStatus flips a bot between active/disabled/error (§4.1.3).
func (s *Store) SetBotStatus(ctx context.Context, botId string, status entity.BotStatus, isRunning bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_bots SET status = ?, is_running = ? WHERE bot_id = ?`, status, isRunning, botId)
	if err != nil {
		return fmt.Errorf("set bot status %s: %w", botId, err)
	}
	return nil
}

// DeleteBot removes a bot and cascades to its subscribers/funnel/conversation
// rows; a single transaction keeps the cascade atomic since MySQL foreign
// keys aren't declared (bot_id is a free-form string shared across tables).
func (s *Store) DeleteBot(ctx context.Context, botId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete bot: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM scheduled_messages WHERE bot_id = ?`,
		`DELETE sm FROM message_buttons sm JOIN broadcast_messages m ON sm.message_id = m.message_id
			JOIN broadcast_sequences seq ON m.sequence_id = seq.sequence_id WHERE seq.bot_id = ?`,
		`DELETE m FROM broadcast_messages m JOIN broadcast_sequences seq ON m.sequence_id = seq.sequence_id WHERE seq.bot_id = ?`,
		`DELETE FROM broadcast_sequences WHERE bot_id = ?`,
		`DELETE FROM subscribers WHERE bot_id = ?`,
		`DELETE FROM conversations WHERE bot_id = ?`,
		`DELETE FROM user_bots WHERE bot_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, botId); err != nil {
			return fmt.Errorf("delete cascade for bot %s: %w", botId, err)
		}
	}
	return tx.Commit()
}

// AddBotTokenUsage debits the token budget after an LLM call (§4.4.3).
func (s *Store) AddBotTokenUsage(ctx context.Context, botId string, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_bots SET tokens_input_used = tokens_input_used + ?, tokens_output_used = tokens_output_used + ?
		WHERE bot_id = ?`,
		inputTokens, outputTokens, botId,
	)
	if err != nil {
		return fmt.Errorf("add token usage for bot %s: %w", botId, err)
	}
	return nil
}

// IncrementBotTokenLimit raises tokens_limit_total after a token purchase
// (§4.4.4 step 4). A bot with no prior ceiling (unlimited) starts counting
// from the purchased amount rather than staying unlimited, since a purchase
// is a deliberate move onto the metered plan.
func (s *Store) IncrementBotTokenLimit(ctx context.Context, botId string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_bots SET tokens_limit_total = COALESCE(tokens_limit_total, 0) + ? WHERE bot_id = ?`,
		delta, botId,
	)
	if err != nil {
		return fmt.Errorf("increment token limit for bot %s: %w", botId, err)
	}
	return nil
}

// MarkTokenNotificationSent records that the low-budget warning went out, so
// it fires once per bot (§4.4.3).
func (s *Store) MarkTokenNotificationSent(ctx context.Context, botId string, sent bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_bots SET token_notification_sent = ? WHERE bot_id = ?`, sent, botId)
	if err != nil {
		return fmt.Errorf("mark token notification for bot %s: %w", botId, err)
	}
	return nil
}

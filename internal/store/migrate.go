package store

// migrate creates every table used by the Store if absent, then applies a
// handful of additive columns the idempotent way (§6: "Schema evolution is
// additive and driven by an idempotent startup migrator that introspects
// existing columns and applies missing ALTER TABLE ADD COLUMNs"). Columns
// added after initial release are listed in the addColumnIfNotExists block
// below (some, such as the utm_* columns, also appear in CREATE TABLE for
// fresh installs), so that an existing deployment picks them up on next
// startup without a separate migration tool.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id BIGINT PRIMARY KEY,
			admin_chat_id BIGINT NOT NULL DEFAULT 0,
			subscription_status VARCHAR(16) NOT NULL DEFAULT 'free',
			trial_started_at DATETIME NULL,
			subscription_expires_at DATETIME NULL,
			referral_code VARCHAR(32) NOT NULL UNIQUE,
			referred_by BIGINT NULL,
			total_referrals INT NOT NULL DEFAULT 0,
			referral_earnings_cents BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_bots (
			bot_id VARCHAR(36) PRIMARY KEY,
			owner_user_id BIGINT NOT NULL,
			token VARCHAR(128) NOT NULL,
			bot_username VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			is_running TINYINT(1) NOT NULL DEFAULT 0,
			welcome_message TEXT,
			welcome_button_text VARCHAR(128) NOT NULL DEFAULT '',
			confirmation_message TEXT,
			goodbye_message TEXT,
			goodbye_button_text VARCHAR(128) NOT NULL DEFAULT '',
			goodbye_button_url VARCHAR(512) NOT NULL DEFAULT '',
			ai_enabled TINYINT(1) NOT NULL DEFAULT 0,
			ai_assistant_id VARCHAR(128) NOT NULL DEFAULT '',
			ai_provider VARCHAR(16) NOT NULL DEFAULT 'none',
			ai_model VARCHAR(64) NOT NULL DEFAULT '',
			ai_system_prompt TEXT,
			tokens_limit_total BIGINT NULL,
			tokens_input_used BIGINT NOT NULL DEFAULT 0,
			tokens_output_used BIGINT NOT NULL DEFAULT 0,
			token_notification_sent TINYINT(1) NOT NULL DEFAULT 0,
			INDEX idx_user_bots_owner (owner_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			bot_id VARCHAR(36) NOT NULL,
			user_id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL,
			first_name VARCHAR(128) NOT NULL DEFAULT '',
			username VARCHAR(64) NOT NULL DEFAULT '',
			funnel_started_at DATETIME NULL,
			last_broadcast_message INT NOT NULL DEFAULT 0,
			funnel_enabled TINYINT(1) NOT NULL DEFAULT 1,
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			PRIMARY KEY (bot_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_sequences (
			sequence_id BIGINT AUTO_INCREMENT PRIMARY KEY,
			bot_id VARCHAR(36) NOT NULL UNIQUE,
			is_enabled TINYINT(1) NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_messages (
			message_id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sequence_id BIGINT NOT NULL,
			message_number INT NOT NULL,
			message_text TEXT,
			delay_hours DOUBLE NOT NULL DEFAULT 0,
			media_file_id VARCHAR(256) NOT NULL DEFAULT '',
			media_type VARCHAR(16) NOT NULL DEFAULT 'none',
			media_file_unique_id VARCHAR(256) NOT NULL DEFAULT '',
			media_file_size BIGINT NOT NULL DEFAULT 0,
			media_filename VARCHAR(256) NOT NULL DEFAULT '',
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			utm_campaign VARCHAR(128) NOT NULL DEFAULT '',
			utm_content VARCHAR(128) NOT NULL DEFAULT '',
			UNIQUE KEY uq_sequence_number (sequence_id, message_number)
		)`,
		`CREATE TABLE IF NOT EXISTS message_buttons (
			message_id BIGINT NOT NULL,
			position INT NOT NULL,
			button_text VARCHAR(64) NOT NULL,
			button_url VARCHAR(512) NOT NULL,
			PRIMARY KEY (message_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			bot_id VARCHAR(36) NOT NULL,
			subscriber_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			scheduled_at DATETIME NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			error_message VARCHAR(256) NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE KEY uq_subscriber_message (bot_id, subscriber_id, message_id),
			INDEX idx_due (status, scheduled_at)
		)`,
		`CREATE TABLE IF NOT EXISTS mass_broadcasts (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			bot_id VARCHAR(36) NOT NULL,
			created_by BIGINT NOT NULL,
			title VARCHAR(128) NOT NULL DEFAULT '',
			message_text TEXT,
			media_file_id VARCHAR(256) NOT NULL DEFAULT '',
			media_type VARCHAR(16) NOT NULL DEFAULT 'none',
			button_text VARCHAR(64) NOT NULL DEFAULT '',
			button_url VARCHAR(512) NOT NULL DEFAULT '',
			broadcast_type VARCHAR(16) NOT NULL DEFAULT 'instant',
			scheduled_at DATETIME NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'draft',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_deliveries (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			broadcast_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			telegram_message_id BIGINT NULL,
			error_message VARCHAR(256) NOT NULL DEFAULT '',
			attempted_at DATETIME NULL,
			UNIQUE KEY uq_broadcast_recipient (broadcast_id, user_id),
			INDEX idx_due (broadcast_id, status)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			bot_id VARCHAR(36) NOT NULL,
			user_id BIGINT NOT NULL,
			response_id VARCHAR(256) NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (bot_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS referral_transactions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			referrer_user_id BIGINT NOT NULL,
			referred_user_id BIGINT NOT NULL,
			transaction_type VARCHAR(16) NOT NULL,
			payment_amount_cents BIGINT NOT NULL,
			commission_amount_cents BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			UNIQUE KEY uq_referral_per_payment (referred_user_id, transaction_type, payment_amount_cents, created_at)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	// Additive columns introduced after the initial release: applied the
	// idempotent way so a running deployment picks them up without a
	// separate migration step.
	additive := []struct{ table, column, ddl string }{
		{"user_bots", "ai_settings_synced_at", "DATETIME NULL"},
		{"broadcast_messages", "utm_campaign", "VARCHAR(128) NOT NULL DEFAULT ''"},
		{"broadcast_messages", "utm_content", "VARCHAR(128) NOT NULL DEFAULT ''"},
	}
	for _, c := range additive {
		if err := s.addColumnIfNotExists(c.table, c.column, c.ddl); err != nil {
			return err
		}
	}

	return nil
}

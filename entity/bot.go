package entity

// BotStatus is the health state the Fleet Supervisor maintains per UserBot (§4.1).
type BotStatus string

const (
	BotActive   BotStatus = "active"
	BotError    BotStatus = "error"
	BotDisabled BotStatus = "disabled"
)

// AIProvider identifies which external LLM backend a bot's assistant talks to.
type AIProvider string

const (
	ProviderNone       AIProvider = "none"
	ProviderOpenAI     AIProvider = "openai"
	ProviderChatForYou AIProvider = "chatforyou"
	ProviderProTalk    AIProvider = "protalk"
)

// DefaultProviderProbeOrder is the deterministic order §4.5.1 settles on:
// openai first, for reproducibility, regardless of the source system's
// occasional chatforyou-first behavior.
var DefaultProviderProbeOrder = []AIProvider{ProviderOpenAI, ProviderChatForYou, ProviderProTalk}

// UserBot is one Telegram bot registered by a platform User, with its own
// welcome/goodbye flow, AI assistant configuration and token budget.
type UserBot struct {
	BotId       string    `json:"bot_id" bson:"bot_id"`
	OwnerUserId int64     `json:"owner_user_id" bson:"owner_user_id"`
	Token       string    `json:"-" bson:"token"`
	BotUsername string    `json:"bot_username" bson:"bot_username"`
	Status      BotStatus `json:"status" bson:"status"`
	IsRunning   bool      `json:"is_running" bson:"is_running"`

	WelcomeMessage     string `json:"welcome_message" bson:"welcome_message"`
	WelcomeButtonText  string `json:"welcome_button_text" bson:"welcome_button_text"`
	ConfirmationMessage string `json:"confirmation_message" bson:"confirmation_message"`
	GoodbyeMessage     string `json:"goodbye_message" bson:"goodbye_message"`
	GoodbyeButtonText  string `json:"goodbye_button_text" bson:"goodbye_button_text"`
	GoodbyeButtonURL   string `json:"goodbye_button_url" bson:"goodbye_button_url"`

	AIEnabled      bool       `json:"ai_enabled" bson:"ai_enabled"`
	AIAssistantId  string     `json:"ai_assistant_id" bson:"ai_assistant_id"`
	AIProvider     AIProvider `json:"ai_provider" bson:"ai_provider"`
	AIModel        string     `json:"ai_model" bson:"ai_model"`
	AISystemPrompt string     `json:"ai_system_prompt" bson:"ai_system_prompt"`
	AISettingsJSON string     `json:"-" bson:"-"` // mirrored verbatim into docstore, see internal/docstore

	TokensLimitTotal     *int64 `json:"tokens_limit_total,omitempty" bson:"tokens_limit_total,omitempty"`
	TokensInputUsed      int64  `json:"tokens_input_used" bson:"tokens_input_used"`
	TokensOutputUsed     int64  `json:"tokens_output_used" bson:"tokens_output_used"`
	TokenNotificationSent bool  `json:"token_notification_sent" bson:"token_notification_sent"`
}

// TokensRemaining implements §4.4.3; nil limit means unlimited (reported as -1).
func (b *UserBot) TokensRemaining() int64 {
	if b.TokensLimitTotal == nil {
		return -1
	}
	return *b.TokensLimitTotal - (b.TokensInputUsed + b.TokensOutputUsed)
}

// Unlimited reports whether the bot has no configured token ceiling.
func (b *UserBot) Unlimited() bool {
	return b.TokensLimitTotal == nil
}

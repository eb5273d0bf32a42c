package entity

import "time"

// Subscriber is one (bot, Telegram end-user) pair that entered a user bot's
// audience, either by joining its channel/group or by starting a chat.
type Subscriber struct {
	BotId             string     `json:"bot_id" bson:"bot_id"`
	UserId            int64      `json:"user_id" bson:"user_id"`
	ChatId            int64      `json:"chat_id" bson:"chat_id"`
	FirstName         string     `json:"first_name" bson:"first_name"`
	Username          string     `json:"username" bson:"username"`
	FunnelStartedAt   *time.Time `json:"funnel_started_at,omitempty" bson:"funnel_started_at,omitempty"`
	LastBroadcastMsg  int        `json:"last_broadcast_message" bson:"last_broadcast_message"`
	FunnelEnabled     bool       `json:"funnel_enabled" bson:"funnel_enabled"`
	IsActive          bool       `json:"is_active" bson:"is_active"`
}

// Mention renders the plain-text mention used by template substitution
// (§4.2.2 step 3): "@username", else the first name, else "there".
func (s *Subscriber) Mention() string {
	if s.Username != "" {
		return "@" + s.Username
	}
	name := s.FirstName
	if name == "" {
		name = "there"
	}
	return name
}

func (s *Subscriber) FullName() string {
	if s.FirstName == "" {
		return s.Username
	}
	return s.FirstName
}

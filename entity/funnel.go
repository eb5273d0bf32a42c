package entity

import (
	"fmt"
	"time"
)

// MediaType enumerates the Telegram attachment kinds a funnel step or mass
// broadcast can carry (§3).
type MediaType string

const (
	MediaNone      MediaType = "none"
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaDocument  MediaType = "document"
	MediaAudio     MediaType = "audio"
	MediaVoice     MediaType = "voice"
	MediaVideoNote MediaType = "video_note"
	MediaAnimation MediaType = "animation"
	MediaSticker   MediaType = "sticker"
)

// CaptionSupported reports whether Telegram lets this media type carry a
// caption in the same send call (§4.3.3).
func (m MediaType) CaptionSupported() bool {
	switch m {
	case MediaVoice, MediaVideoNote, MediaSticker:
		return false
	default:
		return true
	}
}

// BroadcastSequence is the per-bot container for funnel steps.
type BroadcastSequence struct {
	SequenceId int64  `json:"sequence_id" bson:"sequence_id"`
	BotId      string `json:"bot_id" bson:"bot_id"`
	IsEnabled  bool   `json:"is_enabled" bson:"is_enabled"`
}

// BroadcastMessage is one funnel step: delayed text/media sent once per
// activated subscriber.
type BroadcastMessage struct {
	MessageId         int64     `json:"message_id" bson:"message_id"`
	SequenceId        int64     `json:"sequence_id" bson:"sequence_id"`
	MessageNumber     int       `json:"message_number" bson:"message_number"`
	MessageText       string    `json:"message_text" bson:"message_text"`
	DelayHours        float64   `json:"delay_hours" bson:"delay_hours"`
	MediaFileId       string    `json:"media_file_id,omitempty" bson:"media_file_id,omitempty"`
	MediaType         MediaType `json:"media_type" bson:"media_type"`
	MediaFileUniqueId string    `json:"media_file_unique_id,omitempty" bson:"media_file_unique_id,omitempty"`
	MediaFileSize     int64     `json:"media_file_size,omitempty" bson:"media_file_size,omitempty"`
	MediaFilename     string    `json:"media_filename,omitempty" bson:"media_filename,omitempty"`
	IsActive          bool      `json:"is_active" bson:"is_active"`
	UtmCampaign       string    `json:"utm_campaign,omitempty" bson:"utm_campaign,omitempty"`
	UtmContent        string    `json:"utm_content,omitempty" bson:"utm_content,omitempty"`
	Buttons           []MessageButton `json:"buttons,omitempty" bson:"-"`
}

const (
	MaxMessageTextLen = 4096
	MaxButtons        = 10
	MaxDelayHours     = 8760
)

// Validate enforces the invariants of §3's BroadcastMessage entry.
func (m *BroadcastMessage) Validate() error {
	if m.DelayHours < 0 || m.DelayHours > MaxDelayHours {
		return fmt.Errorf("delay_hours out of range [0,%d]: %v", MaxDelayHours, m.DelayHours)
	}
	if len(m.MessageText) > MaxMessageTextLen {
		return fmt.Errorf("message_text exceeds %d characters", MaxMessageTextLen)
	}
	if len(m.Buttons) > MaxButtons {
		return fmt.Errorf("message has %d buttons, max %d", len(m.Buttons), MaxButtons)
	}
	return nil
}

// DelaySeconds is the stored resolution for scheduling arithmetic (§4.2.3:
// "internally stored in seconds", rounded no finer than one minute).
func (m *BroadcastMessage) DelaySeconds() int64 {
	seconds := m.DelayHours * 3600
	return int64(seconds/60) * 60
}

// MessageButton is an inline-URL button attached to a funnel message.
type MessageButton struct {
	MessageId  int64  `json:"message_id" bson:"message_id"`
	Position   int    `json:"position" bson:"position"`
	ButtonText string `json:"button_text" bson:"button_text"`
	ButtonURL  string `json:"button_url" bson:"button_url"`
}

// ScheduledMessageStatus is the ScheduledMessage state machine (§4.2.4).
type ScheduledMessageStatus string

const (
	ScheduledPending   ScheduledMessageStatus = "pending"
	ScheduledSent      ScheduledMessageStatus = "sent"
	ScheduledFailed    ScheduledMessageStatus = "failed"
	ScheduledCancelled ScheduledMessageStatus = "cancelled"
)

// Failure reasons recorded in ScheduledMessage.ErrorMessage / BroadcastDelivery.ErrorMessage.
const (
	ReasonBlocked        = "blocked"
	ReasonBotUnavailable = "bot_unavailable"
)

// ScheduledMessage is a materialised per-subscriber delivery row for a funnel step.
type ScheduledMessage struct {
	Id            int64                  `json:"id" bson:"id"`
	BotId         string                 `json:"bot_id" bson:"bot_id"`
	SubscriberId  int64                  `json:"subscriber_id" bson:"subscriber_id"` // = Subscriber.UserId
	MessageId     int64                  `json:"message_id" bson:"message_id"`
	ScheduledAt   time.Time              `json:"scheduled_at" bson:"scheduled_at"`
	Status        ScheduledMessageStatus `json:"status" bson:"status"`
	ErrorMessage  string                 `json:"error_message,omitempty" bson:"error_message,omitempty"`
	CreatedAt     time.Time              `json:"created_at" bson:"created_at"`
}

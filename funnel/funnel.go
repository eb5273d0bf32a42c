// Package funnel implements the Funnel Scheduler (§4.2): materialisation of
// a per-subscriber delayed message sequence, and a dispatcher that sends due
// rows. Grounded on the teacher's bot/digest.go DigestBuffer (a ticked
// background worker draining a queue) generalized from a time-batched
// notification buffer to a Store-backed claim-and-dispatch loop, and on
// bot/messaging.go's template substitution idiom.
package funnel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"

	"tgfleet/entity"
	"tgfleet/lib/sl"
)

// DispatchInterval is the fixed poll period of §4.2.2.
const DispatchInterval = 30 * time.Second

// DefaultBatchSize is B in §4.2.2.
const DefaultBatchSize = 100

// InterSendPause caps outbound rate per bot (§4.2.2 last bullet).
const InterSendPause = 100 * time.Millisecond

// Store is the persistence surface the Scheduler needs.
type Store interface {
	GetSequence(ctx context.Context, botId string) (*entity.BroadcastSequence, error)
	ListFunnelMessages(ctx context.Context, sequenceId int64) ([]*entity.BroadcastMessage, error)
	UpsertScheduledMessage(ctx context.Context, sm *entity.ScheduledMessage) error
	RescheduleMessage(ctx context.Context, messageId int64, newScheduledAt func(subscriberId int64, created time.Time) time.Time) error
	SetSequenceEnabled(ctx context.Context, botId string, enabled bool) error
	GetSubscriber(ctx context.Context, botId string, userId int64) (*entity.Subscriber, error)
	CancelScheduledMessagesForSubscriber(ctx context.Context, botId string, subscriberId int64) error
	SetSubscriberActive(ctx context.Context, botId string, userId int64, active bool) error
	ClaimDueFunnelMessages(ctx context.Context, now time.Time, limit int, handle func(ctx context.Context, tx *sql.Tx, sm *entity.ScheduledMessage) (entity.ScheduledMessageStatus, string)) (int, error)
	GetFunnelMessage(ctx context.Context, messageId int64) (*entity.BroadcastMessage, error)
	IsSequenceEnabledForBot(ctx context.Context, botId string) (bool, error)
	UpsertSubscriber(ctx context.Context, sub *entity.Subscriber) error
}

// BotLookup resolves the live Telegram client for a running bot; the Fleet
// Supervisor is the implementation (§4.2.2 step 4: "locate the Runtime").
type BotLookup interface {
	BotAPI(botId string) (*tgbotapi.Bot, bool)
}

// Scheduler owns materialisation and the dispatch loop.
type Scheduler struct {
	store Store
	bots  BotLookup
	log   *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(store Store, bots BotLookup, log *slog.Logger) *Scheduler {
	return &Scheduler{store: store, bots: bots, log: log.With(sl.Module("funnel"))}
}

// OnSubscriberActivated materialises one ScheduledMessage per active step of
// the bot's sequence (§4.2.1). Re-entry for an already-activated subscriber
// still upserts the same rows by unique key, but the Store leaves their
// scheduled_at untouched on conflict, so a second activation never restarts
// an in-progress funnel clock (§4.2.3 duplicate materialisation guard).
func (s *Scheduler) OnSubscriberActivated(ctx context.Context, botId string, subscriberId int64) error {
	seq, err := s.store.GetSequence(ctx, botId)
	if err != nil {
		return fmt.Errorf("loading sequence for bot %s: %w", botId, err)
	}
	if seq == nil || !seq.IsEnabled {
		return nil
	}
	messages, err := s.store.ListFunnelMessages(ctx, seq.SequenceId)
	if err != nil {
		return fmt.Errorf("listing funnel messages for sequence %d: %w", seq.SequenceId, err)
	}
	now := time.Now().UTC()
	for _, m := range messages {
		if !m.IsActive {
			continue
		}
		sm := &entity.ScheduledMessage{
			BotId:        botId,
			SubscriberId: subscriberId,
			MessageId:    m.MessageId,
			ScheduledAt:  now.Add(time.Duration(m.DelaySeconds()) * time.Second),
			Status:       entity.ScheduledPending,
			CreatedAt:    now,
		}
		if err := s.store.UpsertScheduledMessage(ctx, sm); err != nil {
			return fmt.Errorf("materialising step %d for subscriber %d: %w", m.MessageId, subscriberId, err)
		}
	}
	return nil
}

// OnMessageEdited reschedules pending rows when newDelayHours is supplied
// (§4.2.1). The new scheduled_at anchors on each row's own created_at (the
// subscriber's activation moment), not on the row's previous scheduled_at,
// matching the spec's note that the two are equivalent here.
func (s *Scheduler) OnMessageEdited(ctx context.Context, messageId int64, newDelayHours *float64) error {
	if newDelayHours == nil {
		return nil
	}
	delaySeconds := int64(*newDelayHours*3600/60) * 60
	return s.store.RescheduleMessage(ctx, messageId, func(subscriberId int64, created time.Time) time.Time {
		return created.Add(time.Duration(delaySeconds) * time.Second)
	})
}

// OnSequenceEnabled / OnSequenceDisabled toggle the gate without touching
// materialised rows (§4.2.1).
func (s *Scheduler) OnSequenceEnabled(ctx context.Context, botId string) error {
	return s.store.SetSequenceEnabled(ctx, botId, true)
}

func (s *Scheduler) OnSequenceDisabled(ctx context.Context, botId string) error {
	return s.store.SetSequenceEnabled(ctx, botId, false)
}

// Start launches the 30s dispatch loop (§4.2.2).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(DispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.dispatchTick(ctx)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
}

func (s *Scheduler) dispatchTick(ctx context.Context) {
	n, err := s.dispatchDueMessages(ctx, time.Now().UTC(), DefaultBatchSize)
	if err != nil {
		s.log.Error("dispatch tick", sl.Err(err))
		return
	}
	if n > 0 {
		s.log.Debug("dispatched funnel batch", slog.Int("count", n))
	}
}

// dispatchDueMessages claims up to limit due rows and attempts to send each
// (§4.2.2). Claim and status-write happen inside the Store's transaction;
// the Telegram send itself runs synchronously within the claim callback,
// which is the simplest way to guarantee a row is never claimed twice
// without a separate lease/heartbeat mechanism.
func (s *Scheduler) dispatchDueMessages(ctx context.Context, now time.Time, limit int) (int, error) {
	return s.store.ClaimDueFunnelMessages(ctx, now, limit, func(ctx context.Context, tx *sql.Tx, sm *entity.ScheduledMessage) (entity.ScheduledMessageStatus, string) {
		status, reason := s.sendOne(ctx, sm)
		time.Sleep(InterSendPause)
		return status, reason
	})
}

func (s *Scheduler) sendOne(ctx context.Context, sm *entity.ScheduledMessage) (entity.ScheduledMessageStatus, string) {
	enabled, err := s.store.IsSequenceEnabledForBot(ctx, sm.BotId)
	if err != nil {
		return entity.ScheduledFailed, err.Error()
	}
	if !enabled {
		return entity.ScheduledPending, ""
	}

	msg, err := s.store.GetFunnelMessage(ctx, sm.MessageId)
	if err != nil {
		return entity.ScheduledFailed, err.Error()
	}
	if msg == nil || !msg.IsActive {
		return entity.ScheduledCancelled, "template removed"
	}

	sub, err := s.store.GetSubscriber(ctx, sm.BotId, sm.SubscriberId)
	if err != nil {
		return entity.ScheduledFailed, err.Error()
	}
	if sub == nil {
		return entity.ScheduledFailed, entity.ReasonBotUnavailable
	}

	api, ok := s.bots.BotAPI(sm.BotId)
	if !ok {
		return entity.ScheduledFailed, entity.ReasonBotUnavailable
	}

	text := renderTemplate(msg.MessageText, sub)
	var keyboard *tgbotapi.InlineKeyboardMarkup
	if len(msg.Buttons) > 0 {
		kb := buildInlineKeyboard(msg.Buttons)
		keyboard = &kb
	}

	err = sendRendered(api, sub.ChatId, text, msg.MediaType, msg.MediaFileId, keyboard)
	if wait, ok := isRateLimitErr(err); ok {
		sleepOrDone(ctx, wait)
		err = sendRendered(api, sub.ChatId, text, msg.MediaType, msg.MediaFileId, keyboard)
	}
	if err == nil {
		return entity.ScheduledSent, ""
	}
	if isBlockedErr(err) {
		_ = s.store.SetSubscriberActive(ctx, sm.BotId, sm.SubscriberId, false)
		return entity.ScheduledFailed, entity.ReasonBlocked
	}
	return entity.ScheduledFailed, err.Error()
}

func buildInlineKeyboard(buttons []entity.MessageButton) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []tgbotapi.InlineKeyboardButton{{Text: b.ButtonText, Url: b.ButtonURL}})
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// sendRendered picks the typed send call matching media_type, falling back
// to plain text (§4.2.2 step 5).
func sendRendered(api *tgbotapi.Bot, chatId int64, text string, mediaType entity.MediaType, fileId string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	if mediaType == entity.MediaNone || fileId == "" {
		_, err := api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return err
	}

	caption := text
	if !mediaType.CaptionSupported() && caption != "" {
		if _, err := api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{ParseMode: "HTML"}); err != nil {
			return err
		}
		caption = ""
	}

	switch mediaType {
	case entity.MediaPhoto:
		_, err := api.SendPhoto(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendPhotoOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return err
	case entity.MediaVideo:
		_, err := api.SendVideo(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendVideoOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return err
	case entity.MediaDocument:
		_, err := api.SendDocument(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendDocumentOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return err
	case entity.MediaAudio:
		_, err := api.SendAudio(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendAudioOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return err
	case entity.MediaVoice:
		_, err := api.SendVoice(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendVoiceOpts{})
		return err
	case entity.MediaVideoNote:
		_, err := api.SendVideoNote(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendVideoNoteOpts{})
		return err
	case entity.MediaAnimation:
		_, err := api.SendAnimation(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendAnimationOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return err
	case entity.MediaSticker:
		_, err := api.SendSticker(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendStickerOpts{})
		return err
	default:
		_, err := api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return err
	}
}

func replyMarkup(keyboard *tgbotapi.InlineKeyboardMarkup) tgbotapi.ReplyMarkup {
	if keyboard == nil {
		return nil
	}
	return *keyboard
}

// isBlockedErr reports whether the gotgbot error indicates the recipient
// blocked the bot (§4.2.2 step 6 "On Forbidden").
func isBlockedErr(err error) bool {
	var tgErr *tgbotapi.TelegramError
	if errors.As(err, &tgErr) {
		return tgErr.Code == 403
	}
	return strings.Contains(strings.ToLower(err.Error()), "forbidden")
}

// isRateLimitErr reports whether err is Telegram's 429 response and the
// server's requested retry_after, the same Retry-After idiom
// provider_generic.go already uses for the LLM side (§4.2.2 step 6 "On
// rate-limit response").
func isRateLimitErr(err error) (time.Duration, bool) {
	var tgErr *tgbotapi.TelegramError
	if !errors.As(err, &tgErr) || tgErr.Code != http.StatusTooManyRequests {
		return 0, false
	}
	wait := time.Second
	if tgErr.Parameters != nil && tgErr.Parameters.RetryAfter > 0 {
		wait = time.Duration(tgErr.Parameters.RetryAfter) * time.Second
	}
	return wait, true
}

// sleepOrDone pauses for d unless ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// renderTemplate substitutes {first_name}, {username}, {user_id}, {mention},
// {full_name} (§4.2.2 step 3).
func renderTemplate(text string, sub *entity.Subscriber) string {
	r := strings.NewReplacer(
		"{first_name}", sub.FirstName,
		"{username}", sub.Username,
		"{user_id}", strconv.FormatInt(sub.UserId, 10),
		"{mention}", sub.Mention(),
		"{full_name}", sub.FullName(),
	)
	return r.Replace(text)
}

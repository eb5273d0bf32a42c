// Package broadcast implements the Mass-Broadcast Engine (§4.3): an
// admin-triggered blast to every active Subscriber of one bot, with a fixed
// recipient snapshot and per-recipient delivery tracking. Mirrors funnel's
// architecture (materialize-then-claim-dispatch) since both sit on the same
// claim-token row-lock primitive; grounded on the teacher's bot/digest.go
// DigestBuffer for the ticked background loop shape.
package broadcast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"

	"tgfleet/entity"
	"tgfleet/lib/sl"
)

// ScheduledBroadcastPollInterval is the tick period the Engine uses to look
// for scheduled broadcasts whose time has come (§4.3.4).
const ScheduledBroadcastPollInterval = 30 * time.Second

// DispatchInterval is the tick period for draining pending deliveries of
// in-flight ("sending") broadcasts (§4.3.3).
const DispatchInterval = 5 * time.Second

// DefaultBatchSize is the per-tick claim size for one broadcast's delivery
// queue (§4.3.3 default batch of 50).
const DefaultBatchSize = 50

// InterSendPause caps outbound rate per bot, same idea as the funnel
// dispatcher (§4.3.3).
const InterSendPause = 100 * time.Millisecond

// Store is the persistence surface the Engine needs.
type Store interface {
	CreateMassBroadcast(ctx context.Context, b *entity.MassBroadcast) error
	GetMassBroadcast(ctx context.Context, id int64) (*entity.MassBroadcast, error)
	SetMassBroadcastStatus(ctx context.Context, id int64, status entity.MassBroadcastStatus) error
	ListDueScheduledBroadcasts(ctx context.Context, now time.Time) ([]*entity.MassBroadcast, error)
	MaterializeBroadcastDeliveries(ctx context.Context, broadcastId int64, botId string) (int, error)
	ClaimPendingDeliveries(ctx context.Context, broadcastId int64, limit int, handle func(ctx context.Context, tx *sql.Tx, d *entity.BroadcastDelivery) (entity.BroadcastDeliveryStatus, *int64, string)) (int, error)
	CountPendingDeliveries(ctx context.Context, broadcastId int64) (int, error)
	GetSubscriber(ctx context.Context, botId string, userId int64) (*entity.Subscriber, error)
	SetSubscriberActive(ctx context.Context, botId string, userId int64, active bool) error
}

// BotLookup resolves the live Telegram client for a running bot; the same
// shape as funnel.BotLookup so *fleet.Supervisor satisfies both for free
// (§4.3.3 step "locate the Runtime for bot_id").
type BotLookup interface {
	BotAPI(botId string) (*tgbotapi.Bot, bool)
}

// Engine owns broadcast lifecycle transitions and the two poll loops: one
// that promotes due scheduled broadcasts to sending, one that drains pending
// deliveries of every broadcast currently sending.
type Engine struct {
	store Store
	bots  BotLookup
	log   *slog.Logger

	mu       sync.Mutex
	sending  map[int64]struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewEngine(store Store, bots BotLookup, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		bots:    bots,
		log:     log.With(sl.Module("broadcast")),
		sending: make(map[int64]struct{}),
	}
}

// CreateInstant creates and immediately materializes+sends a broadcast
// (§4.3.1 draft -> sending transition for broadcast_type=instant).
func (e *Engine) CreateInstant(ctx context.Context, b *entity.MassBroadcast, now time.Time) error {
	b.BroadcastType = entity.BroadcastInstant
	b.ScheduledAt = nil
	b.Status = entity.MassDraft
	b.CreatedAt = now
	if err := b.Validate(now); err != nil {
		return fmt.Errorf("validate instant broadcast: %w", err)
	}
	if err := e.store.CreateMassBroadcast(ctx, b); err != nil {
		return fmt.Errorf("create instant broadcast: %w", err)
	}
	return e.materializeAndTrack(ctx, b)
}

// CreateScheduled creates a future-dated broadcast; the poll loop promotes it
// once due (§4.3.1 draft -> scheduled, §4.3.4).
func (e *Engine) CreateScheduled(ctx context.Context, b *entity.MassBroadcast, now time.Time) error {
	b.BroadcastType = entity.BroadcastScheduled
	b.Status = entity.MassScheduled
	b.CreatedAt = now
	if err := b.Validate(now); err != nil {
		return fmt.Errorf("validate scheduled broadcast: %w", err)
	}
	return e.store.CreateMassBroadcast(ctx, b)
}

// Cancel moves a draft or not-yet-due scheduled broadcast to cancelled
// (§4.3.1). Broadcasts already sending are not cancellable mid-flight.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	b, err := e.store.GetMassBroadcast(ctx, id)
	if err != nil {
		return fmt.Errorf("loading broadcast %d: %w", id, err)
	}
	if b == nil {
		return fmt.Errorf("broadcast %d not found", id)
	}
	if b.Status == entity.MassSending || b.Status == entity.MassCompleted {
		return fmt.Errorf("broadcast %d is %s, cannot cancel", id, b.Status)
	}
	return e.store.SetMassBroadcastStatus(ctx, id, entity.MassCancelled)
}

func (e *Engine) materializeAndTrack(ctx context.Context, b *entity.MassBroadcast) error {
	if _, err := e.store.MaterializeBroadcastDeliveries(ctx, b.Id, b.BotId); err != nil {
		_ = e.store.SetMassBroadcastStatus(ctx, b.Id, entity.MassFailed)
		return fmt.Errorf("materialize broadcast %d: %w", b.Id, err)
	}
	e.mu.Lock()
	e.sending[b.Id] = struct{}{}
	e.mu.Unlock()
	return nil
}

// Start launches the scheduled-promotion loop and the delivery-drain loop
// (§4.3.4).
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stop != nil {
		e.mu.Unlock()
		return
	}
	e.stop = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(2)
	go e.promoteLoop(ctx)
	go e.drainLoop(ctx)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	e.wg.Wait()
}

func (e *Engine) promoteLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(ScheduledBroadcastPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.promoteDue(ctx)
		}
	}
}

func (e *Engine) promoteDue(ctx context.Context) {
	due, err := e.store.ListDueScheduledBroadcasts(ctx, time.Now().UTC())
	if err != nil {
		e.log.Error("listing due scheduled broadcasts", sl.Err(err))
		return
	}
	for _, b := range due {
		if err := e.materializeAndTrack(ctx, b); err != nil {
			e.log.Error("promoting scheduled broadcast", slog.Int64("broadcast_id", b.Id), sl.Err(err))
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.drainSending(ctx)
		}
	}
}

// drainSending claims a batch from every broadcast currently marked sending,
// and retires ones with no pending rows left (§4.3.3/P4 completion check).
func (e *Engine) drainSending(ctx context.Context) {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.sending))
	for id := range e.sending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		n, err := e.dispatchBatch(ctx, id)
		if err != nil {
			e.log.Error("dispatching broadcast batch", slog.Int64("broadcast_id", id), sl.Err(err))
			continue
		}
		if n > 0 {
			continue
		}
		pending, err := e.store.CountPendingDeliveries(ctx, id)
		if err != nil {
			e.log.Error("counting pending deliveries", slog.Int64("broadcast_id", id), sl.Err(err))
			continue
		}
		if pending == 0 {
			if err := e.store.SetMassBroadcastStatus(ctx, id, entity.MassCompleted); err != nil {
				e.log.Error("completing broadcast", slog.Int64("broadcast_id", id), sl.Err(err))
				continue
			}
			e.mu.Lock()
			delete(e.sending, id)
			e.mu.Unlock()
			e.log.Info("broadcast completed", slog.Int64("broadcast_id", id))
		}
	}
}

func (e *Engine) dispatchBatch(ctx context.Context, broadcastId int64) (int, error) {
	b, err := e.store.GetMassBroadcast(ctx, broadcastId)
	if err != nil {
		return 0, fmt.Errorf("loading broadcast %d: %w", broadcastId, err)
	}
	if b == nil {
		e.mu.Lock()
		delete(e.sending, broadcastId)
		e.mu.Unlock()
		return 0, nil
	}
	return e.store.ClaimPendingDeliveries(ctx, broadcastId, DefaultBatchSize, func(ctx context.Context, tx *sql.Tx, d *entity.BroadcastDelivery) (entity.BroadcastDeliveryStatus, *int64, string) {
		status, tgMsgId, reason := e.sendOne(ctx, b, d)
		time.Sleep(InterSendPause)
		return status, tgMsgId, reason
	})
}

// sendOne attempts the delivery even for an inactive subscriber (§4.3.4: a
// subscriber deactivated mid-send still has its row processed, most likely
// becoming blocked naturally); only a missing subscriber row altogether is
// short-circuited, since there is no chat_id to send to.
func (e *Engine) sendOne(ctx context.Context, b *entity.MassBroadcast, d *entity.BroadcastDelivery) (entity.BroadcastDeliveryStatus, *int64, string) {
	sub, err := e.store.GetSubscriber(ctx, b.BotId, d.UserId)
	if err != nil {
		return entity.DeliveryFailed, nil, err.Error()
	}
	if sub == nil {
		return entity.DeliveryFailed, nil, entity.ReasonBotUnavailable
	}

	api, ok := e.bots.BotAPI(b.BotId)
	if !ok {
		return entity.DeliveryFailed, nil, entity.ReasonBotUnavailable
	}

	var keyboard *tgbotapi.InlineKeyboardMarkup
	if b.ButtonText != "" && b.ButtonURL != "" {
		kb := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
			{{Text: b.ButtonText, Url: b.ButtonURL}},
		}}
		keyboard = &kb
	}

	msgId, err := sendRendered(api, sub.ChatId, b.MessageText, b.MediaType, b.MediaFileId, keyboard)
	if wait, ok := isRateLimitErr(err); ok {
		sleepOrDone(ctx, wait)
		msgId, err = sendRendered(api, sub.ChatId, b.MessageText, b.MediaType, b.MediaFileId, keyboard)
	}
	if err == nil {
		return entity.DeliverySent, msgId, ""
	}
	if isBlockedErr(err) {
		_ = e.store.SetSubscriberActive(ctx, b.BotId, d.UserId, false)
		return entity.DeliveryBlocked, nil, entity.ReasonBlocked
	}
	return entity.DeliveryFailed, nil, err.Error()
}

// sendRendered mirrors funnel's media/caption rule (§4.3.3): media types
// that can't carry a caption get the text as a preceding plain message.
func sendRendered(api *tgbotapi.Bot, chatId int64, text string, mediaType entity.MediaType, fileId string, keyboard *tgbotapi.InlineKeyboardMarkup) (*int64, error) {
	if mediaType == entity.MediaNone || fileId == "" {
		msg, err := api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return messageId(msg), err
	}

	caption := text
	if !mediaType.CaptionSupported() && caption != "" {
		if _, err := api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{ParseMode: "HTML"}); err != nil {
			return nil, err
		}
		caption = ""
	}

	switch mediaType {
	case entity.MediaPhoto:
		msg, err := api.SendPhoto(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendPhotoOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return messageId(msg), err
	case entity.MediaVideo:
		msg, err := api.SendVideo(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendVideoOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return messageId(msg), err
	case entity.MediaDocument:
		msg, err := api.SendDocument(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendDocumentOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return messageId(msg), err
	case entity.MediaAudio:
		msg, err := api.SendAudio(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendAudioOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return messageId(msg), err
	case entity.MediaVoice:
		msg, err := api.SendVoice(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendVoiceOpts{})
		return messageId(msg), err
	case entity.MediaVideoNote:
		msg, err := api.SendVideoNote(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendVideoNoteOpts{})
		return messageId(msg), err
	case entity.MediaAnimation:
		msg, err := api.SendAnimation(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendAnimationOpts{Caption: caption, ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return messageId(msg), err
	case entity.MediaSticker:
		msg, err := api.SendSticker(chatId, tgbotapi.InputFileByID(fileId), &tgbotapi.SendStickerOpts{})
		return messageId(msg), err
	default:
		msg, err := api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{ParseMode: "HTML", ReplyMarkup: replyMarkup(keyboard)})
		return messageId(msg), err
	}
}

func messageId(msg *tgbotapi.Message) *int64 {
	if msg == nil {
		return nil
	}
	id := int64(msg.MessageId)
	return &id
}

func replyMarkup(keyboard *tgbotapi.InlineKeyboardMarkup) tgbotapi.ReplyMarkup {
	if keyboard == nil {
		return nil
	}
	return *keyboard
}

func isBlockedErr(err error) bool {
	var tgErr *tgbotapi.TelegramError
	if errors.As(err, &tgErr) {
		return tgErr.Code == 403
	}
	return strings.Contains(strings.ToLower(err.Error()), "forbidden")
}

// isRateLimitErr mirrors funnel.isRateLimitErr: Telegram's 429 response and
// its requested retry_after (§4.3.3/§7 "Telegram rate limit (retry_after)").
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

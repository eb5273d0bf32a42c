package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/chatmember"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/chatjoinrequest"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"

	"tgfleet/entity"
	"tgfleet/lib/sl"
)

// cbExitConversation is the "exit conversation" inline button's callback
// data (§4.5.2); unlike the Master Bot's cbMenu/cbBot/cbManage prefixes it
// carries no argument, so it is matched with callbackquery.Equal.
const cbExitConversation = "exit_ai"

// retry bounds for a Runtime's poll loop (§4.1 "Failures").
const (
	maxPollRetries = 5
	retryBase      = 5 * time.Second
	retryCap       = 30 * time.Second
)

// Runtime is one long-poll session over a single UserBot's Telegram API
// (§4.6). Modeled on the teacher's TgBot.Start/Stop, generalized to a
// per-instance bot/updater pair instead of a process-wide singleton, and to
// the funnel/gate/conversation handler chain instead of notification routing.
type Runtime struct {
	log      *slog.Logger
	api      *tgbotapi.Bot
	updater  *ext.Updater
	handlers Handlers

	mu  sync.RWMutex
	bot *entity.UserBot

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewRuntime(bot *entity.UserBot, h Handlers, log *slog.Logger) (*Runtime, error) {
	api, err := tgbotapi.NewBot(bot.Token, nil)
	if err != nil {
		return nil, fmt.Errorf("creating bot api for %s: %w", bot.BotId, err)
	}
	return &Runtime{
		log:      log.With(sl.Module("runtime"), slog.String("bot_id", bot.BotId)),
		api:      api,
		bot:      bot,
		handlers: h,
		stopped:  make(chan struct{}),
	}, nil
}

// Config returns the current in-memory UserBot snapshot, safe for concurrent
// reads against UpdateConfig pushes (§4.1 reconcile()).
func (r *Runtime) Config() *entity.UserBot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.bot
	return &cp
}

// UpdateConfig applies a Store-observed config change without restarting the
// poll loop (§4.1 reconcile(): "push a config update ... without restart").
func (r *Runtime) UpdateConfig(bot *entity.UserBot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token := r.bot.Token
	*r.bot = *bot
	r.bot.Token = token // token rotation is not a supported settings-wizard field
}

func (r *Runtime) Start() error {
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			r.log.Error("handling update", sl.Err(err))
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	r.updater = ext.NewUpdater(dispatcher, nil)

	// Priority 1: the free-text handler. Owner text goes to routeOwnerInput
	// (an AI turn when AI is enabled, otherwise a pointer to the menu
	// buttons); no settings or broadcast wizard runs in the user bot.
	dispatcher.AddHandlerToGroup(handlers.NewMessage(message.Text, r.onOwnerText), 1)

	// Priority 2: the "exit conversation" button attached to AI replies.
	dispatcher.AddHandlerToGroup(handlers.NewCallback(callbackquery.Equal(cbExitConversation), r.onExitConversationCallback), 2)

	// Priority 4: channel/group join events.
	dispatcher.AddHandlerToGroup(handlers.NewChatJoinRequest(chatjoinrequest.All, r.onJoinRequest), 4)
	dispatcher.AddHandlerToGroup(handlers.NewChatMember(chatmember.All, r.onChatMember), 4)

	err := r.updater.StartPolling(r.api, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: 10 * time.Second,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("start polling: %w", err)
	}

	go r.runWithRetry()
	return nil
}

// runWithRetry supervises the blocking Idle() loop, restarting the updater
// with bounded exponential backoff on failure (§4.1 "Failures": max 5
// attempts, base 5s, cap 30s). Exhaustion is only logged and the loop
// exits; the bot's row is not updated (status and is_running stay as they
// were) and the Runtime stays registered with the Supervisor.
func (r *Runtime) runWithRetry() {
	attempt := 0
	backoff := retryBase
	for {
		select {
		case <-r.stopped:
			return
		default:
		}

		r.updater.Idle()

		select {
		case <-r.stopped:
			return
		default:
		}

		attempt++
		if attempt > maxPollRetries {
			r.log.Error("poll loop exhausted retries, giving up")
			return
		}
		r.log.Warn("poll loop ended unexpectedly, retrying", slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > retryCap {
			backoff = retryCap
		}
		if err := r.updater.StartPolling(r.api, &ext.PollingOpts{DropPendingUpdates: false}); err != nil {
			r.log.Error("restarting poll loop", sl.Err(err))
			return
		}
	}
}

func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		if r.updater != nil {
			r.updater.Stop()
		}
	})
}

// onOwnerText implements handler priority 1/3 (§4.6): the bot owner's
// free-text messages go to routeOwnerInput, which does not run a settings
// or broadcast wizard; the welcome-button tap and AI turns for subscribers
// are recognized here too since gotgbot dispatches plain text through one
// handler group.
func (r *Runtime) onOwnerText(b *tgbotapi.Bot, ctx *ext.Context) error {
	cfg := r.Config()
	userId := ctx.EffectiveUser.Id
	text := ctx.EffectiveMessage.Text

	if userId == cfg.OwnerUserId {
		return r.routeOwnerInput(ctx, cfg, text)
	}

	bgCtx := context.Background()
	sub := r.upsertSubscriberFromMessage(bgCtx, cfg, ctx)

	if cfg.WelcomeButtonText != "" && text == cfg.WelcomeButtonText {
		return r.handleWelcomeTap(bgCtx, cfg, sub, ctx)
	}

	if cfg.AIEnabled {
		return r.handleAITurn(bgCtx, cfg, userId, ctx)
	}

	return nil
}

func (r *Runtime) routeOwnerInput(ctx *ext.Context, cfg *entity.UserBot, text string) error {
	if cfg.AIEnabled {
		return r.handleAITurn(context.Background(), cfg, cfg.OwnerUserId, ctx)
	}
	_, err := r.api.SendMessage(ctx.EffectiveChat.Id, "Use the menu buttons to manage this bot.", nil)
	return err
}

func (r *Runtime) handleAITurn(ctx context.Context, cfg *entity.UserBot, userId int64, tgCtx *ext.Context) error {
	if r.handlers.Gate != nil {
		allowed, reason, err := r.handlers.Gate.CheckUserAccess(ctx, cfg.OwnerUserId, "ai_turn")
		if err != nil {
			r.log.Error("gate check", sl.Err(err))
			return nil
		}
		if !allowed {
			_, sendErr := r.api.SendMessage(tgCtx.EffectiveChat.Id, denialMessage(reason), nil)
			return sendErr
		}
	}
	if r.handlers.Conversation == nil {
		return nil
	}
	reply, err := r.handlers.Conversation.Handle(ctx, cfg, userId,
		tgCtx.EffectiveUser.FirstName, tgCtx.EffectiveUser.Username, userId == cfg.OwnerUserId, tgCtx.EffectiveMessage.Text)
	if err != nil {
		r.log.Warn("conversation turn failed", sl.Err(err))
		_, sendErr := r.api.SendMessage(tgCtx.EffectiveChat.Id, "Sorry, a technical error occurred. Please try again.", nil)
		return sendErr
	}
	kb := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{{Text: "Exit conversation", CallbackData: cbExitConversation}},
	}}
	_, err = r.api.SendMessage(tgCtx.EffectiveChat.Id, reply, &tgbotapi.SendMessageOpts{ParseMode: "HTML", ReplyMarkup: kb})
	return err
}

// onExitConversationCallback implements §4.5.2's "exit conversation button
// clears the row": the next turn starts with no previous_response_id.
func (r *Runtime) onExitConversationCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	defer func() { _, _ = cq.Answer(r.api, nil) }()

	if r.handlers.Conversation == nil {
		return nil
	}
	cfg := r.Config()
	if err := r.handlers.Conversation.ExitConversation(context.Background(), cfg.BotId, cq.From.Id); err != nil {
		r.log.Error("exiting conversation", sl.Err(err))
		return nil
	}
	_, err := r.api.SendMessage(cq.From.Id, "Conversation cleared. Your next message starts a fresh thread.", nil)
	return err
}

func denialMessage(reason string) string {
	switch reason {
	case "expired":
		return "This bot owner's subscription has expired."
	case "trial_expired":
		return "This bot owner's trial has ended."
	default:
		return "This feature requires an active subscription."
	}
}

func (r *Runtime) handleWelcomeTap(ctx context.Context, cfg *entity.UserBot, sub *entity.Subscriber, tgCtx *ext.Context) error {
	if _, err := r.api.SendMessage(tgCtx.EffectiveChat.Id, cfg.ConfirmationMessage, &tgbotapi.SendMessageOpts{ParseMode: "HTML"}); err != nil {
		r.log.Warn("sending confirmation", sl.Err(err))
	}
	if r.handlers.Funnel == nil || sub == nil {
		return nil
	}
	if err := r.handlers.Funnel.OnSubscriberActivated(ctx, cfg.BotId, sub.UserId); err != nil {
		r.log.Error("activating funnel", sl.Err(err))
	}
	return nil
}

func (r *Runtime) upsertSubscriberFromMessage(ctx context.Context, cfg *entity.UserBot, tgCtx *ext.Context) *entity.Subscriber {
	sub := &entity.Subscriber{
		BotId:         cfg.BotId,
		UserId:        tgCtx.EffectiveUser.Id,
		ChatId:        tgCtx.EffectiveChat.Id,
		FirstName:     tgCtx.EffectiveUser.FirstName,
		Username:      tgCtx.EffectiveUser.Username,
		FunnelEnabled: true,
		IsActive:      true,
	}
	if r.handlers.Subscribers != nil {
		if err := r.handlers.Subscribers.UpsertSubscriber(ctx, sub); err != nil {
			r.log.Error("upserting subscriber", sl.Err(err))
		}
	}
	return sub
}

// onJoinRequest always approves, per §4.6 step 4: "join-request → always
// approve; channel joins trigger welcome only through the chat_join_request
// path".
func (r *Runtime) onJoinRequest(b *tgbotapi.Bot, ctx *ext.Context) error {
	jr := ctx.ChatJoinRequest
	_, err := b.ApproveChatJoinRequest(jr.Chat.Id, jr.From.Id, nil)
	if err != nil {
		r.log.Warn("approving join request", sl.Err(err))
		return nil
	}
	cfg := r.Config()
	sub := &entity.Subscriber{
		BotId: cfg.BotId, UserId: jr.From.Id, ChatId: jr.From.Id,
		FirstName: jr.From.FirstName, Username: jr.From.Username,
		FunnelEnabled: true, IsActive: true,
	}
	bgCtx := context.Background()
	if r.handlers.Subscribers != nil {
		_ = r.handlers.Subscribers.UpsertSubscriber(bgCtx, sub)
	}
	if _, err := b.SendMessage(jr.From.Id, cfg.WelcomeMessage, &tgbotapi.SendMessageOpts{ParseMode: "HTML"}); err != nil {
		r.log.Warn("sending welcome after join request", sl.Err(err))
	}
	return nil
}

// onChatMember handles group/supergroup joins only, to avoid a duplicate
// welcome send for channels (which go through onJoinRequest) (§4.6 step 4).
func (r *Runtime) onChatMember(b *tgbotapi.Bot, ctx *ext.Context) error {
	upd := ctx.ChatMember
	if upd == nil {
		return nil
	}
	if strings.EqualFold(upd.Chat.Type, "channel") {
		return nil
	}
	if upd.NewChatMember.GetStatus() != "member" {
		return nil
	}
	cfg := r.Config()
	member := upd.NewChatMember.GetUser()
	sub := &entity.Subscriber{
		BotId: cfg.BotId, UserId: member.Id, ChatId: upd.Chat.Id,
		FirstName: member.FirstName, Username: member.Username,
		FunnelEnabled: true, IsActive: true,
	}
	bgCtx := context.Background()
	if r.handlers.Subscribers != nil {
		_ = r.handlers.Subscribers.UpsertSubscriber(bgCtx, sub)
	}
	if _, err := b.SendMessage(upd.Chat.Id, cfg.WelcomeMessage, &tgbotapi.SendMessageOpts{ParseMode: "HTML"}); err != nil {
		r.log.Warn("sending welcome on chat_member", sl.Err(err))
	}
	return nil
}

package bot

import (
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"tgfleet/entity"
	"tgfleet/lib/sl"
)

// pendingKind is one step of a multi-message wizard kicked off by a
// callback button; the teacher's command/callback handlers never need a
// reply-driven wizard (every action fits one command or one button), so this
// is a new addition in the teacher's idiom rather than something adapted
// from its code.
type pendingKind string

const (
	pendingCreateBotToken     pendingKind = "create_bot_token"
	pendingBroadcastTitle     pendingKind = "broadcast_title"
	pendingBroadcastText      pendingKind = "broadcast_text"
	pendingBroadcastSchedule  pendingKind = "broadcast_schedule"
)

type pendingAction struct {
	kind  pendingKind
	botId string // target bot for broadcast wizard steps
	draft *entity.MassBroadcast
}

func (m *MasterBot) setPending(userId int64, p *pendingAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userId] = p
}

func (m *MasterBot) takePending(userId int64) *pendingAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[userId]
	if !ok {
		return nil
	}
	delete(m.pending, userId)
	return p
}

func (m *MasterBot) peekPending(userId int64) *pendingAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[userId]
}

// onText dispatches a plain-text message to whichever wizard step the
// sender currently has pending, if any.
func (m *MasterBot) onText(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	p := m.peekPending(chatId)
	if p == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.Text)

	switch p.kind {
	case pendingCreateBotToken:
		m.takePending(chatId)
		m.finishCreateBot(chatId, text)
	case pendingBroadcastTitle:
		m.takePending(chatId)
		p.draft.Title = text
		m.setPending(chatId, &pendingAction{kind: pendingBroadcastText, botId: p.botId, draft: p.draft})
		m.plainResponse(chatId, "Send the broadcast message text\\.")
	case pendingBroadcastText:
		m.takePending(chatId)
		p.draft.MessageText = text
		m.finishInstantBroadcast(chatId, p.draft)
	}
	return nil
}

// finishCreateBot validates the bot token against Telegram's getMe and
// registers the UserBot (§4.1.2).
func (m *MasterBot) finishCreateBot(chatId int64, token string) {
	api, err := tgbotapi.NewBot(token, nil)
	if err != nil {
		m.plainResponse(chatId, "That doesn't look like a valid bot token\\. Try /start again to retry\\.")
		return
	}
	me, err := api.GetMe(nil)
	if err != nil {
		m.log.Warn("validating new bot token", sl.Err(err))
		m.plainResponse(chatId, "Telegram rejected that token\\. Double\\-check it and try again\\.")
		return
	}

	newBot := &entity.UserBot{
		BotId:              strconv.FormatInt(me.Id, 10),
		OwnerUserId:        chatId,
		Token:              token,
		BotUsername:        me.Username,
		Status:             entity.BotActive,
		IsRunning:          true,
		WelcomeMessage:     "Welcome\\!",
		ConfirmationMessage: "Thanks for joining\\!",
		AIProvider:         entity.ProviderNone,
	}
	if err := m.db.CreateBot(bgCtx(), newBot); err != nil {
		m.log.Error("creating bot", sl.Err(err))
		m.plainResponse(chatId, "Could not register that bot, please try again\\.")
		return
	}
	if err := m.fleet.AddBot(bgCtx(), newBot.BotId); err != nil {
		m.log.Error("starting new bot runtime", sl.Err(err))
	}
	m.plainResponse(chatId, "Bot @"+Sanitize(me.Username)+" is live\\! Configure it from *My Bots*\\.")
	m.sendMainMenu(chatId)
}

// finishInstantBroadcast materializes an admin's broadcast draft immediately
// (§4.3.4). The wizard only builds instant broadcasts; it has no schedule
// step, and pendingBroadcastSchedule is never set.
func (m *MasterBot) finishInstantBroadcast(chatId int64, draft *entity.MassBroadcast) {
	draft.CreatedBy = chatId
	draft.BroadcastType = entity.BroadcastInstant
	draft.Status = entity.MassDraft
	if err := m.broadcast.CreateInstant(bgCtx(), draft, time.Now().UTC()); err != nil {
		m.log.Error("creating instant broadcast", sl.Err(err))
		m.plainResponse(chatId, "Could not start that broadcast: "+Sanitize(err.Error()))
		return
	}
	m.plainResponse(chatId, "Broadcast is sending now\\.")
}

package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/tidwall/gjson"

	"tgfleet/entity"
	"tgfleet/internal/payment"
	"tgfleet/lib/sl"
)

// Callback data prefixes, kept short the same way the teacher's
// cbTopicToggle/cbTier/cbLevel/cbApprove/cbRevoke are (Telegram's 64-byte
// callback data limit).
const (
	cbMenu          = "m:"  // m:<action>, e.g. m:create_bot
	cbBot           = "b:"  // b:<bot_id>, opens one bot's detail card
	cbManage        = "mg:" // mg:<action>:<bot_id>, e.g. mg:restart:123
	cbConfirmDelete = "cd:" // cd:<bot_id>
)

// --- Keyboard builders ---

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{{Text: "Create Bot", CallbackData: cbMenu + "create_bot"}},
		{{Text: "My Bots", CallbackData: cbMenu + "my_bots"}},
		{{Text: "Pricing", CallbackData: cbMenu + "pricing"}},
		{{Text: "Buy Tokens", CallbackData: cbMenu + "buy_tokens"}},
		{{Text: "Referral Program", CallbackData: cbMenu + "referral_program"}},
	}}
}

func adminMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{{Text: "Stats", CallbackData: cbMenu + "admin_stats"}},
		{{Text: "Broadcast", CallbackData: cbMenu + "admin_broadcast"}},
		{{Text: "Broadcast History", CallbackData: cbMenu + "admin_history"}},
	}}
}

func botsListKeyboard(bots []*entity.UserBot) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(bots)+1)
	for _, b := range bots {
		label := "@" + b.BotUsername
		if !b.IsRunning {
			label += " (stopped)"
		}
		rows = append(rows, []tgbotapi.InlineKeyboardButton{{Text: label, CallbackData: cbBot + b.BotId}})
	}
	rows = append(rows, []tgbotapi.InlineKeyboardButton{{Text: "« Back", CallbackData: cbMenu + "home"}})
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func botDetailKeyboard(botId string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{{Text: "Configure", CallbackData: cbManage + "configure:" + botId}},
		{{Text: "Toggle File Search", CallbackData: cbManage + "ai_settings_toggle:" + botId}},
		{{Text: "Stats", CallbackData: cbManage + "stats:" + botId}},
		{{Text: "Restart", CallbackData: cbManage + "restart:" + botId}},
		{{Text: "Delete", CallbackData: cbManage + "delete:" + botId}},
		{{Text: "« My Bots", CallbackData: cbMenu + "my_bots"}},
	}}
}

func confirmDeleteKeyboard(botId string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{
			{Text: "Yes, delete", CallbackData: cbConfirmDelete + botId},
			{Text: "Cancel", CallbackData: cbBot + botId},
		},
	}}
}

func pricingKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{{Text: "Pay Subscription", CallbackData: cbMenu + "pay_subscription"}},
		{{Text: "Check Payment Status", CallbackData: cbMenu + "check_payment_status"}},
		{{Text: "« Back", CallbackData: cbMenu + "home"}},
	}}
}

// sendMainMenu renders the top-level command surface (§6).
func (m *MasterBot) sendMainMenu(chatId int64) {
	kb := mainMenuKeyboard()
	if chatId == m.cfg.AdminChatId {
		kb.InlineKeyboard = append(kb.InlineKeyboard, adminMenuKeyboard().InlineKeyboard...)
	}
	m.replyWithKeyboard(chatId, "*Main Menu*", kb)
}

// --- Callback handlers ---

// onMenuCallback routes the top-level menu surface: create_bot, my_bots,
// pricing, pay_subscription, check_payment_status, buy_tokens, pay_tokens,
// referral_program, referral_history, admin_stats, admin_broadcast,
// admin_history, and the "home" back-button.
func (m *MasterBot) onMenuCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id
	action := strings.TrimPrefix(cq.Data, cbMenu)
	defer func() { _, _ = cq.Answer(m.api, nil) }()

	switch action {
	case "home":
		m.sendMainMenu(chatId)
	case "create_bot":
		m.setPending(chatId, &pendingAction{kind: pendingCreateBotToken})
		m.plainResponse(chatId, "Send me the bot token you got from @BotFather\\.")
	case "my_bots":
		bots, err := m.db.ListBotsByOwner(bgCtx(), chatId)
		if err != nil {
			m.log.Error("listing owned bots", sl.Err(err))
			m.plainResponse(chatId, "Could not load your bots\\.")
			return nil
		}
		if len(bots) == 0 {
			m.plainResponse(chatId, "You haven't created a bot yet\\. Use *Create Bot* to get started\\.")
			return nil
		}
		m.replyWithKeyboard(chatId, "*My Bots*", botsListKeyboard(bots))
	case "pricing":
		text := fmt.Sprintf("*Pricing*\nSubscription: %s ₽/month\nExtra tokens: %s ₽", Sanitize(m.cfg.SubscriptionPriceRub), Sanitize(m.cfg.TokensPriceRub))
		m.replyWithKeyboard(chatId, text, pricingKeyboard())
	case "pay_subscription":
		m.sendPaymentLink(chatId, payment.PaymentSubscriptionLink, "", m.cfg.SubscriptionPriceRub)
	case "buy_tokens", "pay_tokens":
		bots, err := m.db.ListBotsByOwner(bgCtx(), chatId)
		if err != nil || len(bots) == 0 {
			m.plainResponse(chatId, "Create a bot first, then you can buy it extra tokens\\.")
			return nil
		}
		m.sendPaymentLink(chatId, payment.PaymentTokensLink, bots[0].BotId, m.cfg.TokensPriceRub)
	case "check_payment_status":
		u, err := m.db.GetUser(bgCtx(), chatId)
		if err != nil || u == nil {
			m.plainResponse(chatId, "Could not load your account\\.")
			return nil
		}
		m.plainResponse(chatId, fmt.Sprintf("Subscription status: `%s`", Sanitize(string(u.SubscriptionStatus))))
	case "referral_program":
		u, err := m.db.GetUser(bgCtx(), chatId)
		if err != nil || u == nil {
			m.plainResponse(chatId, "Could not load your referral info\\.")
			return nil
		}
		text := fmt.Sprintf("*Referral Program*\nYour code: `%s`\nTotal referrals: %d\nEarnings: %s ₽",
			Sanitize(u.ReferralCode), u.TotalReferrals, formatCents(u.ReferralEarnings))
		kb := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
			{{Text: "History", CallbackData: cbMenu + "referral_history"}},
			{{Text: "« Back", CallbackData: cbMenu + "home"}},
		}}
		m.replyWithKeyboard(chatId, text, kb)
	case "referral_history":
		m.sendReferralHistory(chatId)
	case "admin_stats":
		m.sendAdminStats(chatId)
	case "admin_broadcast":
		if chatId != m.cfg.AdminChatId {
			return nil
		}
		// the target is always the admin's first bot; there is no bot-picking
		// step. onText then collects the title and the text.
		bots, err := m.db.ListBotsByOwner(bgCtx(), chatId)
		if err != nil || len(bots) == 0 {
			m.plainResponse(chatId, "You have no bots to broadcast from\\.")
			return nil
		}
		m.setPending(chatId, &pendingAction{kind: pendingBroadcastTitle, botId: bots[0].BotId, draft: &entity.MassBroadcast{BotId: bots[0].BotId}})
		m.plainResponse(chatId, "Send the broadcast title\\.")
	case "admin_history":
		m.sendBroadcastHistory(chatId)
	}
	return nil
}

// onBotCallback opens one owned bot's detail card.
func (m *MasterBot) onBotCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id
	botId := strings.TrimPrefix(cq.Data, cbBot)
	defer func() { _, _ = cq.Answer(m.api, nil) }()

	b, err := m.db.GetBot(bgCtx(), botId)
	if err != nil || b == nil || b.OwnerUserId != chatId {
		m.plainResponse(chatId, "Bot not found\\.")
		return nil
	}
	status := "running"
	if !b.IsRunning {
		status = "stopped"
	}
	text := fmt.Sprintf("*@%s*\nStatus: `%s`\nTokens remaining: `%d`", Sanitize(b.BotUsername), status, b.TokensRemaining())
	m.replyWithKeyboard(chatId, text, botDetailKeyboard(b.BotId))
	return nil
}

// onManageCallback handles manage_{configure|stats|restart|delete}_<id>.
func (m *MasterBot) onManageCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id
	data := strings.TrimPrefix(cq.Data, cbManage)
	parts := strings.SplitN(data, ":", 2)
	defer func() { _, _ = cq.Answer(m.api, nil) }()
	if len(parts) != 2 {
		return nil
	}
	action, botId := parts[0], parts[1]

	b, err := m.db.GetBot(bgCtx(), botId)
	if err != nil || b == nil || b.OwnerUserId != chatId {
		m.plainResponse(chatId, "Bot not found\\.")
		return nil
	}

	switch action {
	case "configure":
		m.plainResponse(chatId, "Send /file\\_id while forwarding welcome media, or contact support to change welcome/AI settings\\.")
	case "ai_settings_toggle":
		m.toggleFileSearch(chatId, botId)
	case "stats":
		subs, err := m.db.ListActiveSubscribers(bgCtx(), botId)
		if err != nil {
			m.plainResponse(chatId, "Could not load stats\\.")
			return nil
		}
		m.plainResponse(chatId, fmt.Sprintf("Active subscribers: `%d`\nTokens used: `%d`", len(subs), b.TokensInputUsed+b.TokensOutputUsed))
	case "restart":
		if err := m.fleet.RestartBot(bgCtx(), botId); err != nil {
			m.log.Error("restarting bot", sl.Err(err))
			m.plainResponse(chatId, "Could not restart that bot\\.")
			return nil
		}
		m.plainResponse(chatId, "Bot restarted\\.")
	case "delete":
		m.replyWithKeyboard(chatId, "Delete this bot permanently?", confirmDeleteKeyboard(botId))
	}
	return nil
}

// onConfirmDeleteCallback finalizes a bot deletion after the confirm step.
func (m *MasterBot) onConfirmDeleteCallback(_ *tgbotapi.Bot, ctx *ext.Context) error {
	cq := ctx.CallbackQuery
	chatId := cq.From.Id
	botId := strings.TrimPrefix(cq.Data, cbConfirmDelete)
	defer func() { _, _ = cq.Answer(m.api, nil) }()

	b, err := m.db.GetBot(bgCtx(), botId)
	if err != nil || b == nil || b.OwnerUserId != chatId {
		m.plainResponse(chatId, "Bot not found\\.")
		return nil
	}
	m.fleet.RemoveBot(botId)
	if err := m.db.DeleteBot(bgCtx(), botId); err != nil {
		m.log.Error("deleting bot", sl.Err(err))
		m.plainResponse(chatId, "Could not delete that bot\\.")
		return nil
	}
	m.plainResponse(chatId, "Bot deleted\\.")
	m.sendMainMenu(chatId)
	return nil
}

// toggleFileSearch flips ai_settings.enable_file_search on the docstore's
// mirrored blob, the one ai_settings knob the relational schema never
// models as a column (§6 "Configure").
func (m *MasterBot) toggleFileSearch(chatId int64, botId string) {
	if m.aiSettings == nil {
		m.plainResponse(chatId, "AI settings storage isn't configured\\.")
		return
	}
	raw, err := m.aiSettings.GetAISettings(botId)
	if err != nil {
		m.log.Error("loading ai_settings", sl.Err(err))
		m.plainResponse(chatId, "Could not load AI settings\\.")
		return
	}
	enabled := gjson.Get(raw, "enable_file_search").Bool()
	if err := m.aiSettings.PatchAISettingsField(botId, "enable_file_search", !enabled); err != nil {
		m.log.Error("patching ai_settings", sl.Err(err))
		m.plainResponse(chatId, "Could not update AI settings\\.")
		return
	}
	m.plainResponse(chatId, fmt.Sprintf("File search is now `%t`\\.", !enabled))
}

// sendPaymentLink builds a fresh Robokassa invoice id anchored to the click
// time and replies with the payment URL (§4.4.4 step 1).
func (m *MasterBot) sendPaymentLink(chatId int64, linkKind payment.LinkKind, botId, priceRub string) {
	invId := time.Now().UTC().Unix()*1000 + (chatId % 1000)
	shpUserId := strconv.FormatInt(chatId, 10)
	if linkKind == payment.PaymentTokensLink {
		shpUserId = fmt.Sprintf("%d_tokens_%s", chatId, botId)
	}
	link := payment.BuildPaymentURL(m.cfg.Robokassa, priceRub, invId, shpUserId)
	m.plainResponse(chatId, "Pay here: "+link)
}

func (m *MasterBot) sendReferralHistory(chatId int64) {
	txs, err := m.db.ListReferralHistory(bgCtx(), chatId, 20)
	if err != nil {
		m.plainResponse(chatId, "Could not load referral history\\.")
		return
	}
	if len(txs) == 0 {
		m.plainResponse(chatId, "No referral earnings yet\\.")
		return
	}
	var b strings.Builder
	b.WriteString("*Referral History*\n")
	for _, t := range txs {
		fmt.Fprintf(&b, "`%s` \\+%s ₽ \\(%s\\)\n", t.CreatedAt.Format("2006\\-01\\-02"), formatCents(t.CommissionAmount), Sanitize(string(t.TransactionType)))
	}
	for _, part := range splitMessage(b.String(), maxTelegramMessageLen) {
		m.plainResponse(chatId, part)
	}
}

func (m *MasterBot) sendAdminStats(chatId int64) {
	if chatId != m.cfg.AdminChatId {
		return
	}
	m.plainResponse(chatId, fmt.Sprintf("Running user-bot workers: `%d`", m.fleet.RunningCount()))
}

func (m *MasterBot) sendBroadcastHistory(chatId int64) {
	if chatId != m.cfg.AdminChatId {
		return
	}
	bots, err := m.db.ListBotsByOwner(bgCtx(), chatId)
	if err != nil || len(bots) == 0 {
		m.plainResponse(chatId, "No bots to report on\\.")
		return
	}
	tallies, err := m.db.ListBroadcastHistory(bgCtx(), bots[0].BotId, 10, 0)
	if err != nil {
		m.plainResponse(chatId, "Could not load broadcast history\\.")
		return
	}
	if len(tallies) == 0 {
		m.plainResponse(chatId, "No broadcasts sent yet\\.")
		return
	}
	var b strings.Builder
	b.WriteString("*Broadcast History*\n")
	for _, t := range tallies {
		fmt.Fprintf(&b, "`%s` sent=%d blocked=%d failed=%d\n", Sanitize(t.Broadcast.Title), t.Sent, t.Blocked, t.Failed)
	}
	for _, part := range splitMessage(b.String(), maxTelegramMessageLen) {
		m.plainResponse(chatId, part)
	}
}

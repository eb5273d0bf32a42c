package bot

import (
	"strings"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"tgfleet/lib/sl"
)

// start handles /start [REF_<code>] (§6): registers a first-time user as
// free or trial and links a referral code from the deep-link argument, if
// present and valid.
func (m *MasterBot) start(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	referralCode := ""
	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) > 1 {
		referralCode = strings.TrimPrefix(args[1], "REF_")
		if referralCode != "" && !strings.HasPrefix(referralCode, "REF") {
			referralCode = "REF" + referralCode
		}
	}

	u, err := m.gate.EnsureUser(bgCtx(), chatId, chatId, referralCode, time.Now().UTC())
	if err != nil {
		m.log.Error("ensuring user", sl.Err(err))
		m.plainResponse(chatId, "Something went wrong, please try again\\.")
		return nil
	}

	m.plainResponse(chatId, welcomeText(u.ReferralCode))
	m.sendMainMenu(chatId)
	return nil
}

func welcomeText(referralCode string) string {
	return "Welcome to the bot platform\\!\n\n" +
		"Create your own Telegram bot with AI replies, subscriber funnels and mass broadcasts\\.\n\n" +
		"Your referral code: `" + Sanitize(referralCode) + "`"
}

func (m *MasterBot) help(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	m.plainResponse(chatId, helpText)
	return nil
}

const helpText = "*Commands*\n" +
	"/start \\- register or return to the main menu\n" +
	"/help \\- this message\n\n" +
	"Use the menu buttons to create a bot, check pricing, buy tokens or view your referral program\\."

// fileId is a super-admin-only diagnostic: it reflects back the file_id of
// any media forwarded to it, used to look up ids for bot welcome/goodbye
// media configuration (§6).
func (m *MasterBot) fileId(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if chatId != m.cfg.AdminChatId {
		return nil
	}

	msg := ctx.EffectiveMessage
	var id string
	switch {
	case msg.Photo != nil && len(msg.Photo) > 0:
		id = msg.Photo[len(msg.Photo)-1].FileId
	case msg.Video != nil:
		id = msg.Video.FileId
	case msg.Document != nil:
		id = msg.Document.FileId
	case msg.Audio != nil:
		id = msg.Audio.FileId
	case msg.Voice != nil:
		id = msg.Voice.FileId
	case msg.VideoNote != nil:
		id = msg.VideoNote.FileId
	case msg.Animation != nil:
		id = msg.Animation.FileId
	case msg.Sticker != nil:
		id = msg.Sticker.FileId
	default:
		m.plainResponse(chatId, "Send a photo, video, document, audio, voice, video note, animation or sticker\\.")
		return nil
	}
	m.plainResponse(chatId, "`"+Sanitize(id)+"`")
	return nil
}

package bot

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"

	"tgfleet/lib/sl"
)

// bgCtx is used at handler call sites where gotgbot's ext.Context carries no
// context.Context of its own; mirrors the teacher's own context.Background()
// calls at its webhook dispatch sites.
func bgCtx() context.Context {
	return context.Background()
}

// Sanitize escapes Telegram MarkdownV2 reserved characters, verbatim from
// the teacher's bot.Sanitize helper.
func Sanitize(input string) string {
	const reserved = "\\_{}#+-.!|()[]=*"
	var b strings.Builder
	for _, r := range input {
		if strings.ContainsRune(reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// plainResponse sends a MarkdownV2 message, falling back to an unformatted
// retry when the markup itself is malformed, exactly the teacher's
// plainResponse escalation.
func (m *MasterBot) plainResponse(chatId int64, text string) {
	if text == "" {
		return
	}
	_, err := m.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{ParseMode: "MarkdownV2"})
	if err != nil {
		m.log.Warn("sending message", sl.Err(err))
		_, err = m.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{})
		if err != nil {
			m.log.Error("sending plain message", sl.Err(err))
		}
	}
}

func (m *MasterBot) replyWithKeyboard(chatId int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	_, err := m.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{
		ParseMode:   "MarkdownV2",
		ReplyMarkup: kb,
	})
	if err != nil {
		m.log.Warn("sending message with keyboard", sl.Err(err))
	}
}

func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			parts = append(parts, text)
			break
		}
		cutAt := maxLen
		if nlIdx := strings.LastIndex(text[:maxLen], "\n"); nlIdx > 0 {
			cutAt = nlIdx + 1
		}
		parts = append(parts, text[:cutAt])
		text = text[cutAt:]
	}
	return parts
}

func formatCents(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}

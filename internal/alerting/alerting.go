// Package alerting forwards operator-facing log records to the master bot's
// super-admin chat. Adapted from the teacher's lib/logger/tghandler.go
// TelegramHandler, generalized from a single hard-wired *bot.TgBot dependency
// to a small Notifier interface so this package never imports the bot
// package (cmd/server installs the handler and hands it the master bot as
// its Notifier; neither package imports the other).
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tgfleet/entity"
)

// Notifier is the minimal surface the master bot exposes for delivering an
// alert to its operator chat. Implemented by bot.MasterBot.
type Notifier interface {
	NotifyAdmin(topic entity.AlertTopic, message string)
}

// Handler is a slog.Handler that mirrors records at or above minLevel to the
// operator's Telegram chat, tagged with an AlertTopic inferred from the
// logger's module (its sl.Module attr, falling back to its slog group).
type Handler struct {
	next     slog.Handler
	notifier Notifier
	minLevel slog.Level
	mu       *sync.Mutex
	attrs    []slog.Attr
	group    string
}

// NewHandler wraps an existing handler (e.g. the JSON/text handler from
// lib/logger.SetupLogger) so every record still reaches stdout/file logging
// in addition to Telegram.
func NewHandler(next slog.Handler, notifier Notifier, minLevel slog.Level) *Handler {
	return &Handler{next: next, notifier: notifier, minLevel: minLevel, mu: &sync.Mutex{}}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if err := h.next.Handle(ctx, record); err != nil {
		return err
	}
	if record.Level < h.minLevel || h.notifier == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var b strings.Builder
	if h.group != "" {
		fmt.Fprintf(&b, "*%s* `%s.%s`", record.Level.String(), h.group, record.Message)
	} else {
		fmt.Fprintf(&b, "*%s* `%s`", record.Level.String(), record.Message)
	}
	for _, attr := range h.attrs {
		fmt.Fprintf(&b, "\n%s: %v", attr.Key, sanitizeAttr(attr))
	}
	record.Attrs(func(attr slog.Attr) bool {
		fmt.Fprintf(&b, "\n%s: %v", attr.Key, sanitizeAttr(attr))
		return true
	})

	module := h.group
	for _, attr := range h.attrs {
		if attr.Key == "mod" {
			module = attr.Value.String()
		}
	}
	h.notifier.NotifyAdmin(topicFor(module), b.String())
	return nil
}

func sanitizeAttr(attr slog.Attr) string {
	if attr.Key == "error" {
		return fmt.Sprintf("```%v```", attr.Value)
	}
	return Sanitize(fmt.Sprintf("%v", attr.Value))
}

// topicFor maps a module group name to an operational alert topic (§ ambient
// logging plan); unrecognized groups fall back to system.
func topicFor(group string) entity.AlertTopic {
	switch {
	case strings.Contains(group, "payment") || strings.Contains(group, "robokassa") || strings.Contains(group, "stripe"):
		return entity.TopicPayment
	case strings.Contains(group, "funnel"):
		return entity.TopicFunnel
	case strings.Contains(group, "broadcast"):
		return entity.TopicBroadcast
	case strings.Contains(group, "gate") || strings.Contains(group, "auth"):
		return entity.TopicSecurity
	default:
		return entity.TopicSystem
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &Handler{
		next:     h.next.WithAttrs(attrs),
		notifier: h.notifier,
		minLevel: h.minLevel,
		mu:       h.mu,
		attrs:    merged,
		group:    h.group,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{
		next:     h.next.WithGroup(name),
		notifier: h.notifier,
		minLevel: h.minLevel,
		mu:       h.mu,
		attrs:    h.attrs,
		group:    group,
	}
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

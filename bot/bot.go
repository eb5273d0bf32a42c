// Package bot implements the Master-Bot Runtime (§4.3): the always-on
// registration/admin bot that every platform user and operator interacts
// with directly, as opposed to the per-owner User-Bot Runtimes the Fleet
// Supervisor manages (package fleet). Modeled on the teacher's bot.TgBot
// (Start/Stop lifecycle, dispatcher wiring, plainResponse/Sanitize helpers),
// generalized from notification routing to the platform's registration,
// bot-management, payment and referral command surface.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"

	"tgfleet/broadcast"
	"tgfleet/entity"
	"tgfleet/fleet"
	"tgfleet/gate"
	"tgfleet/internal/payment"
	"tgfleet/internal/store"
	"tgfleet/lib/sl"
)

const maxTelegramMessageLen = 4096

// Database is the narrow persistence surface the master bot needs beyond
// what the Gate already wraps (bot CRUD, referral/broadcast history).
type Database interface {
	GetUser(ctx context.Context, userId int64) (*entity.User, error)
	ListBotsByOwner(ctx context.Context, ownerUserId int64) ([]*entity.UserBot, error)
	GetBot(ctx context.Context, botId string) (*entity.UserBot, error)
	CreateBot(ctx context.Context, b *entity.UserBot) error
	UpdateBotConfig(ctx context.Context, b *entity.UserBot) error
	SetBotStatus(ctx context.Context, botId string, status entity.BotStatus, isRunning bool) error
	DeleteBot(ctx context.Context, botId string) error
	ListReferralHistory(ctx context.Context, referrerUserId int64, limit int) ([]*entity.ReferralTransaction, error)
	ListBroadcastHistory(ctx context.Context, botId string, limit, offset int) ([]*store.BroadcastTally, error)
	ListActiveSubscribers(ctx context.Context, botId string) ([]*entity.Subscriber, error)
}

// AISettings is the narrow docstore surface the master bot needs to let an
// owner inspect and toggle a bot's raw ai_settings blob from the Configure
// button (§6, the enable_file_search knob the relational schema doesn't
// model as a column).
type AISettings interface {
	GetAISettings(botId string) (string, error)
	PatchAISettingsField(botId, path string, value any) error
}

// Config carries the operator-tunable display knobs of §6's command surface.
type Config struct {
	AdminChatId          int64
	SubscriptionPriceRub string // decimal rubles, e.g. "499.00"
	TokensPriceRub       string
	Robokassa            payment.RobokassaConfig
}

// MasterBot is the constructor-injected collaborator wiring the Gate, the
// Fleet Supervisor, the Mass-Broadcast Engine and the Store into Telegram
// command/callback handlers.
type MasterBot struct {
	log     *slog.Logger
	api     *tgbotapi.Bot
	updater *ext.Updater

	db         Database
	gate       *gate.Gate
	fleet      *fleet.Supervisor
	broadcast  *broadcast.Engine
	aiSettings AISettings
	cfg        Config

	mu      sync.Mutex
	pending map[int64]*pendingAction // userId -> awaited text reply
}

func NewMasterBot(token string, db Database, g *gate.Gate, sup *fleet.Supervisor, bc *broadcast.Engine, aiSettings AISettings, cfg Config, log *slog.Logger) (*MasterBot, error) {
	api, err := tgbotapi.NewBot(token, nil)
	if err != nil {
		return nil, fmt.Errorf("creating master bot api: %w", err)
	}
	return &MasterBot{
		log:        log.With(sl.Module("bot")),
		api:        api,
		db:         db,
		gate:       g,
		fleet:      sup,
		broadcast:  bc,
		aiSettings: aiSettings,
		cfg:        cfg,
		pending:    make(map[int64]*pendingAction),
	}, nil
}

func (m *MasterBot) Start() error {
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			m.log.Error("handling update", sl.Err(err))
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	m.updater = ext.NewUpdater(dispatcher, nil)

	dispatcher.AddHandler(handlers.NewCommand("start", m.start))
	dispatcher.AddHandler(handlers.NewCommand("help", m.help))
	dispatcher.AddHandler(handlers.NewCommand("file_id", m.fileId))

	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbMenu), m.onMenuCallback))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbBot), m.onBotCallback))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbManage), m.onManageCallback))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbConfirmDelete), m.onConfirmDeleteCallback))

	// Pending wizard replies (bot token entry, broadcast draft text, ...) are
	// plain text messages that aren't commands; checked last so commands
	// always take priority, mirroring §4.6's Runtime handler-priority idea.
	dispatcher.AddHandlerToGroup(handlers.NewMessage(message.Text, m.onText), 1)

	err := m.updater.StartPolling(m.api, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: 10 * time.Second,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("starting master bot polling: %w", err)
	}
	m.log.Info("master bot started")
	return nil
}

func (m *MasterBot) Stop() {
	if m.updater != nil {
		m.updater.Stop()
	}
}

// NotifyAdmin implements alerting.Notifier: operator-facing log records land
// in the super admin's chat, tagged with their topic.
func (m *MasterBot) NotifyAdmin(topic entity.AlertTopic, message string) {
	if m.cfg.AdminChatId == 0 {
		return
	}
	text := fmt.Sprintf("[%s] %s", topic, message)
	m.plainResponse(m.cfg.AdminChatId, text)
}

// NotifyOwner implements gate.Notifier: subscription/token-budget/payment
// messages reach an owner at the chat they registered with.
func (m *MasterBot) NotifyOwner(ctx context.Context, ownerUserId int64, message string) error {
	m.plainResponse(ownerUserId, message)
	return nil
}

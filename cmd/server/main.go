package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"

	"tgfleet/bot"
	"tgfleet/broadcast"
	"tgfleet/conversation"
	"tgfleet/entity"
	"tgfleet/fleet"
	"tgfleet/funnel"
	"tgfleet/gate"
	"tgfleet/internal/alerting"
	"tgfleet/internal/config"
	"tgfleet/internal/docstore"
	"tgfleet/internal/httpserver"
	"tgfleet/internal/invoicing"
	"tgfleet/internal/payment"
	"tgfleet/internal/store"
	"tgfleet/lib/logger"
	"tgfleet/lib/sl"
)

// lazyBotLookup breaks the Supervisor/Scheduler/Engine construction cycle:
// the schedulers need a fleet.BotLookup at construction time, but the
// Supervisor (the only implementation) needs the schedulers already built
// to fill its Handlers. sup is set once the Supervisor exists; by the time
// dispatch actually calls BotAPI, wiring has finished.
type lazyBotLookup struct {
	sup *fleet.Supervisor
}

func (l *lazyBotLookup) BotAPI(botId string) (*tgbotapi.Bot, bool) {
	if l.sup == nil {
		return nil, false
	}
	return l.sup.BotAPI(botId)
}

// lazyAdminNotifier breaks the symmetric cycle for operator alerting: the
// log handler installed at startup needs a Notifier, but the only Notifier
// (the master bot) isn't built until after the logger it should use exists.
type lazyAdminNotifier struct {
	target alerting.Notifier
}

func (l *lazyAdminNotifier) NotifyAdmin(topic entity.AlertTopic, message string) {
	if l.target != nil {
		l.target.NotifyAdmin(topic, message)
	}
}

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	baseLogger := logger.SetupLogger(conf.Env, *logPath)

	adminNotifier := &lazyAdminNotifier{}
	appLogger := slog.New(alerting.NewHandler(baseLogger.Handler(), adminNotifier, slog.LevelWarn))
	appLogger.Info("starting tgfleet", slog.String("config", *configPath), slog.String("env", conf.Env))

	db, err := store.Open(conf.Database.DSN, appLogger)
	if err != nil {
		appLogger.Error("opening store", sl.Err(err))
		return
	}

	docs := docstore.New(docstore.Config{
		Enabled:  conf.Mongo.Enabled,
		Host:     conf.Mongo.Host,
		Port:     conf.Mongo.Port,
		User:     conf.Mongo.User,
		Password: conf.Mongo.Password,
		Database: conf.Mongo.Database,
	})

	g := gate.New(db, nil, gate.Config{
		TrialDays:         conf.Gate.TrialDays,
		TrialEnabled:      conf.Gate.TrialEnabled,
		TokensPerPurchase: conf.Gate.TokensPerPurchase,
	}, appLogger)

	providers := []conversation.Provider{
		conversation.NewOpenAIProvider(),
		conversation.NewGenericProvider(entity.ProviderChatForYou, "https://api.chatforyou.ru"),
		conversation.NewGenericProvider(entity.ProviderProTalk, "https://api.protalk.ru"),
	}
	convManager := conversation.NewManager(g, db, providers, docs, docs, appLogger)

	botLookup := &lazyBotLookup{}
	funnelScheduler := funnel.NewScheduler(db, botLookup, appLogger)
	broadcastEngine := broadcast.NewEngine(db, botLookup, appLogger)

	supervisor := fleet.NewSupervisor(db, fleet.Handlers{
		Funnel:       funnelScheduler,
		Gate:         g,
		Conversation: convManager,
		Subscribers:  db,
	}, appLogger)
	botLookup.sup = supervisor

	masterBot, err := bot.NewMasterBot(conf.MasterBot.Token, db, g, supervisor, broadcastEngine, docs, bot.Config{
		AdminChatId:          conf.MasterBot.AdminChatId,
		SubscriptionPriceRub: conf.Robokassa.PaymentAmount,
		TokensPriceRub:       conf.Robokassa.TokensAmount,
		Robokassa: payment.RobokassaConfig{
			MerchantLogin: conf.Robokassa.MerchantLogin,
			Password1:     conf.Robokassa.Password1,
			Password2:     conf.Robokassa.Password2,
			IsTest:        conf.Robokassa.IsTest,
		},
	}, appLogger)
	if err != nil {
		appLogger.Error("creating master bot", sl.Err(err))
		return
	}
	g.SetNotifier(masterBot)
	adminNotifier.target = masterBot

	if conf.WFirma.Enabled {
		g.SetInvoiceIssuer(invoicing.NewClient(invoicing.Config{
			AccessKey: conf.WFirma.AccessKey,
			SecretKey: conf.WFirma.SecretKey,
			AppID:     conf.WFirma.AppID,
		}, appLogger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Start(ctx); err != nil {
		appLogger.Error("starting fleet supervisor", sl.Err(err))
		return
	}
	funnelScheduler.Start(ctx)
	broadcastEngine.Start(ctx)
	g.StartExpirySweep(ctx)

	if err := masterBot.Start(); err != nil {
		appLogger.Error("starting master bot", sl.Err(err))
		return
	}

	robokassaHandler := payment.NewRobokassaHandler(payment.RobokassaConfig{
		MerchantLogin: conf.Robokassa.MerchantLogin,
		Password1:     conf.Robokassa.Password1,
		Password2:     conf.Robokassa.Password2,
		IsTest:        conf.Robokassa.IsTest,
	}, g, appLogger)

	var stripeHandler http.Handler
	if conf.Stripe.Enabled {
		stripeHandler = payment.NewStripeHandler(payment.StripeConfig{
			APIKey:        conf.Stripe.APIKey,
			WebhookSecret: conf.Stripe.WebhookSecret,
		}, g, appLogger)
	}

	srv, err := httpserver.New(httpserver.Config{
		BindIp: conf.Listen.BindIp,
		Port:   conf.Listen.Port,
	}, appLogger, robokassaHandler, stripeHandler)
	if err != nil {
		appLogger.Error("starting http server", sl.Err(err))
		return
	}

	<-ctx.Done()
	appLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLogger.Error("shutting down http server", sl.Err(err))
	}

	masterBot.Stop()
	broadcastEngine.Stop()
	funnelScheduler.Stop()
	supervisor.Stop()
	g.StopExpirySweep()
}

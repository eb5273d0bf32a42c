// Package fleet implements the Fleet Supervisor (§4.1): it keeps exactly one
// running poll loop (Runtime, see runtime.go) per UserBot row with
// is_running=true, and none otherwise. Modeled on the teacher's bot.TgBot
// lifecycle (Start/Stop, mutex-guarded in-memory cache) generalized from one
// hard-coded bot instance to an arbitrary, changing set of them.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"

	"tgfleet/entity"
	"tgfleet/lib/sl"
)

// ReconcileInterval is the fixed period of the Supervisor's diff tick (§4.1).
const ReconcileInterval = 30 * time.Second

// Store is the narrow persistence surface the Supervisor needs.
type Store interface {
	ListActiveBots(ctx context.Context) ([]*entity.UserBot, error)
	GetBot(ctx context.Context, botId string) (*entity.UserBot, error)
	SetBotStatus(ctx context.Context, botId string, status entity.BotStatus, isRunning bool) error
}

// Handlers bundles the collaborators a Runtime delegates to; passed through
// unmodified from the Supervisor so every Runtime shares one instance of
// each (§9 "constructor-injected collaborators with well-defined traits").
type Handlers struct {
	Funnel       FunnelScheduler
	Gate         Gate
	Conversation ConversationManager
	Subscribers  SubscriberStore
}

// Supervisor owns the active_bots map and the reconcile ticker.
type Supervisor struct {
	log      *slog.Logger
	store    Store
	handlers Handlers

	mu     sync.Mutex
	active map[string]*Runtime

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSupervisor(store Store, handlers Handlers, log *slog.Logger) *Supervisor {
	return &Supervisor{
		log:      log.With(sl.Module("fleet")),
		store:    store,
		handlers: handlers,
		active:   make(map[string]*Runtime),
		stop:     make(chan struct{}),
	}
}

// Start loads all active UserBot rows, spawns a Runtime each, and installs
// the reconcile ticker (§4.1 start()).
func (s *Supervisor) Start(ctx context.Context) error {
	bots, err := s.store.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("loading active bots: %w", err)
	}
	for _, b := range bots {
		if err := s.addBot(ctx, b); err != nil {
			s.log.Error("starting bot", slog.String("bot_id", b.BotId), sl.Err(err))
		}
	}
	s.log.Info("fleet started", slog.Int("bots", len(bots)))

	s.wg.Add(1)
	go s.reconcileLoop(ctx)
	return nil
}

// Stop cancels every running Runtime and the reconcile loop.
func (s *Supervisor) Stop() {
	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.active {
		rt.Stop()
		delete(s.active, id)
	}
}

func (s *Supervisor) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile diffs Store active bots against running Runtimes (§4.1
// reconcile()). It reads the Store snapshot once, then applies adds, removes
// and config pushes, avoiding a torn comparison across the two sides.
func (s *Supervisor) reconcile(ctx context.Context) {
	bots, err := s.store.ListActiveBots(ctx)
	if err != nil {
		s.log.Error("reconcile: listing active bots", sl.Err(err))
		return
	}
	wantActive := make(map[string]*entity.UserBot, len(bots))
	for _, b := range bots {
		wantActive[b.BotId] = b
	}

	s.mu.Lock()
	var toRemove []string
	for id := range s.active {
		if _, ok := wantActive[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	var toAdd []*entity.UserBot
	var toUpdate []*entity.UserBot
	for id, b := range wantActive {
		if rt, ok := s.active[id]; ok {
			toUpdate = append(toUpdate, b)
			_ = rt
			continue
		}
		toAdd = append(toAdd, b)
	}
	s.mu.Unlock()

	for _, id := range toRemove {
		s.RemoveBot(id)
	}
	for _, b := range toAdd {
		if err := s.addBot(ctx, b); err != nil {
			s.log.Error("reconcile: adding bot", slog.String("bot_id", b.BotId), sl.Err(err))
		}
	}
	for _, b := range toUpdate {
		s.mu.Lock()
		rt := s.active[b.BotId]
		s.mu.Unlock()
		if rt != nil {
			rt.UpdateConfig(b)
		}
	}
}

// AddBot is the external entry point (e.g. from the master bot right after
// bot registration); idempotent (§4.1 addBot()).
func (s *Supervisor) AddBot(ctx context.Context, botId string) error {
	b, err := s.store.GetBot(ctx, botId)
	if err != nil {
		return fmt.Errorf("loading bot %s: %w", botId, err)
	}
	if b == nil {
		return fmt.Errorf("bot %s not found", botId)
	}
	return s.addBot(ctx, b)
}

func (s *Supervisor) addBot(ctx context.Context, b *entity.UserBot) error {
	s.mu.Lock()
	if _, exists := s.active[b.BotId]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	rt, err := NewRuntime(b, s.handlers, s.log)
	if err != nil {
		_ = s.store.SetBotStatus(ctx, b.BotId, entity.BotError, false)
		return fmt.Errorf("creating runtime for bot %s: %w", b.BotId, err)
	}
	if err := rt.Start(); err != nil {
		_ = s.store.SetBotStatus(ctx, b.BotId, entity.BotError, false)
		return fmt.Errorf("starting runtime for bot %s: %w", b.BotId, err)
	}

	s.mu.Lock()
	s.active[b.BotId] = rt
	s.mu.Unlock()

	_ = s.store.SetBotStatus(ctx, b.BotId, entity.BotActive, true)
	s.log.Info("bot added", slog.String("bot_id", b.BotId), slog.String("username", b.BotUsername))
	return nil
}

// RemoveBot stops a running Runtime; idempotent (§4.1 removeBot()).
func (s *Supervisor) RemoveBot(botId string) {
	s.mu.Lock()
	rt, ok := s.active[botId]
	if ok {
		delete(s.active, botId)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.Stop()
	s.log.Info("bot removed", slog.String("bot_id", botId))
}

// RestartBot is removeBot followed by addBot with a freshly loaded row
// (§4.1 restartBot()).
func (s *Supervisor) RestartBot(ctx context.Context, botId string) error {
	s.RemoveBot(botId)
	return s.AddBot(ctx, botId)
}

// IsRunning reports whether a Runtime is currently active for botId.
func (s *Supervisor) IsRunning(botId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[botId]
	return ok
}

// RunningCount is used by the master bot's admin_stats callback.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// BotAPI implements funnel.BotLookup and broadcast.BotLookup: it resolves
// the live Telegram client for a running bot (§4.2.2 step 4 "Locate the
// Runtime for bot_id").
func (s *Supervisor) BotAPI(botId string) (*tgbotapi.Bot, bool) {
	s.mu.Lock()
	rt, ok := s.active[botId]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rt.api, true
}

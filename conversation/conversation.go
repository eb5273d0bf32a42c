// Package conversation implements the Conversation Bridge (§4.5): provider
// auto-detection, response_id continuity, the gated send path, and failure
// classification. Grounded on the teacher's internal/wfirma.Client for the
// "signed HTTP client wrapping a third-party REST API" shape (generalized
// from wFirma's access/secret headers to chatforyou/protalk's bearer tokens),
// and on the teacher's bot package for how a reply gets built from a
// first-name/username/admin-flag context block.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tgfleet/entity"
	"tgfleet/lib/sl"
)

// Gate is the narrow slice of gate.Gate the bridge consults (§4.4 via §4.5.3 step 1).
type Gate interface {
	CheckUserAccess(ctx context.Context, userId int64, feature string) (allowed bool, reason string, err error)
	CheckTokenLimit(ctx context.Context, botId string) (bool, error)
	RecordTokenUsage(ctx context.Context, botId string, ownerUserId, inputTokens, outputTokens int64) error
}

// Store is the persistence surface for thread continuity (§4.5.2).
type Store interface {
	GetConversation(ctx context.Context, botId string, userId int64) (*entity.Conversation, error)
	SaveConversation(ctx context.Context, c *entity.Conversation) error
	ResetConversation(ctx context.Context, botId string, userId int64) error
}

// Request is one turn handed to a Provider (§4.5.3 step 2).
type Request struct {
	SystemPrompt string
	ResponseId   string // previous thread handle, empty on first turn
	UserMessage  string
	FirstName    string
	Username     string
	IsAdmin      bool
	Model        string
	AssistantId  string

	// EnableFileSearch and VectorStoreId come from ai_settings, the opaque
	// per-bot JSON blob docstore mirrors (§6); only OpenAIProvider acts on
	// them today.
	EnableFileSearch bool
	VectorStoreId    string
}

// Response is what a Provider returns for one turn.
type Response struct {
	Text           string
	ResponseId     string
	InputTokens    int64
	OutputTokens   int64
	UsageEstimated bool
}

// FailureClass is the taxonomy of §4.5.4.
type FailureClass string

const (
	FailureRateLimit  FailureClass = "rate_limit"
	FailureAuth       FailureClass = "auth"
	FailureServer     FailureClass = "server"
	FailureBadRequest FailureClass = "bad_request"
)

// ProviderError carries the classification a Provider assigns its own
// errors, so the bridge's retry policy doesn't need to pattern-match on
// provider-specific error strings (§4.5.4).
type ProviderError struct {
	Class      FailureClass
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string { return e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Provider is one LLM backend (§4.5.1).
type Provider interface {
	Name() entity.AIProvider
	// Validate performs the minimal probe request used for auto-detection.
	Validate(ctx context.Context, token string) error
	Send(ctx context.Context, token string, req Request) (Response, error)
}

// contextBlock renders the "user context block" of §4.5.3 step 2.
func contextBlock(firstName, username string, isAdmin bool) string {
	var b strings.Builder
	b.WriteString("User context: first_name=")
	b.WriteString(firstName)
	if username != "" {
		b.WriteString(", username=@")
		b.WriteString(username)
	}
	if isAdmin {
		b.WriteString(", role=owner")
	}
	return b.String()
}

// estimateTokens is the conservative floor of §4.5.3 step 3: whitespace-word
// count times 1.3, used only when the provider reports no usage at all.
func estimateTokens(text string) int64 {
	words := len(strings.Fields(text))
	return int64(float64(words)*1.3 + 0.5)
}

// TranscriptLogger mirrors conversation turns into the document store for
// support review (§3); the docstore package is a no-op implementation when
// Mongo isn't configured, so Manager always has one and never nil-checks it.
type TranscriptLogger interface {
	AppendTranscript(botId string, userId int64, role, content string, sentUnix int64) error
}

// SettingsStore reads the per-bot ai_settings blob docstore mirrors, the
// opaque JSON the relational Store won't model as columns (§6
// enable_file_search). Same no-op-when-unconfigured contract as
// TranscriptLogger.
type SettingsStore interface {
	AISettingsField(botId, path string) (gjson.Result, error)
}

// Manager wires Gate, Store and the set of detected Providers into the
// fleet.ConversationManager contract.
type Manager struct {
	gate       Gate
	store      Store
	providers  map[entity.AIProvider]Provider
	transcript TranscriptLogger
	settings   SettingsStore
	log        *slog.Logger
}

func NewManager(gate Gate, store Store, providers []Provider, transcript TranscriptLogger, settings SettingsStore, log *slog.Logger) *Manager {
	m := &Manager{gate: gate, store: store, providers: make(map[entity.AIProvider]Provider, len(providers)), transcript: transcript, settings: settings, log: log.With(sl.Module("conversation"))}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// DetectProvider probes providers in DefaultProviderProbeOrder and returns
// the first one that accepts the token (§4.5.1).
func (m *Manager) DetectProvider(ctx context.Context, token string) (entity.AIProvider, error) {
	var lastErr error
	for _, name := range entity.DefaultProviderProbeOrder {
		p, ok := m.providers[name]
		if !ok {
			continue
		}
		if err := p.Validate(ctx, token); err == nil {
			return name, nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no configured providers to probe")
	}
	return entity.ProviderNone, fmt.Errorf("could not detect a working AI provider: %w", lastErr)
}

// Handle implements fleet.ConversationManager (§4.5.3). Access is always
// gated on the bot owner's subscription (bot.OwnerUserId), never on userId:
// subscribers interacting with an AI-enabled bot never register their own
// platform User row, so gating on their id would deny every one of them.
// isOwner only maps to the admin-flag context field in the prompt, not to a
// second, different access check.
func (m *Manager) Handle(ctx context.Context, bot *entity.UserBot, userId int64, firstName, username string, isOwner bool, message string) (string, error) {
	allowed, reason, err := m.gate.CheckUserAccess(ctx, bot.OwnerUserId, "ai_turn")
	if err != nil {
		return "", fmt.Errorf("checking access for owner %d: %w", bot.OwnerUserId, err)
	}
	if !allowed {
		return denialMessage(reason), nil
	}

	tokensOK, err := m.gate.CheckTokenLimit(ctx, bot.BotId)
	if err != nil {
		return "", fmt.Errorf("checking token limit for bot %s: %w", bot.BotId, err)
	}
	if !tokensOK {
		return "This bot has run out of AI tokens. Ask the bot owner to add more.", nil
	}

	provider, ok := m.providers[bot.AIProvider]
	if !ok {
		return "", fmt.Errorf("bot %s has no usable provider %q configured", bot.BotId, bot.AIProvider)
	}

	conv, err := m.store.GetConversation(ctx, bot.BotId, userId)
	if err != nil {
		return "", fmt.Errorf("loading conversation %s/%d: %w", bot.BotId, userId, err)
	}
	responseId := ""
	if conv != nil {
		responseId = conv.ResponseId
	}

	req := Request{
		SystemPrompt: bot.AISystemPrompt + "\n\n" + contextBlock(firstName, username, isOwner),
		ResponseId:   responseId,
		UserMessage:  message,
		FirstName:    firstName,
		Username:     username,
		IsAdmin:      isOwner,
		Model:        bot.AIModel,
		AssistantId:  bot.AIAssistantId,
	}
	if enabled, err := m.settings.AISettingsField(bot.BotId, "enable_file_search"); err == nil && enabled.Bool() {
		req.EnableFileSearch = true
		if vectorStoreId, err := m.settings.AISettingsField(bot.BotId, "vector_store_id"); err == nil {
			req.VectorStoreId = vectorStoreId.String()
		}
	}

	now := time.Now().UTC()
	if err := m.transcript.AppendTranscript(bot.BotId, userId, "user", message, now.Unix()); err != nil {
		m.log.Error("appending user transcript", slog.String("bot_id", bot.BotId), sl.Err(err))
	}

	resp, sendErr := m.sendWithRetry(ctx, provider, bot.Token, req)

	// Usage accounting runs even when the provider reported zero usage (or
	// failed outright), per §4.5.3 step 3's "always performed" rule against
	// silent drift; the word-count floor substitutes for a missing count.
	input, output := resp.InputTokens, resp.OutputTokens
	if input == 0 && output == 0 {
		input = estimateTokens(req.SystemPrompt + req.UserMessage)
		if sendErr == nil {
			output = estimateTokens(resp.Text)
		}
	}
	if usageErr := m.gate.RecordTokenUsage(ctx, bot.BotId, bot.OwnerUserId, input, output); usageErr != nil {
		m.log.Error("recording token usage", slog.String("bot_id", bot.BotId), sl.Err(usageErr))
	}

	if sendErr != nil {
		return m.classifyFailure(ctx, bot, sendErr)
	}

	if err := m.transcript.AppendTranscript(bot.BotId, userId, "assistant", resp.Text, time.Now().UTC().Unix()); err != nil {
		m.log.Error("appending assistant transcript", slog.String("bot_id", bot.BotId), sl.Err(err))
	}

	if resp.ResponseId != "" {
		if err := m.store.SaveConversation(ctx, &entity.Conversation{
			BotId: bot.BotId, UserId: userId, ResponseId: resp.ResponseId, UpdatedAt: time.Now().UTC(),
		}); err != nil {
			m.log.Error("saving conversation", slog.String("bot_id", bot.BotId), sl.Err(err))
		}
	}
	return resp.Text, nil
}

// ExitConversation clears the thread handle so the next turn starts fresh
// (§4.5.2 "exit conversation" button).
func (m *Manager) ExitConversation(ctx context.Context, botId string, userId int64) error {
	return m.store.ResetConversation(ctx, botId, userId)
}

func denialMessage(reason string) string {
	switch reason {
	case "expired":
		return "Your subscription has expired. Renew it to keep using AI replies."
	case "trial_expired":
		return "Your trial period has ended. Subscribe to keep using AI replies."
	default:
		return "This feature requires an active subscription."
	}
}

// sendWithRetry applies §4.5.4's per-class retry policy.
func (m *Manager) sendWithRetry(ctx context.Context, provider Provider, token string, req Request) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := provider.Send(ctx, token, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var pErr *ProviderError
		if !errors.As(err, &pErr) {
			return Response{}, err
		}
		switch pErr.Class {
		case FailureRateLimit:
			if attempt == 3 {
				return Response{}, err
			}
			wait := pErr.RetryAfter
			if wait <= 0 {
				wait = time.Duration(attempt) * time.Second
			}
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(wait):
			}
		case FailureServer:
			if attempt == 3 {
				return Response{}, err
			}
			wait := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(wait):
			}
		default:
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func (m *Manager) classifyFailure(ctx context.Context, bot *entity.UserBot, err error) (string, error) {
	var pErr *ProviderError
	if !errors.As(err, &pErr) {
		return "", err
	}
	switch pErr.Class {
	case FailureAuth:
		m.log.Error("ai provider auth failure; bot AI settings left unchanged, owner not notified", slog.String("bot_id", bot.BotId), sl.Err(err))
		return "", fmt.Errorf("AI assistant is misconfigured; the bot owner needs to reconnect it: %w", err)
	case FailureBadRequest:
		return "Sorry, a technical error occurred while processing that message.", nil
	default:
		return "", fmt.Errorf("AI provider unavailable: %w", err)
	}
}

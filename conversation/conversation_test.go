package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tgfleet/entity"
)

type fakeGate struct {
	allowed    bool
	reason     string
	tokensOK   bool
	usageCalls []int64
}

func (g *fakeGate) CheckUserAccess(ctx context.Context, userId int64, feature string) (bool, string, error) {
	return g.allowed, g.reason, nil
}

func (g *fakeGate) CheckTokenLimit(ctx context.Context, botId string) (bool, error) {
	return g.tokensOK, nil
}

func (g *fakeGate) RecordTokenUsage(ctx context.Context, botId string, ownerUserId, input, output int64) error {
	g.usageCalls = append(g.usageCalls, input+output)
	return nil
}

type fakeStore struct {
	conv *entity.Conversation
}

func (s *fakeStore) GetConversation(ctx context.Context, botId string, userId int64) (*entity.Conversation, error) {
	return s.conv, nil
}

func (s *fakeStore) SaveConversation(ctx context.Context, c *entity.Conversation) error {
	s.conv = c
	return nil
}

func (s *fakeStore) ResetConversation(ctx context.Context, botId string, userId int64) error {
	s.conv = nil
	return nil
}

type fakeProvider struct {
	name        entity.AIProvider
	resp        Response
	err         error
	validateErr error
}

func (p *fakeProvider) Name() entity.AIProvider { return p.name }

func (p *fakeProvider) Validate(ctx context.Context, token string) error { return p.validateErr }

func (p *fakeProvider) Send(ctx context.Context, token string, req Request) (Response, error) {
	return p.resp, p.err
}

type fakeTranscript struct {
	entries int
}

func (t *fakeTranscript) AppendTranscript(botId string, userId int64, role, content string, sentUnix int64) error {
	t.entries++
	return nil
}

type fakeSettings struct{}

func (s *fakeSettings) AISettingsField(botId, path string) (gjson.Result, error) {
	return gjson.Result{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandle_DeniedBySubscription(t *testing.T) {
	gate := &fakeGate{allowed: false, reason: "expired"}
	m := NewManager(gate, &fakeStore{}, nil, &fakeTranscript{}, &fakeSettings{}, testLogger())

	reply, err := m.Handle(context.Background(), &entity.UserBot{BotId: "bot1"}, 1, "Ann", "ann", false, "hi")
	require.NoError(t, err)
	assert.Contains(t, reply, "expired")
}

func TestHandle_TokensExhausted(t *testing.T) {
	gate := &fakeGate{allowed: true, tokensOK: false}
	m := NewManager(gate, &fakeStore{}, nil, &fakeTranscript{}, &fakeSettings{}, testLogger())

	reply, err := m.Handle(context.Background(), &entity.UserBot{BotId: "bot1"}, 1, "Ann", "ann", false, "hi")
	require.NoError(t, err)
	assert.Contains(t, reply, "tokens")
}

func TestHandle_SuccessSavesResponseId(t *testing.T) {
	gate := &fakeGate{allowed: true, tokensOK: true}
	store := &fakeStore{}
	provider := &fakeProvider{name: entity.ProviderOpenAI, resp: Response{Text: "hello", ResponseId: "thread-1", InputTokens: 10, OutputTokens: 5}}
	m := NewManager(gate, store, []Provider{provider}, &fakeTranscript{}, &fakeSettings{}, testLogger())

	bot := &entity.UserBot{BotId: "bot1", AIProvider: entity.ProviderOpenAI}
	reply, err := m.Handle(context.Background(), bot, 1, "Ann", "ann", false, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	require.NotNil(t, store.conv)
	assert.Equal(t, "thread-1", store.conv.ResponseId)
	assert.Equal(t, []int64{15}, gate.usageCalls)
}

func TestHandle_BadRequestSurfacesTechnicalError(t *testing.T) {
	gate := &fakeGate{allowed: true, tokensOK: true}
	provider := &fakeProvider{name: entity.ProviderOpenAI, err: &ProviderError{Class: FailureBadRequest, Err: errors.New("bad")}}
	m := NewManager(gate, &fakeStore{}, []Provider{provider}, &fakeTranscript{}, &fakeSettings{}, testLogger())

	bot := &entity.UserBot{BotId: "bot1", AIProvider: entity.ProviderOpenAI}
	reply, err := m.Handle(context.Background(), bot, 1, "Ann", "ann", false, "hi")
	require.NoError(t, err)
	assert.Contains(t, reply, "technical error")
}

func TestHandle_AuthFailureReturnsError(t *testing.T) {
	gate := &fakeGate{allowed: true, tokensOK: true}
	provider := &fakeProvider{name: entity.ProviderOpenAI, err: &ProviderError{Class: FailureAuth, Err: errors.New("bad key")}}
	m := NewManager(gate, &fakeStore{}, []Provider{provider}, &fakeTranscript{}, &fakeSettings{}, testLogger())

	bot := &entity.UserBot{BotId: "bot1", AIProvider: entity.ProviderOpenAI}
	_, err := m.Handle(context.Background(), bot, 1, "Ann", "ann", false, "hi")
	require.Error(t, err)
}

func TestDetectProvider_SkipsFailingProbeAndTakesNext(t *testing.T) {
	m := NewManager(&fakeGate{}, &fakeStore{}, []Provider{
		&fakeProvider{name: entity.ProviderOpenAI, validateErr: errors.New("nope")},
		&fakeProvider{name: entity.ProviderChatForYou},
	}, &fakeTranscript{}, &fakeSettings{}, testLogger())
	p, err := m.DetectProvider(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, entity.ProviderChatForYou, p)
}

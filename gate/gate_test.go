package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgfleet/entity"
	"tgfleet/internal/store"
)

type fakeStore struct {
	users   map[int64]*entity.User
	byCode  map[string]int64
	bots    map[string]*entity.UserBot
	credits map[int64]int64
	txns    map[string]*entity.ReferralTransaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[int64]*entity.User{},
		byCode:  map[string]int64{},
		bots:    map[string]*entity.UserBot{},
		credits: map[int64]int64{},
		txns:    map[string]*entity.ReferralTransaction{},
	}
}

func (f *fakeStore) GetUser(ctx context.Context, userId int64) (*entity.User, error) {
	return f.users[userId], nil
}

func (f *fakeStore) GetUserByReferralCode(ctx context.Context, code string) (*entity.User, error) {
	id, ok := f.byCode[code]
	if !ok {
		return nil, nil
	}
	return f.users[id], nil
}

func (f *fakeStore) CreateUser(ctx context.Context, u *entity.User) error {
	f.users[u.UserId] = u
	f.byCode[u.ReferralCode] = u.UserId
	return nil
}

func (f *fakeStore) UpdateUserSubscription(ctx context.Context, u *entity.User) error {
	f.users[u.UserId] = u
	return nil
}

func (f *fakeStore) CreditReferralEarnings(ctx context.Context, referrerUserId, commissionCents int64) error {
	f.credits[referrerUserId] += commissionCents
	if u, ok := f.users[referrerUserId]; ok {
		u.TotalReferrals++
		u.ReferralEarnings += commissionCents
	}
	return nil
}

func (f *fakeStore) ExpireSubscriptions(ctx context.Context, now time.Time, trialDays int) (int64, error) {
	return 0, nil
}

func (f *fakeStore) GetBot(ctx context.Context, botId string) (*entity.UserBot, error) {
	return f.bots[botId], nil
}

func (f *fakeStore) AddBotTokenUsage(ctx context.Context, botId string, inputTokens, outputTokens int64) error {
	b := f.bots[botId]
	b.TokensInputUsed += inputTokens
	b.TokensOutputUsed += outputTokens
	return nil
}

func (f *fakeStore) IncrementBotTokenLimit(ctx context.Context, botId string, delta int64) error {
	b := f.bots[botId]
	var limit int64
	if b.TokensLimitTotal != nil {
		limit = *b.TokensLimitTotal
	}
	limit += delta
	b.TokensLimitTotal = &limit
	return nil
}

func (f *fakeStore) MarkTokenNotificationSent(ctx context.Context, botId string, sent bool) error {
	f.bots[botId].TokenNotificationSent = sent
	return nil
}

func (f *fakeStore) CreateReferralTransaction(ctx context.Context, t *entity.ReferralTransaction) error {
	key := t.CreatedAt.String()
	if _, exists := f.txns[key]; exists {
		return store.ErrDuplicateReferral
	}
	f.txns[key] = t
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func limit(n int64) *int64 { return &n }

func TestCheckUserAccess(t *testing.T) {
	st := newFakeStore()
	st.users[1] = &entity.User{UserId: 1, SubscriptionStatus: entity.StatusPaid}
	st.users[2] = &entity.User{UserId: 2, SubscriptionStatus: entity.StatusExpired}
	st.users[3] = &entity.User{UserId: 3, SubscriptionStatus: entity.StatusFree}

	g := New(st, nil, Config{}, testLogger())

	allowed, reason, err := g.CheckUserAccess(context.Background(), 1, "ai_turn")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, reason)

	allowed, reason, err = g.CheckUserAccess(context.Background(), 2, "ai_turn")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, ReasonExpired, reason)

	allowed, reason, err = g.CheckUserAccess(context.Background(), 3, "ai_turn")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, ReasonFree, reason)

	allowed, reason, err = g.CheckUserAccess(context.Background(), 999, "ai_turn")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, ReasonFree, reason)
}

func TestRecordTokenUsage_WarnsOnceAtThreshold(t *testing.T) {
	st := newFakeStore()
	st.bots["bot1"] = &entity.UserBot{BotId: "bot1", OwnerUserId: 7, TokensLimitTotal: limit(100)}

	g := New(st, nil, Config{}, testLogger())
	ctx := context.Background()

	require.NoError(t, g.RecordTokenUsage(ctx, "bot1", 7, 95, 0))
	assert.True(t, st.bots["bot1"].TokenNotificationSent, "remaining 5 <= 10% threshold of 100 should have warned")

	st.bots["bot1"].TokenNotificationSent = false
	require.NoError(t, g.RecordTokenUsage(ctx, "bot1", 7, 0, 0))
}

func TestCheckTokenLimit_UnlimitedAlwaysAllowed(t *testing.T) {
	st := newFakeStore()
	st.bots["bot1"] = &entity.UserBot{BotId: "bot1"}

	g := New(st, nil, Config{}, testLogger())
	allowed, err := g.CheckTokenLimit(context.Background(), "bot1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCheckTokenLimit_ExhaustedDenies(t *testing.T) {
	st := newFakeStore()
	st.bots["bot1"] = &entity.UserBot{BotId: "bot1", TokensLimitTotal: limit(10), TokensInputUsed: 10}

	g := New(st, nil, Config{}, testLogger())
	allowed, err := g.CheckTokenLimit(context.Background(), "bot1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestApplyPayment_SubscriptionStacksRemainingTime(t *testing.T) {
	st := newFakeStore()
	now := time.Now().UTC()
	future := now.Add(10 * 24 * time.Hour)
	st.users[1] = &entity.User{UserId: 1, SubscriptionStatus: entity.StatusTrial, SubscriptionExpiresAt: &future}

	g := New(st, nil, Config{}, testLogger())
	intent := PaymentIntent{UserId: 1, Kind: PaymentSubscription, AmountCents: 1000, CreatedAt: now}
	require.NoError(t, g.ApplyPayment(context.Background(), intent, now))

	u := st.users[1]
	assert.Equal(t, entity.StatusPaid, u.SubscriptionStatus)
	assert.WithinDuration(t, future.Add(30*24*time.Hour), *u.SubscriptionExpiresAt, time.Second)
}

func TestApplyPayment_ReferralCommissionIsIdempotent(t *testing.T) {
	st := newFakeStore()
	now := time.Now().UTC()
	referrerId := int64(2)
	st.users[referrerId] = &entity.User{UserId: referrerId}
	st.users[1] = &entity.User{UserId: 1, SubscriptionStatus: entity.StatusFree, ReferredBy: &referrerId}

	g := New(st, nil, Config{}, testLogger())
	intent := PaymentIntent{UserId: 1, Kind: PaymentSubscription, AmountCents: 1000, CreatedAt: now}

	require.NoError(t, g.ApplyPayment(context.Background(), intent, now))
	require.NoError(t, g.ApplyPayment(context.Background(), intent, now))

	assert.Equal(t, entity.Commission(1000), st.credits[referrerId], "retried webhook delivery must not double-credit the referrer")
}

func TestApplyPayment_Tokens(t *testing.T) {
	st := newFakeStore()
	st.bots["bot1"] = &entity.UserBot{BotId: "bot1", TokensLimitTotal: limit(50), TokenNotificationSent: true}
	st.users[1] = &entity.User{UserId: 1}

	g := New(st, nil, Config{TokensPerPurchase: 1000}, testLogger())
	intent := PaymentIntent{UserId: 1, Kind: PaymentTokens, BotId: "bot1", AmountCents: 500, CreatedAt: time.Now().UTC()}
	require.NoError(t, g.ApplyPayment(context.Background(), intent, time.Now().UTC()))

	assert.Equal(t, int64(1050), *st.bots["bot1"].TokensLimitTotal)
	assert.False(t, st.bots["bot1"].TokenNotificationSent)
}

func TestApplyPayment_UnknownKind(t *testing.T) {
	g := New(newFakeStore(), nil, Config{}, testLogger())
	err := g.ApplyPayment(context.Background(), PaymentIntent{Kind: "bogus"}, time.Now())
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrDuplicateReferral))
}

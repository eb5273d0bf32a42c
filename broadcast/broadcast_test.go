package broadcast

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgfleet/entity"
)

// fakeStore is a hand-rolled in-memory fake of broadcast.Store, following the
// same trivially-fakeable-interface idiom as funnel's tests.
type fakeStore struct {
	broadcasts map[int64]*entity.MassBroadcast
	deliveries map[int64][]*entity.BroadcastDelivery
	subs       map[string]*entity.Subscriber
	nextId     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		broadcasts: map[int64]*entity.MassBroadcast{},
		deliveries: map[int64][]*entity.BroadcastDelivery{},
		subs:       map[string]*entity.Subscriber{},
	}
}

func (f *fakeStore) CreateMassBroadcast(ctx context.Context, b *entity.MassBroadcast) error {
	f.nextId++
	b.Id = f.nextId
	f.broadcasts[b.Id] = b
	return nil
}

func (f *fakeStore) GetMassBroadcast(ctx context.Context, id int64) (*entity.MassBroadcast, error) {
	return f.broadcasts[id], nil
}

func (f *fakeStore) SetMassBroadcastStatus(ctx context.Context, id int64, status entity.MassBroadcastStatus) error {
	if b, ok := f.broadcasts[id]; ok {
		b.Status = status
	}
	return nil
}

func (f *fakeStore) ListDueScheduledBroadcasts(ctx context.Context, now time.Time) ([]*entity.MassBroadcast, error) {
	var due []*entity.MassBroadcast
	for _, b := range f.broadcasts {
		if b.Status == entity.MassScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			due = append(due, b)
		}
	}
	return due, nil
}

func (f *fakeStore) MaterializeBroadcastDeliveries(ctx context.Context, broadcastId int64, botId string) (int, error) {
	n := 0
	for userId, sub := range f.subs {
		_ = userId
		if sub.BotId == botId && sub.IsActive {
			f.deliveries[broadcastId] = append(f.deliveries[broadcastId], &entity.BroadcastDelivery{
				Id: int64(len(f.deliveries[broadcastId]) + 1), BroadcastId: broadcastId, UserId: sub.UserId, Status: entity.DeliveryPending,
			})
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClaimPendingDeliveries(ctx context.Context, broadcastId int64, limit int, handle func(ctx context.Context, tx *sql.Tx, d *entity.BroadcastDelivery) (entity.BroadcastDeliveryStatus, *int64, string)) (int, error) {
	claimed := 0
	for _, d := range f.deliveries[broadcastId] {
		if d.Status != entity.DeliveryPending || claimed >= limit {
			continue
		}
		status, msgId, reason := handle(ctx, nil, d)
		d.Status = status
		d.TelegramMessageId = msgId
		d.ErrorMessage = reason
		claimed++
	}
	return claimed, nil
}

func (f *fakeStore) CountPendingDeliveries(ctx context.Context, broadcastId int64) (int, error) {
	n := 0
	for _, d := range f.deliveries[broadcastId] {
		if d.Status == entity.DeliveryPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetSubscriber(ctx context.Context, botId string, userId int64) (*entity.Subscriber, error) {
	return f.subs[subKey(botId, userId)], nil
}

func (f *fakeStore) SetSubscriberActive(ctx context.Context, botId string, userId int64, active bool) error {
	if sub, ok := f.subs[subKey(botId, userId)]; ok {
		sub.IsActive = active
	}
	return nil
}

func subKey(botId string, userId int64) string {
	return botId + "|" + itoa(userId)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addSub(f *fakeStore, botId string, userId int64, active bool) {
	f.subs[subKey(botId, userId)] = &entity.Subscriber{BotId: botId, UserId: userId, ChatId: userId, IsActive: active}
}

func TestCreateInstant_MaterializesDeliveriesForActiveSubscribersOnly(t *testing.T) {
	store := newFakeStore()
	addSub(store, "bot1", 1, true)
	addSub(store, "bot1", 2, false)
	engine := NewEngine(store, nil, testLogger())

	b := &entity.MassBroadcast{BotId: "bot1", MessageText: "hello"}
	err := engine.CreateInstant(context.Background(), b, time.Now().UTC())
	require.NoError(t, err)

	require.Len(t, store.deliveries[b.Id], 1)
	assert.Equal(t, int64(1), store.deliveries[b.Id][0].UserId)
}

func TestCreateScheduled_RejectsLeadUnderFloor(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, nil, testLogger())

	now := time.Now().UTC()
	tooSoon := now.Add(time.Minute)
	b := &entity.MassBroadcast{BotId: "bot1", MessageText: "hi", ScheduledAt: &tooSoon}
	err := engine.CreateScheduled(context.Background(), b, now)
	require.Error(t, err)
}

func TestCancel_RefusesOnceSending(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, nil, testLogger())
	b := &entity.MassBroadcast{Id: 1, Status: entity.MassSending}
	store.broadcasts[1] = b

	err := engine.Cancel(context.Background(), 1)
	require.Error(t, err)
}

func TestCancel_AllowsDraft(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, nil, testLogger())
	b := &entity.MassBroadcast{Id: 1, Status: entity.MassDraft}
	store.broadcasts[1] = b

	err := engine.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.MassCancelled, store.broadcasts[1].Status)
}

func TestIsBlockedErr_DetectsForbiddenSubstring(t *testing.T) {
	assert.True(t, isBlockedErr(fmtErr("Forbidden: bot was blocked by the user")))
	assert.False(t, isBlockedErr(fmtErr("timeout")))
}

type plainErr string

func (e plainErr) Error() string { return string(e) }

func fmtErr(s string) error { return plainErr(s) }

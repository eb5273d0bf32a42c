package funnel

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgfleet/entity"
)

// fakeStore is a hand-rolled in-memory fake of funnel.Store, in the
// teacher's style of trivially-fakeable small interfaces (no mocking
// framework; see lib/validate and bot.Database in the pack for the idiom).
type fakeStore struct {
	sequences map[string]*entity.BroadcastSequence
	messages  map[int64][]*entity.BroadcastMessage
	scheduled []*entity.ScheduledMessage
	nextId    int64
	subs      map[string]*entity.Subscriber
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sequences: map[string]*entity.BroadcastSequence{},
		messages:  map[int64][]*entity.BroadcastMessage{},
		subs:      map[string]*entity.Subscriber{},
	}
}

func (f *fakeStore) GetSequence(ctx context.Context, botId string) (*entity.BroadcastSequence, error) {
	return f.sequences[botId], nil
}

func (f *fakeStore) ListFunnelMessages(ctx context.Context, sequenceId int64) ([]*entity.BroadcastMessage, error) {
	return f.messages[sequenceId], nil
}

func (f *fakeStore) UpsertScheduledMessage(ctx context.Context, sm *entity.ScheduledMessage) error {
	for _, existing := range f.scheduled {
		if existing.BotId == sm.BotId && existing.SubscriberId == sm.SubscriberId && existing.MessageId == sm.MessageId {
			existing.ScheduledAt = sm.ScheduledAt
			return nil
		}
	}
	f.nextId++
	cp := *sm
	cp.Id = f.nextId
	f.scheduled = append(f.scheduled, &cp)
	return nil
}

func (f *fakeStore) RescheduleMessage(ctx context.Context, messageId int64, newScheduledAt func(int64, time.Time) time.Time) error {
	for _, sm := range f.scheduled {
		if sm.MessageId == messageId && sm.Status == entity.ScheduledPending {
			sm.ScheduledAt = newScheduledAt(sm.SubscriberId, sm.CreatedAt)
		}
	}
	return nil
}

func (f *fakeStore) SetSequenceEnabled(ctx context.Context, botId string, enabled bool) error {
	f.sequences[botId].IsEnabled = enabled
	return nil
}

func (f *fakeStore) GetSubscriber(ctx context.Context, botId string, userId int64) (*entity.Subscriber, error) {
	return f.subs[key(botId, userId)], nil
}

func (f *fakeStore) CancelScheduledMessagesForSubscriber(ctx context.Context, botId string, subscriberId int64) error {
	for _, sm := range f.scheduled {
		if sm.BotId == botId && sm.SubscriberId == subscriberId && sm.Status == entity.ScheduledPending {
			sm.Status = entity.ScheduledCancelled
		}
	}
	return nil
}

func (f *fakeStore) SetSubscriberActive(ctx context.Context, botId string, userId int64, active bool) error {
	if sub, ok := f.subs[key(botId, userId)]; ok {
		sub.IsActive = active
	}
	return nil
}

func (f *fakeStore) ClaimDueFunnelMessages(ctx context.Context, now time.Time, limit int, handle func(context.Context, *sql.Tx, *entity.ScheduledMessage) (entity.ScheduledMessageStatus, string)) (int, error) {
	claimed := 0
	for _, sm := range f.scheduled {
		if sm.Status != entity.ScheduledPending || sm.ScheduledAt.After(now) {
			continue
		}
		if claimed >= limit {
			break
		}
		status, reason := handle(ctx, nil, sm)
		sm.Status = status
		sm.ErrorMessage = reason
		claimed++
	}
	return claimed, nil
}

func (f *fakeStore) GetFunnelMessage(ctx context.Context, messageId int64) (*entity.BroadcastMessage, error) {
	for _, list := range f.messages {
		for _, m := range list {
			if m.MessageId == messageId {
				return m, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeStore) IsSequenceEnabledForBot(ctx context.Context, botId string) (bool, error) {
	seq := f.sequences[botId]
	return seq != nil && seq.IsEnabled, nil
}

func (f *fakeStore) UpsertSubscriber(ctx context.Context, sub *entity.Subscriber) error {
	f.subs[key(sub.BotId, sub.UserId)] = sub
	return nil
}

func key(botId string, userId int64) string {
	return fmt.Sprintf("%s|%d", botId, userId)
}

func TestOnSubscriberActivated_MaterializesOnePerStep(t *testing.T) {
	store := newFakeStore()
	store.sequences["bot1"] = &entity.BroadcastSequence{SequenceId: 1, BotId: "bot1", IsEnabled: true}
	store.messages[1] = []*entity.BroadcastMessage{
		{MessageId: 10, SequenceId: 1, MessageNumber: 1, DelayHours: 0, IsActive: true},
		{MessageId: 11, SequenceId: 1, MessageNumber: 2, DelayHours: 1, IsActive: true},
	}

	sched := NewScheduler(store, nil, testLogger())
	err := sched.OnSubscriberActivated(context.Background(), "bot1", 42)
	require.NoError(t, err)

	require.Len(t, store.scheduled, 2)
	assert.Equal(t, int64(10), store.scheduled[0].MessageId)
	assert.Equal(t, int64(11), store.scheduled[1].MessageId)
	assert.True(t, store.scheduled[1].ScheduledAt.After(store.scheduled[0].ScheduledAt))
}

func TestOnSubscriberActivated_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.sequences["bot1"] = &entity.BroadcastSequence{SequenceId: 1, BotId: "bot1", IsEnabled: true}
	store.messages[1] = []*entity.BroadcastMessage{
		{MessageId: 10, SequenceId: 1, MessageNumber: 1, DelayHours: 0, IsActive: true},
	}

	sched := NewScheduler(store, nil, testLogger())
	ctx := context.Background()
	require.NoError(t, sched.OnSubscriberActivated(ctx, "bot1", 42))
	require.NoError(t, sched.OnSubscriberActivated(ctx, "bot1", 42))

	assert.Len(t, store.scheduled, 1)
}

func TestOnMessageEdited_ReschedulesOnlyPendingRows(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.scheduled = []*entity.ScheduledMessage{
		{Id: 1, MessageId: 10, SubscriberId: 1, Status: entity.ScheduledPending, CreatedAt: now},
		{Id: 2, MessageId: 10, SubscriberId: 2, Status: entity.ScheduledSent, CreatedAt: now, ScheduledAt: now.Add(time.Hour)},
	}

	sched := NewScheduler(store, nil, testLogger())
	newDelay := 0.5 // 30 minutes
	err := sched.OnMessageEdited(context.Background(), 10, &newDelay)
	require.NoError(t, err)

	assert.WithinDuration(t, now.Add(30*time.Minute), store.scheduled[0].ScheduledAt, time.Second)
	assert.Equal(t, now.Add(time.Hour), store.scheduled[1].ScheduledAt, "sent row must not be touched")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

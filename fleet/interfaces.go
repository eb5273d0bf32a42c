package fleet

import (
	"context"

	"tgfleet/entity"
)

// FunnelScheduler is the Runtime's view of the Funnel Scheduler (§4.2.1); the
// full implementation lives in package funnel.
type FunnelScheduler interface {
	OnSubscriberActivated(ctx context.Context, botId string, subscriberId int64) error
}

// Gate is the Runtime's view of the Subscription & Token Gate (§4.4.2); the
// full implementation lives in package gate.
type Gate interface {
	CheckUserAccess(ctx context.Context, userId int64, feature string) (allowed bool, reason string, err error)
}

// ConversationManager is the Runtime's view of the Conversation Bridge
// (§4.5); the full implementation lives in package conversation.
type ConversationManager interface {
	Handle(ctx context.Context, bot *entity.UserBot, userId int64, firstName, username string, isOwner bool, message string) (reply string, err error)
	ExitConversation(ctx context.Context, botId string, userId int64) error
}

// SubscriberStore is the Runtime's view of the Store for recording new
// audience members (§4.6: "persists the Subscriber row and delegates to the
// Funnel Scheduler").
type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, sub *entity.Subscriber) error
}

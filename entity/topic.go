package entity

// AlertTopic categorizes operator-facing notifications sent to the master
// bot's super admin chat, adapted from the teacher's notification-routing
// idea (ruslan-hut-wfsync/entity/topic.go) to this platform's own
// operational concerns instead of invoice/order events.
type AlertTopic string

const (
	TopicPayment   AlertTopic = "payment"
	TopicFunnel    AlertTopic = "funnel"
	TopicBroadcast AlertTopic = "broadcast"
	TopicSecurity  AlertTopic = "security"
	TopicSystem    AlertTopic = "system"
)

var allAlertTopics = []AlertTopic{TopicPayment, TopicFunnel, TopicBroadcast, TopicSecurity, TopicSystem}

// AllAlertTopics returns every recognized alert topic.
func AllAlertTopics() []AlertTopic {
	result := make([]AlertTopic, len(allAlertTopics))
	copy(result, allAlertTopics)
	return result
}

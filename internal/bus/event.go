package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used by the engine:
//
//	message.appended        payload *store.Message (new local or remote row)
//	message.updated         payload *store.Message (ack/status/readBy change)
//	conversation.updated    payload *store.Conversation
//	merge.applied           payload listener.Merge
//	presence.typing         payload remote.TypingEvent
//	engine.status_changed   payload status.StatusChange
//	notification.dispatched payload notify.Dispatched
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

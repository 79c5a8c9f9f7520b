package models

type EventType string

const (
	EventMessage          EventType = "message"
	EventMessageDelivered EventType = "message_delivered"
	EventMessageEdited    EventType = "message_edited"
	EventMessageDeleted   EventType = "message_deleted"
	EventContactsUpdated  EventType = "contacts_updated"
	EventChatAdded        EventType = "chat_added"
	EventChatRemoved      EventType = "chat_removed"
	EventCallOffer        EventType = "call_offer"
	EventCallAnswer       EventType = "call_answer"
	EventCallICECandidate EventType = "call_ice_candidate"
	EventCallEnded        EventType = "call_ended"

	// EventError reports a rejected client frame on the same connection.
	EventError EventType = "error"
)

// Event is pushed to subscribed listeners. Payload holds one of the
// payload types below, or a call signal from the call package.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type MessageRefPayload struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

type ContactsPayload struct {
	Contacts []Contact `json:"contacts"`
}

type ChatPayload struct {
	ChatID int64 `json:"chat_id"`
}

func MessageEvent(t EventType, m Message) Event {
	return Event{Type: t, Payload: MessagePayload{Message: m}}
}

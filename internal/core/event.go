package core

// EventKind is a notification the relay emits to a connection.
type EventKind int

const (
	// EventMessagePush delivers a room message to a recipient connection.
	EventMessagePush EventKind = iota
	// EventMessageAccepted confirms to the sender that fan-out completed.
	EventMessageAccepted
	// EventMessageRejected tells the sender the message could not be guaranteed.
	EventMessageRejected
	// EventPong answers a client ping.
	EventPong
	// EventReady signals the connection finished draining and is live.
	EventReady
	// EventError notifies the client about a rejected inbound event.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessagePush:
		return "messagePush"
	case EventMessageAccepted:
		return "messageAccepted"
	case EventMessageRejected:
		return "messageRejected"
	case EventPong:
		return "pong"
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is sent to a connection to describe what happened in the system.
type Event struct {
	Kind      EventKind
	Message   *Message // EventMessagePush
	Queued    bool     // push originates from a queue drain
	MessageID string   // EventMessageAccepted
	ClientRef string   // echoes sendMessage.clientRef
	Reason    string   // EventMessageRejected
	ConnID    string   // EventReady
	UserID    string   // EventReady
	Error     *CoreError
}

// PushEvent wraps a message for delivery.
func PushEvent(msg Message, queued bool) *Event {
	m := msg
	return &Event{Kind: EventMessagePush, Message: &m, Queued: queued}
}

// ErrorEvent wraps an error for the client.
func ErrorEvent(err *CoreError) *Event {
	return &Event{Kind: EventError, Error: err}
}

package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello       = "hello"
	InboundTypeJoinRoom    = "joinRoom"
	InboundTypeLeaveRoom   = "leaveRoom"
	InboundTypeSendMessage = "sendMessage"
	InboundTypeAck         = "ack"
	InboundTypePing        = "ping"

	OutboundTypeReady           = "ready"
	OutboundTypeMessagePush     = "messagePush"
	OutboundTypeMessageAccepted = "messageAccepted"
	OutboundTypeMessageRejected = "messageRejected"
	OutboundTypePong            = "pong"
	OutboundTypeError           = "error"
)

// HelloData authenticates a connection that carried no handshake credentials.
type HelloData struct {
	Token    string `json:"token"`
	Protocol int    `json:"protocol,omitempty"`
}

// RoomData names the room for joinRoom and leaveRoom.
type RoomData struct {
	RoomID string `json:"roomId"`
}

// SendMessageData is a chat message from the client.
type SendMessageData struct {
	RoomID    string          `json:"roomId"`
	Payload   json.RawMessage `json:"payload"`
	ClientRef string          `json:"clientRef,omitempty"`
}

// AckData acknowledges a drained message.
type AckData struct {
	MessageID string `json:"messageId"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// ReadyData tells the client the queue drain finished and live traffic begins.
type ReadyData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// MessagePush delivers a room message to a recipient.
type MessagePush struct {
	MessageID string          `json:"messageId"`
	RoomID    string          `json:"roomId"`
	SenderID  string          `json:"senderId"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    int64           `json:"sentAt"`
	Queued    bool            `json:"queued"`
}

// MessageAccepted confirms a sendMessage.
type MessageAccepted struct {
	MessageID string `json:"messageId"`
	ClientRef string `json:"clientRef,omitempty"`
}

// MessageRejected reports a sendMessage that could not be guaranteed.
type MessageRejected struct {
	Reason    string `json:"reason"`
	ClientRef string `json:"clientRef,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

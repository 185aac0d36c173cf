package core

import "encoding/json"

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandHello carries credentials when the handshake had none.
	CommandHello CommandKind = iota
	// CommandJoinRoom subscribes the connection to a room.
	CommandJoinRoom
	// CommandLeaveRoom unsubscribes the connection from a room.
	CommandLeaveRoom
	// CommandSendMessage fans a message out to room members.
	CommandSendMessage
	// CommandAck confirms receipt of a drained message.
	CommandAck
	// CommandPing is the client heartbeat.
	CommandPing
)

// Command represents an action requested by a client.
type Command struct {
	Kind      CommandKind
	Token     string
	Room      string
	Payload   json.RawMessage
	ClientRef string
	MessageID string
}

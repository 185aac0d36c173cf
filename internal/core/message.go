package core

import (
	"encoding/json"
	"time"

	"github.com/vovakirdan/wirerelay/internal/utils"
)

// Message is the domain model for a relayed chat message.
// It is immutable once created; ID doubles as the idempotency key for redelivery.
type Message struct {
	ID       string          `json:"id"`
	RoomID   string          `json:"room_id"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sent_at"`
}

// NewMessage builds a message with a fresh time-ordered ID.
func NewMessage(roomID, senderID string, payload json.RawMessage, now time.Time) Message {
	return Message{
		ID:       utils.NewMessageID(),
		RoomID:   roomID,
		SenderID: senderID,
		Payload:  payload,
		SentAt:   now.UTC(),
	}
}

// QueuedDelivery is a message waiting in a recipient's delivery queue.
type QueuedDelivery struct {
	RecipientID string
	Message     Message
	EnqueuedAt  time.Time
	Attempts    int
}

package utils

import "github.com/google/uuid"

// NewID returns a random unique identifier used for connections.
func NewID() string {
	return uuid.NewString()
}

// NewMessageID returns a time-ordered identifier so message IDs sort by creation.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

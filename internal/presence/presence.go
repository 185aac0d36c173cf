// Package presence tracks which users hold live connections anywhere in the fleet.
package presence

import (
	"context"
	"time"
)

// Connection is one live socket serving a user.
type Connection struct {
	ID         string
	UserID     string
	GatewayID  string
	LastSeenAt time.Time
}

// Store is the shared presence registry.
// A user present in the store has at least one live connection; absence means offline.
type Store interface {
	// Register adds the connection to the user's presence set and stamps lastSeenAt. Idempotent.
	Register(ctx context.Context, userID, connID, gatewayID string) error
	// Heartbeat re-stamps lastSeenAt for a live connection. revived is true when
	// the connection had been swept (or never registered) and was added back.
	Heartbeat(ctx context.Context, userID, connID, gatewayID string) (revived bool, err error)
	// Deregister removes one connection and reports how many remain for the user.
	Deregister(ctx context.Context, userID, connID string) (remaining int, err error)
	// IsOnline reports whether the user has a connection seen within the TTL.
	IsOnline(ctx context.Context, userID string) (bool, error)
	// ListConnections returns the user's connections seen within the TTL.
	ListConnections(ctx context.Context, userID string) ([]Connection, error)
	// Sweep removes up to limit connections whose heartbeat is older than the TTL.
	Sweep(ctx context.Context, limit int) ([]Connection, error)
}

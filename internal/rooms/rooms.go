// Package rooms keeps room membership in the shared store.
package rooms

import "context"

// Registry tracks two things per room: the users who are members, and the live
// connections through which they joined.
//
// A user becomes a member by joining from any connection and stops being one
// when they explicitly leave and no other connection of theirs is attached. Losing a
// connection (close, heartbeat timeout, sweep) only detaches that connection;
// the user stays a member and fan-out queues messages for them while offline.
type Registry interface {
	// Join adds the connection and its user to the room, creating it lazily.
	Join(ctx context.Context, roomID, connID, userID string) error
	// Leave removes the connection from the room and ends the user's membership
	// unless another of their connections is attached. Safe when absent.
	Leave(ctx context.Context, roomID, connID, userID string) error
	// Disconnect detaches the connection from every room it joined and returns those rooms.
	Disconnect(ctx context.Context, connID string) ([]string, error)
	// Members returns the room's member users, connected or not.
	Members(ctx context.Context, roomID string) ([]string, error)
	// Connections returns connID -> userID for connections currently joined to the room.
	Connections(ctx context.Context, roomID string) (map[string]string, error)
	// Rooms returns the rooms a connection has joined.
	Rooms(ctx context.Context, connID string) ([]string, error)
}

package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/rooms"
)

// LocalView is this gateway's own connection table.
type LocalView interface {
	ID() string
	LocalConnections(userID string) []string
}

// InspectHandlers serve read-only views of relay state.
type InspectHandlers struct {
	local    LocalView
	presence presence.Store
	rooms    rooms.Registry
	queue    queue.Queue
	log      *zerolog.Logger
}

// NewInspectHandlers creates a new inspect handlers instance.
func NewInspectHandlers(local LocalView, p presence.Store, r rooms.Registry, q queue.Queue, logger *zerolog.Logger) *InspectHandlers {
	return &InspectHandlers{
		local:    local,
		presence: p,
		rooms:    r,
		queue:    q,
		log:      logger,
	}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConnectionResponse is one live connection of a user.
type ConnectionResponse struct {
	ConnectionID string `json:"connectionId"`
	GatewayID    string `json:"gatewayId"`
	LastSeenAt   string `json:"lastSeenAt"`
}

// PresenceResponse represents a user's presence. LocalConnections are the
// user's connections attached to the answering gateway.
type PresenceResponse struct {
	UserID           string               `json:"userId"`
	Online           bool                 `json:"online"`
	Connections      []ConnectionResponse `json:"connections"`
	GatewayID        string               `json:"gatewayId"`
	LocalConnections []string             `json:"localConnections"`
}

// MembersResponse lists the members of a room.
type MembersResponse struct {
	RoomID  string   `json:"roomId"`
	Members []string `json:"members"`
}

// QueueResponse reports undelivered messages for a user.
type QueueResponse struct {
	UserID  string `json:"userId"`
	Pending int    `json:"pending"`
}

// Presence reports whether a user is online and through which connections.
// GET /api/presence/:userId
func (h *InspectHandlers) Presence(c *gin.Context) {
	userID := c.Param("userId")

	conns, err := h.presence.ListConnections(c.Request.Context(), userID)
	if err != nil {
		h.storeError(c, err, "list connections")
		return
	}

	resp := PresenceResponse{
		UserID:           userID,
		Online:           len(conns) > 0,
		Connections:      make([]ConnectionResponse, 0, len(conns)),
		GatewayID:        h.local.ID(),
		LocalConnections: h.local.LocalConnections(userID),
	}
	for _, conn := range conns {
		resp.Connections = append(resp.Connections, ConnectionResponse{
			ConnectionID: conn.ID,
			GatewayID:    conn.GatewayID,
			LastSeenAt:   conn.LastSeenAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// RoomMembers lists the users subscribed to a room.
// GET /api/rooms/:roomId/members
func (h *InspectHandlers) RoomMembers(c *gin.Context) {
	roomID := c.Param("roomId")

	members, err := h.rooms.Members(c.Request.Context(), roomID)
	if err != nil {
		h.storeError(c, err, "list members")
		return
	}
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, MembersResponse{RoomID: roomID, Members: members})
}

// QueuePending reports how many messages wait for the caller.
// Users may only inspect their own queue.
// GET /api/queue/:userId
func (h *InspectHandlers) QueuePending(c *gin.Context) {
	userID := c.Param("userId")
	if caller := c.GetString(ContextKeyUserID); caller != userID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "forbidden"})
		return
	}

	pending, err := h.queue.Pending(c.Request.Context(), userID)
	if err != nil {
		h.storeError(c, err, "count pending")
		return
	}
	c.JSON(http.StatusOK, QueueResponse{UserID: userID, Pending: pending})
}

func (h *InspectHandlers) storeError(c *gin.Context, err error, op string) {
	h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(op)
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: core.CodeOf(err)})
}

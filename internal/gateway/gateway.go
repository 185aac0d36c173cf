// Package gateway runs client connections through their lifecycle:
// authenticate, drain the offline queue, go live, clean up.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/fanout"
	"github.com/vovakirdan/wirerelay/internal/metrics"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/proto"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/retry"
	"github.com/vovakirdan/wirerelay/internal/rooms"
	"github.com/vovakirdan/wirerelay/internal/utils"
)

// Transport is one client socket as the gateway sees it.
type Transport interface {
	// Read returns the next client frame.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, out proto.Outbound) error
	Close(status websocket.StatusCode, reason string) error
}

// Sender fans a message out to a room; *fanout.Coordinator implements it.
type Sender interface {
	Send(ctx context.Context, roomID, senderID string, payload json.RawMessage) (fanout.Result, error)
}

// Config tunes connection handling.
type Config struct {
	// ID names this gateway in presence entries and pub/sub channels.
	ID                 string
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	// AuthTimeout bounds the wait for a hello frame when the handshake had no credentials.
	AuthTimeout time.Duration
	// AckTimeout bounds the wait for each ack while draining.
	AckTimeout time.Duration
	// DrainWindow caps drained pushes awaiting an ack.
	DrainWindow  int
	SendBuffer   int
	DedupSize    int
	WriteTimeout time.Duration
	// RateLimit caps sendMessage frames per connection per minute; 0 disables it.
	RateLimit int
	Retry     retry.Policy
}

func (c *Config) setDefaults() {
	if c.ID == "" {
		c.ID = utils.NewID()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatMissLimit <= 0 {
		c.HeartbeatMissLimit = 3
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 32
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Deps are the collaborators a gateway talks to.
type Deps struct {
	Presence presence.Store
	Rooms    rooms.Registry
	// Queue should retry its writes (queue.WithRetry).
	Queue    queue.Queue
	Sender   Sender
	Resolver auth.Resolver
	Conns    *ConnTable
	Metrics  metrics.Recorder
	Logger   *zerolog.Logger
}

// Gateway serves client connections for one relay process.
type Gateway struct {
	cfg      Config
	presence presence.Store
	rooms    rooms.Registry
	queue    queue.Queue
	sender   Sender
	resolver auth.Resolver
	conns    *ConnTable
	metrics  metrics.Recorder
	log      *zerolog.Logger

	sessions sync.WaitGroup
}

// New builds a gateway. Zero Config fields take defaults.
func New(cfg Config, d Deps) *Gateway {
	cfg.setDefaults()
	g := &Gateway{
		cfg:      cfg,
		presence: d.Presence,
		rooms:    d.Rooms,
		queue:    d.Queue,
		sender:   d.Sender,
		resolver: d.Resolver,
		conns:    d.Conns,
		metrics:  d.Metrics,
		log:      d.Logger,
	}
	if g.conns == nil {
		g.conns = NewConnTable()
	}
	if g.metrics == nil {
		g.metrics = metrics.Nop{}
	}
	if g.log == nil {
		nop := zerolog.Nop()
		g.log = &nop
	}
	return g
}

// ID returns the gateway instance id.
func (g *Gateway) ID() string {
	return g.cfg.ID
}

// LocalConnections lists the ids of userID's connections attached to this
// gateway, sorted. Degraded connections that never reached presence show up
// here too.
func (g *Gateway) LocalConnections(userID string) []string {
	ids := lo.Map(g.conns.ByUser(userID), func(c *Conn, _ int) string { return c.ID })
	slices.Sort(ids)
	return ids
}

// Conns returns the local connection table.
func (g *Gateway) Conns() *ConnTable {
	return g.conns
}

// Serve runs one connection until it closes. credential comes from the
// handshake and may be empty, in which case the first frame must be hello.
//
// Serve closes t before returning. The error is nil for ordinary client
// disconnects.
func (g *Gateway) Serve(ctx context.Context, t Transport, credential string) error {
	g.sessions.Add(1)
	defer g.sessions.Done()

	s := newSession(g, t)
	err := s.run(ctx, credential)
	if errors.Is(err, core.ErrConnectionClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Wait blocks until every connection has finished its cleanup or ctx ends.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package fanout routes a room message to every recipient: a live push for
// connected users, the durable queue for everyone else.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/metrics"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/retry"
	"github.com/vovakirdan/wirerelay/internal/rooms"
)

// Pusher hands a message to one live connection. It returns once the message
// is accepted for transmission; an error means the caller must fall back to the queue.
type Pusher interface {
	Push(ctx context.Context, conn presence.Connection, msg core.Message) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, conn presence.Connection, msg core.Message) error

func (f PusherFunc) Push(ctx context.Context, conn presence.Connection, msg core.Message) error {
	return f(ctx, conn, msg)
}

// Result describes where a message went.
type Result struct {
	Message core.Message
	// Pushed lists connection ids that accepted a live push.
	Pushed []string
	// Enqueued lists recipients whose delivery is durable in the queue.
	Enqueued []string
	// Uncertain lists recipients that got neither.
	Uncertain []string
}

const lockStripes = 64

// Coordinator fans messages out to room members.
type Coordinator struct {
	presence presence.Store
	rooms    rooms.Registry
	queue    queue.Queue
	pusher   Pusher
	policy   retry.Policy
	metrics  metrics.Recorder
	log      *zerolog.Logger
	now      func() time.Time

	// Messages of one room fan out one at a time so recipients see them in send order.
	locks [lockStripes]sync.Mutex
}

// Options tune a Coordinator. Zero values pick defaults.
type Options struct {
	Policy  retry.Policy
	Metrics metrics.Recorder
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// New builds a coordinator. q should already retry its writes (see queue.WithRetry).
func New(p presence.Store, r rooms.Registry, q queue.Queue, pusher Pusher, opts Options) *Coordinator {
	c := &Coordinator{
		presence: p,
		rooms:    r,
		queue:    q,
		pusher:   pusher,
		policy:   opts.Policy,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if c.log == nil {
		nop := zerolog.Nop()
		c.log = &nop
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Send creates a message from senderID and delivers it to every other member of the room.
//
// The returned error wraps core.ErrDeliveryUncertain when at least one recipient
// could be neither pushed nor enqueued, and core.ErrStoreUnavailable when the room
// membership could not be read. In both cases Result still carries the message.
func (c *Coordinator) Send(ctx context.Context, roomID, senderID string, payload json.RawMessage) (Result, error) {
	return c.Deliver(ctx, core.NewMessage(roomID, senderID, payload, c.now()))
}

// Deliver fans out an already built message.
//
// Membership is read before the room's stripe lock is taken, so a store outage
// stalls only this send. The lock covers pushes and enqueues, whose retries are
// bounded by the policy.
func (c *Coordinator) Deliver(ctx context.Context, msg core.Message) (Result, error) {
	res := Result{Message: msg}

	var members []string
	err := retry.Do(ctx, c.policy, func() error {
		var err error
		members, err = c.rooms.Members(ctx, msg.RoomID)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("fanout members of %s: %w", msg.RoomID, err)
	}

	mu := c.lockFor(msg.RoomID)
	mu.Lock()
	defer mu.Unlock()

	for _, userID := range lo.Without(members, msg.SenderID) {
		c.deliverTo(ctx, userID, msg, &res)
	}

	if len(res.Uncertain) > 0 {
		return res, fmt.Errorf("fanout %s: %w for %d recipient(s)", msg.ID, core.ErrDeliveryUncertain, len(res.Uncertain))
	}
	return res, nil
}

func (c *Coordinator) deliverTo(ctx context.Context, userID string, msg core.Message, res *Result) {
	conns, err := c.presence.ListConnections(ctx, userID)
	if err != nil {
		// Unknown presence is treated as offline; the queue makes that safe.
		c.log.Warn().Err(err).Str("user_id", userID).Str("message_id", msg.ID).Msg("presence lookup failed, enqueueing")
	}

	needsQueue := len(conns) == 0
	for _, conn := range conns {
		if err := c.pusher.Push(ctx, conn, msg); err != nil {
			c.log.Debug().Err(err).Str("conn_id", conn.ID).Str("message_id", msg.ID).Msg("push failed, enqueueing")
			needsQueue = true
			continue
		}
		res.Pushed = append(res.Pushed, conn.ID)
	}
	if !needsQueue {
		return
	}

	if err := c.queue.Enqueue(ctx, userID, msg); err != nil {
		c.log.Error().Err(err).Str("user_id", userID).Str("message_id", msg.ID).Msg("enqueue failed")
		c.metrics.DeliveryUncertain()
		res.Uncertain = append(res.Uncertain, userID)
		return
	}
	c.metrics.Enqueued()
	res.Enqueued = append(res.Enqueued, userID)
}

func (c *Coordinator) lockFor(roomID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &c.locks[h.Sum32()%lockStripes]
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/metrics"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/queue"
)

var errNoSubscriber = errors.New("gateway has no subscriber")

// Channel is the pub/sub channel a gateway listens on for pushes aimed at its connections.
func Channel(gatewayID string) string {
	return "relay:gateway:" + gatewayID
}

type pushEnvelope struct {
	ConnID  string       `json:"conn_id"`
	UserID  string       `json:"user_id"`
	Message core.Message `json:"message"`
}

// Router delivers pushes to connections wherever they live: directly for
// connections in the local table, over Redis pub/sub for other gateways.
type Router struct {
	gatewayID string
	conns     *ConnTable
	rdb       *redis.Client
	queue     queue.Queue
	metrics   metrics.Recorder
	log       *zerolog.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRouter(gatewayID string, conns *ConnTable, rdb *redis.Client, q queue.Queue, m metrics.Recorder, logger *zerolog.Logger) *Router {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Router{
		gatewayID: gatewayID,
		conns:     conns,
		rdb:       rdb,
		queue:     q,
		metrics:   m,
		log:       logger,
		ready:     make(chan struct{}),
	}
}

// Push implements fanout.Pusher.
func (r *Router) Push(ctx context.Context, conn presence.Connection, msg core.Message) error {
	if conn.GatewayID == r.gatewayID {
		c, ok := r.conns.Get(conn.ID)
		if !ok {
			return fmt.Errorf("push to %s: %w", conn.ID, core.ErrConnectionClosed)
		}
		if err := c.Deliver(msg); err != nil {
			return fmt.Errorf("push to %s: %w", conn.ID, err)
		}
		r.metrics.Pushed(metrics.RouteLocal)
		return nil
	}
	if conn.GatewayID == "" {
		return fmt.Errorf("push to %s: unknown gateway", conn.ID)
	}

	payload, err := json.Marshal(pushEnvelope{ConnID: conn.ID, UserID: conn.UserID, Message: msg})
	if err != nil {
		return fmt.Errorf("push to %s: marshal: %w", conn.ID, err)
	}
	receivers, err := r.rdb.Publish(ctx, Channel(conn.GatewayID), payload).Result()
	if err != nil {
		return fmt.Errorf("push to %s: %w: %w", conn.ID, core.ErrStoreUnavailable, err)
	}
	if receivers == 0 {
		return fmt.Errorf("push to %s via %s: %w", conn.ID, conn.GatewayID, errNoSubscriber)
	}
	r.metrics.Pushed(metrics.RouteRemote)
	return nil
}

// Ready is closed once Run is subscribed.
func (r *Router) Ready() <-chan struct{} {
	return r.ready
}

// Run receives pushes published by other gateways until ctx ends. A push whose
// connection is gone or backed up lands in the recipient's queue.
func (r *Router) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, Channel(r.gatewayID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel(r.gatewayID), err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info().Str("channel", Channel(r.gatewayID)).Msg("router subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, m.Payload)
		}
	}
}

func (r *Router) handle(ctx context.Context, payload string) {
	var env pushEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn().Err(err).Msg("drop malformed push envelope")
		return
	}

	c, ok := r.conns.Get(env.ConnID)
	if ok {
		err := c.Deliver(env.Message)
		if err == nil {
			r.metrics.Pushed(metrics.RouteLocal)
			return
		}
		r.log.Debug().Err(err).Str("conn_id", env.ConnID).Msg("remote push not deliverable, enqueueing")
	}

	if err := r.queue.Enqueue(ctx, env.UserID, env.Message); err != nil {
		r.metrics.DeliveryUncertain()
		r.log.Error().Err(err).Str("user_id", env.UserID).Str("message_id", env.Message.ID).Msg("enqueue remote push")
		return
	}
	r.metrics.Enqueued()
}

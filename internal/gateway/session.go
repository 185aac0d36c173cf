package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/retry"
	"github.com/vovakirdan/wirerelay/internal/utils"
)

const (
	cleanupTimeout = 5 * time.Second
	// maxBufferedFrames caps client frames held back while draining.
	maxBufferedFrames = 1024
)

var (
	errAckTimeout   = errors.New("drain ack timeout")
	errDrainBacklog = errors.New("too many events while draining")
)

// session is the state of one connection. Everything except readLoop runs on
// the goroutine that called Serve.
type session struct {
	g   *Gateway
	t   Transport
	log zerolog.Logger

	state  State
	connID string
	userID string
	conn   *Conn

	frames  chan []byte
	readErr chan error

	// frames that arrived while draining, replayed once active
	backlog [][]byte
	// drained message ids pushed but not yet acknowledged
	unacked map[string]struct{}
	stalled bool
	joined  map[string]struct{}
	limiter *rateLimiter

	listed     bool
	registered bool
	degraded   bool
	opened     bool
}

func newSession(g *Gateway, t Transport) *session {
	connID := utils.NewID()
	return &session{
		g:       g,
		t:       t,
		log:     g.log.With().Str("conn_id", connID).Str("gateway_id", g.cfg.ID).Logger(),
		state:   StateConnecting,
		connID:  connID,
		frames:  make(chan []byte),
		readErr: make(chan error, 1),
		unacked: make(map[string]struct{}),
		joined:  make(map[string]struct{}),
		limiter: newRateLimiter(g.cfg.RateLimit, time.Minute, nil),
	}
}

func (s *session) setState(next State) {
	s.log.Debug().Str("from", s.state.String()).Str("to", next.String()).Msg("connection state")
	s.state = next
}

func (s *session) run(ctx context.Context, credential string) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop(ctx)
	defer func() { s.close(ctx, err) }()

	if err := s.authenticate(ctx, credential); err != nil {
		return err
	}
	s.conn = newConn(s.connID, s.userID, s.g.cfg.SendBuffer, s.g.cfg.DedupSize)

	s.setState(StateDraining)
	if err := s.drain(ctx); err != nil {
		return err
	}
	s.register(ctx)
	// Catch messages enqueued between the first pass and registration.
	if !s.stalled {
		if err := s.drain(ctx); err != nil {
			return err
		}
	}

	if err := s.send(ctx, &core.Event{Kind: core.EventReady, ConnID: s.connID, UserID: s.userID}); err != nil {
		return err
	}
	s.setState(StateActive)
	s.log.Info().Msg("connection active")

	backlog := s.backlog
	s.backlog = nil
	for _, data := range backlog {
		if err := s.handleFrame(ctx, data); err != nil {
			return err
		}
	}
	return s.loop(ctx)
}

func (s *session) readLoop(ctx context.Context) {
	for {
		data, err := s.t.Read(ctx)
		if err != nil {
			s.readErr <- err
			return
		}
		select {
		case s.frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func closedErr(err error) error {
	return fmt.Errorf("%w: %w", core.ErrConnectionClosed, err)
}

// authenticate resolves the user from the handshake credential or a hello frame.
func (s *session) authenticate(ctx context.Context, credential string) error {
	if credential == "" {
		timer := time.NewTimer(s.g.cfg.AuthTimeout)
		defer timer.Stop()

		select {
		case data := <-s.frames:
			cmd, cerr := decodeInbound(data)
			if cerr != nil || cmd.Kind != core.CommandHello {
				return s.reject(ctx, errors.New("first frame is not hello"))
			}
			credential = cmd.Token
		case err := <-s.readErr:
			return closedErr(err)
		case <-timer.C:
			return s.reject(ctx, errors.New("no hello before auth timeout"))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	userID, err := s.g.resolver.Resolve(ctx, credential)
	if err != nil {
		return s.reject(ctx, err)
	}
	s.userID = userID
	s.log = s.log.With().Str("user_id", userID).Logger()
	s.setState(StateAuthenticated)
	return nil
}

// reject reports unauthorized and closes; the client must reconnect to retry.
func (s *session) reject(ctx context.Context, cause error) error {
	s.log.Info().Err(cause).Msg("connection unauthorized")
	_ = s.send(ctx, core.ErrorEvent(core.NewError(core.ErrCodeUnauthorized, "unauthorized")))
	_ = s.t.Close(websocket.StatusPolicyViolation, "unauthorized")
	return core.ErrUnauthorized
}

func (s *session) send(ctx context.Context, event *core.Event) error {
	wctx, cancel := context.WithTimeout(ctx, s.g.cfg.WriteTimeout)
	defer cancel()
	if err := s.t.Write(wctx, outboundFromEvent(event)); err != nil {
		return closedErr(err)
	}
	return nil
}

// drain pushes the user's queued messages and waits for their acks, keeping
// at most DrainWindow unacknowledged. Corrupt entries are skipped; the queue
// has already dead-lettered them. Other queue errors end the pass and leave the
// entries for the next connection; only a dead connection is returned as an error.
func (s *session) drain(ctx context.Context) error {
	pushed := 0
	for d, err := range s.g.queue.Drain(ctx, s.userID) {
		if errors.Is(err, queue.ErrCorruptEntry) {
			s.log.Error().Err(err).Msg("corrupt queued message discarded")
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("drain interrupted, queued messages kept")
			break
		}
		if _, pending := s.unacked[d.Message.ID]; pending {
			continue
		}
		for len(s.unacked) >= s.g.cfg.DrainWindow {
			if err := s.awaitAck(ctx); err != nil {
				return s.drainStopped(err)
			}
		}
		s.conn.markSeen(d.Message.ID)
		if err := s.send(ctx, core.PushEvent(d.Message, true)); err != nil {
			return err
		}
		s.unacked[d.Message.ID] = struct{}{}
		pushed++
	}

	for len(s.unacked) > 0 {
		if err := s.awaitAck(ctx); err != nil {
			return s.drainStopped(err)
		}
	}
	if pushed > 0 {
		s.log.Info().Int("messages", pushed).Msg("queue drained")
	}
	return nil
}

func (s *session) drainStopped(err error) error {
	if errors.Is(err, errAckTimeout) {
		s.stalled = true
		s.log.Warn().Int("unacked", len(s.unacked)).Msg("client stopped acknowledging, drain abandoned")
		return nil
	}
	return err
}

// awaitAck blocks until one drained push is acknowledged. Other frames are
// kept for replay once the connection is active.
func (s *session) awaitAck(ctx context.Context) error {
	timer := time.NewTimer(s.g.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case data := <-s.frames:
			cmd, cerr := decodeInbound(data)
			if cerr == nil && cmd.Kind == core.CommandAck {
				if _, pending := s.unacked[cmd.MessageID]; pending {
					s.acknowledge(ctx, cmd.MessageID)
					return nil
				}
				continue
			}
			if len(s.backlog) >= maxBufferedFrames {
				return errDrainBacklog
			}
			s.backlog = append(s.backlog, data)
		case err := <-s.readErr:
			return closedErr(err)
		case <-timer.C:
			return errAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) acknowledge(ctx context.Context, messageID string) {
	delete(s.unacked, messageID)
	if err := s.g.queue.Acknowledge(ctx, s.userID, messageID); err != nil {
		// The entry stays queued and is delivered again on the next drain.
		s.log.Warn().Err(err).Str("message_id", messageID).Msg("acknowledge drained message")
		return
	}
	s.g.metrics.Drained()
}

// register makes the connection reachable for live pushes. A presence failure
// leaves the connection up in degraded mode; heartbeats keep trying.
func (s *session) register(ctx context.Context) {
	s.g.conns.Add(s.conn)
	s.listed = true
	s.registered = true
	s.g.metrics.ConnectionOpened()
	s.opened = true

	err := retry.Do(ctx, s.g.cfg.Retry, func() error {
		return s.g.presence.Register(ctx, s.userID, s.connID, s.g.cfg.ID)
	})
	if err != nil {
		s.degraded = true
		s.log.Error().Err(err).Msg("presence register failed, connection degraded")
	}
}

func (s *session) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	alive := true
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.readErr:
			return closedErr(err)
		case data := <-s.frames:
			alive = true
			if err := s.handleFrame(ctx, data); err != nil {
				return err
			}
		case msg := <-s.conn.out:
			if err := s.pushLive(ctx, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if alive {
				alive, missed = false, 0
				s.heartbeat(ctx)
				continue
			}
			missed++
			if missed >= s.g.cfg.HeartbeatMissLimit {
				s.log.Info().Int("missed", missed).Msg("heartbeat timeout")
				_ = s.send(ctx, core.ErrorEvent(core.NewError(core.ErrCodeHeartbeatTimeout, "heartbeat timeout")))
				return core.ErrHeartbeatTimeout
			}
		}
	}
}

// heartbeat refreshes presence. A connection the sweeper expired is restored
// together with its room connections.
func (s *session) heartbeat(ctx context.Context) {
	revived, err := s.g.presence.Heartbeat(ctx, s.userID, s.connID, s.g.cfg.ID)
	if err != nil {
		if !s.degraded {
			s.log.Warn().Err(err).Msg("presence heartbeat failed, connection degraded")
		}
		s.degraded = true
		return
	}
	if s.degraded {
		s.log.Info().Msg("presence restored")
		s.degraded = false
	}
	if !revived {
		return
	}
	for _, roomID := range lo.Keys(s.joined) {
		if err := s.g.rooms.Join(ctx, roomID, s.connID, s.userID); err != nil {
			s.log.Warn().Err(err).Str("room_id", roomID).Msg("rejoin room after revive")
		}
	}
}

// handleFrame executes one client command. Only a failed write is returned.
func (s *session) handleFrame(ctx context.Context, data []byte) error {
	cmd, cerr := decodeInbound(data)
	if cerr != nil {
		s.log.Debug().Str("code", cerr.Code).Msg(cerr.Message)
		return s.send(ctx, core.ErrorEvent(cerr))
	}

	switch cmd.Kind {
	case core.CommandHello:
		return s.send(ctx, core.ErrorEvent(core.NewError(core.ErrCodeBadRequest, "already authenticated")))
	case core.CommandJoinRoom:
		return s.joinRoom(ctx, cmd.Room)
	case core.CommandLeaveRoom:
		return s.leaveRoom(ctx, cmd.Room)
	case core.CommandSendMessage:
		return s.sendMessage(ctx, cmd)
	case core.CommandAck:
		// Live pushes need no ack; late acks for a stalled drain still count.
		if _, pending := s.unacked[cmd.MessageID]; pending {
			s.acknowledge(ctx, cmd.MessageID)
		}
		return nil
	case core.CommandPing:
		if err := s.send(ctx, &core.Event{Kind: core.EventPong}); err != nil {
			return err
		}
		s.heartbeat(ctx)
		return nil
	default:
		return s.send(ctx, core.ErrorEvent(core.NewError(core.ErrCodeBadRequest, "unsupported command")))
	}
}

func (s *session) joinRoom(ctx context.Context, roomID string) error {
	err := retry.Do(ctx, s.g.cfg.Retry, func() error {
		return s.g.rooms.Join(ctx, roomID, s.connID, s.userID)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("join room")
		return s.send(ctx, core.ErrorEvent(core.NewError(core.CodeOf(err), "join failed")))
	}
	s.joined[roomID] = struct{}{}
	return nil
}

func (s *session) leaveRoom(ctx context.Context, roomID string) error {
	delete(s.joined, roomID)
	err := retry.Do(ctx, s.g.cfg.Retry, func() error {
		return s.g.rooms.Leave(ctx, roomID, s.connID, s.userID)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("leave room")
		return s.send(ctx, core.ErrorEvent(core.NewError(core.CodeOf(err), "leave failed")))
	}
	return nil
}

// sendMessage answers with exactly one messageAccepted or messageRejected.
func (s *session) sendMessage(ctx context.Context, cmd core.Command) error {
	if _, ok := s.joined[cmd.Room]; !ok {
		return s.rejectMessage(ctx, cmd.ClientRef, core.ErrNotInRoom)
	}
	if !s.limiter.allow() {
		return s.rejectMessage(ctx, cmd.ClientRef, core.ErrRateLimited)
	}
	res, err := s.g.sender.Send(ctx, cmd.Room, s.userID, cmd.Payload)
	if err != nil {
		s.log.Warn().Err(err).Str("room_id", cmd.Room).Str("message_id", res.Message.ID).Msg("send message")
		return s.rejectMessage(ctx, cmd.ClientRef, err)
	}
	return s.send(ctx, &core.Event{
		Kind:      core.EventMessageAccepted,
		MessageID: res.Message.ID,
		ClientRef: cmd.ClientRef,
	})
}

func (s *session) rejectMessage(ctx context.Context, clientRef string, cause error) error {
	reason := core.RejectReason(cause)
	s.g.metrics.Rejected(reason)
	return s.send(ctx, &core.Event{
		Kind:      core.EventMessageRejected,
		Reason:    reason,
		ClientRef: clientRef,
	})
}

// pushLive writes a live push. If the socket write fails the message goes to
// the queue instead of being dropped.
func (s *session) pushLive(ctx context.Context, msg core.Message) error {
	if s.conn.markSeen(msg.ID) {
		return nil
	}
	if err := s.send(ctx, core.PushEvent(msg, false)); err != nil {
		s.enqueue(ctx, msg)
		return err
	}
	return nil
}

func (s *session) enqueue(ctx context.Context, msg core.Message) {
	if err := s.g.queue.Enqueue(ctx, s.userID, msg); err != nil {
		s.g.metrics.DeliveryUncertain()
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("enqueue undelivered push")
		return
	}
	s.g.metrics.Enqueued()
}

// close always runs, on a context detached from the connection's.
func (s *session) close(ctx context.Context, cause error) {
	s.setState(StateClosed)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if s.conn != nil {
		if s.listed {
			s.g.conns.Remove(s.conn)
		}
		for _, msg := range s.conn.shutdown() {
			s.enqueue(ctx, msg)
		}
	}
	if s.userID != "" {
		if s.registered {
			if _, err := s.g.presence.Deregister(ctx, s.userID, s.connID); err != nil {
				s.log.Warn().Err(err).Msg("presence deregister")
			}
		}
		if _, err := s.g.rooms.Disconnect(ctx, s.connID); err != nil {
			s.log.Warn().Err(err).Msg("detach from rooms")
		}
	}
	if s.opened {
		s.g.metrics.ConnectionClosed()
	}

	status, reason := closeStatus(cause)
	_ = s.t.Close(status, reason)
	s.log.Info().Err(cause).Msg("connection closed")
}

func closeStatus(cause error) (websocket.StatusCode, string) {
	switch {
	case cause == nil, errors.Is(cause, core.ErrConnectionClosed), errors.Is(cause, context.Canceled):
		return websocket.StatusNormalClosure, "closing"
	case errors.Is(cause, core.ErrUnauthorized):
		return websocket.StatusPolicyViolation, "unauthorized"
	case errors.Is(cause, core.ErrHeartbeatTimeout):
		return websocket.StatusPolicyViolation, "heartbeat timeout"
	case errors.Is(cause, errDrainBacklog):
		return websocket.StatusPolicyViolation, "too many events while draining"
	case errors.Is(cause, io.EOF):
		return websocket.StatusNormalClosure, "closing"
	default:
		return websocket.StatusInternalError, "internal error"
	}
}

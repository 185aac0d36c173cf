package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/proto"
	"github.com/vovakirdan/wirerelay/internal/queue/queuetest"
)

func TestUnauthorizedHandshakeIsClosed(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(h.gw, "not-a-token")

	out := c.expect(t, proto.OutboundTypeError)
	require.NotNil(t, out.Error)
	assert.Equal(t, core.ErrCodeUnauthorized, out.Error.Code)

	err := c.wait(t)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	status, reason := c.t.closeStatus()
	assert.Equal(t, websocket.StatusPolicyViolation, status)
	assert.Equal(t, "unauthorized", reason)
	assert.Zero(t, h.gw.Conns().Len())
}

func TestHelloFrameAuthenticates(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(h.gw, "")
	c.send(t, proto.InboundTypeHello, proto.HelloData{Token: "token-alice", Protocol: proto.ProtocolVersion})

	ready := c.expect(t, proto.OutboundTypeReady).Data.(proto.ReadyData)
	assert.Equal(t, "alice", ready.UserID)
	assert.NotEmpty(t, ready.ConnectionID)

	online, err := h.presence.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestFirstFrameMustBeHello(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(h.gw, "")
	c.send(t, proto.InboundTypePing, nil)

	out := c.expect(t, proto.OutboundTypeError)
	assert.Equal(t, core.ErrCodeUnauthorized, out.Error.Code)
	assert.ErrorIs(t, c.wait(t), core.ErrUnauthorized)
}

func TestAuthTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AuthTimeout = 30 * time.Millisecond })
	c := h.dial(h.gw, "")

	out := c.expect(t, proto.OutboundTypeError)
	assert.Equal(t, core.ErrCodeUnauthorized, out.Error.Code)
	assert.ErrorIs(t, c.wait(t), core.ErrUnauthorized)
}

func TestOfflineRecipientGetsMessageOnReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	alice := h.connect(t, h.gw, "alice")
	bob := h.connect(t, h.gw, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")

	bob.disconnect(t)
	online, err := h.presence.IsOnline(ctx, "bob")
	require.NoError(t, err)
	require.False(t, online)

	alice.say(t, "r1", "hello", "ref-1")
	accepted := alice.expect(t, proto.OutboundTypeMessageAccepted).Data.(proto.MessageAccepted)
	assert.Equal(t, "ref-1", accepted.ClientRef)

	pending, err := h.queue.Pending(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	bob = h.dial(h.gw, "token-bob")
	push, text := pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "hello", text)
	assert.True(t, push.Queued)
	assert.Equal(t, accepted.MessageID, push.MessageID)
	assert.Equal(t, "alice", push.SenderID)
	assert.Equal(t, "r1", push.RoomID)

	bob.ack(t, push.MessageID)
	bob.expect(t, proto.OutboundTypeReady)

	assert.Empty(t, queuetest.Collect(t, h.queue, "bob"), "a later drain returns nothing")
}

func TestCorruptQueuedEntryIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	alice := h.connect(t, h.gw, "alice")
	bob := h.connect(t, h.gw, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")
	bob.disconnect(t)

	require.NoError(t, h.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "queue:{bob}:stream",
		Values: []any{"message_id", "broken", "data", "{not json", "enqueued_at", "0"},
	}).Err())

	alice.say(t, "r1", "hello", "ref-1")
	alice.expect(t, proto.OutboundTypeMessageAccepted)

	bob = h.dial(h.gw, "token-bob")
	push, text := pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "hello", text)
	assert.True(t, push.Queued)

	bob.ack(t, push.MessageID)
	bob.expect(t, proto.OutboundTypeReady)

	pending, err := h.queue.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, pending, "the corrupt entry left the queue")
}

func TestDrainCompletesBeforeLiveTraffic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	alice := h.connect(t, h.gw, "alice")
	bob := h.connect(t, h.gw, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")
	bob.disconnect(t)

	for _, text := range []string{"one", "two", "three"} {
		alice.say(t, "r1", text, "")
		alice.expect(t, proto.OutboundTypeMessageAccepted)
	}

	bob = h.dial(h.gw, "token-bob")
	var ids []string
	for _, want := range []string{"one", "two", "three"} {
		push, text := pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
		assert.Equal(t, want, text)
		assert.True(t, push.Queued)
		ids = append(ids, push.MessageID)
	}

	// bob is still draining, so this one is queued too and must come before ready.
	alice.say(t, "r1", "four", "")
	alice.expect(t, proto.OutboundTypeMessageAccepted)
	for _, id := range ids {
		bob.ack(t, id)
	}

	push, text := pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "four", text)
	assert.True(t, push.Queued)
	bob.ack(t, push.MessageID)
	bob.expect(t, proto.OutboundTypeReady)

	// bob's new connection has not joined r1, but bob is still a member.
	alice.say(t, "r1", "five", "")
	alice.expect(t, proto.OutboundTypeMessageAccepted)
	push, text = pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "five", text)
	assert.False(t, push.Queued)

	pending, err := h.queue.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDrainAbandonedWhenConnectionDrops(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.queue.Enqueue(ctx, "bob", queuetest.Message("m1")))
	require.NoError(t, h.queue.Enqueue(ctx, "bob", queuetest.Message("m2")))

	bob := h.dial(h.gw, "token-bob")
	push, _ := pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "m1", push.MessageID)
	bob.disconnect(t)

	pending, err := h.queue.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, pending, "entries stay until acknowledged")

	online, err := h.presence.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online, "a drain that never finished never registered presence")
}

func TestStalledDrainStillGoesLive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.AckTimeout = 50 * time.Millisecond })
	require.NoError(t, h.queue.Enqueue(ctx, "bob", queuetest.Message("m1")))

	bob := h.dial(h.gw, "token-bob")
	bob.expect(t, proto.OutboundTypeMessagePush)
	bob.expect(t, proto.OutboundTypeReady)

	// A late ack still clears the entry.
	bob.ack(t, "m1")
	bob.sync(t)
	pending, err := h.queue.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestFramesDuringDrainAreReplayed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.queue.Enqueue(ctx, "bob", queuetest.Message("m1")))

	bob := h.dial(h.gw, "token-bob")
	bob.expect(t, proto.OutboundTypeMessagePush)
	bob.send(t, proto.InboundTypeJoinRoom, proto.RoomData{RoomID: "r1"})
	bob.send(t, proto.InboundTypePing, nil)
	bob.ack(t, "m1")

	bob.expect(t, proto.OutboundTypeReady)
	bob.expect(t, proto.OutboundTypePong)

	members, err := h.rooms.Members(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
}

func TestLivePushSkipsSender(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, h.gw, "alice")
	bob := h.connect(t, h.gw, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")

	alice.say(t, "r1", "hi", "ref-9")
	accepted := alice.expect(t, proto.OutboundTypeMessageAccepted).Data.(proto.MessageAccepted)

	push, text := pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "hi", text)
	assert.False(t, push.Queued)
	assert.Equal(t, accepted.MessageID, push.MessageID)
	assert.NotZero(t, push.SentAt)

	alice.expectQuiet(t, 50*time.Millisecond)
}

func TestMultiDevicePresence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	phone := h.connect(t, h.gw, "alice")
	laptop := h.connect(t, h.gw, "alice")
	bob := h.connect(t, h.gw, "bob")
	phone.join(t, "r1")
	laptop.join(t, "r1")
	bob.join(t, "r1")

	bob.say(t, "r1", "both", "")
	bob.expect(t, proto.OutboundTypeMessageAccepted)
	_, text := pushText(t, phone.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "both", text)
	_, text = pushText(t, laptop.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "both", text)
	assert.ElementsMatch(t, []string{phone.connID, laptop.connID}, h.gw.LocalConnections("alice"))
	assert.Empty(t, h.gw.LocalConnections("carol"))

	phone.disconnect(t)
	online, err := h.presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online, "laptop is still connected")

	conns, err := h.rooms.Connections(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, conns, phone.connID)
	assert.Contains(t, conns, laptop.connID)

	laptop.disconnect(t)
	online, err = h.presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestHeartbeatTimeoutCleansUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.HeartbeatMissLimit = 3
	})

	alice := h.connect(t, h.gw, "alice")
	alice.join(t, "r1")

	// go silent
	out := alice.expect(t, proto.OutboundTypeError)
	assert.Equal(t, core.ErrCodeHeartbeatTimeout, out.Error.Code)
	assert.ErrorIs(t, alice.wait(t), core.ErrHeartbeatTimeout)

	status, _ := alice.t.closeStatus()
	assert.Equal(t, websocket.StatusPolicyViolation, status)

	online, err := h.presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	conns, err := h.rooms.Connections(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, conns, alice.connID)
	joined, err := h.rooms.Rooms(ctx, alice.connID)
	require.NoError(t, err)
	assert.Empty(t, joined)
	assert.Zero(t, h.gw.Conns().Len())
}

func TestPingsKeepConnectionAlive(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.HeartbeatInterval = 20 * time.Millisecond
		c.HeartbeatMissLimit = 3
	})
	alice := h.connect(t, h.gw, "alice")

	for range 10 {
		time.Sleep(15 * time.Millisecond)
		alice.sync(t)
	}
	select {
	case err := <-alice.done:
		t.Fatalf("connection closed while pinging: %v", err)
	default:
	}
}

func TestMalformedEventKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, h.gw, "alice")

	alice.sendRaw(t, []byte("not json"))
	out := alice.expect(t, proto.OutboundTypeError)
	assert.Equal(t, core.ErrCodeMalformedEvent, out.Error.Code)

	alice.sendRaw(t, []byte(`{"type":"teleport"}`))
	out = alice.expect(t, proto.OutboundTypeError)
	assert.Equal(t, core.ErrCodeMalformedEvent, out.Error.Code)

	alice.send(t, proto.InboundTypeJoinRoom, proto.RoomData{})
	out = alice.expect(t, proto.OutboundTypeError)
	assert.Equal(t, core.ErrCodeMalformedEvent, out.Error.Code)

	alice.sync(t)
}

func TestSendOutsideJoinedRoomIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, h.gw, "alice")

	alice.say(t, "r1", "hi", "ref-1")
	rejected := alice.expect(t, proto.OutboundTypeMessageRejected).Data.(proto.MessageRejected)
	assert.Equal(t, core.ReasonNotInRoom, rejected.Reason)
	assert.Equal(t, "ref-1", rejected.ClientRef)

	alice.join(t, "r1")
	alice.send(t, proto.InboundTypeLeaveRoom, proto.RoomData{RoomID: "r1"})
	alice.say(t, "r1", "hi again", "ref-2")
	rejected = alice.expect(t, proto.OutboundTypeMessageRejected).Data.(proto.MessageRejected)
	assert.Equal(t, "ref-2", rejected.ClientRef)
}

func TestLeaveAfterReconnectStopsDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	alice := h.connect(t, h.gw, "alice")
	bob := h.connect(t, h.gw, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")
	bob.disconnect(t)

	bob = h.connect(t, h.gw, "bob")
	bob.send(t, proto.InboundTypeLeaveRoom, proto.RoomData{RoomID: "r1"})
	bob.sync(t)

	members, err := h.rooms.Members(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	alice.say(t, "r1", "after-leave", "ref-1")
	alice.expect(t, proto.OutboundTypeMessageAccepted)
	bob.expectQuiet(t, 100*time.Millisecond)

	pending, err := h.queue.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSendRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RateLimit = 2 })
	alice := h.connect(t, h.gw, "alice")
	alice.join(t, "r1")

	for _, ref := range []string{"ref-1", "ref-2"} {
		alice.say(t, "r1", "hi", ref)
		alice.expect(t, proto.OutboundTypeMessageAccepted)
	}
	alice.say(t, "r1", "hi", "ref-3")
	rejected := alice.expect(t, proto.OutboundTypeMessageRejected).Data.(proto.MessageRejected)
	assert.Equal(t, core.ReasonRateLimited, rejected.Reason)
	assert.Equal(t, "ref-3", rejected.ClientRef)
}

func TestStoreOutageRejectsSend(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, h.gw, "alice")
	alice.join(t, "r1")

	h.mr.SetError("ERR injected failure")
	defer h.mr.SetError("")

	alice.say(t, "r1", "hi", "ref-1")
	rejected := alice.expect(t, proto.OutboundTypeMessageRejected).Data.(proto.MessageRejected)
	assert.Equal(t, core.ReasonStoreUnavailable, rejected.Reason)
}

func TestCrossGatewayPush(t *testing.T) {
	h := newHarness(t, nil)
	gw2, _ := h.addGateway(t, "gw-2", nil)

	alice := h.connect(t, h.gw, "alice")
	bob := h.connect(t, gw2, "bob")
	alice.join(t, "r1")
	bob.join(t, "r1")

	alice.say(t, "r1", "across", "")
	alice.expect(t, proto.OutboundTypeMessageAccepted)
	push, text := pushText(t, bob.expect(t, proto.OutboundTypeMessagePush))
	assert.Equal(t, "across", text)
	assert.False(t, push.Queued)
}

func TestServeReturnsNilOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(h.ctx)
	c := &testClient{t: newFakeTransport(), done: make(chan error, 1)}
	go func() { c.done <- h.gw.Serve(ctx, c.t, "token-alice") }()
	c.expect(t, proto.OutboundTypeReady)

	cancel()
	assert.NoError(t, c.wait(t), "cancel is an ordinary shutdown")
}

func TestWaitCoversSessionCleanup(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(h.ctx)
	c := &testClient{t: newFakeTransport(), done: make(chan error, 1)}
	go func() { c.done <- h.gw.Serve(ctx, c.t, "token-alice") }()
	c.expect(t, proto.OutboundTypeReady)

	busy, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, h.gw.Wait(busy), context.DeadlineExceeded)

	cancel()
	waitCtx, stopWait := context.WithTimeout(context.Background(), waitTimeout)
	defer stopWait()
	require.NoError(t, h.gw.Wait(waitCtx))

	online, err := h.presence.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

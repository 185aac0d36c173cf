package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/queue/queuetest"
	"github.com/vovakirdan/wirerelay/internal/retry"
	"github.com/vovakirdan/wirerelay/internal/rooms"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushed map[string][]string // connID -> message ids
	fail   map[string]bool
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{pushed: map[string][]string{}, fail: map[string]bool{}}
}

func (p *recordingPusher) Push(_ context.Context, conn presence.Connection, msg core.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[conn.ID] {
		return core.ErrSlowConsumer
	}
	p.pushed[conn.ID] = append(p.pushed[conn.ID], msg.ID)
	return nil
}

type fixture struct {
	presence *presence.RedisStore
	rooms    *rooms.RedisRegistry
	queue    *queue.Redis
	pusher   *recordingPusher
	coord    *Coordinator
}

func policy() retry.Policy {
	return retry.NewPolicy(3, time.Millisecond)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		presence: presence.NewRedisStore(rdb, time.Minute),
		rooms:    rooms.NewRedisRegistry(rdb),
		queue:    queue.NewRedis(rdb),
		pusher:   newRecordingPusher(),
	}
	f.coord = New(f.presence, f.rooms, f.queue, f.pusher, Options{Policy: policy()})
	return f
}

func (f *fixture) online(t *testing.T, room, user string, conns ...string) {
	t.Helper()
	ctx := context.Background()
	for _, c := range conns {
		require.NoError(t, f.presence.Register(ctx, user, c, "gw-1"))
		require.NoError(t, f.rooms.Join(ctx, room, c, user))
	}
}

// offline leaves a room membership behind for a user whose connection has gone.
func (f *fixture) offline(t *testing.T, room, user, conn string) {
	t.Helper()
	require.NoError(t, f.rooms.Join(context.Background(), room, conn, user))
}

func payload(text string) json.RawMessage {
	return json.RawMessage(`{"text":"` + text + `"}`)
}

func TestSendPushesOnlineAndQueuesOffline(t *testing.T) {
	f := newFixture(t)
	f.online(t, "general", "alice", "a1")
	f.online(t, "general", "bob", "b1", "b2")
	f.online(t, "general", "carol", "c1")
	f.offline(t, "general", "dave", "d1")
	f.offline(t, "general", "erin", "e1")

	res, err := f.coord.Send(context.Background(), "general", "alice", payload("hi"))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b1", "b2", "c1"}, res.Pushed)
	assert.ElementsMatch(t, []string{"dave", "erin"}, res.Enqueued)
	assert.Empty(t, res.Uncertain)
	assert.Empty(t, f.pusher.pushed["a1"], "sender never receives its own message")

	for _, user := range []string{"dave", "erin"} {
		got := queuetest.Collect(t, f.queue, user)
		require.Len(t, got, 1)
		assert.Equal(t, res.Message.ID, got[0].Message.ID)
	}
	n, err := f.queue.Pending(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendBuildsMessage(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2025, 3, 1, 9, 30, 0, 0, time.FixedZone("X", 3600))
	f.coord.now = func() time.Time { return fixed }

	res, err := f.coord.Send(context.Background(), "general", "alice", payload("hi"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Message.ID)
	assert.Equal(t, "general", res.Message.RoomID)
	assert.Equal(t, "alice", res.Message.SenderID)
	assert.Equal(t, time.UTC, res.Message.SentAt.Location())
	assert.True(t, fixed.Equal(res.Message.SentAt))
}

func TestSendToEmptyRoomSucceeds(t *testing.T) {
	f := newFixture(t)
	res, err := f.coord.Send(context.Background(), "void", "alice", payload("anyone?"))
	require.NoError(t, err)
	assert.Empty(t, res.Pushed)
	assert.Empty(t, res.Enqueued)
}

func TestFailedPushFallsBackToQueue(t *testing.T) {
	f := newFixture(t)
	f.online(t, "general", "bob", "b1", "b2")
	f.pusher.fail["b2"] = true

	res, err := f.coord.Send(context.Background(), "general", "alice", payload("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, res.Pushed)
	assert.Equal(t, []string{"bob"}, res.Enqueued)

	n, err := f.queue.Pending(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type brokenQueue struct {
	queue.Queue
	calls int
}

func (b *brokenQueue) Enqueue(context.Context, string, core.Message) error {
	b.calls++
	return core.ErrQueueUnavailable
}

func TestEnqueueExhaustionIsDeliveryUncertain(t *testing.T) {
	f := newFixture(t)
	f.online(t, "general", "bob", "b1")
	f.offline(t, "general", "dave", "d1")

	broken := &brokenQueue{Queue: f.queue}
	coord := New(f.presence, f.rooms, queue.WithRetry(broken, policy()), f.pusher, Options{Policy: policy()})

	res, err := coord.Send(context.Background(), "general", "alice", payload("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeliveryUncertain)
	assert.Equal(t, core.ReasonDeliveryUncertain, core.RejectReason(err))
	assert.Equal(t, []string{"dave"}, res.Uncertain)
	assert.Equal(t, []string{"b1"}, res.Pushed, "online recipients are still served")
	assert.Equal(t, 3, broken.calls)
}

type failingRooms struct {
	rooms.Registry
	calls int
}

func (f *failingRooms) Members(context.Context, string) ([]string, error) {
	f.calls++
	return nil, core.ErrStoreUnavailable
}

func TestMembershipFailureIsStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	fr := &failingRooms{Registry: f.rooms}
	coord := New(f.presence, fr, f.queue, f.pusher, Options{Policy: policy()})

	res, err := coord.Send(context.Background(), "general", "alice", payload("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.Equal(t, core.ReasonStoreUnavailable, core.RejectReason(err))
	assert.NotEmpty(t, res.Message.ID)
	assert.Equal(t, 3, fr.calls)
}

// stuckRooms blocks Members for one room until released.
type stuckRooms struct {
	rooms.Registry
	stuck   string
	entered chan struct{}
	release chan struct{}
}

func (s *stuckRooms) Members(ctx context.Context, roomID string) ([]string, error) {
	if roomID == s.stuck {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Registry.Members(ctx, roomID)
}

func TestSlowMembershipDoesNotBlockStripe(t *testing.T) {
	f := newFixture(t)
	sr := &stuckRooms{Registry: f.rooms, entered: make(chan struct{}), release: make(chan struct{})}
	coord := New(f.presence, sr, f.queue, f.pusher, Options{Policy: policy()})

	// Find a second room sharing the stuck room's lock stripe.
	sr.stuck = "slow"
	other := ""
	for i := 0; other == ""; i++ {
		if id := fmt.Sprintf("room-%d", i); coord.lockFor(id) == coord.lockFor(sr.stuck) {
			other = id
		}
	}
	f.online(t, other, "bob", "c-bob")

	slowDone := make(chan error, 1)
	go func() {
		_, err := coord.Send(context.Background(), sr.stuck, "alice", payload("slow"))
		slowDone <- err
	}()
	<-sr.entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := coord.Send(context.Background(), other, "alice", payload("fast"))
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send to a room on the same stripe waited for a membership read")
	}
	assert.Len(t, f.pusher.pushed["c-bob"], 1)

	close(sr.release)
	require.NoError(t, <-slowDone)
}

type blindPresence struct {
	presence.Store
}

func (blindPresence) ListConnections(context.Context, string) ([]presence.Connection, error) {
	return nil, errors.New("presence offline")
}

func TestPresenceFailureTreatsRecipientAsOffline(t *testing.T) {
	f := newFixture(t)
	f.online(t, "general", "bob", "b1")

	coord := New(blindPresence{Store: f.presence}, f.rooms, f.queue, f.pusher, Options{Policy: policy()})
	res, err := coord.Send(context.Background(), "general", "alice", payload("hi"))
	require.NoError(t, err)
	assert.Empty(t, res.Pushed)
	assert.Equal(t, []string{"bob"}, res.Enqueued)
}

func TestRoomOrderIsPreservedPerRecipient(t *testing.T) {
	f := newFixture(t)
	f.offline(t, "general", "dave", "d1")

	var sent []string
	for i := range 20 {
		res, err := f.coord.Send(context.Background(), "general", "alice", payload(string(rune('a'+i))))
		require.NoError(t, err)
		sent = append(sent, res.Message.ID)
	}

	var got []string
	for _, d := range queuetest.Collect(t, f.queue, "dave") {
		got = append(got, d.Message.ID)
	}
	assert.Equal(t, sent, got)
}

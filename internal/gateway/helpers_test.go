package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/fanout"
	"github.com/vovakirdan/wirerelay/internal/presence"
	"github.com/vovakirdan/wirerelay/internal/proto"
	"github.com/vovakirdan/wirerelay/internal/queue"
	"github.com/vovakirdan/wirerelay/internal/retry"
	"github.com/vovakirdan/wirerelay/internal/rooms"
)

const waitTimeout = 2 * time.Second

var errServerClosed = errors.New("server closed the transport")

// fakeTransport is an in-memory socket. The test plays the client.
type fakeTransport struct {
	in  chan []byte
	out chan proto.Outbound

	gone     chan struct{}
	goneOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	status    websocket.StatusCode
	reason    string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan proto.Outbound, 256),
		gone:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.gone:
		return nil, io.EOF
	case <-f.closed:
		return nil, errServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, out proto.Outbound) error {
	select {
	case <-f.gone:
		return io.ErrClosedPipe
	case <-f.closed:
		return errServerClosed
	default:
	}
	select {
	case f.out <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close(status websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.status, f.reason = status, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) hangup() {
	f.goneOnce.Do(func() { close(f.gone) })
}

func (f *fakeTransport) closeStatus() (websocket.StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.reason
}

type harness struct {
	ctx      context.Context
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	presence *presence.RedisStore
	rooms    *rooms.RedisRegistry
	queue    *queue.Redis
	gw       *Gateway
	router   *Router
}

func testResolver() auth.Resolver {
	return auth.ResolverFunc(func(_ context.Context, credential string) (string, error) {
		user, ok := strings.CutPrefix(credential, "token-")
		if !ok || user == "" {
			return "", core.ErrUnauthorized
		}
		return user, nil
	})
}

func testConfig(id string) Config {
	return Config{
		ID:                 id,
		HeartbeatInterval:  time.Hour,
		HeartbeatMissLimit: 3,
		AuthTimeout:        waitTimeout,
		AckTimeout:         waitTimeout,
		DrainWindow:        8,
		SendBuffer:         16,
		DedupSize:          64,
		WriteTimeout:       time.Second,
		Retry:              retry.NewPolicy(2, time.Millisecond),
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		ctx:      ctx,
		mr:       mr,
		rdb:      rdb,
		presence: presence.NewRedisStore(rdb, time.Minute),
		rooms:    rooms.NewRedisRegistry(rdb),
		queue:    queue.NewRedis(rdb),
	}
	h.gw, h.router = h.addGateway(t, "gw-1", mutate)
	return h
}

// addGateway starts another gateway process sharing the same stores.
func (h *harness) addGateway(t *testing.T, id string, mutate func(*Config)) (*Gateway, *Router) {
	t.Helper()
	cfg := testConfig(id)
	if mutate != nil {
		mutate(&cfg)
	}
	q := queue.WithRetry(h.queue, cfg.Retry)
	conns := NewConnTable()
	router := NewRouter(id, conns, h.rdb, q, nil, nil)
	coord := fanout.New(h.presence, h.rooms, q, router, fanout.Options{Policy: cfg.Retry})
	gw := New(cfg, Deps{
		Presence: h.presence,
		Rooms:    h.rooms,
		Queue:    q,
		Sender:   coord,
		Resolver: testResolver(),
		Conns:    conns,
	})

	go func() { _ = router.Run(h.ctx) }()
	select {
	case <-router.Ready():
	case <-time.After(waitTimeout):
		t.Fatalf("router %s did not subscribe", id)
	}
	return gw, router
}

type testClient struct {
	t      *fakeTransport
	done   chan error
	connID string
}

func (h *harness) dial(gw *Gateway, credential string) *testClient {
	c := &testClient{t: newFakeTransport(), done: make(chan error, 1)}
	go func() { c.done <- gw.Serve(h.ctx, c.t, credential) }()
	return c
}

// connect dials with a handshake token and waits until the connection is active.
func (h *harness) connect(t *testing.T, gw *Gateway, user string) *testClient {
	t.Helper()
	c := h.dial(gw, "token-"+user)
	ready := c.expect(t, proto.OutboundTypeReady).Data.(proto.ReadyData)
	if ready.UserID != user {
		t.Fatalf("ready for %q, want %q", ready.UserID, user)
	}
	c.connID = ready.ConnectionID
	return c
}

func (c *testClient) send(t *testing.T, typ string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal %s: %v", typ, err)
		}
		raw = b
	}
	b, err := json.Marshal(proto.Inbound{Type: typ, Data: raw})
	if err != nil {
		t.Fatalf("marshal inbound: %v", err)
	}
	c.sendRaw(t, b)
}

func (c *testClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	select {
	case c.t.in <- data:
	case <-time.After(waitTimeout):
		t.Fatalf("server is not reading")
	}
}

func (c *testClient) next(t *testing.T) proto.Outbound {
	t.Helper()
	select {
	case out := <-c.t.out:
		return out
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for outbound")
		return proto.Outbound{}
	}
}

func (c *testClient) expect(t *testing.T, typ string) proto.Outbound {
	t.Helper()
	out := c.next(t)
	if out.Type != typ {
		t.Fatalf("expected %s, got %s (%+v %+v)", typ, out.Type, out.Data, out.Error)
	}
	return out
}

func (c *testClient) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case out := <-c.t.out:
		t.Fatalf("unexpected outbound %s: %+v", out.Type, out.Data)
	case <-time.After(d):
	}
}

// sync round-trips a ping so every earlier frame has been handled.
func (c *testClient) sync(t *testing.T) {
	t.Helper()
	c.send(t, proto.InboundTypePing, nil)
	c.expect(t, proto.OutboundTypePong)
}

func (c *testClient) join(t *testing.T, room string) {
	t.Helper()
	c.send(t, proto.InboundTypeJoinRoom, proto.RoomData{RoomID: room})
	c.sync(t)
}

func (c *testClient) say(t *testing.T, room, text, ref string) {
	t.Helper()
	c.send(t, proto.InboundTypeSendMessage, proto.SendMessageData{
		RoomID:    room,
		Payload:   json.RawMessage(`{"text":"` + text + `"}`),
		ClientRef: ref,
	})
}

func (c *testClient) ack(t *testing.T, messageID string) {
	t.Helper()
	c.send(t, proto.InboundTypeAck, proto.AckData{MessageID: messageID})
}

func (c *testClient) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("connection did not close")
		return nil
	}
}

// disconnect hangs up like a client losing the network and waits for cleanup.
func (c *testClient) disconnect(t *testing.T) {
	t.Helper()
	c.t.hangup()
	if err := c.wait(t); err != nil {
		t.Fatalf("serve returned %v on client hangup", err)
	}
}

func pushText(t *testing.T, out proto.Outbound) (proto.MessagePush, string) {
	t.Helper()
	push, ok := out.Data.(proto.MessagePush)
	if !ok {
		t.Fatalf("expected MessagePush data, got %T", out.Data)
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(push.Payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return push, body.Text
}

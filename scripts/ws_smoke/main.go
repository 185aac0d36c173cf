package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/proto"
)

type outbound struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

// client is one smoke-test connection.
type client struct {
	user string
	conn *websocket.Conn
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run checks offline delivery end to end: bob leaves, alice sends, bob
// reconnects and must receive the message from the queue before ready.
func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	secret := flag.String("secret", "", "JWT secret of the relay")
	issuer := flag.String("issuer", "", "JWT issuer")
	audience := flag.String("audience", "", "JWT audience")
	room := flag.String("room", "smoke", "room name")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	flag.Parse()

	if *secret == "" {
		return errors.New("-secret is required")
	}
	jwtCfg := &auth.JWTConfig{
		Secret:   []byte(*secret),
		Issuer:   *issuer,
		Audience: *audience,
		TTL:      time.Minute,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	alice, err := connect(ctx, *addr, jwtCfg, "smoke-alice-"+suffix)
	if err != nil {
		return err
	}
	defer alice.conn.Close(websocket.StatusNormalClosure, "bye")

	bob, err := connect(ctx, *addr, jwtCfg, "smoke-bob-"+suffix)
	if err != nil {
		return err
	}
	for _, c := range []*client{alice, bob} {
		if err := c.send(ctx, proto.InboundTypeJoinRoom, proto.RoomData{RoomID: *room}); err != nil {
			return err
		}
		if err := c.send(ctx, proto.InboundTypePing, nil); err != nil {
			return err
		}
		if _, err := c.expect(ctx, proto.OutboundTypePong); err != nil {
			return err
		}
	}
	_ = bob.conn.Close(websocket.StatusNormalClosure, "going offline")
	fmt.Println("bob disconnected")

	// Give the relay a moment to deregister bob.
	time.Sleep(200 * time.Millisecond)

	if err := alice.send(ctx, proto.InboundTypeSendMessage, proto.SendMessageData{
		RoomID:    *room,
		Payload:   json.RawMessage(`{"text":"hello"}`),
		ClientRef: "smoke-1",
	}); err != nil {
		return err
	}
	out, err := alice.expect(ctx, proto.OutboundTypeMessageAccepted)
	if err != nil {
		return err
	}
	var accepted proto.MessageAccepted
	if err := json.Unmarshal(out.Data, &accepted); err != nil {
		return fmt.Errorf("decode accepted: %w", err)
	}
	fmt.Printf("alice sent %s\n", accepted.MessageID)

	bob, err = dial(ctx, *addr, jwtCfg, bob.user)
	if err != nil {
		return err
	}
	defer bob.conn.Close(websocket.StatusNormalClosure, "bye")

	out, err = bob.expect(ctx, proto.OutboundTypeMessagePush)
	if err != nil {
		return err
	}
	var push proto.MessagePush
	if err := json.Unmarshal(out.Data, &push); err != nil {
		return fmt.Errorf("decode push: %w", err)
	}
	if push.MessageID != accepted.MessageID || !push.Queued {
		return fmt.Errorf("unexpected push %+v", push)
	}
	if err := bob.send(ctx, proto.InboundTypeAck, proto.AckData{MessageID: push.MessageID}); err != nil {
		return err
	}
	if _, err := bob.expect(ctx, proto.OutboundTypeReady); err != nil {
		return err
	}

	fmt.Printf("bob received %s from the queue: %s\n", push.MessageID, string(push.Payload))
	fmt.Println("smoke test passed")
	return nil
}

func dial(ctx context.Context, addr string, cfg *auth.JWTConfig, user string) (*client, error) {
	token, err := auth.GenerateToken(cfg, user, user)
	if err != nil {
		return nil, fmt.Errorf("token for %s: %w", user, err)
	}
	conn, _, err := websocket.Dial(ctx, addr+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("dial as %s: %w", user, err)
	}
	return &client{user: user, conn: conn}, nil
}

// connect dials and waits for ready.
func connect(ctx context.Context, addr string, cfg *auth.JWTConfig, user string) (*client, error) {
	c, err := dial(ctx, addr, cfg, user)
	if err != nil {
		return nil, err
	}
	if _, err := c.expect(ctx, proto.OutboundTypeReady); err != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
		return nil, err
	}
	return c, nil
}

func (c *client) send(ctx context.Context, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if err := wsjson.Write(ctx, c.conn, proto.Inbound{Type: typ, Data: raw}); err != nil {
		return fmt.Errorf("%s send %s: %w", c.user, typ, err)
	}
	return nil
}

func (c *client) expect(ctx context.Context, typ string) (outbound, error) {
	var out outbound
	if err := wsjson.Read(ctx, c.conn, &out); err != nil {
		return out, fmt.Errorf("%s read: %w", c.user, err)
	}
	if out.Type == proto.OutboundTypeError && out.Error != nil {
		return out, fmt.Errorf("%s got error %s: %s", c.user, out.Error.Code, out.Error.Msg)
	}
	if out.Type != typ {
		return out, fmt.Errorf("%s expected %s, got %s", c.user, typ, out.Type)
	}
	return out, nil
}

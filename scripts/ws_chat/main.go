package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

type outbound struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "bearer token")
	room := flag.String("room", "general", "room to join")
	flag.Parse()

	if *token == "" {
		return errors.New("-token is required")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr+"?token="+*token, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	joinPayload, err := json.Marshal(proto.RoomData{RoomID: *room})
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeJoinRoom, Data: joinPayload}); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	fmt.Printf("Connected to %s in room %s\n", *addr, *room)
	fmt.Println("Type messages and press Enter to send. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn, *room)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var out outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		switch out.Type {
		case proto.OutboundTypeReady:
			var ready proto.ReadyData
			if err := json.Unmarshal(out.Data, &ready); err != nil {
				log.Printf("unmarshal ready: %v", err)
				continue
			}
			fmt.Printf("ready as %s (connection %s)\n", ready.UserID, ready.ConnectionID)
		case proto.OutboundTypeMessagePush:
			var push proto.MessagePush
			if err := json.Unmarshal(out.Data, &push); err != nil {
				log.Printf("unmarshal push: %v", err)
				continue
			}
			ts := time.UnixMilli(push.SentAt).Format(time.Kitchen)
			fmt.Printf("[%s %s] %s: %s\n", push.RoomID, ts, push.SenderID, string(push.Payload))
			if push.Queued {
				ack, _ := json.Marshal(proto.AckData{MessageID: push.MessageID})
				if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeAck, Data: ack}); err != nil {
					log.Printf("ack: %v", err)
					return
				}
			}
		case proto.OutboundTypeMessageRejected:
			var rej proto.MessageRejected
			_ = json.Unmarshal(out.Data, &rej)
			fmt.Printf("message %s rejected: %s\n", rej.ClientRef, rej.Reason)
		case proto.OutboundTypeMessageAccepted, proto.OutboundTypePong:
		case proto.OutboundTypeError:
			if out.Error != nil {
				fmt.Printf("error %s: %s\n", out.Error.Code, out.Error.Msg)
			}
		default:
			fmt.Printf("type=%s data=%s\n", out.Type, string(out.Data))
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, room string) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			body, err := json.Marshal(map[string]string{"text": text})
			if err != nil {
				log.Printf("marshal text: %v", err)
				return
			}
			seq++
			payload, err := json.Marshal(proto.SendMessageData{
				RoomID:    room,
				Payload:   body,
				ClientRef: fmt.Sprintf("cli-%d", seq),
			})
			if err != nil {
				log.Printf("marshal msg: %v", err)
				return
			}
			if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeSendMessage, Data: payload}); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}

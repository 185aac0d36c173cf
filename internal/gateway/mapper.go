package gateway

import (
	"encoding/json"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/proto"
)

func malformed(msg string) *core.CoreError {
	return core.NewError(core.ErrCodeMalformedEvent, msg)
}

// decodeInbound parses one client frame. Any problem with the frame is reported
// as a malformed_event error; the connection stays usable.
func decodeInbound(data []byte) (core.Command, *core.CoreError) {
	var inbound proto.Inbound
	if err := json.Unmarshal(data, &inbound); err != nil {
		return core.Command{}, malformed("invalid json")
	}

	switch inbound.Type {
	case proto.InboundTypeHello:
		var hello proto.HelloData
		if err := unmarshalData(inbound.Data, &hello); err != nil {
			return core.Command{}, malformed("invalid hello")
		}
		if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
			return core.Command{}, core.NewError(core.ErrCodeBadRequest, "unsupported protocol version")
		}
		return core.Command{Kind: core.CommandHello, Token: hello.Token}, nil
	case proto.InboundTypeJoinRoom, proto.InboundTypeLeaveRoom:
		var room proto.RoomData
		if err := unmarshalData(inbound.Data, &room); err != nil {
			return core.Command{}, malformed("invalid " + inbound.Type)
		}
		if room.RoomID == "" {
			return core.Command{}, malformed("roomId is required")
		}
		kind := core.CommandJoinRoom
		if inbound.Type == proto.InboundTypeLeaveRoom {
			kind = core.CommandLeaveRoom
		}
		return core.Command{Kind: kind, Room: room.RoomID}, nil
	case proto.InboundTypeSendMessage:
		var msg proto.SendMessageData
		if err := unmarshalData(inbound.Data, &msg); err != nil {
			return core.Command{}, malformed("invalid sendMessage")
		}
		if msg.RoomID == "" {
			return core.Command{}, malformed("roomId is required")
		}
		if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
			return core.Command{}, malformed("payload is required")
		}
		return core.Command{
			Kind:      core.CommandSendMessage,
			Room:      msg.RoomID,
			Payload:   msg.Payload,
			ClientRef: msg.ClientRef,
		}, nil
	case proto.InboundTypeAck:
		var ack proto.AckData
		if err := unmarshalData(inbound.Data, &ack); err != nil {
			return core.Command{}, malformed("invalid ack")
		}
		if ack.MessageID == "" {
			return core.Command{}, malformed("messageId is required")
		}
		return core.Command{Kind: core.CommandAck, MessageID: ack.MessageID}, nil
	case proto.InboundTypePing:
		return core.Command{Kind: core.CommandPing}, nil
	default:
		return core.Command{}, malformed("unknown message type")
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(data, v)
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventMessagePush:
		msg := event.Message
		return proto.Outbound{
			Type: proto.OutboundTypeMessagePush,
			Data: proto.MessagePush{
				MessageID: msg.ID,
				RoomID:    msg.RoomID,
				SenderID:  msg.SenderID,
				Payload:   msg.Payload,
				SentAt:    msg.SentAt.UnixMilli(),
				Queued:    event.Queued,
			},
		}
	case core.EventMessageAccepted:
		return proto.Outbound{
			Type: proto.OutboundTypeMessageAccepted,
			Data: proto.MessageAccepted{MessageID: event.MessageID, ClientRef: event.ClientRef},
		}
	case core.EventMessageRejected:
		return proto.Outbound{
			Type: proto.OutboundTypeMessageRejected,
			Data: proto.MessageRejected{Reason: event.Reason, ClientRef: event.ClientRef},
		}
	case core.EventPong:
		return proto.Outbound{Type: proto.OutboundTypePong}
	case core.EventReady:
		return proto.Outbound{
			Type: proto.OutboundTypeReady,
			Data: proto.ReadyData{ConnectionID: event.ConnID, UserID: event.UserID},
		}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: core.ErrCodeInternal, Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: core.ErrCodeInternal, Msg: "unknown event"}}
	}
}

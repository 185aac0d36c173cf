package core

import "errors"

// Error codes sent on the wire.
const (
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeQueueUnavailable = "queue_unavailable"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeMalformedEvent   = "malformed_event"
	ErrCodeHeartbeatTimeout = "heartbeat_timeout"
	ErrCodeNotInRoom        = "not_in_room"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeInternal         = "internal"
)

// Rejection reasons for messageRejected.
const (
	ReasonDeliveryUncertain = "delivery-uncertain"
	ReasonStoreUnavailable  = "store-unavailable"
	ReasonNotInRoom         = "not-in-room"
	ReasonRateLimited       = "rate-limited"
)

var (
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrHeartbeatTimeout  = errors.New("heartbeat timeout")
	ErrDeliveryUncertain = errors.New("delivery uncertain")
	ErrNotInRoom         = errors.New("not in room")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrSlowConsumer      = errors.New("slow consumer")
	ErrRateLimited       = errors.New("rate limited")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

// NewError builds a CoreError.
func NewError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// CodeOf maps an error from any layer to its wire code.
func CodeOf(err error) string {
	var ce *CoreError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrMalformedEvent):
		return ErrCodeMalformedEvent
	case errors.Is(err, ErrHeartbeatTimeout):
		return ErrCodeHeartbeatTimeout
	case errors.Is(err, ErrNotInRoom):
		return ErrCodeNotInRoom
	case errors.Is(err, ErrQueueUnavailable):
		return ErrCodeQueueUnavailable
	case errors.Is(err, ErrStoreUnavailable):
		return ErrCodeStoreUnavailable
	default:
		return ErrCodeInternal
	}
}

// RejectReason maps a fan-out failure to the reason reported to the sender.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotInRoom):
		return ReasonNotInRoom
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrDeliveryUncertain), errors.Is(err, ErrQueueUnavailable):
		return ReasonDeliveryUncertain
	default:
		return ReasonStoreUnavailable
	}
}

// Package queue holds durable per-recipient delivery queues.
package queue

import (
	"context"
	"errors"
	"iter"

	"github.com/vovakirdan/wirerelay/internal/core"
)

// Queue is a durable FIFO of undelivered messages per recipient.
//
// An entry leaves the queue only through Acknowledge. Drain never removes
// anything, so an interrupted drain is simply repeated on the next one.
type Queue interface {
	// Enqueue appends msg for the recipient. Enqueueing a messageID that is
	// already pending for the recipient is a no-op.
	Enqueue(ctx context.Context, recipientID string, msg core.Message) error
	// Drain yields the recipient's pending entries oldest first, page by page,
	// bumping Attempts on each yielded entry. The sequence ends after the
	// entries present when the last page was read.
	//
	// An entry that cannot be decoded is moved out of the queue and reported
	// as an error wrapping ErrCorruptEntry; the sequence continues after it.
	// Any other error ends the sequence.
	Drain(ctx context.Context, recipientID string) iter.Seq2[core.QueuedDelivery, error]
	// Acknowledge removes the entry. Unknown ids are ignored.
	Acknowledge(ctx context.Context, recipientID, messageID string) error
	// Pending counts the recipient's entries.
	Pending(ctx context.Context, recipientID string) (int, error)
}

// ErrCorruptEntry marks a queued entry that could not be decoded. Drain has
// already dead-lettered it, so consumers log it and keep going.
var ErrCorruptEntry = errors.New("corrupt queue entry")

// DefaultPageSize is how many entries a drain reads per round trip.
const DefaultPageSize = 64

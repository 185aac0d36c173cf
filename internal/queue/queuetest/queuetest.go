// Package queuetest checks a queue.Queue implementation against the delivery contract.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/queue"
)

// Factory returns an empty queue whose drain page size is pageSize.
type Factory func(t *testing.T, pageSize int) queue.Queue

// Message builds a deterministic message for recipient tests.
func Message(id string) core.Message {
	return core.Message{
		ID:       id,
		RoomID:   "general",
		SenderID: "alice",
		Payload:  json.RawMessage(`{"text":"` + id + `"}`),
		SentAt:   time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// Collect drains the whole queue.
func Collect(t *testing.T, q queue.Queue, recipientID string) []core.QueuedDelivery {
	t.Helper()
	var out []core.QueuedDelivery
	for d, err := range q.Drain(context.Background(), recipientID) {
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func ids(ds []core.QueuedDelivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Message.ID)
	}
	return out
}

// Run exercises the contract every backend must honor.
func Run(t *testing.T, newQueue Factory) {
	t.Run("enqueue then drain yields once", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, 8)
		msg := Message("m1")
		require.NoError(t, q.Enqueue(ctx, "bob", msg))

		got := Collect(t, q, "bob")
		require.Len(t, got, 1)
		assert.Equal(t, "bob", got[0].RecipientID)
		assert.Equal(t, msg.ID, got[0].Message.ID)
		assert.Equal(t, msg.RoomID, got[0].Message.RoomID)
		assert.Equal(t, msg.SenderID, got[0].Message.SenderID)
		assert.JSONEq(t, string(msg.Payload), string(got[0].Message.Payload))
		assert.True(t, msg.SentAt.Equal(got[0].Message.SentAt))
		assert.Equal(t, 1, got[0].Attempts)
		assert.False(t, got[0].EnqueuedAt.IsZero())
	})

	t.Run("acknowledged entries are gone", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, 8)
		require.NoError(t, q.Enqueue(ctx, "bob", Message("m1")))
		require.NoError(t, q.Enqueue(ctx, "bob", Message("m2")))
		require.NoError(t, q.Acknowledge(ctx, "bob", "m1"))

		assert.Equal(t, []string{"m2"}, ids(Collect(t, q, "bob")))
		n, err := q.Pending(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("acknowledge is idempotent", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, 8)
		require.NoError(t, q.Enqueue(ctx, "bob", Message("m1")))
		require.NoError(t, q.Acknowledge(ctx, "bob", "m1"))
		require.NoError(t, q.Acknowledge(ctx, "bob", "m1"))
		require.NoError(t, q.Acknowledge(ctx, "bob", "never-queued"))
		assert.Empty(t, Collect(t, q, "bob"))
	})

	t.Run("enqueue is idempotent by message id", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, 8)
		require.NoError(t, q.Enqueue(ctx, "bob", Message("m1")))
		require.NoError(t, q.Enqueue(ctx, "bob", Message("m1")))
		assert.Equal(t, []string{"m1"}, ids(Collect(t, q, "bob")))
	})

	t.Run("fifo across pages", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, 3)
		var want []string
		for i := range 10 {
			id := fmt.Sprintf("m%02d", i)
			want = append(want, id)
			require.NoError(t, q.Enqueue(ctx, "bob", Message(id)))
		}
		assert.Equal(t, want, ids(Collect(t, q, "bob")))
	})

	t.Run("drain is restartable", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, 2)
		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, q.Enqueue(ctx, "bob", Message(id)))
		}

		// Consumer disappears after acknowledging the first entry.
		for d, err := range q.Drain(ctx, "bob") {
			require.NoError(t, err)
			require.NoError(t, q.Acknowledge(ctx, "bob", d.Message.ID))
			break
		}

		got := Collect(t, q, "bob")
		assert.Equal(t, []string{"m2", "m3"}, ids(got))
		assert.Equal(t, 1, got[0].Attempts, "m2 was never yielded before")

		again := Collect(t, q, "bob")
		assert.Equal(t, 2, again[0].Attempts)
	})

	t.Run("recipients are isolated", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t, 8)
		require.NoError(t, q.Enqueue(ctx, "bob", Message("m1")))
		require.NoError(t, q.Enqueue(ctx, "carol", Message("m1")))
		require.NoError(t, q.Acknowledge(ctx, "bob", "m1"))

		assert.Empty(t, Collect(t, q, "bob"))
		assert.Equal(t, []string{"m1"}, ids(Collect(t, q, "carol")))
	})

	t.Run("empty queue drains nothing", func(t *testing.T) {
		q := newQueue(t, 8)
		assert.Empty(t, Collect(t, q, "nobody"))
		n, err := q.Pending(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

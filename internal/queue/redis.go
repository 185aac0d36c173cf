package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/retry"
)

// KEYS[1] = stream  queue:{<user>}:stream
// KEYS[2] = index   queue:{<user>}:ids   messageID -> stream id
// ARGV[1] = messageID
// ARGV[2] = message JSON
// ARGV[3] = enqueuedAt ms
// returns 1 when appended, 0 when already pending
const luaEnqueue = `
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
  return 0
end
local id = redis.call("XADD", KEYS[1], "*", "message_id", ARGV[1], "data", ARGV[2], "enqueued_at", ARGV[3])
redis.call("HSET", KEYS[2], ARGV[1], id)
return 1
`

// KEYS[1] = stream, KEYS[2] = index, KEYS[3] = attempts
// ARGV[1] = messageID
const luaAck = `
local id = redis.call("HGET", KEYS[2], ARGV[1])
if not id then
  return 0
end
redis.call("XDEL", KEYS[1], id)
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
return 1
`

// KEYS[1] = stream, KEYS[2] = index, KEYS[3] = attempts, KEYS[4] = dead letters
// ARGV[1] = stream id, ARGV[2] = messageID or "", ARGV[3] = raw data, ARGV[4] = decode error
const luaDeadLetter = `
if redis.call("XDEL", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("XADD", KEYS[4], "*", "entry_id", ARGV[1], "message_id", ARGV[2], "data", ARGV[3], "error", ARGV[4])
if ARGV[2] ~= "" then
  if redis.call("HGET", KEYS[2], ARGV[2]) == ARGV[1] then
    redis.call("HDEL", KEYS[2], ARGV[2])
  end
  redis.call("HDEL", KEYS[3], ARGV[2])
end
return 1
`

const (
	fieldMessageID  = "message_id"
	fieldData       = "data"
	fieldEnqueuedAt = "enqueued_at"
)

// Redis stores each recipient's queue as a stream plus an id index used for
// idempotent enqueue and targeted acknowledgement.
type Redis struct {
	rdb      *redis.Client
	pageSize int64
	now      func() time.Time

	enqueue    *redis.Script
	ack        *redis.Script
	deadLetter *redis.Script
}

// RedisOption customizes the Redis queue.
type RedisOption func(*Redis)

func WithPageSize(n int) RedisOption {
	return func(q *Redis) {
		if n > 0 {
			q.pageSize = int64(n)
		}
	}
}

func WithClock(now func() time.Time) RedisOption {
	return func(q *Redis) { q.now = now }
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	q := &Redis{
		rdb:      rdb,
		pageSize: DefaultPageSize,
		now:      time.Now,
		enqueue:  redis.NewScript(luaEnqueue),
		ack:      redis.NewScript(luaAck),

		deadLetter: redis.NewScript(luaDeadLetter),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func streamKey(userID string) string { return "queue:{" + userID + "}:stream" }
func indexKey(userID string) string { return "queue:{" + userID + "}:ids" }
func attemptsKey(userID string) string { return "queue:{" + userID + "}:attempts" }
func deadKey(userID string) string { return "queue:{" + userID + "}:dead" }

func queueErr(op string, err error) error {
	return fmt.Errorf("queue %s: %w: %w", op, core.ErrQueueUnavailable, err)
}

func (q *Redis) Enqueue(ctx context.Context, recipientID string, msg core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return retry.Permanent(fmt.Errorf("queue enqueue: marshal message: %w", err))
	}
	err = q.enqueue.Run(ctx, q.rdb,
		[]string{streamKey(recipientID), indexKey(recipientID)},
		msg.ID,
		data,
		q.now().UnixMilli(),
	).Err()
	if err != nil {
		return queueErr("enqueue", err)
	}
	return nil
}

func (q *Redis) Drain(ctx context.Context, recipientID string) iter.Seq2[core.QueuedDelivery, error] {
	return func(yield func(core.QueuedDelivery, error) bool) {
		start := "-"
		for {
			entries, err := q.rdb.XRangeN(ctx, streamKey(recipientID), start, "+", q.pageSize).Result()
			if err != nil {
				yield(core.QueuedDelivery{}, queueErr("drain", err))
				return
			}
			for _, e := range entries {
				d, err := decodeEntry(recipientID, e)
				if err != nil {
					// A corrupt entry would block the queue forever; park it and move on.
					if dlErr := q.park(ctx, recipientID, e, err); dlErr != nil {
						yield(core.QueuedDelivery{}, dlErr)
						return
					}
					if !yield(core.QueuedDelivery{}, err) {
						return
					}
					continue
				}
				attempts, err := q.rdb.HIncrBy(ctx, attemptsKey(recipientID), d.Message.ID, 1).Result()
				if err != nil {
					yield(core.QueuedDelivery{}, queueErr("drain", err))
					return
				}
				d.Attempts = int(attempts)
				if !yield(d, nil) {
					return
				}
			}
			if int64(len(entries)) < q.pageSize {
				return
			}
			next, err := nextStreamID(entries[len(entries)-1].ID)
			if err != nil {
				yield(core.QueuedDelivery{}, err)
				return
			}
			start = next
		}
	}
}

// park moves an undecodable entry to the recipient's dead-letter stream.
func (q *Redis) park(ctx context.Context, recipientID string, e redis.XMessage, cause error) error {
	messageID, _ := e.Values[fieldMessageID].(string)
	raw, _ := e.Values[fieldData].(string)
	err := q.deadLetter.Run(ctx, q.rdb,
		[]string{streamKey(recipientID), indexKey(recipientID), attemptsKey(recipientID), deadKey(recipientID)},
		e.ID,
		messageID,
		raw,
		cause.Error(),
	).Err()
	if err != nil {
		return queueErr("dead-letter", err)
	}
	return nil
}

func (q *Redis) Acknowledge(ctx context.Context, recipientID, messageID string) error {
	err := q.ack.Run(ctx, q.rdb,
		[]string{streamKey(recipientID), indexKey(recipientID), attemptsKey(recipientID)},
		messageID,
	).Err()
	if err != nil {
		return queueErr("acknowledge", err)
	}
	return nil
}

func (q *Redis) Pending(ctx context.Context, recipientID string) (int, error) {
	n, err := q.rdb.XLen(ctx, streamKey(recipientID)).Result()
	if err != nil {
		return 0, queueErr("pending", err)
	}
	return int(n), nil
}

func decodeEntry(recipientID string, e redis.XMessage) (core.QueuedDelivery, error) {
	raw, _ := e.Values[fieldData].(string)
	var msg core.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return core.QueuedDelivery{}, fmt.Errorf("queue drain: entry %s: %w: %w", e.ID, ErrCorruptEntry, err)
	}
	if msg.ID == "" {
		return core.QueuedDelivery{}, fmt.Errorf("queue drain: entry %s: %w: missing message id", e.ID, ErrCorruptEntry)
	}
	d := core.QueuedDelivery{RecipientID: recipientID, Message: msg}
	if s, ok := e.Values[fieldEnqueuedAt].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			d.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
	}
	return d, nil
}

// nextStreamID returns the smallest stream id greater than id.
func nextStreamID(id string) (string, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return "", errors.New("queue drain: malformed stream id " + id)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("queue drain: malformed stream id %s: %w", id, err)
	}
	return msPart + "-" + strconv.FormatUint(seq+1, 10), nil
}

package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wirerelay/internal/core"
)

// KEYS[1] = user connection zset   presence:{<user>}:conns
// KEYS[2] = user gateway hash      presence:{<user>}:gw
// KEYS[3] = global sweep index     presence:index
// ARGV[1] = connID
// ARGV[2] = gatewayID
// ARGV[3] = nowMs
// ARGV[4] = index member
// ARGV[5] = key ttl in ms
// returns 1 when the connection was not indexed before, else 0
const luaRegister = `
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
local added = redis.call("ZADD", KEYS[3], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
redis.call("PEXPIRE", KEYS[2], ARGV[5])
return added
`

// KEYS as in luaRegister
// ARGV[1] = connID
// ARGV[2] = index member
// returns the user's remaining connection count
const luaDeregister = `
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[2])
local n = redis.call("ZCARD", KEYS[1])
if n == 0 then
  redis.call("DEL", KEYS[1], KEYS[2])
end
return n
`

// Same as luaDeregister but skips connections that heartbeated after the cutoff.
// ARGV[3] = cutoffMs
// returns -1 when the connection was refreshed, else remaining count
const luaExpire = `
local seen = redis.call("ZSCORE", KEYS[3], ARGV[2])
if seen and tonumber(seen) > tonumber(ARGV[3]) then
  return -1
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[2])
local n = redis.call("ZCARD", KEYS[1])
if n == 0 then
  redis.call("DEL", KEYS[1], KEYS[2])
end
return n
`

const (
	indexKey       = "presence:index"
	indexSeparator = "\x1f"
)

// RedisStore implements Store on Redis.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time

	register   *redis.Script
	deregister *redis.Script
	expire     *redis.Script
}

// Option customizes a RedisStore.
type Option func(*RedisStore)

// WithClock injects the time source; tests use it to age connections.
func WithClock(now func() time.Time) Option {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a presence store whose entries go stale after ttl without a heartbeat.
func NewRedisStore(rdb *redis.Client, ttl time.Duration, opts ...Option) *RedisStore {
	s := &RedisStore{
		rdb:        rdb,
		ttl:        ttl,
		now:        time.Now,
		register:   redis.NewScript(luaRegister),
		deregister: redis.NewScript(luaDeregister),
		expire:     redis.NewScript(luaExpire),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func connsKey(userID string) string { return "presence:{" + userID + "}:conns" }
func gatewayKey(userID string) string { return "presence:{" + userID + "}:gw" }
func indexMember(userID, connID string) string { return userID + indexSeparator + connID }

func splitIndexMember(member string) (userID, connID string, ok bool) {
	return strings.Cut(member, indexSeparator)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("presence %s: %w: %w", op, core.ErrStoreUnavailable, err)
}

// Register adds the connection to the user's presence set.
func (s *RedisStore) Register(ctx context.Context, userID, connID, gatewayID string) error {
	_, err := s.stamp(ctx, userID, connID, gatewayID)
	return err
}

// Heartbeat re-stamps lastSeenAt, adding the connection back if a sweep removed it.
func (s *RedisStore) Heartbeat(ctx context.Context, userID, connID, gatewayID string) (bool, error) {
	return s.stamp(ctx, userID, connID, gatewayID)
}

func (s *RedisStore) stamp(ctx context.Context, userID, connID, gatewayID string) (bool, error) {
	now := s.now()
	keyTTL := 4 * s.ttl
	added, err := s.register.Run(ctx, s.rdb,
		[]string{connsKey(userID), gatewayKey(userID), indexKey},
		connID,
		gatewayID,
		now.UnixMilli(),
		indexMember(userID, connID),
		keyTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, storeErr("register", err)
	}
	return added == 1, nil
}

// Deregister removes one connection.
func (s *RedisStore) Deregister(ctx context.Context, userID, connID string) (int, error) {
	n, err := s.deregister.Run(ctx, s.rdb,
		[]string{connsKey(userID), gatewayKey(userID), indexKey},
		connID,
		indexMember(userID, connID),
	).Int()
	if err != nil {
		return 0, storeErr("deregister", err)
	}
	return n, nil
}

func (s *RedisStore) cutoff() int64 {
	return s.now().Add(-s.ttl).UnixMilli()
}

// IsOnline reports whether any of the user's connections is fresh.
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.ZCount(ctx, connsKey(userID), "("+strconv.FormatInt(s.cutoff(), 10), "+inf").Result()
	if err != nil {
		return false, storeErr("is online", err)
	}
	return n > 0, nil
}

// ListConnections returns fresh connections with the gateway owning each socket.
func (s *RedisStore) ListConnections(ctx context.Context, userID string) ([]Connection, error) {
	entries, err := s.rdb.ZRangeByScoreWithScores(ctx, connsKey(userID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(s.cutoff(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, storeErr("list connections", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(entries))
	for _, z := range entries {
		ids = append(ids, z.Member.(string))
	}
	gateways, err := s.rdb.HMGet(ctx, gatewayKey(userID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("list connections", err)
	}

	out := make([]Connection, 0, len(entries))
	for i, z := range entries {
		gw, _ := gateways[i].(string)
		out = append(out, Connection{
			ID:         ids[i],
			UserID:     userID,
			GatewayID:  gw,
			LastSeenAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}

// Sweep expires stale connections, treating their users as offline without an explicit disconnect.
func (s *RedisStore) Sweep(ctx context.Context, limit int) ([]Connection, error) {
	if limit <= 0 {
		limit = 256
	}
	cutoff := s.cutoff()
	victims, err := s.rdb.ZRangeByScoreWithScores(ctx, indexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeErr("sweep", err)
	}

	var expired []Connection
	for _, z := range victims {
		member, _ := z.Member.(string)
		userID, connID, ok := splitIndexMember(member)
		if !ok {
			_ = s.rdb.ZRem(ctx, indexKey, member).Err()
			continue
		}
		rc, err := s.expire.Run(ctx, s.rdb,
			[]string{connsKey(userID), gatewayKey(userID), indexKey},
			connID,
			member,
			cutoff,
		).Int()
		if err != nil {
			return expired, storeErr("sweep", err)
		}
		if rc < 0 {
			continue
		}
		expired = append(expired, Connection{
			ID:         connID,
			UserID:     userID,
			LastSeenAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return expired, nil
}

package rooms

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wirerelay/internal/core"
)

// KEYS[1] = room connections hash  room:{<room>}:conns  connID -> userID
// KEYS[2] = room member set        room:{<room>}:members
// KEYS[3] = connection room set    conn:{<conn>}:rooms
// ARGV[1] = connID
// ARGV[2] = roomID
// ARGV[3] = userID
// The user's membership ends unless another of their connections is still
// attached, whether or not this connection was.
const luaLeave = `
redis.call("SREM", KEYS[3], ARGV[2])
redis.call("HDEL", KEYS[1], ARGV[1])
for _, other in ipairs(redis.call("HVALS", KEYS[1])) do
  if other == ARGV[3] then
    return 0
  end
end
return redis.call("SREM", KEYS[2], ARGV[3])
`

// RedisRegistry implements Registry on Redis hashes and sets.
type RedisRegistry struct {
	rdb   *redis.Client
	leave *redis.Script
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, leave: redis.NewScript(luaLeave)}
}

func connsKey(roomID string) string { return "room:{" + roomID + "}:conns" }
func membersKey(roomID string) string { return "room:{" + roomID + "}:members" }
func connRoomsKey(connID string) string { return "conn:{" + connID + "}:rooms" }

func storeErr(op string, err error) error {
	return fmt.Errorf("rooms %s: %w: %w", op, core.ErrStoreUnavailable, err)
}

// Join is a no-op when the connection is already in the room.
func (r *RedisRegistry) Join(ctx context.Context, roomID, connID, userID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, connsKey(roomID), connID, userID)
		p.SAdd(ctx, membersKey(roomID), userID)
		p.SAdd(ctx, connRoomsKey(connID), roomID)
		return nil
	})
	if err != nil {
		return storeErr("join", err)
	}
	return nil
}

// Leave drops the connection and, unless another of the user's connections is
// attached, the user's membership. Empty rooms disappear with their keys.
func (r *RedisRegistry) Leave(ctx context.Context, roomID, connID, userID string) error {
	err := r.leave.Run(ctx, r.rdb,
		[]string{connsKey(roomID), membersKey(roomID), connRoomsKey(connID)},
		connID,
		roomID,
		userID,
	).Err()
	if err != nil {
		return storeErr("leave", err)
	}
	return nil
}

func (r *RedisRegistry) Disconnect(ctx context.Context, connID string) ([]string, error) {
	joined, err := r.rdb.SMembers(ctx, connRoomsKey(connID)).Result()
	if err != nil {
		return nil, storeErr("disconnect", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, roomID := range joined {
			p.HDel(ctx, connsKey(roomID), connID)
		}
		p.Del(ctx, connRoomsKey(connID))
		return nil
	})
	if err != nil {
		return nil, storeErr("disconnect", err)
	}
	sort.Strings(joined)
	return joined, nil
}

func (r *RedisRegistry) Members(ctx context.Context, roomID string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, storeErr("members", err)
	}
	sort.Strings(users)
	return users, nil
}

func (r *RedisRegistry) Connections(ctx context.Context, roomID string) (map[string]string, error) {
	conns, err := r.rdb.HGetAll(ctx, connsKey(roomID)).Result()
	if err != nil {
		return nil, storeErr("connections", err)
	}
	return conns, nil
}

func (r *RedisRegistry) Rooms(ctx context.Context, connID string) ([]string, error) {
	joined, err := r.rdb.SMembers(ctx, connRoomsKey(connID)).Result()
	if err != nil {
		return nil, storeErr("rooms", err)
	}
	sort.Strings(joined)
	return joined, nil
}

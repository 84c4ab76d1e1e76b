// Package presence mirrors the local session registry into Redis so other
// services can ask whether a user is online. It is never consulted for
// routing.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Tracker interface {
	Online(ctx context.Context, userID int64, connID string) error
	Offline(ctx context.Context, userID int64, connID string) error
}

// Nop is used when no Redis address is configured.
type Nop struct{}

func (Nop) Online(context.Context, int64, string) error  { return nil }
func (Nop) Offline(context.Context, int64, string) error { return nil }

// presence key: chat:presence:<user>, value: connection id
func presenceKey(userID int64) string {
	return "chat:presence:" + strconv.FormatInt(userID, 10)
}

// Deletes the key only if it still names this connection, so a superseded
// connection going away does not hide the newer one.
var offlineScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis %s", addr)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// Online sets or renews the user's presence key.
func (r *Redis) Online(ctx context.Context, userID int64, connID string) error {
	return r.rdb.Set(ctx, presenceKey(userID), connID, r.ttl).Err()
}

func (r *Redis) Offline(ctx context.Context, userID int64, connID string) error {
	return offlineScript.Run(ctx, r.rdb, []string{presenceKey(userID)}, connID).Err()
}

// Lookup returns the connection id currently recorded for userID.
func (r *Redis) Lookup(ctx context.Context, userID int64) (string, bool, error) {
	val, err := r.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

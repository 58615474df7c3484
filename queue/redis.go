package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	signalKey = "tasksync:drain:signal"
	leaseKey  = "tasksync:drain:lease"
)

// releaseScript deletes the lease only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis coordinates drains between processes: a single-slot wake-up signal
// and a lease that lets one drain run at a time.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Notify leaves at most one pending wake-up on the signal list.
func (r *Redis) Notify(ctx context.Context) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, signalKey, "1")
		pipe.LTrim(ctx, signalKey, 0, 0)
		return nil
	})
	return err
}

// Wait blocks until a wake-up arrives or timeout passes. It reports whether
// a signal was received.
func (r *Redis) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	result, err := r.client.BRPop(ctx, timeout, signalKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if len(result) != 2 {
		return false, fmt.Errorf("unexpected BRPOP result: %v", result)
	}
	return true, nil
}

// TryLock acquires the drain lease for ttl. ok is false when another holder
// has it. release is safe to call after the lease expired.
func (r *Redis) TryLock(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error) {
	token := uuid.NewString()
	ok, err = r.client.SetNX(ctx, leaseKey, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, r.client, []string{leaseKey}, token).Err()
	}, true, nil
}

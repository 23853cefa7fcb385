package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every gateway instance. A lock is a key
// set with NX and a lease; release deletes it only while this holder's token
// is still stored.
type RedisLocker struct {
	client *redis.Client
	prefix string
	wait   time.Duration
	lease  time.Duration
	// retry paces SET NX attempts while waiting.
	retry rate.Limit
}

func NewRedisLocker(client *redis.Client, wait, lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = 10 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "lock:",
		wait:   wait,
		lease:  lease,
		retry:  rate.Every(10 * time.Millisecond),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	waitCtx := ctx
	waitDeadline := time.Now().Add(l.wait)
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}
	limiter := rate.NewLimiter(l.retry, 1)
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			return nil, l.waitErr(ctx, key, waitDeadline, err)
		}
		ok, err := l.client.SetNX(waitCtx, redisKey, token, l.lease).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, l.waitErr(ctx, key, waitDeadline, waitCtx.Err())
			}
			return nil, fmt.Errorf("%w: acquire %s: %v", ErrUnavailable, key, err)
		}
		if ok {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}

// waitErr maps a wait failure: the caller's own cancellation or earlier
// deadline wins, anything else means the wait bound elapsed.
func (l *RedisLocker) waitErr(parent context.Context, key string, waitDeadline time.Time, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if l.wait <= 0 {
		return err
	}
	if d, ok := parent.Deadline(); ok && d.Before(waitDeadline) {
		return fmt.Errorf("acquire %s: %w", key, context.DeadlineExceeded)
	}
	return fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, l.wait)
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
)

// ErrLockAcquire is returned when the lock cannot be acquired.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

const pollInterval = 100 * time.Millisecond

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// refreshScript extends the TTL only while the caller still owns the key.
const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// UnlockFunc releases a held lock.
type UnlockFunc = func(ctx context.Context) error

// Locker serializes turns of one session across processes using Redis.
type Locker struct {
	client *backend.Client
	prefix string
	poll   time.Duration
}

// NewLocker creates a new Redis locker. Keys are stored as prefix+"lock:"+key.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		poll:   pollInterval,
	}
}

// Lock blocks until the lock is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	unlock, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil || ok {
		return unlock, err
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errorsx.Wrap(fmt.Errorf("%w: %w", ErrLockAcquire, ctx.Err()), errorsx.ReasonLockAcquire)
		case <-ticker.C:
			unlock, ok, err := l.TryLock(ctx, key, ttl)
			if err != nil || ok {
				return unlock, err
			}
		}
	}
}

// TryLock makes a single SET NX attempt. ok is false when another holder owns the key.
// A held lock is extended every ttl/3 until it is unlocked.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, bool, error) {
	lockKey := l.key(key)
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, errorsx.Wrap(fmt.Errorf("%w: redis: %w", ErrLockAcquire, err), errorsx.ReasonLockAcquire)
	}
	if !acquired {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	if interval := ttl / 3; interval > 0 {
		go l.keepAlive(lockKey, token, ttl, interval, stop, done)
	} else {
		close(done)
	}
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		return l.client.Eval(ctx, unlockScript, []string{lockKey}, token).Err()
	}, true, nil
}

func (l *Locker) keepAlive(lockKey, token string, ttl, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := l.client.Eval(ctx, refreshScript, []string{lockKey}, token, ttl.Milliseconds()).Int()
			cancel()
			switch {
			case errors.Is(err, backend.ErrClosed):
				return
			case err != nil:
				// Retry on the next tick; the key still has the rest of its TTL.
			case n == 0:
				// Expired or taken over by another holder.
				return
			}
		}
	}
}

func (l *Locker) key(key string) string {
	return l.prefix + "lock:" + key
}

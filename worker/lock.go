package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockLost is the cause attached to a held context whose lock expired or
// was taken over while the run was still going.
var ErrLockLost = errors.New("state lock lost")

// Locker serializes runs for the same state. Lock blocks until the lock is
// held or ctx is done. The returned context is derived from ctx and is
// canceled once the lock is released or lost; work done under the lock
// should use it.
type Locker interface {
	Lock(ctx context.Context, state string) (held context.Context, unlock func(), err error)
}

// LocalLocker is an in-process keyed lock.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, state string) (context.Context, func(), error) {
	ch := l.slot(state)
	select {
	case ch <- struct{}{}:
		held, cancel := context.WithCancel(ctx)
		var once sync.Once
		return held, func() {
			once.Do(func() {
				cancel()
				<-ch
			})
		}, nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("waiting for %s lock: %w", state, ctx.Err())
	}
}

// RedisLock is a single-owner lock held with SET NX and a TTL. The random
// value makes Release a no-op once another process owns the key.
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client: client,
		key:    "lock:" + key,
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries once. It reports false when someone else holds the lock.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// Extend pushes the TTL out while a long run is still going.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lock %s is no longer held", l.key)
	}
	return nil
}

// RedisLocker takes the local lock first, then the cluster-wide Redis lock,
// so one process never spends Redis round trips competing with itself.
type RedisLocker struct {
	client *redis.Client
	local  *LocalLocker
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 45 * time.Minute
	}
	return &RedisLocker{client: client, local: NewLocalLocker(), ttl: ttl, poll: 2 * time.Second, logger: logger}
}

// Lock holds the state lock and keeps extending it every third of the TTL.
// A failed extension cancels the held context with ErrLockLost so the run
// stops before a second process can start writing the same state.
func (r *RedisLocker) Lock(ctx context.Context, state string) (context.Context, func(), error) {
	localCtx, unlockLocal, err := r.local.Lock(ctx, state)
	if err != nil {
		return nil, nil, err
	}
	lock := NewRedisLock(r.client, "aplsync:state:"+state, r.ttl)
	for {
		ok, err := lock.Acquire(ctx)
		if err != nil {
			unlockLocal()
			return nil, nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, nil, fmt.Errorf("waiting for %s lock: %w", state, ctx.Err())
		case <-time.After(r.poll):
		}
	}

	held, cancel := context.WithCancelCause(localCtx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := lock.Extend(context.Background(), r.ttl); err != nil {
					r.logger.Error("Failed to extend state lock, canceling run",
						zap.String("state", state), zap.Error(err))
					cancel(fmt.Errorf("%w: %s: %w", ErrLockLost, state, err))
					return
				}
			}
		}
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)
			ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelRelease()
			if err := lock.Release(ctx); err != nil {
				r.logger.Warn("Failed to release state lock", zap.String("state", state), zap.Error(err))
			}
			unlockLocal()
		})
	}, nil
}

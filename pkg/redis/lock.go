package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when ctx ends before the lock could be taken.
var ErrLockNotAcquired = errors.New("redis lock not acquired")

// 仅当 value 仍是自己的 token 时才删除，避免误删别人续上的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 仅当 value 仍是自己的 token 时才续期
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker 基于 SET NX PX 的分布式互斥锁
type Locker struct {
	rdb      *redis.Client
	prefix   string
	interval time.Duration
}

func NewLocker(rdb *redis.Client, prefix string) *Locker {
	return &Locker{
		rdb:      rdb,
		prefix:   prefix,
		interval: 50 * time.Millisecond,
	}
}

// Acquire blocks until the lock for key is held or ctx is done.
// ttl bounds how long a crashed holder can keep others out. While held the
// lock is renewed every ttl/3 until the returned release func is called.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			renewCtx, stop := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				l.keepAlive(renewCtx, fullKey, token, ttl)
			}()
			return func() {
				stop()
				<-done
				// 使用独立 context，调用方的 ctx 可能已经取消
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.rdb, []string{fullKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Extend resets the ttl of key if token still holds it.
func (l *Locker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return l.extend(ctx, l.prefix+key, token, ttl)
}

func (l *Locker) extend(ctx context.Context, fullKey, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{fullKey}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Locker) keepAlive(ctx context.Context, fullKey, token string, ttl time.Duration) {
	every := ttl / 3
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := l.extend(ctx, fullKey, token, ttl)
		if err != nil {
			// 网络抖动下次再试，剩余 ttl 还够两轮
			continue
		}
		if !ok {
			// 锁已过期或被别人拿走
			return
		}
	}
}

package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const retryKeyPrefix = "milestonepay:retry:"

// incrScript 原子地自增并在第一次时设置过期时间
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RetryCounter 按 key 计数一个操作的尝试次数（MQ 重投、sweeper 重试）
type RetryCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet records one more attempt and returns the running total.
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	n, err := incrScript.Run(ctx, r.rdb, []string{key}, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// Get returns the attempts recorded so far; a missing key counts as zero.
func (r *RetryCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := r.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// FormatRetryKey namespaces an attempt counter by handler, e.g.
// "milestonepay:retry:release:<project>/<pos>".
func FormatRetryKey(handler string, id string) string {
	return retryKeyPrefix + handler + ":" + id
}

package util

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduperAcquireOnce(t *testing.T) {
	mr, rdb := newMiniredis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "release", "p1:0"))
	assert.False(t, d.AcquireOnce(ctx, "release", "p1:0"))
	assert.True(t, d.AcquireOnce(ctx, "release", "p1:1"))

	d.Forget(ctx, "release", "p1:0")
	assert.True(t, d.AcquireOnce(ctx, "release", "p1:0"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "release", "p1:1"))
}

func TestDeduperFailsOpen(t *testing.T) {
	mr, rdb := newMiniredis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "release", "p1:0"))
	assert.True(t, d.AcquireOnce(context.Background(), "release", "p1:0"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newMiniredis(t)
	rc := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("release", "p1:2")
	assert.Equal(t, "milestonepay:retry:release:p1:2", key)

	n, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for want := int64(1); want <= 3; want++ {
		n, err := rc.IncrementAndGet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.True(t, mr.TTL(key) > 0)

	require.NoError(t, rc.Reset(ctx, key))
	n, err = rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const milestonesKeyPrefix = "ledger:milestones:"

type cachedMilestone struct {
	Amount   string `json:"amount"`
	Released bool   `json:"released"`
}

// CachedReader puts a short-lived Redis cache and singleflight in front of a
// MilestoneReader. Redis failures fall through to the ledger.
type CachedReader struct {
	inner  MilestoneReader
	rdb    *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

func NewCachedReader(inner MilestoneReader, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedReader {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedReader{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func milestonesKey(address string) string {
	return milestonesKeyPrefix + strings.ToLower(address)
}

func (r *CachedReader) Milestones(ctx context.Context, address string) ([]OnChainMilestone, error) {
	key := milestonesKey(address)
	if ms, ok := r.get(ctx, key); ok {
		return ms, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		ms, err := r.inner.Milestones(ctx, address)
		if err != nil {
			return nil, err
		}
		r.set(ctx, key, ms)
		return ms, nil
	})
	if err != nil {
		return nil, err
	}
	return copyMilestones(v.([]OnChainMilestone)), nil
}

// Invalidate drops the cached milestones for address.
func (r *CachedReader) Invalidate(ctx context.Context, address string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, milestonesKey(address)).Err(); err != nil {
		r.logger.Warn("Failed to invalidate ledger cache",
			zap.String("address", address),
			zap.Error(err),
		)
	}
}

func (r *CachedReader) get(ctx context.Context, key string) ([]OnChainMilestone, bool) {
	if r.rdb == nil {
		return nil, false
	}
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Ledger cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var cached []cachedMilestone
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	ms := make([]OnChainMilestone, len(cached))
	for i, c := range cached {
		amount, ok := new(big.Int).SetString(c.Amount, 10)
		if !ok {
			return nil, false
		}
		ms[i] = OnChainMilestone{Amount: amount, Released: c.Released}
	}
	return ms, true
}

func (r *CachedReader) set(ctx context.Context, key string, ms []OnChainMilestone) {
	if r.rdb == nil {
		return
	}
	cached := make([]cachedMilestone, len(ms))
	for i, m := range ms {
		cached[i] = cachedMilestone{Amount: m.Amount.String(), Released: m.Released}
	}
	raw, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, key, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("Ledger cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func copyMilestones(ms []OnChainMilestone) []OnChainMilestone {
	out := make([]OnChainMilestone, len(ms))
	for i, m := range ms {
		out[i] = OnChainMilestone{Amount: new(big.Int).Set(m.Amount), Released: m.Released}
	}
	return out
}

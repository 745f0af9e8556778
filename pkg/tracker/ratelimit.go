package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// bucketScript refills and consumes one token atomically.
// KEYS[1] = bucket hash; ARGV = capacity, refill per second, now (ms).
const bucketScript = `
local data = redis.call("HMGET", KEYS[1], "tokens", "updated_at")
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = tonumber(data[1])
local updated = tonumber(data[2])
if tokens == nil or updated == nil then
  tokens = capacity
  updated = now
end
local elapsed = (now - updated) / 1000.0
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill)
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "updated_at", tostring(now))
redis.call("PEXPIRE", KEYS[1], 7200000)
return allowed
`

// TokenBucket is a per-organisation token bucket shared across processes
// through the store. Store failures fail open: the call proceeds.
type TokenBucket struct {
	store store.Store
	cfg   *config.TrackerConfig
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket creates a shared token bucket.
func NewTokenBucket(st store.Store, cfg *config.TrackerConfig) *TokenBucket {
	return &TokenBucket{
		store: st,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// TryAcquire attempts to take one token without blocking.
func (b *TokenBucket) TryAcquire(ctx context.Context, orgID string) (bool, error) {
	res, err := b.store.Eval(ctx, bucketScript,
		[]string{store.RateLimitKey(orgID)},
		b.cfg.BucketCapacity, b.cfg.RefillPerSec, b.now().UnixMilli())
	if err != nil {
		// Fail open: a store outage must not block tracker traffic.
		slog.Warn("Token bucket store error, failing open", "org_id", orgID, "error", err)
		return true, nil
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Acquire blocks until a token is available, polling the shared bucket, or
// fails with ErrRateLimitTimeout after the configured acquire timeout.
func (b *TokenBucket) Acquire(ctx context.Context, orgID string) error {
	deadline := b.now().Add(b.cfg.AcquireTimeout)
	for {
		ok, err := b.TryAcquire(ctx, orgID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if b.now().Add(b.cfg.AcquirePoll).After(deadline) {
			return ErrRateLimitTimeout
		}
		if err := b.sleep(ctx, b.cfg.AcquirePoll); err != nil {
			return err
		}
	}
}

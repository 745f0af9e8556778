// Package store provides the typed key/value operations the control plane
// runs against its shared coordination store. All cross-process state — the
// work queue, issue locks, worker registry, rate-limit buckets — lives behind
// this interface; multi-step atomics go through Eval scripts.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the key or field does not exist.
	ErrNotFound = errors.New("key not found")
)

// IsNotFound reports whether err indicates a missing key rather than a
// transport failure. Rate-limit and circuit-breaker callers treat every
// other error as fail-open.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the coordination-store capability consumed by the core.
// All operations are synchronous and single-key atomic; Eval runs a
// multi-key script atomically on the server.
type Store interface {
	// Strings.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Lists.
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted sets.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZPopMin(ctx context.Context, key string) (member string, score float64, err error)

	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HMGet(ctx context.Context, key string, fields ...string) ([]*string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)

	// Eval executes a script atomically against the given keys and args.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// Ping verifies store reachability.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

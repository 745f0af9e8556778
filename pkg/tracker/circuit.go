package tracker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// Circuit states.
const (
	circuitClosed   = "closed"
	circuitOpen     = "open"
	circuitHalfOpen = "half-open"
)

// canProceedScript checks the circuit atomically, promoting open→half-open
// when the reset timeout has elapsed.
// KEYS = state, opened_at, reset_timeout; ARGV = now (ms), default reset (ms).
const canProceedScript = `
local state = redis.call("GET", KEYS[1])
if not state or state == "closed" or state == "half-open" then
  return 1
end
local opened = tonumber(redis.call("GET", KEYS[2]) or "0")
local resetTimeout = tonumber(redis.call("GET", KEYS[3]) or ARGV[2])
local now = tonumber(ARGV[1])
if now - opened >= resetTimeout then
  redis.call("SET", KEYS[1], "half-open")
  return 1
end
return 0
`

// circuitTTL bounds how long breaker state survives without traffic.
const circuitTTL = 24 * time.Hour

// CircuitBreaker is a per-organisation breaker shared across processes.
// It trips on consecutive auth-or-rate errors and backs off with a doubling
// reset timeout. Store failures fail open.
type CircuitBreaker struct {
	store store.Store
	cfg   *config.TrackerConfig
	now   func() time.Time
}

// NewCircuitBreaker creates a shared circuit breaker.
func NewCircuitBreaker(st store.Store, cfg *config.TrackerConfig) *CircuitBreaker {
	return &CircuitBreaker{store: st, cfg: cfg, now: time.Now}
}

// CanProceed reports whether a call may go through. Atomic; an open circuit
// past its reset timeout transitions to half-open and lets one call probe.
func (c *CircuitBreaker) CanProceed(ctx context.Context, orgID string) bool {
	res, err := c.store.Eval(ctx, canProceedScript,
		[]string{
			store.CircuitKey(orgID, "state"),
			store.CircuitKey(orgID, "opened_at"),
			store.CircuitKey(orgID, "reset_timeout"),
		},
		c.now().UnixMilli(), c.cfg.CircuitResetTimeout.Milliseconds())
	if err != nil {
		slog.Warn("Circuit breaker store error, failing open", "org_id", orgID, "error", err)
		return true
	}
	n, _ := res.(int64)
	return n == 1
}

// RecordSuccess closes the circuit and resets the failure count and backoff.
func (c *CircuitBreaker) RecordSuccess(ctx context.Context, orgID string) {
	_ = c.store.Set(ctx, store.CircuitKey(orgID, "state"), circuitClosed, circuitTTL)
	_ = c.store.Set(ctx, store.CircuitKey(orgID, "failures"), "0", circuitTTL)
	_ = c.store.Set(ctx, store.CircuitKey(orgID, "reset_timeout"),
		strconv.FormatInt(c.cfg.CircuitResetTimeout.Milliseconds(), 10), circuitTTL)
}

// RecordFailure registers an auth-or-rate failure. The circuit opens when the
// consecutive-failure threshold is reached or when a half-open probe fails;
// each trip doubles the reset timeout up to the configured maximum.
func (c *CircuitBreaker) RecordFailure(ctx context.Context, orgID string) {
	state, err := c.store.Get(ctx, store.CircuitKey(orgID, "state"))
	if err != nil && !store.IsNotFound(err) {
		slog.Warn("Circuit breaker store error on failure record", "org_id", orgID, "error", err)
		return
	}

	if state == circuitHalfOpen {
		c.trip(ctx, orgID)
		return
	}

	res, err := c.store.Eval(ctx, `return redis.call("INCR", KEYS[1])`,
		[]string{store.CircuitKey(orgID, "failures")})
	if err != nil {
		return
	}
	failures, _ := res.(int64)
	if int(failures) >= c.cfg.CircuitFailureThreshold {
		c.trip(ctx, orgID)
	}
}

// trip opens the circuit and doubles the reset timeout.
func (c *CircuitBreaker) trip(ctx context.Context, orgID string) {
	resetTimeout := c.cfg.CircuitResetTimeout.Milliseconds()
	if raw, err := c.store.Get(ctx, store.CircuitKey(orgID, "reset_timeout")); err == nil {
		if prev, perr := strconv.ParseInt(raw, 10, 64); perr == nil && prev > 0 {
			resetTimeout = prev * 2
		}
	}
	if max := c.cfg.CircuitMaxResetTimeout.Milliseconds(); resetTimeout > max {
		resetTimeout = max
	}

	_ = c.store.Set(ctx, store.CircuitKey(orgID, "state"), circuitOpen, circuitTTL)
	_ = c.store.Set(ctx, store.CircuitKey(orgID, "opened_at"),
		strconv.FormatInt(c.now().UnixMilli(), 10), circuitTTL)
	_ = c.store.Set(ctx, store.CircuitKey(orgID, "reset_timeout"),
		strconv.FormatInt(resetTimeout, 10), circuitTTL)
	_ = c.store.Set(ctx, store.CircuitKey(orgID, "failures"), "0", circuitTTL)

	slog.Warn("Tracker circuit opened", "org_id", orgID, "reset_timeout_ms", resetTimeout)
}

package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/codeready-toolchain/herder/pkg/store"
)

// Idempotency layer TTLs. The memory layer short-circuits fast retry
// deliveries inside one process; the store layer covers redeliveries across
// processes and restarts.
const (
	memoryTTL = 5 * time.Minute
	storeTTL  = 24 * time.Hour
)

// IdempotencyKey derives the dedup key for a delivery: the delivery id when
// the source provides one, else the session id.
func IdempotencyKey(ev *Event) string {
	if ev.DeliveryID != "" {
		return "wh:" + ev.DeliveryID
	}
	if ev.SessionID != "" {
		return "session:" + ev.SessionID
	}
	return ""
}

// isProcessed checks the memory layer first, then the store; a store hit
// warms the memory layer. Store errors are treated as not-processed so a
// flaky store never drops deliveries.
func (d *Dispatcher) isProcessed(ctx context.Context, key string) bool {
	if _, hit := d.memory.Get(key); hit {
		return true
	}
	exists, err := d.store.Exists(ctx, store.WebhookProcessedKey(key))
	if err != nil {
		slog.Warn("Webhook idempotency check failed", "key", key, "error", err)
		return false
	}
	if exists {
		d.memory.Set(key, struct{}{}, gocache.DefaultExpiration)
	}
	return exists
}

// markProcessed records the delivery in both layers.
func (d *Dispatcher) markProcessed(ctx context.Context, key string) {
	d.memory.Set(key, struct{}{}, gocache.DefaultExpiration)
	ts := strconv.FormatInt(d.now().UnixMilli(), 10)
	if err := d.store.Set(ctx, store.WebhookProcessedKey(key), ts, storeTTL); err != nil {
		slog.Warn("Failed to persist webhook idempotency mark", "key", key, "error", err)
	}
}

// UnmarkProcessed rolls back an idempotency mark so a retry delivery is not
// silently swallowed after a downstream failure (for example a failed spawn).
func (d *Dispatcher) UnmarkProcessed(ctx context.Context, key string) {
	d.memory.Delete(key)
	if _, err := d.store.Delete(ctx, store.WebhookProcessedKey(key)); err != nil {
		slog.Warn("Failed to roll back webhook idempotency mark", "key", key, "error", err)
	}
}

package tracker

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/codeready-toolchain/herder/pkg/store"
)

// Quota snapshot freshness and thresholds.
const (
	quotaTTL          = 2 * time.Hour
	quotaFreshness    = 5 * time.Minute
	quotaLowThreshold = 500
)

// Rate-limit response headers the tracker emits.
const (
	headerRequestsRemaining   = "X-RateLimit-Requests-Remaining"
	headerRequestsReset       = "X-RateLimit-Requests-Reset"
	headerComplexityRemaining = "X-RateLimit-Complexity-Remaining"
)

// QuotaSnapshot is the last-seen rate-limit quota for an organisation.
type QuotaSnapshot struct {
	RequestsRemaining   int64
	ComplexityRemaining int64
	RequestsReset       int64 // unix millis
	UpdatedAt           int64 // unix millis
}

// QuotaTracker persists quota snapshots extracted from tracker responses.
type QuotaTracker struct {
	store store.Store
	now   func() time.Time
}

// NewQuotaTracker creates a quota tracker.
func NewQuotaTracker(st store.Store) *QuotaTracker {
	return &QuotaTracker{store: st, now: time.Now}
}

// RecordFromHeaders stores a quota snapshot when the response carries
// rate-limit headers. Responses without them are ignored.
func (q *QuotaTracker) RecordFromHeaders(ctx context.Context, orgID string, headers http.Header) {
	remaining := headers.Get(headerRequestsRemaining)
	if remaining == "" {
		return
	}
	set := func(field, value string) {
		if value != "" {
			_ = q.store.Set(ctx, store.QuotaKey(orgID, field), value, quotaTTL)
		}
	}
	set("requests_remaining", remaining)
	set("requests_reset", headers.Get(headerRequestsReset))
	set("complexity_remaining", headers.Get(headerComplexityRemaining))
	set("updated_at", strconv.FormatInt(q.now().UnixMilli(), 10))
}

// Get returns the stored snapshot, or nil when none has been recorded.
func (q *QuotaTracker) Get(ctx context.Context, orgID string) (*QuotaSnapshot, error) {
	readInt := func(field string) (int64, bool) {
		raw, err := q.store.Get(ctx, store.QuotaKey(orgID, field))
		if err != nil {
			return 0, false
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		return n, err == nil
	}

	remaining, ok := readInt("requests_remaining")
	if !ok {
		return nil, nil
	}
	snap := &QuotaSnapshot{RequestsRemaining: remaining}
	snap.ComplexityRemaining, _ = readInt("complexity_remaining")
	snap.RequestsReset, _ = readInt("requests_reset")
	snap.UpdatedAt, _ = readInt("updated_at")
	return snap, nil
}

// IsQuotaLow reports true only when a fresh snapshot (< 5 min old) shows
// fewer than 500 requests remaining. Unknown or stale quota never blocks.
func (q *QuotaTracker) IsQuotaLow(ctx context.Context, orgID string) bool {
	snap, err := q.Get(ctx, orgID)
	if err != nil || snap == nil {
		return false
	}
	if q.now().Sub(time.UnixMilli(snap.UpdatedAt)) >= quotaFreshness {
		return false
	}
	return snap.RequestsRemaining < quotaLowThreshold
}

// Package scheduler implements the global priority work queue and the
// per-ticket issue-lock discipline: work for a locked ticket is parked in a
// per-ticket pending bucket and promoted when the lock is released.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// Record TTLs. Every shared record outlives the longest expected processing
// time by at least 2x so a crashed producer cannot block a consumer forever.
const (
	ClaimTTL   = time.Hour
	LockTTL    = 2 * time.Hour
	PendingTTL = 24 * time.Hour
)

// Sentinel errors for scheduler operations.
var (
	// ErrLockHeld indicates another session holds the ticket's issue lock.
	ErrLockHeld = errors.New("issue lock held")
)

// Scheduler coordinates the global queue and per-ticket locks through the
// shared store.
type Scheduler struct {
	store store.Store
	now   func() time.Time
}

// New creates a scheduler backed by the given store.
func New(st store.Store) *Scheduler {
	return &Scheduler{store: st, now: time.Now}
}

// QueueWork inserts (or upserts, keyed by session id) a work item into the
// global queue. Item presence in the sorted set and the items hash is kept in
// lockstep.
func (s *Scheduler) QueueWork(ctx context.Context, w *models.QueuedWork) error {
	w.Priority = models.ClampPriority(w.Priority)
	if w.QueuedAt == 0 {
		w.QueuedAt = s.now().UnixMilli()
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshaling queued work: %w", err)
	}
	if err := s.store.HSet(ctx, store.WorkItemsKey, w.SessionID, string(data)); err != nil {
		return fmt.Errorf("storing work item: %w", err)
	}
	if err := s.store.ZAdd(ctx, store.WorkQueueKey, w.Score(), w.SessionID); err != nil {
		return fmt.Errorf("queueing work item: %w", err)
	}
	return nil
}

// PeekWork returns up to limit queued items in priority order without
// claiming them. Items whose hash entry has gone missing are dropped.
func (s *Scheduler) PeekWork(ctx context.Context, limit int) ([]*models.QueuedWork, error) {
	ids, err := s.store.ZRangeByScore(ctx, store.WorkQueueKey, math.Inf(-1), math.Inf(1), 0, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.store.HMGet(ctx, store.WorkItemsKey, ids...)
	if err != nil {
		return nil, fmt.Errorf("reading work items: %w", err)
	}

	items := make([]*models.QueuedWork, 0, len(vals))
	for i, v := range vals {
		if v == nil {
			slog.Warn("Queued session has no work item, dropping from queue", "session_id", ids[i])
			_, _ = s.store.ZRem(ctx, store.WorkQueueKey, ids[i])
			continue
		}
		var w models.QueuedWork
		if err := json.Unmarshal([]byte(*v), &w); err != nil {
			slog.Warn("Unparseable work item, dropping", "session_id", ids[i], "error", err)
			continue
		}
		items = append(items, &w)
	}
	return items, nil
}

// ClaimWork atomically claims a queued session for a worker. Returns
// (nil, nil) when another worker won the claim race or the item is gone.
func (s *Scheduler) ClaimWork(ctx context.Context, sessionID, workerID string) (*models.QueuedWork, error) {
	ok, err := s.store.SetNX(ctx, store.ClaimKey(sessionID), workerID, ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claiming session %s: %w", sessionID, err)
	}
	if !ok {
		return nil, nil
	}

	raw, err := s.store.HGet(ctx, store.WorkItemsKey, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			// Claim won but the item is gone (already processed or removed).
			_ = s.ReleaseClaim(ctx, sessionID)
			return nil, nil
		}
		return nil, fmt.Errorf("reading claimed work item: %w", err)
	}

	var w models.QueuedWork
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("parsing claimed work item: %w", err)
	}

	_, _ = s.store.ZRem(ctx, store.WorkQueueKey, sessionID)
	_, _ = s.store.HDel(ctx, store.WorkItemsKey, sessionID)
	return &w, nil
}

// ReleaseClaim removes a worker's claim on a session.
func (s *Scheduler) ReleaseClaim(ctx context.Context, sessionID string) error {
	_, err := s.store.Delete(ctx, store.ClaimKey(sessionID))
	return err
}

// GetClaimOwner returns the worker id holding the claim, or "" if unclaimed.
func (s *Scheduler) GetClaimOwner(ctx context.Context, sessionID string) (string, error) {
	owner, err := s.store.Get(ctx, store.ClaimKey(sessionID))
	if store.IsNotFound(err) {
		return "", nil
	}
	return owner, err
}

// IsSessionInQueue reports whether the session has a live queue entry.
func (s *Scheduler) IsSessionInQueue(ctx context.Context, sessionID string) (bool, error) {
	raw, err := s.store.HGet(ctx, store.WorkItemsKey, sessionID)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return raw != "", nil
}

// RequeueWork puts previously claimed work back on the queue with a priority
// boost (floor 1) and a fresh queued-at timestamp.
func (s *Scheduler) RequeueWork(ctx context.Context, w *models.QueuedWork, boost int) error {
	if err := s.ReleaseClaim(ctx, w.SessionID); err != nil {
		return fmt.Errorf("releasing claim for requeue: %w", err)
	}
	w.Priority = models.ClampPriority(w.Priority - boost)
	w.QueuedAt = s.now().UnixMilli()
	return s.QueueWork(ctx, w)
}

// RemoveFromQueue deletes a session's queue entry and item record.
func (s *Scheduler) RemoveFromQueue(ctx context.Context, sessionID string) error {
	if _, err := s.store.ZRem(ctx, store.WorkQueueKey, sessionID); err != nil {
		return err
	}
	_, err := s.store.HDel(ctx, store.WorkItemsKey, sessionID)
	return err
}

// QueueDepth returns the number of queued sessions.
func (s *Scheduler) QueueDepth(ctx context.Context) (int64, error) {
	return s.store.ZCard(ctx, store.WorkQueueKey)
}

// MigrateLegacyQueue is a one-shot bootstrap that drains the pre-sorted-set
// list queue into the current layout. Invoked once at control-plane startup;
// safe when the legacy key is absent.
func (s *Scheduler) MigrateLegacyQueue(ctx context.Context) (int, error) {
	migrated := 0
	for {
		raw, err := s.store.LPop(ctx, store.LegacyWorkQueueKey)
		if store.IsNotFound(err) {
			return migrated, nil
		}
		if err != nil {
			return migrated, fmt.Errorf("draining legacy queue: %w", err)
		}
		var w models.QueuedWork
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			slog.Warn("Skipping unparseable legacy queue entry", "error", err)
			continue
		}
		if err := s.QueueWork(ctx, &w); err != nil {
			return migrated, err
		}
		migrated++
	}
}

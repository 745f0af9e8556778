package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// AcquireLock takes the per-ticket mutex for the given lock holder.
// Returns false when another session already holds it.
func (s *Scheduler) AcquireLock(ctx context.Context, ticketID string, lock *models.IssueLock) (bool, error) {
	if lock.LockedAt == 0 {
		lock.LockedAt = s.now().UnixMilli()
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("marshaling issue lock: %w", err)
	}
	ok, err := s.store.SetNX(ctx, store.IssueLockKey(ticketID), string(data), LockTTL)
	if err != nil {
		return false, fmt.Errorf("acquiring issue lock for %s: %w", ticketID, err)
	}
	return ok, nil
}

// GetLock returns the current lock for a ticket, or nil if unlocked.
func (s *Scheduler) GetLock(ctx context.Context, ticketID string) (*models.IssueLock, error) {
	raw, err := s.store.Get(ctx, store.IssueLockKey(ticketID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lock models.IssueLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return nil, fmt.Errorf("parsing issue lock for %s: %w", ticketID, err)
	}
	return &lock, nil
}

// SetLockWorker records the claiming worker on an existing lock.
func (s *Scheduler) SetLockWorker(ctx context.Context, ticketID, workerID string) error {
	lock, err := s.GetLock(ctx, ticketID)
	if err != nil || lock == nil {
		return err
	}
	lock.WorkerID = workerID
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, store.IssueLockKey(ticketID), string(data), LockTTL)
}

// ReleaseLock drops the per-ticket mutex.
func (s *Scheduler) ReleaseLock(ctx context.Context, ticketID string) error {
	_, err := s.store.Delete(ctx, store.IssueLockKey(ticketID))
	return err
}

// DispatchWork routes a work item: lock-and-queue when the ticket is free,
// park in the per-ticket pending bucket when it is locked.
func (s *Scheduler) DispatchWork(ctx context.Context, w *models.QueuedWork) (models.DispatchOutcome, error) {
	lock := &models.IssueLock{
		SessionID:        w.SessionID,
		WorkType:         w.WorkType,
		TicketIdentifier: w.TicketIdentifier,
	}
	acquired, err := s.AcquireLock(ctx, w.TicketID, lock)
	if err != nil {
		return models.DispatchOutcome{}, err
	}

	if acquired {
		if err := s.QueueWork(ctx, w); err != nil {
			// Do not strand the ticket behind a lock whose work never queued.
			_ = s.ReleaseLock(ctx, w.TicketID)
			return models.DispatchOutcome{}, err
		}
		return models.DispatchOutcome{Dispatched: true}, nil
	}

	replaced, err := s.ParkWork(ctx, w.TicketID, w)
	if err != nil {
		return models.DispatchOutcome{}, err
	}
	return models.DispatchOutcome{Parked: true, Replaced: replaced}, nil
}

// ParkWork stores a work item in the ticket's pending bucket, keyed by work
// type. At most one parked record exists per (ticket, work type); a new
// arrival replaces the old one — latest wins.
func (s *Scheduler) ParkWork(ctx context.Context, ticketID string, w *models.QueuedWork) (replaced bool, err error) {
	dedupKey := string(w.WorkType)
	pendingKey := store.PendingKey(ticketID)
	itemsKey := store.PendingItemsKey(ticketID)

	_, err = s.store.HGet(ctx, itemsKey, dedupKey)
	switch {
	case err == nil:
		replaced = true
		if _, err := s.store.ZRem(ctx, pendingKey, dedupKey); err != nil {
			return false, fmt.Errorf("unparking replaced work: %w", err)
		}
		if _, err := s.store.HDel(ctx, itemsKey, dedupKey); err != nil {
			return false, fmt.Errorf("removing replaced work item: %w", err)
		}
	case !store.IsNotFound(err):
		return false, fmt.Errorf("checking pending bucket: %w", err)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return false, fmt.Errorf("marshaling parked work: %w", err)
	}
	if err := s.store.ZAdd(ctx, pendingKey, float64(models.ClampPriority(w.Priority)), dedupKey); err != nil {
		return false, fmt.Errorf("parking work: %w", err)
	}
	if err := s.store.HSet(ctx, itemsKey, dedupKey, string(data)); err != nil {
		return false, fmt.Errorf("storing parked work item: %w", err)
	}
	_, _ = s.store.Expire(ctx, pendingKey, PendingTTL)
	_, _ = s.store.Expire(ctx, itemsKey, PendingTTL)
	return replaced, nil
}

// PendingCount returns the number of parked work items for a ticket.
func (s *Scheduler) PendingCount(ctx context.Context, ticketID string) (int64, error) {
	return s.store.ZCard(ctx, store.PendingKey(ticketID))
}

// PromoteNextPendingWork pops the highest-priority parked item for a ticket,
// takes the issue lock for it, and queues it. On lock or queue failure the
// item is re-parked; callers must tolerate a transient double-park if a
// fresher arrival raced the promotion (latest wins either way).
func (s *Scheduler) PromoteNextPendingWork(ctx context.Context, ticketID string) (*models.QueuedWork, error) {
	dedupKey, _, err := s.store.ZPopMin(ctx, store.PendingKey(ticketID))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping pending bucket: %w", err)
	}

	raw, err := s.store.HGet(ctx, store.PendingItemsKey(ticketID), dedupKey)
	if err != nil {
		if store.IsNotFound(err) {
			slog.Warn("Pending entry without item record", "ticket_id", ticketID, "work_type", dedupKey)
			return nil, nil
		}
		return nil, fmt.Errorf("reading pending work item: %w", err)
	}
	if _, err := s.store.HDel(ctx, store.PendingItemsKey(ticketID), dedupKey); err != nil {
		return nil, fmt.Errorf("removing pending work item: %w", err)
	}

	var w models.QueuedWork
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("parsing pending work item: %w", err)
	}

	lock := &models.IssueLock{
		SessionID:        w.SessionID,
		WorkType:         w.WorkType,
		TicketIdentifier: w.TicketIdentifier,
	}
	acquired, err := s.AcquireLock(ctx, ticketID, lock)
	if err != nil || !acquired {
		if _, perr := s.ParkWork(ctx, ticketID, &w); perr != nil {
			slog.Error("Failed to re-park work after promotion failure",
				"ticket_id", ticketID, "session_id", w.SessionID, "error", perr)
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrLockHeld
	}

	if err := s.QueueWork(ctx, &w); err != nil {
		_ = s.ReleaseLock(ctx, ticketID)
		if _, perr := s.ParkWork(ctx, ticketID, &w); perr != nil {
			slog.Error("Failed to re-park work after queue failure",
				"ticket_id", ticketID, "session_id", w.SessionID, "error", perr)
		}
		return nil, err
	}

	slog.Info("Promoted pending work",
		"ticket_id", ticketID, "session_id", w.SessionID, "work_type", w.WorkType)
	return &w, nil
}

// ReleaseLockAndPromote drops the ticket's lock and immediately promotes the
// next parked item, if any. Each step is individually atomic.
func (s *Scheduler) ReleaseLockAndPromote(ctx context.Context, ticketID string) (*models.QueuedWork, error) {
	if err := s.ReleaseLock(ctx, ticketID); err != nil {
		return nil, err
	}
	return s.PromoteNextPendingWork(ctx, ticketID)
}

// Package cleanup recovers coordination state the normal paths lost track
// of: sessions orphaned by dead workers, pending sessions that fell out of
// every queue, and issue locks that outlived their holders.
//
// All passes are idempotent and safe to run from multiple control-plane
// processes.
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/registry"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// worktreeRecordTTL bounds how long recorded dead-worker worktree paths
// survive before the worker host is assumed gone for good.
const worktreeRecordTTL = 24 * time.Hour

// Report summarises one cleanup pass.
type Report struct {
	OrphansRequeued int      `json:"orphans_requeued"`
	ZombiesRequeued int      `json:"zombies_requeued"`
	LocksPromoted   int      `json:"locks_promoted"`
	StaleLocksFreed int      `json:"stale_locks_freed"`
	WorktreePaths   []string `json:"worktree_paths,omitempty"`
}

func (r *Report) empty() bool {
	return r.OrphansRequeued == 0 && r.ZombiesRequeued == 0 &&
		r.LocksPromoted == 0 && r.StaleLocksFreed == 0
}

// Service runs the periodic and opportunistic cleanup passes.
type Service struct {
	cfg       config.CleanupConfig
	store     store.Store
	scheduler *scheduler.Scheduler
	sessions  *sessions.Service
	registry  *registry.Registry

	now func() time.Time

	mu      sync.Mutex
	lastRun time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg config.CleanupConfig, st store.Store, sched *scheduler.Scheduler, sess *sessions.Service, reg *registry.Registry) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		scheduler: sched,
		sessions:  sess,
		registry:  reg,
		now:       time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"debounce", s.cfg.Debounce,
		"orphan_grace", s.cfg.OrphanGrace,
		"zombie_grace", s.cfg.ZombieGrace)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Trigger(ctx)

	ticker := time.NewTicker(s.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Trigger(ctx)
		}
	}
}

// Trigger runs a cleanup pass unless one already ran within the debounce
// window. Write paths call it opportunistically; a skipped trigger returns
// nil.
func (s *Service) Trigger(ctx context.Context) *Report {
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.lastRun) < s.cfg.Debounce {
		s.mu.Unlock()
		return nil
	}
	s.lastRun = now
	s.mu.Unlock()

	rep := s.runAll(ctx)
	if !rep.empty() {
		slog.Info("Cleanup pass finished",
			"orphans_requeued", rep.OrphansRequeued,
			"zombies_requeued", rep.ZombiesRequeued,
			"locks_promoted", rep.LocksPromoted,
			"stale_locks_freed", rep.StaleLocksFreed)
	}
	return rep
}

// RequeueSession immediately returns one lost session to the dispatch path,
// outside the debounced pass. Used when a worker deregisters with sessions
// still attached.
func (s *Service) RequeueSession(ctx context.Context, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return store.ErrNotFound
	}
	if !s.requeueSession(ctx, session, &Report{}) {
		return errDispatchFailed
	}
	return nil
}

var errDispatchFailed = errors.New("cleanup: re-dispatch failed")

func (s *Service) runAll(ctx context.Context) *Report {
	rep := &Report{}

	alive, idleCapacity := s.workerView(ctx)
	s.sweepSessions(ctx, rep, alive)
	s.promoteExpiredLocks(ctx, rep)
	if idleCapacity > 0 {
		s.releaseStaleLocks(ctx, rep)
	}
	return rep
}

// workerView returns the set of live worker ids and the fleet's idle
// capacity.
func (s *Service) workerView(ctx context.Context) (map[string]bool, int) {
	workers, err := s.registry.ActiveWorkers(ctx)
	if err != nil {
		slog.Error("Cleanup: listing workers failed", "error", err)
		return map[string]bool{}, 0
	}
	alive := make(map[string]bool, len(workers))
	idle := 0
	for _, w := range workers {
		alive[w.ID] = true
		owned, err := s.registry.Sessions(ctx, w.ID)
		if err != nil {
			continue
		}
		if free := w.Capacity - len(owned); free > 0 {
			idle += free
		}
	}
	return alive, idle
}

// sweepSessions requeues orphaned active sessions and zombie pending ones.
func (s *Service) sweepSessions(ctx context.Context, rep *Report, alive map[string]bool) {
	all, err := s.sessions.List(ctx)
	if err != nil {
		slog.Error("Cleanup: listing sessions failed", "error", err)
		return
	}
	now := s.now()

	for _, session := range all {
		switch {
		case session.Status.Active():
			if now.Sub(session.UpdatedAt) <= s.cfg.OrphanGrace {
				continue
			}
			if session.WorkerID != "" && alive[session.WorkerID] {
				continue
			}
			if s.requeueSession(ctx, session, rep) {
				rep.OrphansRequeued++
			}

		case session.Status == models.SessionStatusPending:
			if now.Sub(session.UpdatedAt) <= s.cfg.ZombieGrace {
				continue
			}
			queued, err := s.scheduler.IsSessionInQueue(ctx, session.ID)
			if err != nil || queued {
				continue
			}
			if s.isParked(ctx, session) {
				continue
			}
			if s.requeueSession(ctx, session, rep) {
				rep.ZombiesRequeued++
			}
		}
	}
}

// isParked reports whether the session sits in its ticket's pending bucket.
func (s *Service) isParked(ctx context.Context, session *models.Session) bool {
	raw, err := s.store.HGet(ctx, store.PendingItemsKey(session.TicketID), string(session.WorkType))
	if err != nil {
		return false
	}
	var w models.QueuedWork
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return false
	}
	return w.SessionID == session.ID
}

// requeueSession returns a lost session to the dispatch path with a one-step
// priority boost. The worktree path, if any, is recorded for the owning
// worker host; removal is its local concern.
func (s *Service) requeueSession(ctx context.Context, session *models.Session, rep *Report) bool {
	log := slog.With("session_id", session.ID, "ticket", session.TicketIdentifier, "status", session.Status)

	if session.WorktreePath != "" && session.WorkerID != "" {
		key := store.CleanupWorktreesKey(session.WorkerID)
		if _, err := s.store.SAdd(ctx, key, session.WorktreePath); err == nil {
			_, _ = s.store.Expire(ctx, key, worktreeRecordTTL)
			rep.WorktreePaths = append(rep.WorktreePaths, session.WorktreePath)
		}
	}

	if err := s.scheduler.ReleaseClaim(ctx, session.ID); err != nil {
		log.Warn("Cleanup: releasing claim failed", "error", err)
	}
	// Free the ticket when this session still holds its lock, so the
	// re-dispatch does not park behind itself.
	if lock, err := s.scheduler.GetLock(ctx, session.TicketID); err == nil && lock != nil && lock.SessionID == session.ID {
		if err := s.scheduler.ReleaseLock(ctx, session.TicketID); err != nil {
			log.Warn("Cleanup: releasing own lock failed", "error", err)
		}
	}

	reset, err := s.sessions.ResetForRequeue(ctx, session.ID)
	if err != nil {
		log.Error("Cleanup: session reset failed", "error", err)
		return false
	}

	w := &models.QueuedWork{
		SessionID:        reset.ID,
		TicketID:         reset.TicketID,
		TicketIdentifier: reset.TicketIdentifier,
		WorkType:         reset.WorkType,
		Priority:         models.ClampPriority(reset.Priority - 1),
		QueuedAt:         s.now().UnixMilli(),
		Prompt:           reset.Prompt,
		OrganizationID:   reset.OrganizationID,
	}
	outcome, err := s.scheduler.DispatchWork(ctx, w)
	if err != nil {
		log.Error("Cleanup: re-dispatch failed", "error", err)
		return false
	}
	log.Info("Cleanup: session requeued",
		"priority", w.Priority, "dispatched", outcome.Dispatched, "parked", outcome.Parked)
	return true
}

// promoteExpiredLocks promotes parked work whose ticket lock has lapsed.
func (s *Service) promoteExpiredLocks(ctx context.Context, rep *Report) {
	keys, err := s.store.Keys(ctx, store.PendingKey("*"))
	if err != nil {
		slog.Error("Cleanup: scanning pending buckets failed", "error", err)
		return
	}
	itemsPrefix := store.PendingItemsKey("")
	for _, key := range keys {
		if strings.HasPrefix(key, itemsPrefix) {
			continue
		}
		ticketID := strings.TrimPrefix(key, store.PendingKey(""))

		lock, err := s.scheduler.GetLock(ctx, ticketID)
		if err != nil || lock != nil {
			continue
		}
		n, err := s.scheduler.PendingCount(ctx, ticketID)
		if err != nil || n == 0 {
			continue
		}
		promoted, err := s.scheduler.PromoteNextPendingWork(ctx, ticketID)
		if err != nil {
			slog.Warn("Cleanup: promotion failed", "ticket_id", ticketID, "error", err)
			continue
		}
		if promoted != nil {
			rep.LocksPromoted++
		}
	}
}

// releaseStaleLocks frees locks whose holder session is terminal or gone.
// Only called when the fleet has idle capacity, so freed work can actually
// be picked up.
func (s *Service) releaseStaleLocks(ctx context.Context, rep *Report) {
	keys, err := s.store.Keys(ctx, store.IssueLockKey("*"))
	if err != nil {
		slog.Error("Cleanup: scanning locks failed", "error", err)
		return
	}
	for _, key := range keys {
		ticketID := strings.TrimPrefix(key, store.IssueLockKey(""))

		lock, err := s.scheduler.GetLock(ctx, ticketID)
		if err != nil || lock == nil {
			continue
		}
		holder, err := s.sessions.Get(ctx, lock.SessionID)
		if err != nil {
			continue
		}
		if holder != nil && !holder.Status.Terminal() {
			continue
		}

		if _, err := s.scheduler.ReleaseLockAndPromote(ctx, ticketID); err != nil {
			slog.Warn("Cleanup: stale lock release failed", "ticket_id", ticketID, "error", err)
			continue
		}
		rep.StaleLocksFreed++
		slog.Info("Cleanup: released stale lock",
			"ticket_id", ticketID, "holder_session", lock.SessionID)
	}
}

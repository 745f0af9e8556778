// Package registry tracks worker hosts: registration, heartbeat-based
// liveness, session ownership, and capacity accounting.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// Sentinel errors for registry operations.
var (
	// ErrWorkerNotFound indicates the worker record has expired or never existed.
	ErrWorkerNotFound = errors.New("worker not found")
)

// Registry manages worker records in the shared store.
type Registry struct {
	store    store.Store
	sessions *sessions.Service
	cfg      *config.WorkerConfig
	now      func() time.Time
}

// New creates a worker registry.
func New(st store.Store, sessionSvc *sessions.Service, cfg *config.WorkerConfig) *Registry {
	return &Registry{store: st, sessions: sessionSvc, cfg: cfg, now: time.Now}
}

// RegisterResult is returned to a newly registered worker.
type RegisterResult struct {
	WorkerID          string        `json:"worker_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval_ms"`
	PollInterval      time.Duration `json:"poll_interval_ms"`
}

// Register creates a worker record and returns the cadence the worker should
// heartbeat and poll at.
func (r *Registry) Register(ctx context.Context, hostname string, capacity int, version string, projects []string) (*RegisterResult, error) {
	now := r.now()
	info := &models.WorkerInfo{
		ID:            uuid.NewString(),
		Hostname:      hostname,
		Capacity:      capacity,
		Status:        models.WorkerStatusActive,
		Version:       version,
		Projects:      projects,
		RegisteredAt:  now.UnixMilli(),
		LastHeartbeat: now.UnixMilli(),
	}
	if err := r.save(ctx, info); err != nil {
		return nil, err
	}
	slog.Info("Worker registered",
		"worker_id", info.ID, "hostname", hostname, "capacity", capacity, "version", version)
	return &RegisterResult{
		WorkerID:          info.ID,
		HeartbeatInterval: r.cfg.HeartbeatInterval,
		PollInterval:      r.cfg.PollInterval,
	}, nil
}

// HeartbeatResult is returned on every worker heartbeat.
type HeartbeatResult struct {
	ServerTime       time.Time `json:"server_time"`
	PendingWorkCount int64     `json:"pending_work_count"`
}

// Heartbeat refreshes the worker's record and TTL. pendingWork is supplied by
// the caller so the registry stays decoupled from the queue.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, activeCount int, pendingWork int64) (*HeartbeatResult, error) {
	info, err := r.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	info.ActiveCount = activeCount
	info.LastHeartbeat = r.now().UnixMilli()
	if err := r.save(ctx, info); err != nil {
		return nil, err
	}
	return &HeartbeatResult{ServerTime: r.now(), PendingWorkCount: pendingWork}, nil
}

// Get returns the worker record. Readers see status offline once the
// heartbeat timeout has elapsed, even before the record TTL lapses.
func (r *Registry) Get(ctx context.Context, workerID string) (*models.WorkerInfo, error) {
	raw, err := r.store.Get(ctx, store.WorkerKey(workerID))
	if store.IsNotFound(err) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	var info models.WorkerInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("parsing worker record %s: %w", workerID, err)
	}
	if info.Status == models.WorkerStatusActive && !info.Alive(r.now(), r.cfg.HeartbeatTimeout) {
		info.Status = models.WorkerStatusOffline
	}
	return &info, nil
}

// List returns all live worker records.
func (r *Registry) List(ctx context.Context) ([]*models.WorkerInfo, error) {
	keys, err := r.store.Keys(ctx, store.WorkerKey("*"))
	if err != nil {
		return nil, err
	}
	out := make([]*models.WorkerInfo, 0, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, ":sessions") {
			continue
		}
		info, err := r.Get(ctx, strings.TrimPrefix(key, store.WorkerKey("")))
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// ActiveWorkers returns workers currently considered alive.
func (r *Registry) ActiveWorkers(ctx context.Context) ([]*models.WorkerInfo, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, w := range all {
		if w.Status == models.WorkerStatusActive {
			out = append(out, w)
		}
	}
	return out, nil
}

// Deregister removes the worker and returns the sessions it still owned so
// the caller can requeue them.
func (r *Registry) Deregister(ctx context.Context, workerID string) (unclaimedSessions []string, err error) {
	unclaimedSessions, err = r.Sessions(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.Delete(ctx, store.WorkerKey(workerID), store.WorkerSessionsKey(workerID)); err != nil {
		return nil, err
	}
	slog.Info("Worker deregistered", "worker_id", workerID, "unclaimed_sessions", len(unclaimedSessions))
	return unclaimedSessions, nil
}

// AddSession records a session as owned by the worker.
func (r *Registry) AddSession(ctx context.Context, workerID, sessionID string) error {
	_, err := r.store.SAdd(ctx, store.WorkerSessionsKey(workerID), sessionID)
	return err
}

// RemoveSession drops a session from the worker's ownership set.
func (r *Registry) RemoveSession(ctx context.Context, workerID, sessionID string) error {
	_, err := r.store.SRem(ctx, store.WorkerSessionsKey(workerID), sessionID)
	return err
}

// Sessions returns the session ids owned by a worker.
func (r *Registry) Sessions(ctx context.Context, workerID string) ([]string, error) {
	return r.store.SMembers(ctx, store.WorkerSessionsKey(workerID))
}

// TotalCapacity sums remaining capacity across alive workers. The session-set
// size is authoritative; the advisory active_count can be stale across
// re-registration.
func (r *Registry) TotalCapacity(ctx context.Context, workers []*models.WorkerInfo) (int, error) {
	if workers == nil {
		var err error
		workers, err = r.ActiveWorkers(ctx)
		if err != nil {
			return 0, err
		}
	}
	total := 0
	for _, w := range workers {
		active, err := r.store.SCard(ctx, store.WorkerSessionsKey(w.ID))
		if err != nil {
			return 0, err
		}
		if free := w.Capacity - int(active); free > 0 {
			total += free
		}
	}
	return total, nil
}

// TransferSessionOwnership lets a reconnecting worker adopt an orphaned
// session. Accepted only when the stored worker id equals oldWorkerID or is
// empty; otherwise the rejection reason is returned.
func (r *Registry) TransferSessionOwnership(ctx context.Context, sessionID, newWorkerID, oldWorkerID string) (accepted bool, reason string, err error) {
	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, "", err
	}
	if session == nil {
		return false, "session not found", nil
	}
	if session.WorkerID != "" && session.WorkerID != oldWorkerID {
		return false, fmt.Sprintf("session owned by worker %s", session.WorkerID), nil
	}

	session.WorkerID = newWorkerID
	if err := r.sessions.Save(ctx, session); err != nil {
		return false, "", err
	}
	if oldWorkerID != "" {
		_ = r.RemoveSession(ctx, oldWorkerID, sessionID)
	}
	if err := r.AddSession(ctx, newWorkerID, sessionID); err != nil {
		return false, "", err
	}
	slog.Info("Session ownership transferred",
		"session_id", sessionID, "old_worker_id", oldWorkerID, "new_worker_id", newWorkerID)
	return true, "", nil
}

func (r *Registry) save(ctx context.Context, info *models.WorkerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling worker record: %w", err)
	}
	return r.store.Set(ctx, store.WorkerKey(info.ID), string(data), r.cfg.TTL)
}

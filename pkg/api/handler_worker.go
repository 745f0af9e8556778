package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/herder/pkg/registry"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// claimPeekLimit bounds how far down the queue one claim attempt looks.
const claimPeekLimit = 10

type registerRequest struct {
	Hostname string   `json:"hostname" binding:"required"`
	Capacity int      `json:"capacity" binding:"required,min=1"`
	Version  string   `json:"version"`
	Projects []string `json:"projects"`
}

func (s *Server) handleWorkerRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.registry.Register(c.Request.Context(), req.Hostname, req.Capacity, req.Version, req.Projects)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type heartbeatRequest struct {
	ActiveCount int `json:"active_count"`
}

func (s *Server) handleWorkerHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	pending, err := s.scheduler.QueueDepth(ctx)
	if err != nil {
		pending = 0
	}
	result, err := s.registry.Heartbeat(ctx, c.Param("id"), req.ActiveCount, pending)
	if errors.Is(err, registry.ErrWorkerNotFound) {
		// Record expired; the worker must re-register.
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not registered"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleWorkerClaim hands the highest-priority claimable work item to the
// worker, or 204 when the queue has nothing for it.
func (s *Server) handleWorkerClaim(c *gin.Context) {
	ctx := c.Request.Context()
	workerID := c.Param("id")

	items, err := s.scheduler.PeekWork(ctx, claimPeekLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue read failed"})
		return
	}
	for _, item := range items {
		work, err := s.scheduler.ClaimWork(ctx, item.SessionID, workerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "claim failed"})
			return
		}
		if work == nil {
			continue // lost the race, try the next item
		}
		if err := s.registry.AddSession(ctx, workerID, work.SessionID); err != nil {
			slog.Warn("Failed to record session ownership",
				"worker_id", workerID, "session_id", work.SessionID, "error", err)
		}
		s.metrics.claims.WithLabelValues("won").Inc()
		c.JSON(http.StatusOK, work)
		return
	}
	s.metrics.claims.WithLabelValues("empty").Inc()
	c.Status(http.StatusNoContent)
}

// handleWorkerDeregister removes the worker and requeues whatever it still
// owned.
func (s *Server) handleWorkerDeregister(c *gin.Context) {
	ctx := c.Request.Context()
	workerID := c.Param("id")

	unclaimed, err := s.registry.Deregister(ctx, workerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deregistration failed"})
		return
	}
	requeued := make([]string, 0, len(unclaimed))
	for _, sessionID := range unclaimed {
		if err := s.cleanup.RequeueSession(ctx, sessionID); err != nil {
			slog.Warn("Failed to requeue session on deregister",
				"worker_id", workerID, "session_id", sessionID, "error", err)
			continue
		}
		requeued = append(requeued, sessionID)
	}
	c.JSON(http.StatusOK, gin.H{"requeued_sessions": requeued})
}

type transferRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	OldWorkerID string `json:"old_worker_id"`
}

// handleSessionTransfer moves session ownership to the calling worker, used
// by the startup orphan-adoption pass.
func (s *Server) handleSessionTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted, reason, err := s.registry.TransferSessionOwnership(c.Request.Context(), req.SessionID, c.Param("id"), req.OldWorkerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transfer failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted, "reason": reason})
}

// handleWorkerWorktrees returns, and forgets, the worktree paths the cleanup
// passes recorded for this worker host. Removal is the host's local concern.
func (s *Server) handleWorkerWorktrees(c *gin.Context) {
	ctx := c.Request.Context()
	key := store.CleanupWorktreesKey(c.Param("id"))

	paths, err := s.store.SMembers(ctx, key)
	if err != nil && !store.IsNotFound(err) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "worktree lookup failed"})
		return
	}
	if len(paths) > 0 {
		_, _ = s.store.Delete(ctx, key)
	}
	c.JSON(http.StatusOK, gin.H{"worktree_paths": paths})
}

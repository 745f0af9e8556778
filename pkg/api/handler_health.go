package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthTimeout bounds the store probes behind the health endpoint.
const healthTimeout = 5 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"store":  "unreachable",
			"error":  err.Error(),
		})
		return
	}

	workers, err := s.registry.ActiveWorkers(ctx)
	workerCount := 0
	if err == nil {
		workerCount = len(workers)
	}
	depth, _ := s.scheduler.QueueDepth(ctx)

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"store":          "ok",
		"active_workers": workerCount,
		"queue_depth":    depth,
	})
}

// handleCronCleanup runs a debounced cleanup pass on external schedule.
func (s *Server) handleCronCleanup(c *gin.Context) {
	rep := s.cleanup.Trigger(c.Request.Context())
	if rep == nil {
		c.JSON(http.StatusOK, gin.H{"skipped": true})
		return
	}
	c.JSON(http.StatusOK, rep)
}

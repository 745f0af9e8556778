package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/herder/pkg/models"
)

// publicWorker is the dashboard projection of a worker record. Worker ids
// stay internal; hostnames identify rows.
type publicWorker struct {
	Hostname      string    `json:"hostname"`
	Capacity      int       `json:"capacity"`
	ActiveCount   int       `json:"active_count"`
	Status        string    `json:"status"`
	Version       string    `json:"version,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// handleDashboardSessions lists live sessions, newest first, in the same
// public projection as the per-session endpoint.
func (s *Server) handleDashboardSessions(c *gin.Context) {
	all, err := s.sessions.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session list failed"})
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	out := make([]publicSession, 0, len(all))
	for _, session := range all {
		out = append(out, toPublicSession(s.cfg.Security.SessionHashSalt, session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleDashboardWorkers(c *gin.Context) {
	workers, err := s.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "worker list failed"})
		return
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Hostname < workers[j].Hostname })

	out := make([]publicWorker, 0, len(workers))
	for _, w := range workers {
		out = append(out, toPublicWorker(w))
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

func toPublicWorker(w *models.WorkerInfo) publicWorker {
	return publicWorker{
		Hostname:      w.Hostname,
		Capacity:      w.Capacity,
		ActiveCount:   w.ActiveCount,
		Status:        string(w.Status),
		Version:       w.Version,
		LastHeartbeat: time.UnixMilli(w.LastHeartbeat),
	}
}

// Package api exposes the control plane over HTTP: the webhook intake, the
// worker coordination API, the public read-only session surface, cron
// triggers, health, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/herder/pkg/cleanup"
	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/dispatch"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/registry"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the control-plane HTTP server.
type Server struct {
	cfg        *config.Config
	store      store.Store
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	sessions   *sessions.Service
	registry   *registry.Registry
	inbox      *prompts.Inbox
	cleanup    *cleanup.Service

	metrics *metrics

	publicLimiter    *rateLimiter
	webhookLimiter   *rateLimiter
	dashboardLimiter *rateLimiter

	httpServer *http.Server
}

// NewServer wires the HTTP surface over the control-plane services.
func NewServer(cfg *config.Config, st store.Store, disp *dispatch.Dispatcher, sched *scheduler.Scheduler, sess *sessions.Service, reg *registry.Registry, inbox *prompts.Inbox, cl *cleanup.Service) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: disp,
		scheduler:  sched,
		sessions:   sess,
		registry:   reg,
		inbox:      inbox,
		cleanup:    cl,

		publicLimiter:    newRateLimiter(cfg.Server.PublicRateLimit, cfg.Server.PublicRateWindow),
		webhookLimiter:   newRateLimiter(cfg.Server.WebhookRateLimit, cfg.Server.WebhookRateWindow),
		dashboardLimiter: newRateLimiter(cfg.Server.DashboardRateLimit, cfg.Server.DashboardRateWin),
	}
	s.metrics = newMetrics(sched, func(ctx context.Context) int {
		workers, err := reg.ActiveWorkers(ctx)
		if err != nil {
			return 0
		}
		return len(workers)
	})
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/webhook", s.rateLimit(s.webhookLimiter, "webhook"), s.webhookAuth(), s.handleWebhook)

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.handleHealth)

	workers := v1.Group("/workers", s.workerAuth())
	workers.POST("/register", s.handleWorkerRegister)
	workers.POST("/:id/heartbeat", s.handleWorkerHeartbeat)
	workers.POST("/:id/claim", s.handleWorkerClaim)
	workers.POST("/:id/deregister", s.handleWorkerDeregister)
	workers.POST("/:id/transfer", s.handleSessionTransfer)
	workers.GET("/:id/worktrees", s.handleWorkerWorktrees)

	pub := v1.Group("/sessions", s.rateLimit(s.publicLimiter, "public"))
	pub.GET("/:publicID", s.handleGetSession)
	pub.POST("/:publicID/prompts", s.handleAddPrompt)

	dash := v1.Group("/dashboard", s.rateLimit(s.dashboardLimiter, "dashboard"))
	dash.GET("/sessions", s.handleDashboardSessions)
	dash.GET("/workers", s.handleDashboardWorkers)

	cron := v1.Group("/cron", s.cronAuth())
	cron.POST("/cleanup", s.handleCronCleanup)

	r.GET("/metrics", s.metrics.handler())
	return r
}

// Start begins serving on the configured port. Non-blocking.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:    ":" + s.cfg.Server.Port,
		Handler: s.Router(),
	}
	go func() {
		slog.Info("API server listening", "port", s.cfg.Server.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}
}

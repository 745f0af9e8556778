// Herder worker host — registers against the shared coordination store,
// claims queued work up to capacity, and supervises one coding agent per
// claimed session.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/herder/pkg/cleanup"
	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/escalation"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/orchestrator"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/provider"
	"github.com/codeready-toolchain/herder/pkg/registry"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
	"github.com/codeready-toolchain/herder/pkg/version"
)

const (
	// claimBatch is how many queue candidates a single claim attempt walks.
	claimBatch = 10

	// workerIDFileName records the last worker id under the worktrees root so
	// a restarted host can clean up after its previous incarnation.
	workerIDFileName = ".worker-id"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	slog.Info("Starting herder worker",
		"version", version.Full(),
		"hostname", hostname,
		"capacity", cfg.Worker.Capacity,
		"worktrees_root", cfg.Worker.WorktreesRoot)

	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	ctx := context.Background()

	st, err := store.NewRedisStore(cfg.Store.URL)
	if err != nil {
		slog.Error("Failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	if err := st.Ping(ctx); err != nil {
		slog.Error("Store ping failed", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(st)
	sess := sessions.NewService(st)
	esc := escalation.NewTracker(st)
	inbox := prompts.NewInbox(st)
	reg := registry.New(st, sess, &cfg.Worker)
	tc := tracker.NewHTTPClient(st, &cfg.Tracker, getEnv("TRACKER_ORG_ID", "default"))
	requeuer := cleanup.NewService(cfg.Cleanup, st, sched, sess, reg)

	agentBinary := getEnv("AGENT_BINARY", "agent")
	prov := provider.NewCLIProvider(agentBinary, strings.Fields(os.Getenv("AGENT_ARGS"))...)

	orch := orchestrator.New(cfg, prov, tc, sess, sched, esc, inbox, st)

	projects := strings.Fields(os.Getenv("WORKER_PROJECTS"))
	res, err := reg.Register(ctx, hostname, cfg.Worker.Capacity, version.Full(), projects)
	if err != nil {
		slog.Error("Worker registration failed", "error", err)
		os.Exit(1)
	}
	workerID := res.WorkerID

	adoptPrevious(ctx, cfg, st, reg, requeuer, workerID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go heartbeatLoop(hbCtx, res.HeartbeatInterval, sched, reg, orch, workerID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	var g errgroup.Group
	g.SetLimit(cfg.Worker.Capacity)

	// Per-host jitter spreads claim polls so a fleet restart does not hammer
	// the queue in lockstep.
	interval := res.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	interval += time.Duration(rand.Int63n(int64(interval / 2)))
	poll := time.NewTicker(interval)

	slog.Info("Worker ready", "worker_id", workerID, "poll_interval", interval)

loop:
	for {
		select {
		case sig := <-quit:
			slog.Info("Shutdown signal received, draining", "signal", sig)
			break loop
		case <-poll.C:
		}
		if orch.ActiveCount() >= cfg.Worker.Capacity {
			continue
		}
		work := claimNext(ctx, sched, workerID)
		if work == nil {
			continue
		}
		g.Go(func() error {
			runClaimed(runCtx, orch, reg, workerID, work)
			return nil
		})
	}
	poll.Stop()

	// A second signal cancels in-flight sessions instead of waiting them out.
	go func() {
		sig := <-quit
		slog.Warn("Second signal received, cancelling active sessions", "signal", sig)
		cancelRuns()
	}()

	_ = g.Wait()
	stopHeartbeat()

	if unclaimed, err := reg.Deregister(ctx, workerID); err != nil {
		slog.Error("Deregister failed", "worker_id", workerID, "error", err)
	} else {
		for _, sid := range unclaimed {
			if err := requeuer.RequeueSession(ctx, sid); err != nil {
				slog.Warn("Failed to requeue session on shutdown", "session_id", sid, "error", err)
			}
		}
	}

	slog.Info("Shutdown complete", "worker_id", workerID)
}

// claimNext peeks the head of the global queue and races for the first
// claimable item. Returns nil when the queue is empty or every candidate was
// lost to another worker.
func claimNext(ctx context.Context, sched *scheduler.Scheduler, workerID string) *models.QueuedWork {
	candidates, err := sched.PeekWork(ctx, claimBatch)
	if err != nil {
		slog.Warn("Queue peek failed", "error", err)
		return nil
	}
	for _, c := range candidates {
		w, err := sched.ClaimWork(ctx, c.SessionID, workerID)
		if err != nil {
			slog.Warn("Claim failed", "session_id", c.SessionID, "error", err)
			continue
		}
		if w != nil {
			return w
		}
		// Lost the race for this candidate; try the next one.
	}
	return nil
}

func runClaimed(ctx context.Context, orch *orchestrator.Orchestrator, reg *registry.Registry, workerID string, work *models.QueuedWork) {
	log := slog.With("session_id", work.SessionID, "ticket", work.TicketIdentifier, "work_type", work.WorkType)
	if err := reg.AddSession(ctx, workerID, work.SessionID); err != nil {
		log.Warn("Failed to record session ownership", "error", err)
	}
	log.Info("Session claimed")

	if err := orch.Run(ctx, work, workerID); err != nil {
		log.Error("Session run failed", "error", err)
	} else {
		log.Info("Session finished")
	}

	// Background context: ownership bookkeeping must survive a force-cancel.
	if err := reg.RemoveSession(context.Background(), workerID, work.SessionID); err != nil {
		log.Warn("Failed to drop session ownership", "error", err)
	}
}

func heartbeatLoop(ctx context.Context, interval time.Duration, sched *scheduler.Scheduler, reg *registry.Registry, orch *orchestrator.Orchestrator, workerID string) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := sched.QueueDepth(ctx)
			if err != nil {
				depth = 0
			}
			if _, err := reg.Heartbeat(ctx, workerID, orch.ActiveCount(), depth); err != nil {
				slog.Warn("Heartbeat failed", "worker_id", workerID, "error", err)
			}
		}
	}
}

// adoptPrevious cleans up after the previous incarnation of this host: stale
// worktrees the control plane already requeued elsewhere are removed, and
// sessions the dead incarnation still owned are returned to the queue with
// their worktrees intact so a local re-claim can resume from saved state.
func adoptPrevious(ctx context.Context, cfg *config.Config, st store.Store, reg *registry.Registry, requeuer *cleanup.Service, workerID string) {
	root := cfg.Worker.WorktreesRoot
	idFile := filepath.Join(root, workerIDFileName)

	if data, err := os.ReadFile(idFile); err == nil {
		oldID := strings.TrimSpace(string(data))
		if oldID != "" && oldID != workerID {
			removeStaleWorktrees(ctx, st, root, oldID)
			requeueOrphans(ctx, reg, requeuer, oldID)
			// Drop the records the requeue just wrote: those worktrees stay
			// on disk for local resume.
			_, _ = st.Delete(ctx, store.CleanupWorktreesKey(oldID),
				store.WorkerKey(oldID), store.WorkerSessionsKey(oldID))
		}
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		slog.Warn("Failed to create worktrees root", "path", root, "error", err)
		return
	}
	if err := os.WriteFile(idFile, []byte(workerID+"\n"), 0o644); err != nil {
		slog.Warn("Failed to record worker id", "path", idFile, "error", err)
	}
}

func requeueOrphans(ctx context.Context, reg *registry.Registry, requeuer *cleanup.Service, oldID string) {
	owned, err := reg.Sessions(ctx, oldID)
	if err != nil {
		slog.Warn("Failed to list previous incarnation's sessions", "worker_id", oldID, "error", err)
		return
	}
	for _, sid := range owned {
		if err := requeuer.RequeueSession(ctx, sid); err != nil {
			slog.Warn("Failed to requeue orphaned session", "session_id", sid, "error", err)
		}
	}
	if len(owned) > 0 {
		slog.Info("Requeued sessions from previous incarnation", "worker_id", oldID, "count", len(owned))
	}
}

// removeStaleWorktrees drains the control plane's leftover-worktree records
// for the dead incarnation and removes those directories. Paths outside the
// worktrees root are refused.
func removeStaleWorktrees(ctx context.Context, st store.Store, root, oldID string) {
	key := store.CleanupWorktreesKey(oldID)
	paths, err := st.SMembers(ctx, key)
	if err != nil || len(paths) == 0 {
		return
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			slog.Warn("Refusing to remove path outside worktrees root", "path", p)
			continue
		}
		if err := os.RemoveAll(abs); err != nil {
			slog.Warn("Failed to remove stale worktree", "path", abs, "error", err)
		} else {
			slog.Info("Removed stale worktree", "path", abs)
		}
	}
	_, _ = st.Delete(ctx, key)
}

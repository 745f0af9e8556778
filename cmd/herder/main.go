// Herder control plane — webhook intake, scheduling, the worker API, and
// background coordination cleanup.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/codeready-toolchain/herder/pkg/api"
	"github.com/codeready-toolchain/herder/pkg/cleanup"
	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/dispatch"
	"github.com/codeready-toolchain/herder/pkg/escalation"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/registry"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
	"github.com/codeready-toolchain/herder/pkg/version"
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

	warnings, err := cfg.Validate(config.IsProduction())
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		slog.Warn("Configuration warning", "warning", w)
	}

	slog.Info("Starting herder",
		"version", version.Full(),
		"http_port", cfg.Server.Port,
		"config_dir", *configDir)

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
	slog.Info("Connected to coordination store")

	sched := scheduler.New(st)
	sess := sessions.NewService(st)
	esc := escalation.NewTracker(st)
	inbox := prompts.NewInbox(st)
	reg := registry.New(st, sess, &cfg.Worker)
	tc := tracker.NewHTTPClient(st, &cfg.Tracker, getEnv("TRACKER_ORG_ID", "default"))

	dispatcher := dispatch.NewDispatcher(st, sched, sess, esc, inbox, tc)
	cleanupSvc := cleanup.NewService(cfg.Cleanup, st, sched, sess, reg)

	// One-shot migration of the legacy per-type queues into the global queue.
	// Non-fatal: unmigrated items stay where they are until the next restart.
	if n, err := sched.MigrateLegacyQueue(ctx); err != nil {
		slog.Error("Legacy queue migration failed", "error", err)
	} else if n > 0 {
		slog.Info("Migrated legacy queue items", "count", n)
	}

	cleanupSvc.Start(ctx)

	server := api.NewServer(cfg, st, dispatcher, sched, sess, reg, inbox, cleanupSvc)
	server.Start()

	slog.Info("Herder started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	// Stop intake first so the final cleanup pass sees a quiet store.
	server.Stop()
	cleanupSvc.Stop()

	slog.Info("Shutdown complete")
}

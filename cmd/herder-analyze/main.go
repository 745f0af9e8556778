// herder-analyze scans per-session event logs for recurring agent failure
// patterns and files deduplicated tracker issues for the ones worth a human
// look. Run it from cron on worker hosts, or ad hoc with -dry-run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/codeready-toolchain/herder/pkg/analyzer"
	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
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
	root := flag.String("root", "",
		"Worktrees root to scan (defaults to the configured worktrees root)")
	dryRun := flag.Bool("dry-run", false,
		"Print reportable findings instead of filing tracker issues")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *root == "" {
		*root = cfg.Worker.WorktreesRoot
	}

	ctx := context.Background()

	if *dryRun {
		a := analyzer.New(nil, nil)
		findings, err := a.ScanDir(*root)
		if err != nil {
			slog.Error("Scan failed", "root", *root, "error", err)
			os.Exit(1)
		}
		printFindings(findings)
		return
	}

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

	tc := tracker.NewHTTPClient(st, &cfg.Tracker, getEnv("TRACKER_ORG_ID", "default"))
	a := analyzer.New(st, tc)

	findings, err := a.ScanDir(*root)
	if err != nil {
		slog.Error("Scan failed", "root", *root, "error", err)
		os.Exit(1)
	}

	created, err := a.Report(ctx, findings)
	if err != nil {
		slog.Error("Reporting failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Analysis complete",
		"root", *root, "patterns", len(findings), "issues_created", created)
}

func printFindings(findings map[string]*analyzer.Finding) {
	reportable := analyzer.Reportable(findings)
	if len(reportable) == 0 {
		fmt.Println("No reportable findings.")
		return
	}
	sort.Slice(reportable, func(i, j int) bool {
		return reportable[i].Count > reportable[j].Count
	})
	for _, f := range reportable {
		fmt.Printf("%s  type=%s severity=%s count=%d\n",
			f.Rule.Name, f.Rule.Type, f.Rule.Severity, f.Count)
		for _, s := range f.Samples {
			fmt.Printf("  - %s\n", s)
		}
	}
}

// Package analyzer mines per-session event logs for recurring agent failure
// patterns and files deduplicated tracker issues for the ones worth a human
// look.
package analyzer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/provider"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
)

// Scan limits.
const (
	maxSamplesPerFinding = 3
	maxScanLineBytes     = 1 << 20

	// trackedIssueTTL is how long a filed signature suppresses re-filing.
	trackedIssueTTL = 7 * 24 * time.Hour
)

// Finding aggregates every occurrence of one rule across the scanned logs.
type Finding struct {
	Rule    *Rule
	Count   int
	Samples []string
}

// Analyzer scans event logs and reports findings to the tracker.
type Analyzer struct {
	store   store.Store
	tracker tracker.Client
}

// New creates an analyzer. store carries the issue-dedup signatures; tracker
// receives the filed issues.
func New(st store.Store, tc tracker.Client) *Analyzer {
	return &Analyzer{store: st, tracker: tc}
}

// ScanDir walks root for event logs (events.jsonl under .agent state dirs)
// and aggregates rule matches across all of them.
func (a *Analyzer) ScanDir(root string) (map[string]*Finding, error) {
	findings := make(map[string]*Finding)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "events.jsonl" {
			return nil
		}
		if err := a.scanFile(path, findings); err != nil {
			slog.Warn("Skipping unreadable event log", "path", path, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return findings, nil
}

// ScanFile aggregates rule matches from a single event log.
func (a *Analyzer) ScanFile(path string) (map[string]*Finding, error) {
	findings := make(map[string]*Finding)
	if err := a.scanFile(path, findings); err != nil {
		return nil, err
	}
	return findings, nil
}

func (a *Analyzer) scanFile(path string, findings map[string]*Finding) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev provider.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // partial trailing writes are expected
		}
		for _, text := range errorTexts(&ev) {
			record(findings, text)
		}
	}
	return scanner.Err()
}

// errorTexts extracts the failure strings an event carries, if any.
func errorTexts(ev *provider.Event) []string {
	switch ev.Type {
	case provider.EventError:
		if ev.Message != "" {
			return []string{ev.Message}
		}
	case provider.EventToolResult:
		if ev.IsError && ev.Content != "" {
			return []string{ev.Content}
		}
	case provider.EventResult:
		return ev.Errors
	}
	return nil
}

func record(findings map[string]*Finding, text string) {
	rule := MatchRule(text)
	if rule == nil {
		return
	}
	f, ok := findings[rule.Name]
	if !ok {
		f = &Finding{Rule: rule}
		findings[rule.Name] = f
	}
	f.Count++
	if len(f.Samples) < maxSamplesPerFinding {
		f.Samples = append(f.Samples, text)
	}
}

// Reportable returns the findings that clear the filing thresholds: any
// high or critical pattern, a medium pattern seen at least twice, or two
// distinct patterns of the same type.
func Reportable(findings map[string]*Finding) []*Finding {
	typeCounts := make(map[PatternType]int)
	for _, f := range findings {
		typeCounts[f.Rule.Type]++
	}

	var out []*Finding
	for _, f := range findings {
		switch {
		case f.Rule.Severity == SeverityHigh || f.Rule.Severity == SeverityCritical:
			out = append(out, f)
		case f.Rule.Severity == SeverityMedium && f.Count >= 2:
			out = append(out, f)
		case typeCounts[f.Rule.Type] >= 2:
			out = append(out, f)
		}
	}
	return out
}

// Report files one tracker issue per reportable finding. A signature that was
// already filed gets a recurrence comment on the existing issue instead.
// Returns the number of issues created.
func (a *Analyzer) Report(ctx context.Context, findings map[string]*Finding) (int, error) {
	created := 0
	for _, f := range Reportable(findings) {
		title := fmt.Sprintf("Agent issue: %s", f.Rule.Name)
		sig := models.IssueSignature(string(f.Rule.Type), title)
		key := store.TrackedIssueKey(sig)

		fresh, err := a.store.SetNX(ctx, key, "", trackedIssueTTL)
		if err != nil {
			return created, fmt.Errorf("reserving issue signature: %w", err)
		}

		if !fresh {
			existingID, err := a.store.Get(ctx, key)
			if err != nil || existingID == "" {
				continue
			}
			body := fmt.Sprintf("Pattern recurred: %d new occurrence(s).\n\n%s",
				f.Count, sampleBlock(f.Samples))
			if err := a.tracker.CreateComment(ctx, existingID, body); err != nil {
				slog.Warn("Recurrence comment failed", "issue_id", existingID, "error", err)
			}
			continue
		}

		issue, err := a.tracker.CreateIssue(ctx, tracker.NewIssue{
			Title:       title,
			Description: describeFinding(f),
			Labels:      []string{"agent-analysis"},
		})
		if err != nil {
			// Free the signature so a later run can retry.
			_, _ = a.store.Delete(ctx, key)
			return created, fmt.Errorf("creating issue for %q: %w", f.Rule.Name, err)
		}
		if err := a.store.Set(ctx, key, issue.ID, trackedIssueTTL); err != nil {
			slog.Warn("Failed to record issue id for signature", "signature", sig, "error", err)
		}
		created++
		slog.Info("Filed analysis issue",
			"issue", issue.Identifier, "rule", f.Rule.Name, "type", f.Rule.Type,
			"severity", f.Rule.Severity, "occurrences", f.Count)
	}
	return created, nil
}

func describeFinding(f *Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern: %s\nType: %s\nSeverity: %s\nOccurrences: %d\n\n",
		f.Rule.Name, f.Rule.Type, f.Rule.Severity, f.Count)
	b.WriteString(sampleBlock(f.Samples))
	return b.String()
}

func sampleBlock(samples []string) string {
	if len(samples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Samples:\n")
	for _, s := range samples {
		if len(s) > 300 {
			s = s[:300] + "…"
		}
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

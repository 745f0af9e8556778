package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/codeready-toolchain/herder/pkg/models"
)

// ErrWorktreeEscape indicates a computed worktree path outside the configured
// worktrees root.
var ErrWorktreeEscape = errors.New("worktree path escapes worktrees root")

// dependencyDirs are linked from the main checkout into a fresh worktree so
// the agent does not reinstall from scratch.
var dependencyDirs = []string{"node_modules", "vendor", ".venv"}

// WorktreeManager creates and removes scratch working trees via the external
// VCS binary. It never touches the main working tree.
type WorktreeManager struct {
	// GitBinary is the VCS executable, "git" by default.
	GitBinary string

	// RepoPath is the main repository checkout worktrees branch from.
	RepoPath string

	// Root is the directory all scratch worktrees live under.
	Root string
}

// NewWorktreeManager builds a manager rooted at the given worktrees dir.
func NewWorktreeManager(repoPath, root string) *WorktreeManager {
	return &WorktreeManager{GitBinary: "git", RepoPath: repoPath, Root: root}
}

// Identifier returns the worktree directory name for a ticket phase,
// "<ticketIdentifier>-<SUFFIX>".
func Identifier(ticketIdentifier string, workType models.WorkType) string {
	return ticketIdentifier + "-" + workType.WorktreeSuffix()
}

// Path resolves the worktree path for a ticket phase, refusing anything that
// resolves outside Root.
func (m *WorktreeManager) Path(ticketIdentifier string, workType models.WorkType) (string, error) {
	path := filepath.Join(m.Root, Identifier(ticketIdentifier, workType))
	return m.contained(path)
}

// contained verifies the path stays strictly inside Root and is not the main
// checkout.
func (m *WorktreeManager) contained(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(m.Root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrWorktreeEscape, path)
	}
	if repo, err := filepath.Abs(m.RepoPath); err == nil && abs == repo {
		return "", fmt.Errorf("%w: %s is the main checkout", ErrWorktreeEscape, path)
	}
	return abs, nil
}

func (m *WorktreeManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.GitBinary, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", m.GitBinary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Create adds a scratch worktree on a fresh branch named after the
// identifier. Reuses an existing directory (a previous crashed run) as-is.
func (m *WorktreeManager) Create(ctx context.Context, ticketIdentifier string, workType models.WorkType) (string, error) {
	path, err := m.Path(ticketIdentifier, workType)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return path, nil
	}
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return "", fmt.Errorf("creating worktrees root: %w", err)
	}
	branch := Identifier(ticketIdentifier, workType)
	if _, err := m.git(ctx, m.RepoPath, "worktree", "add", "-b", branch, path); err != nil {
		// Branch may survive an earlier removed worktree.
		if _, retryErr := m.git(ctx, m.RepoPath, "worktree", "add", path, branch); retryErr != nil {
			return "", err
		}
	}
	return path, nil
}

// Remove deletes a scratch worktree. Only paths inside Root are removed.
func (m *WorktreeManager) Remove(ctx context.Context, path string) error {
	abs, err := m.contained(path)
	if err != nil {
		return err
	}
	if _, err := m.git(ctx, m.RepoPath, "worktree", "remove", "--force", abs); err != nil {
		slog.Warn("git worktree remove failed, deleting directly", "path", abs, "error", err)
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("removing worktree %s: %w", abs, err)
		}
		_, _ = m.git(ctx, m.RepoPath, "worktree", "prune")
	}
	return nil
}

// LinkDependencies symlinks the main checkout's dependency trees into the
// worktree. Best-effort; returns the first symlink error so the caller can
// fall back to a native install.
func (m *WorktreeManager) LinkDependencies(worktreePath string) error {
	for _, dir := range dependencyDirs {
		src := filepath.Join(m.RepoPath, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(worktreePath, dir)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("linking %s: %w", dir, err)
		}
	}
	return nil
}

// PrepareDependencies links the dependency trees, falling back to the
// configured install command only when symlinking fails.
func (m *WorktreeManager) PrepareDependencies(ctx context.Context, worktreePath, installCommand string) error {
	if err := m.LinkDependencies(worktreePath); err == nil {
		return nil
	} else if installCommand == "" {
		slog.Warn("Dependency linking failed and no install command configured", "error", err)
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", installCommand)
	cmd.Dir = worktreePath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("install command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HasIncompleteWork reports whether the worktree holds changes that would be
// lost on removal: uncommitted changes, an unpushed branch, or commits ahead
// of upstream.
func (m *WorktreeManager) HasIncompleteWork(ctx context.Context, worktreePath string) (bool, error) {
	status, err := m.git(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status != "" {
		return true, nil
	}
	if _, err := m.git(ctx, worktreePath, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}"); err != nil {
		// No upstream: local commits exist only here unless the branch is
		// still at the fork point.
		ahead, cntErr := m.git(ctx, worktreePath, "rev-list", "--count", "HEAD", "--not", "--remotes")
		if cntErr != nil {
			return true, nil
		}
		return ahead != "0", nil
	}
	ahead, err := m.git(ctx, worktreePath, "rev-list", "--count", "@{u}..HEAD")
	if err != nil {
		return false, err
	}
	return ahead != "0", nil
}

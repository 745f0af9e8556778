package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/herder/pkg/models"
)

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "T-1-DEV", Identifier("T-1", models.WorkTypeDevelopment))
	assert.Equal(t, "T-1-QA-COORD", Identifier("T-1", models.WorkTypeQACoordination))
	assert.Equal(t, "T-1-WORK", Identifier("T-1", models.WorkType("mystery")))
}

func TestWorktreePathContainment(t *testing.T) {
	root := t.TempDir()
	repo := t.TempDir()
	m := NewWorktreeManager(repo, root)

	path, err := m.Path("T-1", models.WorkTypeDevelopment)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "T-1-DEV"), path)

	_, err = m.Path("../../etc", models.WorkTypeDevelopment)
	assert.ErrorIs(t, err, ErrWorktreeEscape)

	_, err = m.contained(root)
	assert.ErrorIs(t, err, ErrWorktreeEscape, "the root itself is not a worktree")

	_, err = m.contained(repo)
	assert.ErrorIs(t, err, ErrWorktreeEscape, "the main checkout is off limits")
}

func TestRemoveRefusesOutsideRoot(t *testing.T) {
	m := NewWorktreeManager(t.TempDir(), t.TempDir())
	err := m.Remove(context.Background(), "/tmp")
	assert.ErrorIs(t, err, ErrWorktreeEscape)
}

func TestCreateReusesExistingDirectory(t *testing.T) {
	root := t.TempDir()
	m := NewWorktreeManager(t.TempDir(), root)

	existing := filepath.Join(root, "T-1-DEV")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	path, err := m.Create(context.Background(), "T-1", models.WorkTypeDevelopment)
	require.NoError(t, err)
	assert.Equal(t, existing, path)
}

func TestLinkDependencies(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "node_modules"), 0o755))
	m := NewWorktreeManager(repo, t.TempDir())

	wt := t.TempDir()
	require.NoError(t, m.LinkDependencies(wt))

	target, err := os.Readlink(filepath.Join(wt, "node_modules"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, "node_modules"), target)

	// Idempotent: an existing link is left alone.
	require.NoError(t, m.LinkDependencies(wt))
}

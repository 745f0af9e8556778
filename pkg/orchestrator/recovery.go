package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Recovery refusal errors. Both are idempotent and non-fatal; the caller
// decides whether to escalate.
var (
	// ErrAgentAlreadyRunning indicates the worktree's heartbeat is fresh:
	// another supervisor still owns the session.
	ErrAgentAlreadyRunning = errors.New("agent already running in worktree")

	// ErrMaxRecoveryAttempts indicates the session has exhausted its crash
	// recoveries.
	ErrMaxRecoveryAttempts = errors.New("max recovery attempts reached")
)

// checkRecovery inspects a pre-existing worktree before a fresh spawn.
// Returns the previous state when a crashed run should be resumed, nil when
// the worktree carries no state, and a refusal error otherwise.
func checkRecovery(state *StateDir, heartbeatTimeout time.Duration, maxAttempts int) (*WorktreeState, error) {
	prev, err := state.ReadState()
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, nil
	}
	if !state.HeartbeatStale(heartbeatTimeout) {
		return nil, fmt.Errorf("%w: session %s", ErrAgentAlreadyRunning, prev.SessionID)
	}
	if prev.RecoveryAttempts >= maxAttempts {
		return nil, fmt.Errorf("%w: session %s after %d attempts", ErrMaxRecoveryAttempts, prev.SessionID, prev.RecoveryAttempts)
	}
	return prev, nil
}

// buildRecoveryPrompt frames a resumed run: what phase the crashed run was
// in, what todos it had persisted, and the original instruction.
func buildRecoveryPrompt(prev *WorktreeState, todos string, originalPrompt string) string {
	var b strings.Builder
	b.WriteString("A previous run of this task was interrupted. Recover and continue.\n\n")
	fmt.Fprintf(&b, "Previous phase: %s (status %s, attempt %d).\n", prev.Phase, prev.Status, prev.RecoveryAttempts+1)
	if todos != "" {
		b.WriteString("\nPersisted todo list from the previous run:\n")
		b.WriteString(todos)
		b.WriteString("\n")
	}
	b.WriteString("\nOriginal instruction:\n")
	b.WriteString(originalPrompt)
	return b.String()
}

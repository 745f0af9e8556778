// Package models defines the shared records persisted in the coordination
// store: sessions, workers, queued work, issue locks, escalation state, and
// the pure helpers (scoring, session-id hashing) that operate on them.
package models

import "time"

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

// Session status constants. Transitions are forward-only except the
// requeue reset, which returns a claimed/running session to pending.
const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusClaimed    SessionStatus = "claimed"
	SessionStatusRunning    SessionStatus = "running"
	SessionStatusFinalizing SessionStatus = "finalizing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusStopped    SessionStatus = "stopped"
	SessionStatusIncomplete SessionStatus = "incomplete"
)

// Terminal reports whether the status is absorbing.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusStopped, SessionStatusIncomplete:
		return true
	}
	return false
}

// Active reports whether the session is owned by a worker.
func (s SessionStatus) Active() bool {
	return s == SessionStatusClaimed || s == SessionStatusRunning
}

// statusRank orders session statuses for monotonic-transition checks.
var statusRank = map[SessionStatus]int{
	SessionStatusPending:    0,
	SessionStatusClaimed:    1,
	SessionStatusRunning:    2,
	SessionStatusFinalizing: 3,
	SessionStatusCompleted:  4,
	SessionStatusFailed:     4,
	SessionStatusStopped:    4,
	SessionStatusIncomplete: 4,
}

// CanTransition reports whether from → to is a legal status transition.
// Forward transitions only; the requeue reset (claimed/running → pending)
// is the single sanctioned backward edge.
func CanTransition(from, to SessionStatus) bool {
	if from.Active() && to == SessionStatusPending {
		return true
	}
	if from.Terminal() {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// Session is the unit of agent work for a single ticket-phase.
type Session struct {
	ID                string        `json:"id"`
	TicketID          string        `json:"ticket_id"`
	TicketIdentifier  string        `json:"ticket_identifier"`
	WorkType          WorkType      `json:"work_type"`
	ProviderSessionID string        `json:"provider_session_id,omitempty"`
	WorktreePath      string        `json:"worktree_path,omitempty"`
	Status            SessionStatus `json:"status"`
	WorkerID          string        `json:"worker_id,omitempty"`
	Priority          int           `json:"priority"`
	Prompt            string        `json:"prompt,omitempty"`
	OrganizationID    string        `json:"organization_id,omitempty"`
	PRURL             string        `json:"pr_url,omitempty"`
	StopReason        string        `json:"stop_reason,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`

	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// ResetForRequeue clears worker ownership and returns the session to pending.
// The provider session id is dropped: a crash-restarted agent conversation is
// assumed corrupted.
func (s *Session) ResetForRequeue(now time.Time) {
	s.Status = SessionStatusPending
	s.WorkerID = ""
	s.ProviderSessionID = ""
	s.ClaimedAt = nil
	s.UpdatedAt = now
}

// WorkResult classifies the outcome of a result-sensitive session.
type WorkResult string

// Work result constants.
const (
	WorkResultPassed  WorkResult = "passed"
	WorkResultFailed  WorkResult = "failed"
	WorkResultUnknown WorkResult = "unknown"
)

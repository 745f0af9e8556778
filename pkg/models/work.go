package models

import "time"

// Priority bounds for queued work. Lower values are scheduled first.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 9
)

// ClampPriority bounds a priority into [PriorityHighest, PriorityLowest].
func ClampPriority(p int) int {
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}

// CalculateScore computes the sorted-set score for the global work queue.
// Priority dominates: a full priority step outweighs any representable
// queued-at timestamp (milliseconds fit well under 10^13). Strictly
// increasing in (priority, queuedAt), lower score wins.
func CalculateScore(priority int, queuedAt time.Time) float64 {
	return float64(ClampPriority(priority))*1e13 + float64(queuedAt.UnixMilli())
}

// QueuedWork is the queue record for a session awaiting dispatch.
type QueuedWork struct {
	SessionID         string   `json:"session_id"`
	TicketID          string   `json:"ticket_id"`
	TicketIdentifier  string   `json:"ticket_identifier"`
	WorkType          WorkType `json:"work_type"`
	Priority          int      `json:"priority"`
	QueuedAt          int64    `json:"queued_at"` // unix millis
	Prompt            string   `json:"prompt,omitempty"`
	ProviderSessionID string   `json:"provider_session_id,omitempty"` // set for resume
	SourceSessionID   string   `json:"source_session_id,omitempty"`
	OrganizationID    string   `json:"organization_id,omitempty"`
}

// Score returns the queue score for this work item.
func (w *QueuedWork) Score() float64 {
	return CalculateScore(w.Priority, time.UnixMilli(w.QueuedAt))
}

// IssueLock is the per-ticket mutex record. At most one lock exists per
// ticket; the holder session has the exclusive right to be claimed/running
// for that ticket.
type IssueLock struct {
	SessionID        string   `json:"session_id"`
	WorkType         WorkType `json:"work_type"`
	WorkerID         string   `json:"worker_id,omitempty"`
	TicketIdentifier string   `json:"ticket_identifier"`
	LockedAt         int64    `json:"locked_at"` // unix millis
}

// DispatchOutcome reports what dispatchWork did with a work item.
type DispatchOutcome struct {
	Dispatched bool `json:"dispatched"`
	Parked     bool `json:"parked"`
	Replaced   bool `json:"replaced"`
}

// PendingPrompt is a user follow-up addressed to a running session.
type PendingPrompt struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

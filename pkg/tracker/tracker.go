// Package tracker wraps the remote issue-tracker API behind a capability
// interface, fronted by a store-backed token bucket, a per-organisation
// circuit breaker, and quota tracking extracted from response headers.
package tracker

import (
	"context"
	"errors"
)

// Sentinel errors for tracker operations.
var (
	// ErrRateLimitTimeout indicates the token bucket could not be acquired
	// within the acquire timeout.
	ErrRateLimitTimeout = errors.New("rate limit acquire timeout")

	// ErrCircuitOpen indicates the per-organisation circuit breaker is open.
	ErrCircuitOpen = errors.New("tracker circuit open")

	// ErrNotSupported indicates the client does not implement the requested
	// capability.
	ErrNotSupported = errors.New("capability not supported")
)

// Issue is the tracker's view of a ticket.
type Issue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	AssigneeID  string `json:"assignee_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	URL         string `json:"url,omitempty"`
}

// NewIssue is the input for issue creation.
type NewIssue struct {
	Title       string
	Description string
	ProjectID   string
	ParentID    string
	Labels      []string
}

// Client is the capability set the core consumes. Implementations
// feature-detect at construction time; unsupported operations return
// ErrNotSupported rather than failing at call sites dynamically.
type Client interface {
	GetIssue(ctx context.Context, issueID string) (*Issue, error)
	UpdateStatus(ctx context.Context, issueID, status string) error
	CreateComment(ctx context.Context, issueID, body string) error
	Unassign(ctx context.Context, issueID string) error
	CreateIssue(ctx context.Context, issue NewIssue) (*Issue, error)
	CreateRelation(ctx context.Context, issueID, relatedID, relationType string) error
	ListSubIssues(ctx context.Context, issueID string) ([]*Issue, error)
	SetExternalURLs(ctx context.Context, issueID string, urls []string) error
	TransitionIssue(ctx context.Context, issueID, toStatus string) error
}

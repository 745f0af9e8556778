// Package dispatch turns validated webhook events into scheduled agent work.
// It filters duplicate deliveries, classifies events into work types, applies
// re-trigger cooldowns, enforces the escalation circuit breaker, and hands the
// surviving work to the scheduler.
package dispatch

import "github.com/codeready-toolchain/herder/pkg/models"

// EventKind discriminates the webhook event union.
type EventKind string

// Webhook event kinds.
const (
	EventIssueUpdate  EventKind = "issueUpdate"
	EventMention      EventKind = "mention"
	EventAgentSession EventKind = "agentSession"
)

// Event is a validated webhook delivery.
type Event struct {
	Kind       EventKind `json:"kind"`
	DeliveryID string    `json:"delivery_id,omitempty"`

	TicketID         string `json:"ticket_id"`
	TicketIdentifier string `json:"ticket_identifier"`
	OrganizationID   string `json:"organization_id,omitempty"`

	// issueUpdate
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`

	// mention / agentSession
	SessionID string `json:"session_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`

	// Priority overrides the default when in [1,9]; 0 means default.
	Priority int `json:"priority,omitempty"`
}

// statusWorkTypes is the default issue-status → work-type mapping for
// issueUpdate events. Statuses not listed trigger nothing.
var statusWorkTypes = map[string]models.WorkType{
	models.TicketStatusTriage:    models.WorkTypeResearch,
	models.TicketStatusStarted:   models.WorkTypeDevelopment,
	models.TicketStatusFinished:  models.WorkTypeQA,
	models.TicketStatusDelivered: models.WorkTypeAcceptance,
	models.TicketStatusRejected:  models.WorkTypeRefinement,
}

// Classify maps an event to the work type it should trigger. ok is false when
// the event triggers no work.
func Classify(ev *Event) (models.WorkType, bool) {
	switch ev.Kind {
	case EventIssueUpdate:
		wt, ok := statusWorkTypes[ev.ToStatus]
		return wt, ok
	case EventMention:
		return models.WorkTypeCoordination, true
	case EventAgentSession:
		return models.WorkTypeDevelopment, true
	}
	return "", false
}

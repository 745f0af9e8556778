package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/herder/pkg/models"
)

// Completion comment limits.
const (
	maxCommentParts   = 10
	maxCommentPartLen = 10000
	commentPartGap    = 100 * time.Millisecond
)

// splitCompletionComment cuts a final message into at most maxCommentParts
// chunks of at most maxCommentPartLen characters. Overflow beyond the last
// part is dropped with an ellipsis.
func splitCompletionComment(message string) []string {
	if message == "" {
		return nil
	}
	var parts []string
	for len(message) > 0 && len(parts) < maxCommentParts {
		n := len(message)
		if n > maxCommentPartLen {
			n = maxCommentPartLen
		}
		parts = append(parts, message[:n])
		message = message[n:]
	}
	if len(message) > 0 {
		parts[len(parts)-1] += "\n\n[truncated]"
	}
	if len(parts) > 1 {
		for i := range parts {
			parts[i] = fmt.Sprintf("(part %d/%d)\n%s", i+1, len(parts), parts[i])
		}
	}
	return parts
}

// targetStatus maps work-type × result to the tracker status to transition
// to. advance=true means the ticket moves one step along the workflow ladder
// instead of to a fixed status. ok=false means no transition.
func targetStatus(workType models.WorkType, result models.WorkResult) (status string, advance, ok bool) {
	switch workType {
	case models.WorkTypeDevelopment, models.WorkTypeInflight, models.WorkTypeCoordination:
		return models.TicketStatusFinished, false, true
	case models.WorkTypeQA, models.WorkTypeQACoordination:
		switch result {
		case models.WorkResultPassed:
			return models.TicketStatusDelivered, false, true
		case models.WorkResultFailed:
			return models.TicketStatusRejected, false, true
		}
		return "", false, false
	case models.WorkTypeAcceptance, models.WorkTypeAcceptanceCoordination:
		switch result {
		case models.WorkResultPassed:
			return models.TicketStatusAccepted, false, true
		case models.WorkResultFailed:
			return models.TicketStatusFinished, false, true
		}
		return "", false, false
	case models.WorkTypeResearch, models.WorkTypeBacklogCreation, models.WorkTypeRefinement:
		return "", true, true
	}
	return "", false, false
}

// classifyResult derives the session's work result from its final message.
// Non-result-sensitive work types always pass; result-sensitive ones require
// an explicit marker.
func classifyResult(workType models.WorkType, finalMessage string) models.WorkResult {
	if !workType.ResultSensitive() {
		return models.WorkResultPassed
	}
	return models.ParseWorkResult(finalMessage)
}

// postCompletionComments posts the final message as a split comment series,
// one gap apart. A failed part is logged and skipped; comments are
// best-effort.
func (o *Orchestrator) postCompletionComments(ctx context.Context, ticketID, message string) {
	parts := splitCompletionComment(message)
	for i, part := range parts {
		if i > 0 {
			o.sleep(ctx, commentPartGap)
		}
		if err := o.tracker.CreateComment(ctx, ticketID, part); err != nil {
			slog.Warn("Completion comment failed", "ticket_id", ticketID, "part", i+1, "error", err)
		}
	}
}

// autoTransition moves the ticket to its next workflow status after a
// completed session, when enabled for the work type and result.
func (o *Orchestrator) autoTransition(ctx context.Context, session *models.Session, result models.WorkResult) {
	status, advance, ok := targetStatus(session.WorkType, result)
	if !ok {
		return
	}
	if advance {
		issue, err := o.tracker.GetIssue(ctx, session.TicketID)
		if err != nil {
			slog.Warn("Cannot advance ticket status", "ticket_id", session.TicketID, "error", err)
			return
		}
		next, stepOK := models.NextTicketStatus(issue.Status)
		if !stepOK {
			return
		}
		status = next
	}
	if err := o.tracker.TransitionIssue(ctx, session.TicketID, status); err != nil {
		slog.Warn("Ticket status transition failed",
			"ticket_id", session.TicketID, "status", status, "error", err)
		return
	}
	slog.Info("Ticket transitioned", "ticket_id", session.TicketID, "status", status)
}

// unassignAgent removes the agent assignment after a finished phase.
// Research keeps its assignment so the researcher stays attached to the
// ticket for follow-up questions.
func (o *Orchestrator) unassignAgent(ctx context.Context, session *models.Session) {
	if session.WorkType == models.WorkTypeResearch {
		return
	}
	if err := o.tracker.Unassign(ctx, session.TicketID); err != nil {
		slog.Warn("Unassign failed", "ticket_id", session.TicketID, "error", err)
	}
}

// postUnknownResultDiagnostic handles a result-sensitive session whose final
// message carried no result marker: diagnose in a comment, transition
// nothing.
func (o *Orchestrator) postUnknownResultDiagnostic(ctx context.Context, session *models.Session) {
	body := fmt.Sprintf(
		"Verification session for %s finished without a work-result marker. "+
			"Expected %q or %q in the final message; the ticket status was left unchanged.",
		session.TicketIdentifier, models.WorkResultMarkerPassed, models.WorkResultMarkerFailed)
	if err := o.tracker.CreateComment(ctx, session.TicketID, body); err != nil {
		slog.Warn("Diagnostic comment failed", "ticket_id", session.TicketID, "error", err)
	}
}

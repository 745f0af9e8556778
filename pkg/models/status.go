package models

// Ticket statuses in the tracker's default workflow, in lifecycle order.
const (
	TicketStatusTriage    = "Triage"
	TicketStatusBacklog   = "Backlog"
	TicketStatusStarted   = "Started"
	TicketStatusFinished  = "Finished"
	TicketStatusDelivered = "Delivered"
	TicketStatusRejected  = "Rejected"
	TicketStatusAccepted  = "Accepted"
)

// statusLadder is the forward path through the workflow. Rejected sits off
// the ladder; a rejected ticket re-enters at Started via refinement.
var statusLadder = []string{
	TicketStatusTriage,
	TicketStatusBacklog,
	TicketStatusStarted,
	TicketStatusFinished,
	TicketStatusDelivered,
	TicketStatusAccepted,
}

// NextTicketStatus advances a ticket one step along the workflow. ok is
// false when the status is terminal or not on the ladder.
func NextTicketStatus(current string) (string, bool) {
	for i, s := range statusLadder {
		if s == current && i+1 < len(statusLadder) {
			return statusLadder[i+1], true
		}
	}
	return "", false
}

package models

// EscalationStrategy is the remediation tier for a ticket that keeps failing
// its verify phases.
type EscalationStrategy string

// Escalation strategies, ordered by severity.
const (
	StrategyNormal          EscalationStrategy = "normal"
	StrategyContextEnriched EscalationStrategy = "context-enriched"
	StrategyDecompose       EscalationStrategy = "decompose"
	StrategyEscalateHuman   EscalationStrategy = "escalate-human"
)

// EscalationCircuitBreakCycles is the cycle count at which automated
// remediation stops and a human is pulled in.
const EscalationCircuitBreakCycles = 4

// StrategyForCycle derives the remediation strategy from a ticket's
// dev→verify failure cycle count. Monotonically non-decreasing in the count.
func StrategyForCycle(cycleCount int) EscalationStrategy {
	switch {
	case cycleCount >= EscalationCircuitBreakCycles:
		return StrategyEscalateHuman
	case cycleCount == 3:
		return StrategyDecompose
	case cycleCount == 2:
		return StrategyContextEnriched
	default:
		return StrategyNormal
	}
}

// PhaseAttempt records one attempt at a lifecycle phase for a ticket.
type PhaseAttempt struct {
	SessionID   string     `json:"session_id"`
	WorkType    WorkType   `json:"work_type"`
	Result      WorkResult `json:"result"`
	CostUSD     float64    `json:"cost_usd"`
	AttemptedAt int64      `json:"attempted_at"` // unix millis
}

// EscalationRecord is the per-ticket cycle counter and failure history.
type EscalationRecord struct {
	TicketID         string         `json:"ticket_id"`
	TicketIdentifier string         `json:"ticket_identifier"`
	CycleCount       int            `json:"cycle_count"`
	Attempts         []PhaseAttempt `json:"attempts,omitempty"`
	FailureSummary   string         `json:"failure_summary,omitempty"`

	// HumanReviewIssueID is set once the circuit-breaker blocker issue has
	// been filed, so repeat webhooks do not file duplicates.
	HumanReviewIssueID string `json:"human_review_issue_id,omitempty"`

	UpdatedAt int64 `json:"updated_at"` // unix millis
}

// Strategy returns the current remediation strategy for the record.
func (r *EscalationRecord) Strategy() EscalationStrategy {
	return StrategyForCycle(r.CycleCount)
}

// TotalCostUSD sums the cost of all recorded phase attempts.
func (r *EscalationRecord) TotalCostUSD() float64 {
	var total float64
	for _, a := range r.Attempts {
		total += a.CostUSD
	}
	return total
}

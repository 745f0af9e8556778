// Package escalation tracks repeated dev→verify failure cycles per ticket
// and raises the remediation strategy until a human is escalated.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/store"
)

// RecordTTL is how long an escalation record survives after its last update.
const RecordTTL = 24 * time.Hour

// maxFailureReasonLength bounds the extracted reason text (plus ellipsis).
const maxFailureReasonLength = 2000

// defaultFailureReason is used when a failing phase produced no output.
const defaultFailureReason = "No failure details were captured for this cycle."

// Tracker accumulates per-ticket failure cycles in the shared store.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

// NewTracker creates an escalation tracker.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st, now: time.Now}
}

// Get returns the ticket's escalation record, or a fresh zero record if none
// exists yet.
func (t *Tracker) Get(ctx context.Context, ticketID string) (*models.EscalationRecord, error) {
	raw, err := t.store.Get(ctx, store.EscalationKey(ticketID))
	if store.IsNotFound(err) {
		return &models.EscalationRecord{TicketID: ticketID}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.EscalationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("parsing escalation record for %s: %w", ticketID, err)
	}
	return &rec, nil
}

func (t *Tracker) save(ctx context.Context, rec *models.EscalationRecord) error {
	rec.UpdatedAt = t.now().UnixMilli()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling escalation record: %w", err)
	}
	return t.store.Set(ctx, store.EscalationKey(rec.TicketID), string(data), RecordTTL)
}

// RecordAttempt appends a phase attempt to the ticket's history.
func (t *Tracker) RecordAttempt(ctx context.Context, ticketID string, attempt models.PhaseAttempt) error {
	rec, err := t.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if attempt.AttemptedAt == 0 {
		attempt.AttemptedAt = t.now().UnixMilli()
	}
	rec.Attempts = append(rec.Attempts, attempt)
	return t.save(ctx, rec)
}

// RecordVerifyFailure runs when a verify phase (qa, acceptance, or their
// coordination variants) completes failed or unknown: it increments the cycle
// count and appends a cycle-marked failure summary block. Returns the updated
// record so callers can inspect the new strategy.
func (t *Tracker) RecordVerifyFailure(ctx context.Context, ticketID, ticketIdentifier string, attempt models.PhaseAttempt, failureText string) (*models.EscalationRecord, error) {
	rec, err := t.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if rec.TicketIdentifier == "" {
		rec.TicketIdentifier = ticketIdentifier
	}
	if attempt.AttemptedAt == 0 {
		attempt.AttemptedAt = t.now().UnixMilli()
	}
	rec.Attempts = append(rec.Attempts, attempt)
	rec.CycleCount++

	reason := ExtractFailureReason(failureText)
	block := fmt.Sprintf("Cycle %d (%s, %s):\n%s", rec.CycleCount, attempt.WorkType, attempt.Result, reason)
	if rec.FailureSummary == "" {
		rec.FailureSummary = block
	} else {
		rec.FailureSummary += "\n\n" + block
	}

	if err := t.save(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("Verify failure recorded",
		"ticket_id", ticketID,
		"cycle_count", rec.CycleCount,
		"strategy", rec.Strategy())
	return rec, nil
}

// MarkEscalated records the blocker issue filed for an escalated ticket so
// the dispatcher does not file another.
func (t *Tracker) MarkEscalated(ctx context.Context, ticketID, issueID string) error {
	rec, err := t.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	rec.HumanReviewIssueID = issueID
	return t.save(ctx, rec)
}

// Clear removes the ticket's escalation record. Runs on final
// acceptance-pass.
func (t *Tracker) Clear(ctx context.Context, ticketID string) error {
	_, err := t.store.Delete(ctx, store.EscalationKey(ticketID))
	return err
}

// ExtractFailureReason pulls a bounded failure reason out of a phase's final
// message: at most maxFailureReasonLength characters plus an ellipsis, with
// result markers stripped. Empty input yields a default string.
func ExtractFailureReason(text string) string {
	text = strings.ReplaceAll(text, models.WorkResultMarkerFailed, "")
	text = strings.ReplaceAll(text, models.WorkResultMarkerPassed, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultFailureReason
	}
	if len(text) > maxFailureReasonLength {
		return text[:maxFailureReasonLength] + "..."
	}
	return text
}

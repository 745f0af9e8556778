package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/codeready-toolchain/herder/pkg/escalation"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
)

// Re-trigger cooldown windows.
const (
	queuedCooldownTTL = 10 * time.Second
	qaFailedTTL       = time.Hour
)

// AgentWorkedTTL is how long a ticket counts as recently agent-worked for
// auto-QA and auto-acceptance gating.
const AgentWorkedTTL = 7 * 24 * time.Hour

// Outcome says what the dispatcher did with an event.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeParked     Outcome = "parked"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeCooldown   Outcome = "cooldown"
	OutcomeGated      Outcome = "gated"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeInboxed    Outcome = "inboxed"
)

// Result reports the disposition of one webhook delivery.
type Result struct {
	Outcome   Outcome         `json:"outcome"`
	SessionID string          `json:"session_id,omitempty"`
	WorkType  models.WorkType `json:"work_type,omitempty"`
	Replaced  bool            `json:"replaced,omitempty"`
}

// Dispatcher routes webhook events into scheduled work.
type Dispatcher struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	sessions   *sessions.Service
	escalation *escalation.Tracker
	inbox      *prompts.Inbox
	tracker    tracker.Client
	memory     *gocache.Cache
	now        func() time.Time

	// RequireAgentWorked gates auto-QA and auto-acceptance on the ticket
	// having been agent-worked within AgentWorkedTTL.
	RequireAgentWorked bool
}

// NewDispatcher builds a webhook dispatcher. The tracker client is used only
// for the escalation circuit breaker and may be nil in deployments without
// tracker credentials.
func NewDispatcher(st store.Store, sched *scheduler.Scheduler, sess *sessions.Service, esc *escalation.Tracker, inbox *prompts.Inbox, tc tracker.Client) *Dispatcher {
	return &Dispatcher{
		store:              st,
		scheduler:          sched,
		sessions:           sess,
		escalation:         esc,
		inbox:              inbox,
		tracker:            tc,
		memory:             gocache.New(memoryTTL, 2*memoryTTL),
		now:                time.Now,
		RequireAgentWorked: true,
	}
}

// HandleEvent processes one validated webhook delivery end to end.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *Event) (*Result, error) {
	log := slog.With("kind", ev.Kind, "ticket_id", ev.TicketID, "delivery_id", ev.DeliveryID)

	key := IdempotencyKey(ev)
	if key == "" {
		log.Warn("Webhook event without delivery or session id")
		return &Result{Outcome: OutcomeIgnored}, nil
	}
	if d.isProcessed(ctx, key) {
		log.Info("Duplicate webhook delivery filtered")
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	// A mention on a ticket whose lock-holder session is live becomes a
	// follow-up prompt for that session instead of new work.
	if ev.Kind == EventMention && ev.Prompt != "" {
		if res, err := d.tryInbox(ctx, ev, key); res != nil || err != nil {
			return res, err
		}
	}

	workType, ok := Classify(ev)
	if !ok {
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	if cooling, err := d.inCooldown(ctx, ev.TicketID, workType); err != nil {
		return nil, err
	} else if cooling {
		log.Info("Dispatch suppressed by cooldown", "work_type", workType)
		return &Result{Outcome: OutcomeCooldown, WorkType: workType}, nil
	}

	if gated, err := d.gatedByAgentWorked(ctx, ev, workType); err != nil {
		return nil, err
	} else if gated {
		log.Info("Auto-trigger gated: ticket not recently agent-worked", "work_type", workType)
		return &Result{Outcome: OutcomeGated, WorkType: workType}, nil
	}

	rec, err := d.escalation.Get(ctx, ev.TicketID)
	if err != nil {
		return nil, err
	}
	if rec.Strategy() == models.StrategyEscalateHuman {
		if err := d.escalateToHuman(ctx, ev, rec); err != nil {
			return nil, err
		}
		d.markProcessed(ctx, key)
		return &Result{Outcome: OutcomeEscalated, WorkType: workType}, nil
	}

	result, err := d.dispatch(ctx, ev, workType)
	if err != nil {
		return nil, err
	}
	d.markProcessed(ctx, key)
	d.startCooldown(ctx, ev.TicketID, workType)
	log.Info("Webhook dispatched",
		"work_type", workType, "session_id", result.SessionID, "outcome", result.Outcome)
	return result, nil
}

// tryInbox routes a mention prompt to the ticket's running session. Returns
// (nil, nil) when no live session holds the ticket and normal dispatch should
// proceed.
func (d *Dispatcher) tryInbox(ctx context.Context, ev *Event, key string) (*Result, error) {
	lock, err := d.scheduler.GetLock(ctx, ev.TicketID)
	if err != nil || lock == nil {
		return nil, err
	}
	session, err := d.sessions.Get(ctx, lock.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Status.Terminal() {
		return nil, nil
	}
	if _, err := d.inbox.Add(ctx, session.ID, ev.Prompt, ev.UserID, ev.UserName); err != nil {
		return nil, err
	}
	d.markProcessed(ctx, key)
	return &Result{Outcome: OutcomeInboxed, SessionID: session.ID}, nil
}

// inCooldown checks the short re-trigger suppression windows.
func (d *Dispatcher) inCooldown(ctx context.Context, ticketID string, workType models.WorkType) (bool, error) {
	var key string
	switch workType {
	case models.WorkTypeDevelopment:
		key = store.DevQueuedKey(ticketID)
	case models.WorkTypeAcceptance, models.WorkTypeAcceptanceCoordination:
		key = store.AcceptanceQueuedKey(ticketID)
	case models.WorkTypeQA, models.WorkTypeQACoordination:
		key = store.QAFailedKey(ticketID)
	default:
		return false, nil
	}
	return d.store.Exists(ctx, key)
}

// startCooldown opens the short re-queue suppression window after a
// successful dispatch. QA has no post-dispatch window; its cooldown is armed
// by the orchestrator when a QA phase fails.
func (d *Dispatcher) startCooldown(ctx context.Context, ticketID string, workType models.WorkType) {
	var key string
	switch workType {
	case models.WorkTypeDevelopment:
		key = store.DevQueuedKey(ticketID)
	case models.WorkTypeAcceptance, models.WorkTypeAcceptanceCoordination:
		key = store.AcceptanceQueuedKey(ticketID)
	default:
		return
	}
	if err := d.store.Set(ctx, key, "1", queuedCooldownTTL); err != nil {
		slog.Warn("Failed to arm dispatch cooldown", "ticket_id", ticketID, "error", err)
	}
}

// gatedByAgentWorked suppresses auto-QA/auto-acceptance for tickets no agent
// has worked recently. Only status-driven triggers are gated; explicit
// mentions and session requests pass.
func (d *Dispatcher) gatedByAgentWorked(ctx context.Context, ev *Event, workType models.WorkType) (bool, error) {
	if !d.RequireAgentWorked || ev.Kind != EventIssueUpdate {
		return false, nil
	}
	switch workType {
	case models.WorkTypeQA, models.WorkTypeAcceptance:
	default:
		return false, nil
	}
	worked, err := d.store.Exists(ctx, store.AgentWorkedKey(ev.TicketID))
	if err != nil {
		return false, err
	}
	return !worked, nil
}

// dispatch creates the session record and hands the work to the scheduler.
func (d *Dispatcher) dispatch(ctx context.Context, ev *Event, workType models.WorkType) (*Result, error) {
	priority := models.PriorityDefault
	if ev.Priority != 0 {
		priority = models.ClampPriority(ev.Priority)
	}
	now := d.now()

	session := &models.Session{
		ID:               uuid.NewString(),
		TicketID:         ev.TicketID,
		TicketIdentifier: ev.TicketIdentifier,
		WorkType:         workType,
		Status:           models.SessionStatusPending,
		Priority:         priority,
		Prompt:           ev.Prompt,
		OrganizationID:   ev.OrganizationID,
		CreatedAt:        now,
	}
	if err := d.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("storing session state: %w", err)
	}

	work := &models.QueuedWork{
		SessionID:        session.ID,
		TicketID:         ev.TicketID,
		TicketIdentifier: ev.TicketIdentifier,
		WorkType:         workType,
		Priority:         priority,
		QueuedAt:         now.UnixMilli(),
		Prompt:           ev.Prompt,
		SourceSessionID:  ev.SessionID,
		OrganizationID:   ev.OrganizationID,
	}
	outcome, err := d.scheduler.DispatchWork(ctx, work)
	if err != nil {
		return nil, err
	}

	result := &Result{SessionID: session.ID, WorkType: workType, Replaced: outcome.Replaced}
	if outcome.Dispatched {
		result.Outcome = OutcomeDispatched
	} else {
		result.Outcome = OutcomeParked
	}
	return result, nil
}

// escalateToHuman files the circuit-breaker blocker issue (once) and posts
// the escalation comment instead of dispatching further automated phases.
func (d *Dispatcher) escalateToHuman(ctx context.Context, ev *Event, rec *models.EscalationRecord) error {
	log := slog.With("ticket_id", ev.TicketID, "cycle_count", rec.CycleCount)
	if rec.HumanReviewIssueID != "" {
		log.Info("Dispatch refused: ticket already escalated to human review")
		return nil
	}
	if d.tracker == nil {
		log.Warn("Escalation reached without a tracker client; refusing dispatch only")
		return nil
	}

	identifier := rec.TicketIdentifier
	if identifier == "" {
		identifier = ev.TicketIdentifier
	}
	title := fmt.Sprintf("Human review needed: %s failed %d automated cycles", identifier, rec.CycleCount)
	description := fmt.Sprintf("%s\n\nTotal automated cost: $%.2f", rec.FailureSummary, rec.TotalCostUSD())

	issue, err := d.tracker.CreateIssue(ctx, tracker.NewIssue{
		Title:       title,
		Description: description,
		ParentID:    ev.TicketID,
	})
	if err != nil {
		return fmt.Errorf("creating human-review issue: %w", err)
	}
	if err := d.tracker.CreateRelation(ctx, issue.ID, ev.TicketID, "blocks"); err != nil {
		log.Warn("Failed to link human-review issue", "error", err)
	}
	comment := fmt.Sprintf(
		"Circuit Breaker: Human Intervention Required\n\n%d automated cycles failed for %s. Further automated work is paused until %s is resolved.",
		rec.CycleCount, identifier, issue.Identifier)
	if err := d.tracker.CreateComment(ctx, ev.TicketID, comment); err != nil {
		log.Warn("Failed to post escalation comment", "error", err)
	}
	if err := d.escalation.MarkEscalated(ctx, ev.TicketID, issue.ID); err != nil {
		return err
	}
	log.Info("Ticket escalated to human review", "issue_id", issue.ID)
	return nil
}

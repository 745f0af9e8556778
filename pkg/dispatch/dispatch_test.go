package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/herder/pkg/escalation"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
)

type fixture struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	sessions   *sessions.Service
	escalation *escalation.Tracker
	inbox      *prompts.Inbox
	tracker    *tracker.FakeClient
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:      st,
		scheduler:  scheduler.New(st),
		sessions:   sessions.NewService(st),
		escalation: escalation.NewTracker(st),
		inbox:      prompts.NewInbox(st),
		tracker:    tracker.NewFakeClient(),
	}
	f.dispatcher = NewDispatcher(st, f.scheduler, f.sessions, f.escalation, f.inbox, f.tracker)
	return f
}

func startedEvent(deliveryID string) *Event {
	return &Event{
		Kind:             EventIssueUpdate,
		DeliveryID:       deliveryID,
		TicketID:         "t1",
		TicketIdentifier: "T-1",
		FromStatus:       "Backlog",
		ToStatus:         models.TicketStatusStarted,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want models.WorkType
		ok   bool
	}{
		{"started triggers development", Event{Kind: EventIssueUpdate, ToStatus: models.TicketStatusStarted}, models.WorkTypeDevelopment, true},
		{"triage triggers research", Event{Kind: EventIssueUpdate, ToStatus: models.TicketStatusTriage}, models.WorkTypeResearch, true},
		{"finished triggers qa", Event{Kind: EventIssueUpdate, ToStatus: models.TicketStatusFinished}, models.WorkTypeQA, true},
		{"delivered triggers acceptance", Event{Kind: EventIssueUpdate, ToStatus: models.TicketStatusDelivered}, models.WorkTypeAcceptance, true},
		{"rejected triggers refinement", Event{Kind: EventIssueUpdate, ToStatus: models.TicketStatusRejected}, models.WorkTypeRefinement, true},
		{"accepted triggers nothing", Event{Kind: EventIssueUpdate, ToStatus: models.TicketStatusAccepted}, "", false},
		{"mention triggers coordination", Event{Kind: EventMention}, models.WorkTypeCoordination, true},
		{"agent session triggers development", Event{Kind: EventAgentSession}, models.WorkTypeDevelopment, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wt, ok := Classify(&tt.ev)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, wt)
			}
		})
	}
}

func TestHandleEventDispatchesDevelopment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.dispatcher.HandleEvent(ctx, startedEvent("d1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, res.Outcome)
	assert.Equal(t, models.WorkTypeDevelopment, res.WorkType)
	require.NotEmpty(t, res.SessionID)

	session, err := f.sessions.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.SessionStatusPending, session.Status)
	assert.Equal(t, models.PriorityDefault, session.Priority)

	depth, err := f.scheduler.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	lock, err := f.scheduler.GetLock(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, res.SessionID, lock.SessionID)

	// Dev cooldown armed after dispatch.
	cooling, err := f.store.Exists(ctx, store.DevQueuedKey("t1"))
	require.NoError(t, err)
	assert.True(t, cooling)
}

func TestHandleEventDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.dispatcher.HandleEvent(ctx, startedEvent("d9"))
	require.NoError(t, err)
	require.Equal(t, OutcomeDispatched, first.Outcome)

	second, err := f.dispatcher.HandleEvent(ctx, startedEvent("d9"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	depth, err := f.scheduler.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "duplicate must not queue again")

	all, err := f.sessions.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "session state stored exactly once")
}

func TestHandleEventDuplicateAcrossProcesses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.HandleEvent(ctx, startedEvent("d2"))
	require.NoError(t, err)

	// A second dispatcher instance shares only the store, not the memory layer.
	other := NewDispatcher(f.store, f.scheduler, f.sessions, f.escalation, f.inbox, f.tracker)
	res, err := other.HandleEvent(ctx, startedEvent("d2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestHandleEventIgnoresUnmappedStatus(t *testing.T) {
	f := newFixture(t)
	ev := startedEvent("d3")
	ev.ToStatus = models.TicketStatusAccepted

	res, err := f.dispatcher.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestHandleEventDevCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.HandleEvent(ctx, startedEvent("d4"))
	require.NoError(t, err)

	res, err := f.dispatcher.HandleEvent(ctx, startedEvent("d5"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCooldown, res.Outcome)
}

func TestHandleEventQAFailedCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, store.QAFailedKey("t1"), "1", time.Hour))

	ev := startedEvent("d6")
	ev.ToStatus = models.TicketStatusFinished
	res, err := f.dispatcher.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCooldown, res.Outcome)
}

func TestHandleEventAgentWorkedGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := startedEvent("d7")
	ev.ToStatus = models.TicketStatusFinished
	res, err := f.dispatcher.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGated, res.Outcome, "auto-QA requires a recent agent-worked mark")

	require.NoError(t, f.store.Set(ctx, store.AgentWorkedKey("t1"), "1", AgentWorkedTTL))
	ev2 := startedEvent("d8")
	ev2.ToStatus = models.TicketStatusFinished
	res, err = f.dispatcher.HandleEvent(ctx, ev2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, res.Outcome)
	assert.Equal(t, models.WorkTypeQA, res.WorkType)
}

func TestHandleEventParksWhenLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.HandleEvent(ctx, startedEvent("d10"))
	require.NoError(t, err)

	mention := &Event{
		Kind:             EventMention,
		DeliveryID:       "d11",
		TicketID:         "t1",
		TicketIdentifier: "T-1",
	}
	res, err := f.dispatcher.HandleEvent(ctx, mention)
	require.NoError(t, err)
	assert.Equal(t, OutcomeParked, res.Outcome)
	assert.False(t, res.Replaced)

	count, err := f.scheduler.PendingCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestHandleEventMentionWithPromptGoesToInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dev, err := f.dispatcher.HandleEvent(ctx, startedEvent("d12"))
	require.NoError(t, err)

	mention := &Event{
		Kind:       EventMention,
		DeliveryID: "d13",
		TicketID:   "t1",
		Prompt:     "also update the changelog",
		UserName:   "alice",
	}
	res, err := f.dispatcher.HandleEvent(ctx, mention)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInboxed, res.Outcome)
	assert.Equal(t, dev.SessionID, res.SessionID)

	queued, err := f.inbox.List(ctx, dev.SessionID)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "also update the changelog", queued[0].Prompt)
}

func TestHandleEventEscalatesAtFourCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < models.EscalationCircuitBreakCycles; i++ {
		_, err := f.escalation.RecordVerifyFailure(ctx, "t42", "T-42", models.PhaseAttempt{
			WorkType: models.WorkTypeQA,
			Result:   models.WorkResultFailed,
			CostUSD:  1.25,
		}, "tests keep failing")
		require.NoError(t, err)
	}

	ev := &Event{
		Kind:             EventIssueUpdate,
		DeliveryID:       "d20",
		TicketID:         "t42",
		TicketIdentifier: "T-42",
		ToStatus:         models.TicketStatusStarted,
	}
	res, err := f.dispatcher.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, res.Outcome)

	depth, err := f.scheduler.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "escalated ticket must not dispatch")

	require.Len(t, f.tracker.Created, 1)
	assert.Equal(t, "Human review needed: T-42 failed 4 automated cycles", f.tracker.Created[0].Title)
	assert.Contains(t, f.tracker.Created[0].Description, "Cycle 4")
	assert.Contains(t, f.tracker.Created[0].Description, "$5.00")

	comments := f.tracker.Comments["t42"]
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "Circuit Breaker: Human Intervention Required")

	// A later delivery refuses again without filing a second issue.
	ev2 := *ev
	ev2.DeliveryID = "d21"
	res, err = f.dispatcher.HandleEvent(ctx, &ev2)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Len(t, f.tracker.Created, 1)
}

func TestUnmarkProcessedAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mention := &Event{Kind: EventMention, DeliveryID: "d30", TicketID: "t1", TicketIdentifier: "T-1"}
	res, err := f.dispatcher.HandleEvent(ctx, mention)
	require.NoError(t, err)
	require.Equal(t, OutcomeDispatched, res.Outcome)

	f.dispatcher.UnmarkProcessed(ctx, IdempotencyKey(mention))

	// The retry is processed again (the lock is now held, so it parks).
	res, err = f.dispatcher.HandleEvent(ctx, mention)
	require.NoError(t, err)
	assert.Equal(t, OutcomeParked, res.Outcome)
}

func TestHandleEventPriorityOverrideClamped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := startedEvent("d40")
	ev.Priority = 999
	res, err := f.dispatcher.HandleEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeDispatched, res.Outcome)

	items, err := f.scheduler.PeekWork(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.PriorityLowest, items[0].Priority)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "wh:d1", IdempotencyKey(&Event{DeliveryID: "d1", SessionID: "s1"}))
	assert.Equal(t, "session:s1", IdempotencyKey(&Event{SessionID: "s1"}))
	assert.Empty(t, IdempotencyKey(&Event{}))
}

package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/escalation"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/provider"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
)

type orchFixture struct {
	store      store.Store
	scheduler  *scheduler.Scheduler
	sessions   *sessions.Service
	escalation *escalation.Tracker
	inbox      *prompts.Inbox
	tracker    *tracker.FakeClient
	provider   *provider.FakeProvider
	cfg        *config.Config
	orch       *Orchestrator
}

func newOrchFixture(t *testing.T, script []provider.Event) *orchFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Worker.WorktreesRoot = t.TempDir()
	cfg.Worker.RepoPath = t.TempDir()
	cfg.Tracker.ForgeHost = "forge.example"
	cfg.Agent.EventLogEnabled = true
	cfg.Agent.PreserveWorkOnPRFailure = true

	f := &orchFixture{
		store:      st,
		scheduler:  scheduler.New(st),
		sessions:   sessions.NewService(st),
		escalation: escalation.NewTracker(st),
		inbox:      prompts.NewInbox(st),
		tracker:    tracker.NewFakeClient(),
		provider:   &provider.FakeProvider{Script: script},
		cfg:        cfg,
	}
	f.orch = New(cfg, f.provider, f.tracker, f.sessions, f.scheduler, f.escalation, f.inbox, st)
	return f
}

// seedWork saves a pending session, dispatches its work, and pre-creates the
// worktree directory so no VCS binary is needed.
func (f *orchFixture) seedWork(t *testing.T, workType models.WorkType) *models.QueuedWork {
	t.Helper()
	ctx := context.Background()
	session := &models.Session{
		ID:               "sess-1",
		TicketID:         "t1",
		TicketIdentifier: "T-1",
		WorkType:         workType,
		Status:           models.SessionStatusPending,
		Priority:         models.PriorityDefault,
	}
	require.NoError(t, f.sessions.Save(ctx, session))

	work := &models.QueuedWork{
		SessionID:        session.ID,
		TicketID:         "t1",
		TicketIdentifier: "T-1",
		WorkType:         workType,
		Priority:         models.PriorityDefault,
		QueuedAt:         1,
	}
	outcome, err := f.scheduler.DispatchWork(ctx, work)
	require.NoError(t, err)
	require.True(t, outcome.Dispatched)

	wtPath := filepath.Join(f.cfg.Worker.WorktreesRoot, Identifier("T-1", workType))
	require.NoError(t, os.MkdirAll(wtPath, 0o755))
	return work
}

func TestRunHappyDevelopmentPath(t *testing.T) {
	prBody := "Opened https://forge.example/org/repo/pull/42 for review"
	f := newOrchFixture(t, []provider.Event{
		{Type: provider.EventInit, SessionID: "P-1", Raw: json.RawMessage(`{"type":"init","session_id":"P-1"}`)},
		{Type: provider.EventAssistantText, Text: "implementing"},
		{Type: provider.EventToolUse, ToolName: "bash", ToolInput: map[string]any{"command": "gh pr create"}},
		{Type: provider.EventToolResult, Content: prBody},
		{Type: provider.EventResult, Success: true, Text: "Done <!-- WORK_RESULT:passed --> marker only matters for QA", CostUSD: 0.5},
	})
	work := f.seedWork(t, models.WorkTypeDevelopment)
	ctx := context.Background()

	require.NoError(t, f.orch.Run(ctx, work, "W-1"))

	session, err := f.sessions.Get(ctx, work.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, "P-1", session.ProviderSessionID)
	assert.Equal(t, "https://forge.example/org/repo/pull/42", session.PRURL)
	assert.InDelta(t, 0.5, session.CostUSD, 1e-9)

	// Tracker side effects.
	assert.Equal(t, models.TicketStatusFinished, f.tracker.Statuses["t1"])
	assert.Equal(t, []string{"https://forge.example/org/repo/pull/42"}, f.tracker.ExternalURLs["t1"])
	assert.Contains(t, f.tracker.Unassigned, "t1")
	require.NotEmpty(t, f.tracker.Comments["t1"])
	assert.Contains(t, f.tracker.Comments["t1"][0], "Done")

	// Lock released, ticket marked agent-worked.
	lock, err := f.scheduler.GetLock(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, lock)
	worked, err := f.store.Exists(ctx, store.AgentWorkedKey("t1"))
	require.NoError(t, err)
	assert.True(t, worked)

	// Event log captured the raw init line.
	wtPath := filepath.Join(f.cfg.Worker.WorktreesRoot, "T-1-DEV")
	data, err := os.ReadFile(NewStateDir(wtPath).EventsPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"P-1"`)
}

func TestRunQAFailureFeedsEscalation(t *testing.T) {
	f := newOrchFixture(t, []provider.Event{
		{Type: provider.EventInit, SessionID: "P-2"},
		{Type: provider.EventResult, Success: true, Text: "Broken build <!-- WORK_RESULT:failed -->", CostUSD: 1.0},
	})
	work := f.seedWork(t, models.WorkTypeQA)
	ctx := context.Background()

	require.NoError(t, f.orch.Run(ctx, work, "W-1"))

	session, err := f.sessions.Get(ctx, work.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)

	assert.Equal(t, models.TicketStatusRejected, f.tracker.Statuses["t1"])

	rec, err := f.escalation.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CycleCount)
	assert.Contains(t, rec.FailureSummary, "Cycle 1")
	assert.Contains(t, rec.FailureSummary, "Broken build")

	armed, err := f.store.Exists(ctx, store.QAFailedKey("t1"))
	require.NoError(t, err)
	assert.True(t, armed)
}

func TestRunQAUnknownResultLeavesStatusAlone(t *testing.T) {
	f := newOrchFixture(t, []provider.Event{
		{Type: provider.EventInit, SessionID: "P-3"},
		{Type: provider.EventResult, Success: true, Text: "I did some things but forgot the marker"},
	})
	work := f.seedWork(t, models.WorkTypeQA)
	ctx := context.Background()

	require.NoError(t, f.orch.Run(ctx, work, "W-1"))

	_, transitioned := f.tracker.Statuses["t1"]
	assert.False(t, transitioned, "unknown result must not transition the ticket")

	var diagnostic bool
	for _, c := range f.tracker.Comments["t1"] {
		diagnostic = diagnostic || strings.Contains(c, "work-result marker")
	}
	assert.True(t, diagnostic, "diagnostic comment expected")

	// Unknown counts as a verify failure.
	rec, err := f.escalation.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CycleCount)
}

func TestRunAcceptancePassClearsEscalation(t *testing.T) {
	f := newOrchFixture(t, []provider.Event{
		{Type: provider.EventInit, SessionID: "P-4"},
		{Type: provider.EventResult, Success: true, Text: "Ship it <!-- WORK_RESULT:passed -->"},
	})
	ctx := context.Background()
	_, err := f.escalation.RecordVerifyFailure(ctx, "t1", "T-1", models.PhaseAttempt{
		WorkType: models.WorkTypeQA, Result: models.WorkResultFailed,
	}, "earlier failure")
	require.NoError(t, err)

	work := f.seedWork(t, models.WorkTypeAcceptance)
	require.NoError(t, f.orch.Run(ctx, work, "W-1"))

	assert.Equal(t, models.TicketStatusAccepted, f.tracker.Statuses["t1"])
	rec, err := f.escalation.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, rec.CycleCount, "acceptance pass clears the escalation record")
}

func TestRunRecoversCrashedSession(t *testing.T) {
	f := newOrchFixture(t, []provider.Event{
		{Type: provider.EventInit, SessionID: "P-9"},
		{Type: provider.EventResult, Success: true, Text: "Recovered and finished"},
	})
	work := f.seedWork(t, models.WorkTypeDevelopment)

	// A previous run left state behind with a stale (missing) heartbeat.
	wtPath := filepath.Join(f.cfg.Worker.WorktreesRoot, "T-1-DEV")
	state := NewStateDir(wtPath)
	require.NoError(t, state.Init())
	require.NoError(t, state.WriteState(&WorktreeState{
		SessionID:         work.SessionID,
		ProviderSessionID: "prov-old",
		Phase:             "implementation",
		RecoveryAttempts:  1,
	}))
	require.NoError(t, state.WriteTodos(json.RawMessage(`[{"text":"finish the parser"}]`)))

	require.NoError(t, f.orch.Run(context.Background(), work, "W-1"))

	require.Equal(t, []string{"prov-old"}, f.provider.ResumedWith, "recovery must resume the previous conversation")
	require.Len(t, f.provider.Spawned, 1)
	prompt := f.provider.Spawned[0].Prompt
	assert.Contains(t, prompt, "interrupted")
	assert.Contains(t, prompt, "finish the parser")
}

func TestRunRefusesFreshHeartbeat(t *testing.T) {
	f := newOrchFixture(t, nil)
	work := f.seedWork(t, models.WorkTypeDevelopment)

	wtPath := filepath.Join(f.cfg.Worker.WorktreesRoot, "T-1-DEV")
	state := NewStateDir(wtPath)
	require.NoError(t, state.Init())
	require.NoError(t, state.WriteState(&WorktreeState{SessionID: work.SessionID}))
	require.NoError(t, state.WriteHeartbeat(&HeartbeatState{PID: 1}))

	err := f.orch.Run(context.Background(), work, "W-1")
	assert.ErrorIs(t, err, ErrAgentAlreadyRunning)
	assert.Empty(t, f.provider.Spawned)
}

func TestRunRefusesExhaustedRecovery(t *testing.T) {
	f := newOrchFixture(t, nil)
	work := f.seedWork(t, models.WorkTypeDevelopment)

	wtPath := filepath.Join(f.cfg.Worker.WorktreesRoot, "T-1-DEV")
	state := NewStateDir(wtPath)
	require.NoError(t, state.Init())
	require.NoError(t, state.WriteState(&WorktreeState{
		SessionID:        work.SessionID,
		RecoveryAttempts: f.cfg.Agent.MaxRecoveryAttempts,
	}))

	ctx := context.Background()
	err := f.orch.Run(ctx, work, "W-1")
	assert.ErrorIs(t, err, ErrMaxRecoveryAttempts)

	session, serr := f.sessions.Get(ctx, work.SessionID)
	require.NoError(t, serr)
	assert.Equal(t, models.SessionStatusFailed, session.Status)

	// The ticket is freed for other work.
	lock, lerr := f.scheduler.GetLock(ctx, "t1")
	require.NoError(t, lerr)
	assert.Nil(t, lock)
}

func TestRunSpawnFailureFreesTicket(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.provider.SpawnErr = provider.ErrSpawnFailed
	work := f.seedWork(t, models.WorkTypeDevelopment)
	ctx := context.Background()

	err := f.orch.Run(ctx, work, "W-1")
	assert.ErrorIs(t, err, provider.ErrSpawnFailed)

	session, serr := f.sessions.Get(ctx, work.SessionID)
	require.NoError(t, serr)
	assert.Equal(t, models.SessionStatusFailed, session.Status)
	assert.NotEmpty(t, session.ErrorMessage)

	lock, lerr := f.scheduler.GetLock(ctx, "t1")
	require.NoError(t, lerr)
	assert.Nil(t, lock)
}

func TestStopAndInjectUnknownSession(t *testing.T) {
	f := newOrchFixture(t, nil)
	assert.ErrorIs(t, f.orch.Stop("nope", StopReasonUserRequest), ErrSessionNotFound)
	assert.ErrorIs(t, f.orch.Inject(context.Background(), "nope", "hi"), ErrSessionNotFound)
}

func TestFinalizeStoppedSession(t *testing.T) {
	f := newOrchFixture(t, nil)
	ctx := context.Background()

	session := &models.Session{
		ID:               "sess-stop",
		TicketID:         "t1",
		TicketIdentifier: "T-1",
		WorkType:         models.WorkTypeCoordination,
		Status:           models.SessionStatusRunning,
	}
	require.NoError(t, f.sessions.Save(ctx, session))
	work := &models.QueuedWork{
		SessionID: session.ID, TicketID: "t1", TicketIdentifier: "T-1",
		WorkType: models.WorkTypeCoordination,
	}

	run := &activeRun{}
	run.setStopReason(StopReasonTimeout)
	wtPath := filepath.Join(f.cfg.Worker.WorktreesRoot, "T-1-COORD")
	require.NoError(t, os.MkdirAll(wtPath, 0o755))

	err := f.orch.finalize(ctx, session.ID, work, wtPath, run, &pumpState{}, provider.ErrStreamAborted)
	require.NoError(t, err)

	got, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
	assert.Equal(t, StopReasonTimeout, got.StopReason)

	// No tracker status rollback on stop, only the notice comment.
	_, transitioned := f.tracker.Statuses["t1"]
	assert.False(t, transitioned)
	require.NotEmpty(t, f.tracker.Comments["t1"])
	assert.Contains(t, f.tracker.Comments["t1"][0], "stopped")
}

func TestRunPicksUpPendingPrompt(t *testing.T) {
	// The inbox entry is queued before the run; the sampler is too slow for
	// a fast script, so this exercises only the pre-claimed plumbing.
	f := newOrchFixture(t, []provider.Event{
		{Type: provider.EventResult, Success: true, Text: "done"},
	})
	work := f.seedWork(t, models.WorkTypeDevelopment)
	ctx := context.Background()

	_, err := f.inbox.Add(ctx, work.SessionID, "remember the docs", "u1", "alice")
	require.NoError(t, err)
	require.NoError(t, f.orch.Run(ctx, work, "W-1"))

	// Prompt stays queued for the next run when the agent exits first.
	n, err := f.inbox.Len(ctx, work.SessionID)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(1))

	session, err := f.sessions.Get(ctx, work.SessionID)
	require.NoError(t, err)
	assert.True(t, session.Status.Terminal())
}

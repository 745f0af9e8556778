// Package orchestrator supervises one claimed session end to end on the
// worker host: scratch worktree, child agent process, state and heartbeat
// files, event-stream pumping, completion disposition, and cleanup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/codeready-toolchain/herder/pkg/config"
	"github.com/codeready-toolchain/herder/pkg/dispatch"
	"github.com/codeready-toolchain/herder/pkg/escalation"
	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/prompts"
	"github.com/codeready-toolchain/herder/pkg/provider"
	"github.com/codeready-toolchain/herder/pkg/scheduler"
	"github.com/codeready-toolchain/herder/pkg/sessions"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
)

// ErrSessionNotFound indicates claimed work whose session record has expired.
var ErrSessionNotFound = errors.New("session not found")

// Stop reasons.
const (
	StopReasonUserRequest = "user_request"
	StopReasonTimeout     = "timeout"
)

// samplerInterval is the cadence of the per-session timeout/inbox sampler.
const samplerInterval = time.Second

// qaFailedCooldown arms the re-trigger suppression window after a failed
// verify phase.
const qaFailedCooldown = time.Hour

// Orchestrator runs claimed sessions. One Run call per session, each on its
// own goroutine, up to the worker's capacity.
type Orchestrator struct {
	cfg        *config.Config
	provider   provider.Provider
	tracker    tracker.Client
	sessions   *sessions.Service
	scheduler  *scheduler.Scheduler
	escalation *escalation.Tracker
	inbox      *prompts.Inbox
	store      store.Store
	worktrees  *WorktreeManager
	hooks      ActivityHooks

	prURLRe *regexp.Regexp
	sleep   func(context.Context, time.Duration)
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is the control surface of one live session.
type activeRun struct {
	handle    provider.Handle
	hb        *heartbeatWriter
	startedAt time.Time

	mu         sync.Mutex
	stopReason string
}

func (r *activeRun) setStopReason(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopReason == "" {
		r.stopReason = reason
	}
}

func (r *activeRun) StopReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason
}

// New builds an orchestrator.
func New(cfg *config.Config, prov provider.Provider, tc tracker.Client, sess *sessions.Service, sched *scheduler.Scheduler, esc *escalation.Tracker, inbox *prompts.Inbox, st store.Store) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		provider:   prov,
		tracker:    tc,
		sessions:   sess,
		scheduler:  sched,
		escalation: esc,
		inbox:      inbox,
		store:      st,
		worktrees:  NewWorktreeManager(cfg.Worker.RepoPath, cfg.Worker.WorktreesRoot),
		prURLRe:    prURLRegexp(cfg.Tracker.ForgeHost),
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
		now:    time.Now,
		active: make(map[string]*activeRun),
	}
}

// SetActivityHooks installs the tracker-activity listener. Call before Run.
func (o *Orchestrator) SetActivityHooks(hooks ActivityHooks) {
	o.hooks = hooks
}

func prURLRegexp(forgeHost string) *regexp.Regexp {
	if forgeHost == "" {
		return regexp.MustCompile(`https://[^/\s]+/[^/\s]+/[^/\s]+/pull/\d+`)
	}
	return regexp.MustCompile(`https://` + regexp.QuoteMeta(forgeHost) + `/[^/\s]+/[^/\s]+/pull/\d+`)
}

// Stop requests a running session to stop with the given reason.
func (o *Orchestrator) Stop(sessionID, reason string) error {
	o.mu.Lock()
	run, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	run.setStopReason(reason)
	run.handle.Cancel()
	slog.Info("Session stop requested", "session_id", sessionID, "reason", reason)
	return nil
}

// Inject sends a user follow-up into a running session's input stream.
func (o *Orchestrator) Inject(ctx context.Context, sessionID, text string) error {
	o.mu.Lock()
	run, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := run.handle.InjectMessage(ctx, text); err != nil {
		return err
	}
	run.hb.Touch()
	return nil
}

// ActiveCount returns the number of sessions this orchestrator is running.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Run supervises one claimed session to its terminal status. Blocking; the
// caller runs it on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context, work *models.QueuedWork, workerID string) error {
	log := slog.With("session_id", work.SessionID, "ticket", work.TicketIdentifier, "work_type", work.WorkType)

	session, err := o.sessions.Get(ctx, work.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, work.SessionID)
	}
	session, err = o.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusClaimed, func(s *models.Session) {
		s.WorkerID = workerID
	})
	if err != nil {
		return err
	}
	if err := o.scheduler.SetLockWorker(ctx, work.TicketID, workerID); err != nil {
		log.Warn("Failed to record lock worker", "error", err)
	}

	wtPath, err := o.worktrees.Create(ctx, work.TicketIdentifier, work.WorkType)
	if err != nil {
		return o.failEarly(ctx, session, fmt.Errorf("creating worktree: %w", err))
	}
	state := NewStateDir(wtPath)
	if err := state.Init(); err != nil {
		return o.failEarly(ctx, session, fmt.Errorf("initialising state dir: %w", err))
	}

	prev, err := checkRecovery(state, o.cfg.Agent.HeartbeatTimeout, o.cfg.Agent.MaxRecoveryAttempts)
	if err != nil {
		if errors.Is(err, ErrAgentAlreadyRunning) {
			// Another supervisor still owns the worktree; leave everything be.
			return err
		}
		if errors.Is(err, ErrMaxRecoveryAttempts) {
			return o.failEarly(ctx, session, err)
		}
		log.Warn("Unreadable worktree state, starting fresh", "error", err)
	}

	prompt := SelectPrompt(o.cfg.Worker.TemplatesDir, work.WorkType, work.TicketIdentifier, work.Prompt)
	providerSID := work.ProviderSessionID
	attempts := 0
	if prev != nil {
		attempts = prev.RecoveryAttempts + 1
		if prev.ProviderSessionID != "" {
			providerSID = prev.ProviderSessionID
		}
		todos, _ := state.ReadTodos()
		prompt = buildRecoveryPrompt(prev, string(todos), prompt)
		log.Info("Recovering interrupted session", "attempt", attempts)
	}

	if err := o.worktrees.PrepareDependencies(ctx, wtPath, o.cfg.Worker.InstallCommand); err != nil {
		log.Warn("Dependency preparation failed", "error", err)
	}

	wtState := &WorktreeState{
		SessionID:        session.ID,
		TicketID:         work.TicketID,
		TicketIdentifier: work.TicketIdentifier,
		WorkType:         work.WorkType,
		Status:           "starting",
		Prompt:           work.Prompt,
		RecoveryAttempts: attempts,
		StartedAt:        o.now().UnixMilli(),
	}
	if err := state.WriteState(wtState); err != nil {
		return o.failEarly(ctx, session, fmt.Errorf("writing worktree state: %w", err))
	}

	spawnCfg := provider.SpawnConfig{
		Prompt:     prompt,
		WorkingDir: wtPath,
		Env:        buildAgentEnv(session.ID, work.TicketID, "", work.WorkType, nil),
		Autonomous: true,
		Sandbox:    true,
		OnProcessSpawned: func(pid int) {
			wtState.PID = pid
			wtState.Status = "running"
			if err := state.WriteState(wtState); err != nil {
				slog.Warn("Failed to record agent pid", "error", err)
			}
		},
	}

	var handle provider.Handle
	if providerSID != "" {
		handle, err = o.provider.Resume(ctx, providerSID, spawnCfg)
	} else {
		handle, err = o.provider.Spawn(ctx, spawnCfg)
	}
	if err != nil {
		return o.failEarly(ctx, session, fmt.Errorf("spawning agent: %w", err))
	}

	hb := newHeartbeatWriter(state, o.cfg.Agent.HeartbeatInterval)
	hb.Start()
	emitter := newActivityEmitter(o.hooks, 0)
	emitter.Start(ctx)

	run := &activeRun{handle: handle, hb: hb, startedAt: o.now()}
	o.mu.Lock()
	o.active[session.ID] = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, session.ID)
		o.mu.Unlock()
	}()

	if updated, uerr := o.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusRunning, func(s *models.Session) {
		s.WorktreePath = wtPath
	}); uerr != nil {
		log.Warn("Failed to mark session running", "error", uerr)
	} else {
		session = updated
	}

	samplerStop := make(chan struct{})
	go o.sample(ctx, session.ID, run, samplerStop)

	pump := o.pump(ctx, session, work, handle, state, hb, emitter, wtState)

	close(samplerStop)
	hb.Stop()
	emitter.Stop(ctx)

	return o.finalize(ctx, session.ID, work, wtPath, run, pump, handle.Err())
}

// failEarly marks a session failed before its agent ever ran and frees the
// ticket.
func (o *Orchestrator) failEarly(ctx context.Context, session *models.Session, cause error) error {
	slog.Error("Session failed before spawn", "session_id", session.ID, "error", cause)
	if _, err := o.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusFailed, func(s *models.Session) {
		s.ErrorMessage = cause.Error()
	}); err != nil {
		slog.Warn("Failed to mark session failed", "session_id", session.ID, "error", err)
	}
	if err := o.scheduler.ReleaseClaim(ctx, session.ID); err != nil {
		slog.Warn("Failed to release claim", "session_id", session.ID, "error", err)
	}
	if _, err := o.scheduler.ReleaseLockAndPromote(ctx, session.TicketID); err != nil {
		slog.Warn("Failed to release lock", "ticket_id", session.TicketID, "error", err)
	}
	return cause
}

// sample watches one running session: inactivity and max-session timeouts,
// and the pending-prompts inbox.
func (o *Orchestrator) sample(ctx context.Context, sessionID string, run *activeRun, stop <-chan struct{}) {
	ticker := time.NewTicker(samplerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := o.now()
		if o.cfg.Agent.InactivityTimeout > 0 && now.Sub(run.hb.LastActivity()) > o.cfg.Agent.InactivityTimeout {
			slog.Warn("Session inactive too long, stopping", "session_id", sessionID)
			_ = o.Stop(sessionID, StopReasonTimeout)
			return
		}
		if o.cfg.Agent.MaxSessionTimeout > 0 && now.Sub(run.startedAt) > o.cfg.Agent.MaxSessionTimeout {
			slog.Warn("Session exceeded max duration, stopping", "session_id", sessionID)
			_ = o.Stop(sessionID, StopReasonTimeout)
			return
		}

		prompt, err := o.inbox.Pop(ctx, sessionID)
		if err != nil || prompt == nil {
			continue
		}
		if err := run.handle.InjectMessage(ctx, prompt.Prompt); err != nil {
			slog.Warn("Failed to inject pending prompt", "session_id", sessionID, "error", err)
			continue
		}
		run.hb.Touch()
		slog.Info("Injected pending prompt", "session_id", sessionID, "prompt_id", prompt.ID)
	}
}

// finalize decides the session's terminal status and runs every completion
// side effect: marker classification, tracker transition, comments,
// escalation bookkeeping, lock release, and worktree disposition.
func (o *Orchestrator) finalize(ctx context.Context, sessionID string, work *models.QueuedWork, wtPath string, run *activeRun, pump *pumpState, streamErr error) error {
	log := slog.With("session_id", sessionID, "ticket", work.TicketIdentifier)

	session, err := o.sessions.UpdateStatus(ctx, sessionID, models.SessionStatusFinalizing, func(s *models.Session) {
		s.CostUSD += pump.costUSD
		s.InputTokens += pump.inputTokens
		s.OutputTokens += pump.outputTokens
		if pump.providerSessionID != "" {
			s.ProviderSessionID = pump.providerSessionID
		}
		if pump.prURL != "" {
			s.PRURL = pump.prURL
		}
	})
	if err != nil {
		return err
	}

	stopReason := run.StopReason()
	stopped := stopReason != "" || errors.Is(streamErr, provider.ErrStreamAborted)

	var result models.WorkResult
	switch {
	case stopped:
		result = models.WorkResultUnknown
	case streamErr != nil:
		result = models.WorkResultFailed
		log.Error("Agent stream failed", "error", streamErr)
	default:
		result = classifyResult(work.WorkType, pump.finalMessage)
	}

	if !stopped && streamErr == nil {
		if work.WorkType.ResultSensitive() && result == models.WorkResultUnknown {
			o.postUnknownResultDiagnostic(ctx, session)
		} else {
			o.autoTransition(ctx, session, result)
		}
		o.unassignAgent(ctx, session)
		if pump.prURL != "" {
			if err := o.tracker.SetExternalURLs(ctx, session.TicketID, []string{pump.prURL}); err != nil {
				log.Warn("Failed to set external URLs", "error", err)
			}
		}
		o.postCompletionComments(ctx, session.TicketID, pump.finalMessage)
	}

	if stopped {
		reason := stopReason
		if reason == "" {
			reason = StopReasonUserRequest
		}
		body := fmt.Sprintf("Agent session for %s was stopped (%s).", work.TicketIdentifier, reason)
		if err := o.tracker.CreateComment(ctx, work.TicketID, body); err != nil {
			log.Warn("Failed to post stop notice", "error", err)
		}
	}

	o.recordEscalation(ctx, session, work, result, pump, stopped)

	terminal := o.worktreeDisposition(ctx, session, work, wtPath, stopped, streamErr)

	if _, err := o.sessions.UpdateStatus(ctx, sessionID, terminal, func(s *models.Session) {
		if stopped {
			s.StopReason = stopReason
			if s.StopReason == "" {
				s.StopReason = StopReasonUserRequest
			}
		}
		if streamErr != nil && !stopped {
			s.ErrorMessage = streamErr.Error()
		}
	}); err != nil {
		log.Warn("Failed to set terminal status", "status", terminal, "error", err)
	}

	if err := o.scheduler.ReleaseClaim(ctx, sessionID); err != nil {
		log.Warn("Failed to release claim", "error", err)
	}
	if _, err := o.scheduler.ReleaseLockAndPromote(ctx, work.TicketID); err != nil {
		log.Warn("Failed to release lock", "error", err)
	}

	log.Info("Session finished",
		"status", terminal, "result", result, "cost_usd", pump.costUSD, "pr_url", pump.prURL)
	if streamErr != nil && !stopped {
		return streamErr
	}
	return nil
}

// recordEscalation feeds the escalation tracker and arms the verify-failure
// cooldown. Agent-worked marking for auto-QA gating also lives here.
func (o *Orchestrator) recordEscalation(ctx context.Context, session *models.Session, work *models.QueuedWork, result models.WorkResult, pump *pumpState, stopped bool) {
	attempt := models.PhaseAttempt{
		SessionID: session.ID,
		WorkType:  work.WorkType,
		Result:    result,
		CostUSD:   pump.costUSD,
	}

	switch work.WorkType {
	case models.WorkTypeDevelopment, models.WorkTypeInflight, models.WorkTypeRefinement:
		if !stopped {
			if err := o.store.Set(ctx, store.AgentWorkedKey(work.TicketID), session.ID, dispatch.AgentWorkedTTL); err != nil {
				slog.Warn("Failed to mark ticket agent-worked", "ticket_id", work.TicketID, "error", err)
			}
		}
	}

	if !work.WorkType.ResultSensitive() || stopped {
		return
	}

	switch result {
	case models.WorkResultPassed:
		if err := o.escalation.RecordAttempt(ctx, work.TicketID, attempt); err != nil {
			slog.Warn("Failed to record phase attempt", "error", err)
		}
		if work.WorkType == models.WorkTypeAcceptance || work.WorkType == models.WorkTypeAcceptanceCoordination {
			if err := o.escalation.Clear(ctx, work.TicketID); err != nil {
				slog.Warn("Failed to clear escalation record", "error", err)
			}
		}
	case models.WorkResultFailed, models.WorkResultUnknown:
		if _, err := o.escalation.RecordVerifyFailure(ctx, work.TicketID, work.TicketIdentifier, attempt, pump.finalMessage); err != nil {
			slog.Warn("Failed to record verify failure", "error", err)
		}
		if work.WorkType == models.WorkTypeQA || work.WorkType == models.WorkTypeQACoordination {
			if err := o.store.Set(ctx, store.QAFailedKey(work.TicketID), string(result), qaFailedCooldown); err != nil {
				slog.Warn("Failed to arm QA cooldown", "error", err)
			}
		}
	}
}

// worktreeDisposition removes or preserves the scratch worktree and returns
// the session's terminal status.
func (o *Orchestrator) worktreeDisposition(ctx context.Context, session *models.Session, work *models.QueuedWork, wtPath string, stopped bool, streamErr error) models.SessionStatus {
	terminal := models.SessionStatusCompleted
	if stopped {
		terminal = models.SessionStatusStopped
	} else if streamErr != nil {
		terminal = models.SessionStatusFailed
	}

	preservable := work.WorkType == models.WorkTypeDevelopment || work.WorkType == models.WorkTypeInflight
	if preservable {
		incomplete, err := o.worktrees.HasIncompleteWork(ctx, wtPath)
		if err != nil {
			slog.Warn("Incomplete-work check failed, preserving worktree", "path", wtPath, "error", err)
			return terminal
		}
		if incomplete && o.cfg.Agent.PreserveWorkOnPRFailure {
			if terminal == models.SessionStatusCompleted {
				terminal = models.SessionStatusIncomplete
			}
			body := fmt.Sprintf("Work on %s ended with uncommitted or unpushed changes. The worktree `%s` was preserved for recovery.",
				work.TicketIdentifier, wtPath)
			if err := o.tracker.CreateComment(ctx, work.TicketID, body); err != nil {
				slog.Warn("Failed to announce preserved worktree", "error", err)
			}
			return terminal
		}
	}

	if err := o.worktrees.Remove(ctx, wtPath); err != nil {
		slog.Warn("Worktree removal failed", "path", wtPath, "error", err)
	}
	return terminal
}

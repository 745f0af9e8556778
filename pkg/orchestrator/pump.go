package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/herder/pkg/models"
	"github.com/codeready-toolchain/herder/pkg/provider"
	"github.com/codeready-toolchain/herder/pkg/store"
	"github.com/codeready-toolchain/herder/pkg/tracker"
)

// todoToolNames are the tool names whose inputs carry the agent's todo list.
var todoToolNames = map[string]struct{}{
	"todo_write": {},
	"TodoWrite":  {},
}

// sessionsDedupTTL bounds how long a reported tool failure suppresses
// duplicates.
const sessionsDedupTTL = 24 * time.Hour

// toolErrorPatterns classify execution errors worth reporting as tracker
// issues.
var toolErrorPatterns = []string{
	"command not found",
	"permission denied",
	"ENOENT",
	"no such file or directory",
	"timed out",
	"rate limit",
	"ECONNREFUSED",
}

// pumpState accumulates what the stream produced.
type pumpState struct {
	providerSessionID string
	finalMessage      string
	costUSD           float64
	inputTokens       int64
	outputTokens      int64
	prURL             string
	lastTool          string
	resultSuccess     bool
}

// pump drains the agent's event stream, mirroring progress into the state
// files, the activity emitter, and the session record. Per-event errors are
// logged and never terminate the loop; the stream's close is the exit.
func (o *Orchestrator) pump(ctx context.Context, session *models.Session, work *models.QueuedWork, handle provider.Handle, state *StateDir, hb *heartbeatWriter, emitter *activityEmitter, wtState *WorktreeState) *pumpState {
	ps := &pumpState{}
	log := slog.With("session_id", session.ID, "ticket", work.TicketIdentifier)

	for ev := range handle.Events() {
		if o.cfg.Agent.EventLogEnabled {
			if err := state.AppendEvent(ev.Raw); err != nil {
				log.Warn("Event log append failed", "error", err)
			}
		}

		switch ev.Type {
		case provider.EventInit:
			ps.providerSessionID = ev.SessionID
			wtState.ProviderSessionID = ev.SessionID
			if err := state.WriteState(wtState); err != nil {
				log.Warn("Failed to persist provider session id", "error", err)
			}
			if _, err := o.sessions.Mutate(ctx, session.ID, func(s *models.Session) {
				s.ProviderSessionID = ev.SessionID
			}); err != nil {
				log.Warn("Failed to record provider session id", "error", err)
			}
			emitter.Emit(Activity{Kind: ActivityStatus, Text: "Agent session initialised"})
			_ = state.AppendProgress("init", ev.SessionID)

		case provider.EventAssistantText:
			hb.Touch()
			emitter.Emit(Activity{Kind: ActivityThought, Text: ev.Text})

		case provider.EventToolUse:
			hb.RecordToolCall()
			ps.lastTool = ev.ToolName
			emitter.Emit(Activity{Kind: ActivityAction, Tool: ev.ToolName, Text: describeToolUse(ev)})
			_ = state.AppendProgress("tool_use", ev.ToolName)
			if _, isTodo := todoToolNames[ev.ToolName]; isTodo {
				o.persistTodos(state, ev.ToolInput)
			}

		case provider.EventToolProgress:
			hb.Touch()

		case provider.EventToolResult:
			hb.Touch()
			emitter.Emit(Activity{Kind: ActivityResult, Tool: ps.lastTool, Text: truncate(ev.Content, 200)})
			if ps.prURL == "" {
				if url := o.prURLRe.FindString(ev.Content); url != "" {
					ps.prURL = url
					log.Info("Pull request detected", "url", url)
				}
			}

		case provider.EventResult:
			ps.resultSuccess = ev.Success
			ps.finalMessage = ev.Text
			if ps.finalMessage == "" {
				ps.finalMessage = ev.Message
			}
			ps.costUSD += ev.CostUSD
			ps.inputTokens += ev.InputTokens
			ps.outputTokens += ev.OutputTokens
			wtState.Status = "completing"
			if err := state.WriteState(wtState); err != nil {
				log.Warn("Failed to persist completing state", "error", err)
			}
			if o.cfg.Agent.MaxCostUSD > 0 && session.CostUSD+ps.costUSD > o.cfg.Agent.MaxCostUSD {
				log.Warn("Session exceeded cost limit",
					"cost_usd", session.CostUSD+ps.costUSD, "limit", o.cfg.Agent.MaxCostUSD)
			}
			if !ev.Success && ev.ErrorSubtype == "error_during_execution" {
				o.reportToolErrors(ctx, work, ps.lastTool, ev.Errors)
			}
			_ = state.AppendProgress("result", fmt.Sprintf("success=%t cost=%.4f", ev.Success, ev.CostUSD))

		case provider.EventError:
			log.Warn("Agent error event", "code", ev.Code, "message", ev.Message)
			_ = state.AppendProgress("error", ev.Message)

		case provider.EventSystem:
			// Informational only.

		default:
			log.Debug("Unhandled agent event", "type", ev.Type)
		}
	}
	return ps
}

// persistTodos writes the todo list carried in a todo-writer tool input.
func (o *Orchestrator) persistTodos(state *StateDir, input map[string]any) {
	todos, ok := input["todos"]
	if !ok {
		return
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return
	}
	if err := state.WriteTodos(data); err != nil {
		slog.Warn("Failed to persist todos", "error", err)
	}
}

// reportToolErrors files a deduplicated tracker issue for each execution
// error matching a known tool-failure pattern.
func (o *Orchestrator) reportToolErrors(ctx context.Context, work *models.QueuedWork, toolName string, errs []string) {
	for _, errText := range errs {
		if !matchesToolErrorPattern(errText) {
			continue
		}
		sig := models.IssueSignature(toolName, errText)
		fresh, err := o.store.SetNX(ctx, store.TrackedIssueKey(sig), work.TicketID, sessionsDedupTTL)
		if err != nil || !fresh {
			continue
		}
		title := fmt.Sprintf("Agent tool failure: %s", truncate(errText, 100))
		issue := tracker.NewIssue{
			Title:       title,
			Description: fmt.Sprintf("Tool `%s` failed while working on %s:\n\n```\n%s\n```", toolName, work.TicketIdentifier, errText),
		}
		if _, err := o.tracker.CreateIssue(ctx, issue); err != nil {
			slog.Warn("Failed to file tool-failure issue", "error", err)
		}
	}
}

func matchesToolErrorPattern(errText string) bool {
	lower := strings.ToLower(errText)
	for _, p := range toolErrorPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func describeToolUse(ev provider.Event) string {
	if len(ev.ToolInput) == 0 {
		return ev.ToolName
	}
	data, err := json.Marshal(ev.ToolInput)
	if err != nil {
		return ev.ToolName
	}
	return fmt.Sprintf("%s %s", ev.ToolName, truncate(string(data), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Package provider abstracts the child agent process. A provider spawns or
// resumes an agent, exposes its output as an ordered, single-shot event
// stream, and accepts mid-run message injection and cancellation.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors for provider operations.
var (
	// ErrSpawnFailed indicates the child agent process could not be started.
	ErrSpawnFailed = errors.New("agent spawn failed")

	// ErrStreamAborted indicates the stream ended because the abort token
	// fired, not because the agent finished.
	ErrStreamAborted = errors.New("agent stream aborted")
)

// EventType discriminates the agent event union.
type EventType string

// Agent event types.
const (
	EventInit          EventType = "init"
	EventSystem        EventType = "system"
	EventAssistantText EventType = "assistant_text"
	EventToolUse       EventType = "tool_use"
	EventToolProgress  EventType = "tool_progress"
	EventToolResult    EventType = "tool_result"
	EventResult        EventType = "result"
	EventError         EventType = "error"
)

// Event is one normalised agent event. The populated fields depend on Type.
type Event struct {
	Type EventType `json:"type"`

	// init
	SessionID string `json:"session_id,omitempty"`

	// system
	Subtype string `json:"subtype,omitempty"`
	Message string `json:"message,omitempty"`

	// assistant_text
	Text string `json:"text,omitempty"`

	// tool_use / tool_progress / tool_result
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	ToolUseID      string         `json:"tool_use_id,omitempty"`
	ElapsedSeconds float64        `json:"elapsed_seconds,omitempty"`
	Content        string         `json:"content,omitempty"`
	IsError        bool           `json:"is_error,omitempty"`

	// result
	Success      bool     `json:"success,omitempty"`
	CostUSD      float64  `json:"cost_usd,omitempty"`
	InputTokens  int64    `json:"input_tokens,omitempty"`
	OutputTokens int64    `json:"output_tokens,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	ErrorSubtype string   `json:"error_subtype,omitempty"`

	// error
	Code string `json:"code,omitempty"`

	// Raw carries the original wire payload for the event log.
	Raw json.RawMessage `json:"-"`
}

// SpawnConfig configures a new or resumed agent run.
type SpawnConfig struct {
	Prompt     string
	WorkingDir string
	Env        []string
	Autonomous bool
	Sandbox    bool

	// OnProcessSpawned, when non-nil, receives the child PID once the
	// process has started.
	OnProcessSpawned func(pid int)
}

// Handle is one live agent run.
type Handle interface {
	// Events returns the run's ordered, single-shot event stream. The
	// channel closes when the run ends; back-pressure is the consumer's
	// responsibility.
	Events() <-chan Event

	// InjectMessage sends text into the running agent's input.
	InjectMessage(ctx context.Context, text string) error

	// Cancel terminates the child process. Idempotent.
	Cancel()

	// Err returns the terminal error after Events closes: nil for a clean
	// exit, ErrStreamAborted after Cancel, the process error otherwise.
	Err() error
}

// Provider spawns and resumes agent runs.
type Provider interface {
	Spawn(ctx context.Context, cfg SpawnConfig) (Handle, error)
	Resume(ctx context.Context, providerSessionID string, cfg SpawnConfig) (Handle, error)
}

package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/herder/pkg/models"
)

// Supervisor state file layout inside each worktree.
const (
	stateDirName     = ".agent"
	stateFileName    = "state.json"
	heartbeatName    = "heartbeat.json"
	todosName        = "todos.json"
	progressName     = "progress.log"
	eventsName       = "events.jsonl"
	progressMaxBytes = 1 << 20
)

// WorktreeState is the crash-recovery record for one supervised session.
// Local to the worker host; the store carries the fleet-visible mirror.
type WorktreeState struct {
	SessionID         string          `json:"session_id"`
	TicketID          string          `json:"ticket_id"`
	TicketIdentifier  string          `json:"ticket_identifier"`
	WorkType          models.WorkType `json:"work_type"`
	ProviderSessionID string          `json:"provider_session_id,omitempty"`
	Status            string          `json:"status"`
	Phase             string          `json:"phase,omitempty"`
	Prompt            string          `json:"prompt,omitempty"`
	RecoveryAttempts  int             `json:"recovery_attempts"`
	PID               int             `json:"pid,omitempty"`
	StartedAt         int64           `json:"started_at"` // unix millis
	UpdatedAt         int64           `json:"updated_at"` // unix millis
}

// HeartbeatState is refreshed every heartbeat interval; a stale timestamp
// means the supervising process is dead.
type HeartbeatState struct {
	Timestamp     int64  `json:"timestamp"` // unix millis
	PID           int    `json:"pid"`
	MemoryBytes   uint64 `json:"memory_bytes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LastActivity  int64  `json:"last_activity"` // unix millis
	ToolCalls     int64  `json:"tool_calls"`
}

// StateDir owns the .agent/ directory inside one worktree. All writes are
// atomic (tmp + rename); exactly one process writes at a time.
type StateDir struct {
	dir string
	now func() time.Time
}

// NewStateDir returns the state directory for a worktree. Call Init before
// writing.
func NewStateDir(worktreePath string) *StateDir {
	return &StateDir{dir: filepath.Join(worktreePath, stateDirName), now: time.Now}
}

// Init creates the .agent/ directory.
func (s *StateDir) Init() error {
	return os.MkdirAll(s.dir, 0o755)
}

// Exists reports whether the state directory holds a state file.
func (s *StateDir) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, stateFileName))
	return err == nil
}

func (s *StateDir) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteState persists the crash-recovery record.
func (s *StateDir) WriteState(st *WorktreeState) error {
	st.UpdatedAt = s.now().UnixMilli()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling worktree state: %w", err)
	}
	return s.writeAtomic(stateFileName, data)
}

// ReadState loads the crash-recovery record, or (nil, nil) when absent.
func (s *StateDir) ReadState() (*WorktreeState, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st WorktreeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing worktree state: %w", err)
	}
	return &st, nil
}

// WriteHeartbeat refreshes the liveness file.
func (s *StateDir) WriteHeartbeat(hb *HeartbeatState) error {
	if hb.Timestamp == 0 {
		hb.Timestamp = s.now().UnixMilli()
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}
	return s.writeAtomic(heartbeatName, data)
}

// ReadHeartbeat loads the liveness file, or (nil, nil) when absent.
func (s *StateDir) ReadHeartbeat() (*HeartbeatState, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, heartbeatName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hb HeartbeatState
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("parsing heartbeat: %w", err)
	}
	return &hb, nil
}

// HeartbeatStale reports whether the heartbeat file is older than the given
// threshold. A missing heartbeat counts as stale.
func (s *StateDir) HeartbeatStale(threshold time.Duration) bool {
	hb, err := s.ReadHeartbeat()
	if err != nil || hb == nil {
		return true
	}
	return s.now().UnixMilli()-hb.Timestamp > threshold.Milliseconds()
}

// WriteTodos persists the agent's current todo list verbatim.
func (s *StateDir) WriteTodos(todos json.RawMessage) error {
	return s.writeAtomic(todosName, todos)
}

// ReadTodos loads the persisted todo list, or nil when absent.
func (s *StateDir) ReadTodos() (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, todosName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// AppendProgress appends a "timestamp|event_type|details" line, rotating the
// log once it exceeds 1 MiB.
func (s *StateDir) AppendProgress(eventType, details string) error {
	path := filepath.Join(s.dir, progressName)
	if info, err := os.Stat(path); err == nil && info.Size() >= progressMaxBytes {
		if err := os.Rename(path, path+".1"); err != nil {
			return fmt.Errorf("rotating progress log: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	line := fmt.Sprintf("%s|%s|%s\n", s.now().UTC().Format(time.RFC3339), eventType, details)
	_, err = f.WriteString(line)
	return err
}

// AppendEvent appends one raw event line to events.jsonl.
func (s *StateDir) AppendEvent(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, eventsName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	w := bufio.NewWriter(f)
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// EventsPath returns the session's events.jsonl path.
func (s *StateDir) EventsPath() string {
	return filepath.Join(s.dir, eventsName)
}

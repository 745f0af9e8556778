package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/herder/pkg/models"
)

func newTestStateDir(t *testing.T) *StateDir {
	t.Helper()
	s := NewStateDir(t.TempDir())
	require.NoError(t, s.Init())
	return s
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStateDir(t)
	assert.False(t, s.Exists())

	in := &WorktreeState{
		SessionID:         "s1",
		TicketID:          "t1",
		TicketIdentifier:  "T-1",
		WorkType:          models.WorkTypeDevelopment,
		ProviderSessionID: "p1",
		Status:            "running",
		RecoveryAttempts:  2,
		PID:               1234,
	}
	require.NoError(t, s.WriteState(in))
	assert.True(t, s.Exists())

	out, err := s.ReadState()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, 2, out.RecoveryAttempts)
	assert.NotZero(t, out.UpdatedAt)
}

func TestReadStateMissing(t *testing.T) {
	s := newTestStateDir(t)
	st, err := s.ReadState()
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestHeartbeatStaleness(t *testing.T) {
	s := newTestStateDir(t)

	// No heartbeat file counts as stale.
	assert.True(t, s.HeartbeatStale(30*time.Second))

	require.NoError(t, s.WriteHeartbeat(&HeartbeatState{PID: 1}))
	assert.False(t, s.HeartbeatStale(30*time.Second))

	// Backdate the clock the reader uses.
	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.True(t, s.HeartbeatStale(30*time.Second))
}

func TestHeartbeatWriteIsAtomic(t *testing.T) {
	s := newTestStateDir(t)
	require.NoError(t, s.WriteHeartbeat(&HeartbeatState{PID: 42}))

	// No tmp file left behind.
	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "stray tmp file %s", e.Name())
	}

	hb, err := s.ReadHeartbeat()
	require.NoError(t, err)
	assert.Equal(t, 42, hb.PID)
	assert.NotZero(t, hb.Timestamp)
}

func TestProgressLogRotation(t *testing.T) {
	s := newTestStateDir(t)
	big := strings.Repeat("x", 64*1024)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.AppendProgress("tool_use", big))
	}

	rotated, err := os.Stat(filepath.Join(s.dir, progressName+".1"))
	require.NoError(t, err, "log should have rotated")
	assert.GreaterOrEqual(t, rotated.Size(), int64(progressMaxBytes))

	current, err := os.Stat(filepath.Join(s.dir, progressName))
	require.NoError(t, err)
	assert.Less(t, current.Size(), int64(progressMaxBytes))
}

func TestTodosRoundTrip(t *testing.T) {
	s := newTestStateDir(t)

	none, err := s.ReadTodos()
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.WriteTodos(json.RawMessage(`[{"text":"write tests","done":false}]`)))
	todos, err := s.ReadTodos()
	require.NoError(t, err)
	assert.Contains(t, string(todos), "write tests")
}

func TestAppendEvent(t *testing.T) {
	s := newTestStateDir(t)
	require.NoError(t, s.AppendEvent(json.RawMessage(`{"type":"init"}`)))
	require.NoError(t, s.AppendEvent(nil)) // empty lines are skipped
	require.NoError(t, s.AppendEvent(json.RawMessage(`{"type":"result"}`)))

	data, err := os.ReadFile(s.EventsPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"init"}`, lines[0])
}

func TestHeartbeatWriterCountsActivity(t *testing.T) {
	s := newTestStateDir(t)
	hw := newHeartbeatWriter(s, time.Hour)
	hw.Start()
	hw.RecordToolCall()
	hw.RecordToolCall()
	hw.Stop()

	// The started write plus explicit write carry the counters.
	hw.write()
	hb, err := s.ReadHeartbeat()
	require.NoError(t, err)
	assert.Equal(t, int64(2), hb.ToolCalls)
	assert.NotZero(t, hb.LastActivity)
}

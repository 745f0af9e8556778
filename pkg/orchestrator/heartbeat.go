package orchestrator

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// heartbeatWriter refreshes the worktree heartbeat file on a fixed cadence.
// Write failures are logged and swallowed; the next tick is the retry.
type heartbeatWriter struct {
	state    *StateDir
	interval time.Duration
	started  time.Time

	lastActivity atomic.Int64 // unix millis
	toolCalls    atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newHeartbeatWriter(state *StateDir, interval time.Duration) *heartbeatWriter {
	return &heartbeatWriter{
		state:    state,
		interval: interval,
		started:  time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Touch records agent activity for the inactivity timeout and the heartbeat.
func (h *heartbeatWriter) Touch() {
	h.lastActivity.Store(time.Now().UnixMilli())
}

// RecordToolCall bumps the tool-call counter and touches activity.
func (h *heartbeatWriter) RecordToolCall() {
	h.toolCalls.Add(1)
	h.Touch()
}

// LastActivity returns the time of the most recent agent activity.
func (h *heartbeatWriter) LastActivity() time.Time {
	return time.UnixMilli(h.lastActivity.Load())
}

func (h *heartbeatWriter) Start() {
	h.Touch()
	h.write()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.write()
			case <-h.stopCh:
				return
			}
		}
	}()
}

func (h *heartbeatWriter) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *heartbeatWriter) write() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	hb := &HeartbeatState{
		PID:           os.Getpid(),
		MemoryBytes:   mem.Alloc,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		LastActivity:  h.lastActivity.Load(),
		ToolCalls:     h.toolCalls.Load(),
	}
	if err := h.state.WriteHeartbeat(hb); err != nil {
		slog.Warn("Heartbeat write failed", "error", err)
	}
}

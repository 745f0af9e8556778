package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// CLIProvider runs an agent CLI as a child process. The CLI is expected to
// emit one JSON event per stdout line and accept injected messages as JSON
// lines on stdin.
type CLIProvider struct {
	// Binary is the agent CLI executable.
	Binary string

	// BaseArgs are prepended to every invocation.
	BaseArgs []string
}

// NewCLIProvider creates a provider for the given agent binary.
func NewCLIProvider(binary string, baseArgs ...string) *CLIProvider {
	return &CLIProvider{Binary: binary, BaseArgs: baseArgs}
}

// Spawn starts a fresh agent run.
func (p *CLIProvider) Spawn(ctx context.Context, cfg SpawnConfig) (Handle, error) {
	return p.start(ctx, cfg, "")
}

// Resume continues a previous agent conversation.
func (p *CLIProvider) Resume(ctx context.Context, providerSessionID string, cfg SpawnConfig) (Handle, error) {
	if providerSessionID == "" {
		return p.start(ctx, cfg, "")
	}
	return p.start(ctx, cfg, providerSessionID)
}

func (p *CLIProvider) start(ctx context.Context, cfg SpawnConfig, resumeID string) (Handle, error) {
	args := append([]string{}, p.BaseArgs...)
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if cfg.Autonomous {
		args = append(args, "--autonomous")
	}
	if cfg.Sandbox {
		args = append(args, "--sandbox")
	}
	args = append(args, "--prompt", cfg.Prompt)

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, p.Binary, args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if cfg.OnProcessSpawned != nil {
		cfg.OnProcessSpawned(cmd.Process.Pid)
	}

	h := &cliHandle{
		events: make(chan Event, 64),
		stdin:  stdin,
		cancel: cancel,
	}
	go h.pump(cmd, stdout, runCtx)
	return h, nil
}

type cliHandle struct {
	events chan Event
	stdin  io.WriteCloser
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	err       error
}

func (h *cliHandle) Events() <-chan Event { return h.events }

// pump decodes stdout lines into events until the process exits, then closes
// the stream and records the terminal error.
func (h *cliHandle) pump(cmd *exec.Cmd, stdout io.Reader, ctx context.Context) {
	defer close(h.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			// Non-JSON output (stderr chatter) surfaces as a system event so
			// nothing the agent printed is silently lost.
			ev = Event{Type: EventSystem, Subtype: "stdout", Message: string(line)}
		}
		ev.Raw = append(json.RawMessage(nil), line...)
		h.events <- ev
	}

	waitErr := cmd.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.cancelled || ctx.Err() != nil:
		h.err = ErrStreamAborted
	case waitErr != nil:
		h.err = fmt.Errorf("agent process: %w", waitErr)
	}
}

// InjectMessage writes a user message as a JSON line on the agent's stdin.
func (h *cliHandle) InjectMessage(_ context.Context, text string) error {
	msg, err := json.Marshal(map[string]string{"type": "user_message", "text": text})
	if err != nil {
		return err
	}
	if _, err := h.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("injecting message: %w", err)
	}
	return nil
}

// Cancel kills the child process. The stream drains and closes afterwards.
func (h *cliHandle) Cancel() {
	h.mu.Lock()
	already := h.cancelled
	h.cancelled = true
	h.mu.Unlock()
	if already {
		return
	}
	slog.Debug("Cancelling agent process")
	_ = h.stdin.Close()
	h.cancel()
}

func (h *cliHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

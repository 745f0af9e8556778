package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default emitter pacing.
const (
	defaultMinInterval = 500 * time.Millisecond
	emitGap            = 100 * time.Millisecond
)

// ActivityKind classifies an emitted activity.
type ActivityKind string

// Activity kinds.
const (
	ActivityThought ActivityKind = "thought"
	ActivityAction  ActivityKind = "action"
	ActivityResult  ActivityKind = "result"
	ActivityStatus  ActivityKind = "status"
)

// Activity is one unit of agent progress surfaced to the tracker.
type Activity struct {
	Kind ActivityKind
	Tool string
	Text string
}

// ActivityHooks is the listener record for emitted activities. Absent hooks
// are no-ops, not nils, after normalize.
type ActivityHooks struct {
	OnThought func(ctx context.Context, text string)
	OnAction  func(ctx context.Context, tool, text string)
	OnResult  func(ctx context.Context, tool, text string)
	OnStatus  func(ctx context.Context, text string)
}

func (h ActivityHooks) normalize() ActivityHooks {
	if h.OnThought == nil {
		h.OnThought = func(context.Context, string) {}
	}
	if h.OnAction == nil {
		h.OnAction = func(context.Context, string, string) {}
	}
	if h.OnResult == nil {
		h.OnResult = func(context.Context, string, string) {}
	}
	if h.OnStatus == nil {
		h.OnStatus = func(context.Context, string) {}
	}
	return h
}

// activityEmitter batches agent activities toward the tracker. Consecutive
// activities of the same kind (and same tool for actions/results) merge into
// one; batches flush at minInterval, with a gap between emissions to stay
// under provider burst limits.
type activityEmitter struct {
	hooks       ActivityHooks
	minInterval time.Duration
	sleep       func(context.Context, time.Duration)

	mu      sync.Mutex
	pending []Activity

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newActivityEmitter(hooks ActivityHooks, minInterval time.Duration) *activityEmitter {
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	return &activityEmitter{
		hooks:       hooks.normalize(),
		minInterval: minInterval,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
		stopCh: make(chan struct{}),
	}
}

// Emit queues an activity, merging it into the previous one when both have
// the same kind and tool.
func (e *activityEmitter) Emit(a Activity) {
	if a.Text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.pending); n > 0 {
		last := &e.pending[n-1]
		if last.Kind == a.Kind && last.Tool == a.Tool {
			last.Text += "\n" + a.Text
			return
		}
	}
	e.pending = append(e.pending, a)
}

// Start runs the flush loop until Stop.
func (e *activityEmitter) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Flush(ctx)
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and flushes anything still pending.
func (e *activityEmitter) Stop(ctx context.Context) {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.Flush(ctx)
}

// Flush emits the current batch in order, one gap apart.
func (e *activityEmitter) Flush(ctx context.Context) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	for i, a := range batch {
		if i > 0 {
			e.sleep(ctx, emitGap)
		}
		switch a.Kind {
		case ActivityThought:
			e.hooks.OnThought(ctx, a.Text)
		case ActivityAction:
			e.hooks.OnAction(ctx, a.Tool, a.Text)
		case ActivityResult:
			e.hooks.OnResult(ctx, a.Tool, a.Text)
		case ActivityStatus:
			e.hooks.OnStatus(ctx, a.Text)
		default:
			slog.Warn("Unknown activity kind", "kind", a.Kind)
		}
	}
}
